package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnregisteredModel = errors.New("unregistered model")
	ErrUnknownModelLayer = errors.New("no default layer for model")
)

// LLMConfig holds the language-model side batch settings used when
// building activation buffers for a model.
type LLMConfig struct {
	LLMBatchSize  int    `yaml:"llm_batch_size" json:"llm_batch_size"`
	ContextLength int    `yaml:"context_length" json:"context_length"`
	SAEBatchSize  int    `yaml:"sae_batch_size" json:"sae_batch_size"`
	DType         string `yaml:"dtype" json:"dtype"`
}

// SparsityPenalties are the per-architecture penalty sweeps for one model.
type SparsityPenalties struct {
	Standard []float64 `yaml:"standard" json:"standard"`
	PAnneal  []float64 `yaml:"p_anneal" json:"p_anneal"`
	Gated    []float64 `yaml:"gated" json:"gated"`
}

type ModelSpec struct {
	LLM               LLMConfig          `yaml:"llm"`
	ActivationDim     int                `yaml:"activation_dim"`
	SparsityPenalties *SparsityPenalties `yaml:"sparsity_penalties"`
}

// LayerRule maps a model-name substring to the layer trained by default.
type LayerRule struct {
	Match string `yaml:"match"`
	Layer int    `yaml:"layer"`
}

// Registry is the lookup table for everything the sweep needs to know about
// a model. It is built once at startup and passed by reference.
type Registry struct {
	models     map[string]ModelSpec
	layerRules []LayerRule
}

func New() *Registry {
	return &Registry{models: make(map[string]ModelSpec)}
}

// Default returns the registry with the models the sweep was tuned for.
func Default() *Registry {
	r := New()

	r.Register("EleutherAI/pythia-70m-deduped", ModelSpec{
		LLM:           LLMConfig{LLMBatchSize: 512, ContextLength: 128, SAEBatchSize: 4096, DType: "float32"},
		ActivationDim: 512,
		SparsityPenalties: &SparsityPenalties{
			Standard: []float64{0.01, 0.02, 0.03, 0.04, 0.05, 0.06},
			PAnneal:  []float64{0.02, 0.03, 0.035, 0.04, 0.05, 0.075},
			Gated:    []float64{0.012, 0.018, 0.024, 0.04, 0.06, 0.08},
		},
	})

	r.Register("google/gemma-2-2b", ModelSpec{
		LLM:           LLMConfig{LLMBatchSize: 32, ContextLength: 128, SAEBatchSize: 2048, DType: "bfloat16"},
		ActivationDim: 2304,
		SparsityPenalties: &SparsityPenalties{
			Standard: []float64{0.012, 0.015, 0.02, 0.03, 0.04, 0.06},
			PAnneal:  []float64{0.006, 0.008, 0.01, 0.015, 0.02, 0.025},
			Gated:    []float64{0.012, 0.018, 0.024, 0.04, 0.06, 0.08},
		},
	})

	r.SetLayerRules([]LayerRule{
		{Match: "gemma", Layer: 12},
		{Match: "pythia-70m", Layer: 3},
		{Match: "pythia-160m", Layer: 8},
	})

	return r
}

func (r *Registry) Register(name string, spec ModelSpec) {
	r.models[name] = spec
}

func (r *Registry) SetLayerRules(rules []LayerRule) {
	r.layerRules = append([]LayerRule(nil), rules...)
}

func (r *Registry) Model(name string) (ModelSpec, error) {
	spec, ok := r.models[name]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrUnregisteredModel, name)
	}
	return spec, nil
}

// Penalties returns the sparsity-penalty table for a model. A model may be
// registered for its LLM settings alone, in which case only architectures
// without a penalty axis can be swept.
func (r *Registry) Penalties(name string) (*SparsityPenalties, error) {
	spec, err := r.Model(name)
	if err != nil {
		return nil, err
	}
	if spec.SparsityPenalties == nil {
		return nil, fmt.Errorf("%w: %s has no sparsity penalty table", ErrUnregisteredModel, name)
	}
	return spec.SparsityPenalties, nil
}

// DefaultLayer picks the layer for a model by the first rule whose Match is
// a substring of the model name.
func (r *Registry) DefaultLayer(name string) (int, error) {
	for _, rule := range r.layerRules {
		if rule.Match != "" && strings.Contains(name, rule.Match) {
			return rule.Layer, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownModelLayer, name)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
