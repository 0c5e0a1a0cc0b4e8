package sweep

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	DefaultWarmupSteps         = 1000
	DefaultSparsityWarmupSteps = 5000
	DefaultDecayStartFraction  = 0.8
)

var DefaultTargetL0s = []int{20, 40, 80, 160, 320, 640}

// BaseConfig carries the fields every trainer shares. JSON keys match the
// keyword arguments of the external training library.
type BaseConfig struct {
	ActivationDim int    `json:"activation_dim"`
	Device        string `json:"device"`
	Layer         int    `json:"layer"`
	LMName        string `json:"lm_name"`
	SubmoduleName string `json:"submodule_name"`
	Trainer       string `json:"trainer"`
	DictClass     string `json:"dict_class"`
	WandbName     string `json:"wandb_name"`
	WarmupSteps   int    `json:"warmup_steps"`
	Steps         int    `json:"steps"`
	DecayStart    int    `json:"decay_start"`
}

// TrainerConfig is one fully-populated training job. The set of
// implementations is closed to this package.
type TrainerConfig interface {
	Architecture() Architecture
	Base() BaseConfig
	trainerConfig()
}

type StandardConfig struct {
	BaseConfig
	DictSize            int     `json:"dict_size"`
	Seed                int     `json:"seed"`
	LR                  float64 `json:"lr"`
	L1Penalty           float64 `json:"l1_penalty"`
	SparsityWarmupSteps int     `json:"sparsity_warmup_steps"`
	ResampleSteps       *int    `json:"resample_steps"`
}

type StandardNewConfig struct {
	StandardConfig
}

type PAnnealConfig struct {
	BaseConfig
	DictSize               int     `json:"dict_size"`
	Seed                   int     `json:"seed"`
	LR                     float64 `json:"lr"`
	InitialSparsityPenalty float64 `json:"initial_sparsity_penalty"`
	SparsityWarmupSteps    int     `json:"sparsity_warmup_steps"`
	SparsityFunction       string  `json:"sparsity_function"`
	PStart                 float64 `json:"p_start"`
	PEnd                   float64 `json:"p_end"`
	AnnealStart            int     `json:"anneal_start"`
	AnnealEnd              *int    `json:"anneal_end"`
	SparsityQueueLength    int     `json:"sparsity_queue_length"`
	NSparsityUpdates       int     `json:"n_sparsity_updates"`
}

type GatedConfig struct {
	BaseConfig
	DictSize            int     `json:"dict_size"`
	Seed                int     `json:"seed"`
	LR                  float64 `json:"lr"`
	L1Penalty           float64 `json:"l1_penalty"`
	SparsityWarmupSteps int     `json:"sparsity_warmup_steps"`
}

// TopKConfig has no learning rate: the top-k trainers derive it from the
// dictionary size.
type TopKConfig struct {
	BaseConfig
	DictSize           int     `json:"dict_size"`
	Seed               int     `json:"seed"`
	K                  int     `json:"k"`
	AuxKAlpha          float64 `json:"auxk_alpha"`
	ThresholdBeta      float64 `json:"threshold_beta"`
	ThresholdStartStep int     `json:"threshold_start_step"`
}

type BatchTopKConfig struct {
	TopKConfig
}

type MatroyshkaBatchTopKConfig struct {
	TopKConfig
	GroupFractions []float64 `json:"group_fractions"`
	GroupWeights   []float64 `json:"group_weights"`
}

type JumpReluConfig struct {
	BaseConfig
	DictSize            int     `json:"dict_size"`
	Seed                int     `json:"seed"`
	LR                  float64 `json:"lr"`
	TargetL0            int     `json:"target_l0"`
	SparsityWarmupSteps int     `json:"sparsity_warmup_steps"`
	SparsityPenalty     float64 `json:"sparsity_penalty"`
	Bandwidth           float64 `json:"bandwidth"`
}

func (c StandardConfig) Architecture() Architecture            { return Standard }
func (c StandardNewConfig) Architecture() Architecture         { return StandardNew }
func (c PAnnealConfig) Architecture() Architecture             { return PAnneal }
func (c GatedConfig) Architecture() Architecture               { return Gated }
func (c TopKConfig) Architecture() Architecture                { return TopK }
func (c BatchTopKConfig) Architecture() Architecture           { return BatchTopK }
func (c MatroyshkaBatchTopKConfig) Architecture() Architecture { return MatroyshkaBatchTopK }
func (c JumpReluConfig) Architecture() Architecture            { return JumpRelu }

func (c StandardConfig) Base() BaseConfig { return c.BaseConfig }
func (c PAnnealConfig) Base() BaseConfig  { return c.BaseConfig }
func (c GatedConfig) Base() BaseConfig    { return c.BaseConfig }
func (c TopKConfig) Base() BaseConfig     { return c.BaseConfig }
func (c JumpReluConfig) Base() BaseConfig { return c.BaseConfig }

func (StandardConfig) trainerConfig() {}
func (PAnnealConfig) trainerConfig()  {}
func (GatedConfig) trainerConfig()    {}
func (TopKConfig) trainerConfig()     {}
func (JumpReluConfig) trainerConfig() {}

// DefaultGroupFractions are the nested dictionary group sizes for the
// matryoshka trainer, as fractions of dict_size. They sum to one.
func DefaultGroupFractions() []float64 {
	return []float64{1.0 / 64, 1.0 / 32, 1.0 / 16, 1.0 / 8, 1.0 / 4, 1.0/2 + 1.0/64}
}

// ToMap serializes a config to the mapping handed to the external trainer.
// Integers survive as json.Number so re-encoding does not turn them into
// floats.
func ToMap(c TrainerConfig) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s config: %w", c.Architecture(), err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", c.Architecture(), err)
	}
	return m, nil
}

func ToMaps(configs []TrainerConfig) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(configs))
	for _, c := range configs {
		m, err := ToMap(c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
