package sweep

import (
	"errors"
	"fmt"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
)

var ErrNoConfigs = errors.New("no trainer configs generated")

// Request is the input to Build. Start from DefaultRequest so the schedule
// fields carry the standard values.
type Request struct {
	Architectures       []Architecture
	LearningRates       []float64
	Seeds               []int
	ActivationDim       int
	DictSizes           []int
	ModelName           string
	Device              string
	Layer               int
	SubmoduleName       string
	Steps               int
	WarmupSteps         int
	SparsityWarmupSteps int
	DecayStartFraction  float64
	TargetL0s           []int
}

func DefaultRequest() Request {
	return Request{
		WarmupSteps:         DefaultWarmupSteps,
		SparsityWarmupSteps: DefaultSparsityWarmupSteps,
		DecayStartFraction:  DefaultDecayStartFraction,
		TargetL0s:           append([]int(nil), DefaultTargetL0s...),
	}
}

type Builder struct {
	registry *registry.Registry
}

func NewBuilder(reg *registry.Registry) *Builder {
	return &Builder{registry: reg}
}

// Build expands the request into one config per point of each requested
// architecture's cross product. Architectures are emitted in their fixed
// order regardless of request order; values outside the enumeration are
// skipped.
func (b *Builder) Build(req Request) ([]TrainerConfig, error) {
	requested := make(map[Architecture]bool, len(req.Architectures))
	for _, a := range req.Architectures {
		requested[a] = true
	}

	decayStart := DecayStart(req.Steps, req.DecayStartFraction)

	var penalties *registry.SparsityPenalties
	lookup := func() (*registry.SparsityPenalties, error) {
		if penalties != nil {
			return penalties, nil
		}
		p, err := b.registry.Penalties(req.ModelName)
		if err != nil {
			return nil, err
		}
		penalties = p
		return p, nil
	}

	var configs []TrainerConfig
	for _, arch := range Architectures() {
		if !requested[arch] {
			continue
		}

		v := variants[arch]
		base := BaseConfig{
			ActivationDim: req.ActivationDim,
			Device:        req.Device,
			Layer:         req.Layer,
			LMName:        req.ModelName,
			SubmoduleName: req.SubmoduleName,
			Trainer:       v.trainer,
			DictClass:     v.dictClass,
			WandbName:     arch.WandbName(req.ModelName, req.SubmoduleName),
			WarmupSteps:   req.WarmupSteps,
			Steps:         req.Steps,
			DecayStart:    decayStart,
		}

		expanded, err := v.expand(req, base, lookup)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", arch, err)
		}
		configs = append(configs, expanded...)
	}

	return configs, nil
}

// BuildNonEmpty is Build plus the check every training entry point makes
// before launching.
func (b *Builder) BuildNonEmpty(req Request) ([]TrainerConfig, error) {
	configs, err := b.Build(req)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, ErrNoConfigs
	}
	return configs, nil
}

// crossProduct visits seed × dictSize × lr × knob with seed outermost.
func crossProduct[K any](req Request, knobs []K, visit func(seed, dictSize int, lr float64, knob K)) {
	for _, seed := range req.Seeds {
		for _, dictSize := range req.DictSizes {
			for _, lr := range req.LearningRates {
				for _, knob := range knobs {
					visit(seed, dictSize, lr, knob)
				}
			}
		}
	}
}

func expandPAnneal(req Request, base BaseConfig, penalties func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	p, err := penalties()
	if err != nil {
		return nil, err
	}

	var out []TrainerConfig
	crossProduct(req, p.PAnneal, func(seed, dictSize int, lr float64, penalty float64) {
		out = append(out, PAnnealConfig{
			BaseConfig:             base,
			DictSize:               dictSize,
			Seed:                   seed,
			LR:                     lr,
			InitialSparsityPenalty: penalty,
			SparsityWarmupSteps:    req.SparsityWarmupSteps,
			SparsityFunction:       "Lp^p",
			PStart:                 1.0,
			PEnd:                   0.2,
			AnnealStart:            10000,
			SparsityQueueLength:    10,
			NSparsityUpdates:       10,
		})
	})
	return out, nil
}

func standardConfigs(req Request, base BaseConfig, penalties func() (*registry.SparsityPenalties, error)) ([]StandardConfig, error) {
	p, err := penalties()
	if err != nil {
		return nil, err
	}

	var out []StandardConfig
	crossProduct(req, p.Standard, func(seed, dictSize int, lr float64, l1 float64) {
		out = append(out, StandardConfig{
			BaseConfig:          base,
			DictSize:            dictSize,
			Seed:                seed,
			LR:                  lr,
			L1Penalty:           l1,
			SparsityWarmupSteps: req.SparsityWarmupSteps,
		})
	})
	return out, nil
}

func expandStandard(req Request, base BaseConfig, penalties func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	cfgs, err := standardConfigs(req, base, penalties)
	if err != nil {
		return nil, err
	}
	out := make([]TrainerConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = c
	}
	return out, nil
}

func expandStandardNew(req Request, base BaseConfig, penalties func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	cfgs, err := standardConfigs(req, base, penalties)
	if err != nil {
		return nil, err
	}
	out := make([]TrainerConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = StandardNewConfig{StandardConfig: c}
	}
	return out, nil
}

func expandGated(req Request, base BaseConfig, penalties func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	p, err := penalties()
	if err != nil {
		return nil, err
	}

	var out []TrainerConfig
	crossProduct(req, p.Gated, func(seed, dictSize int, lr float64, l1 float64) {
		out = append(out, GatedConfig{
			BaseConfig:          base,
			DictSize:            dictSize,
			Seed:                seed,
			LR:                  lr,
			L1Penalty:           l1,
			SparsityWarmupSteps: req.SparsityWarmupSteps,
		})
	})
	return out, nil
}

func topKConfigs(req Request, base BaseConfig) []TopKConfig {
	var out []TopKConfig
	crossProduct(req, req.TargetL0s, func(seed, dictSize int, _ float64, k int) {
		out = append(out, TopKConfig{
			BaseConfig:         base,
			DictSize:           dictSize,
			Seed:               seed,
			K:                  k,
			AuxKAlpha:          1.0 / 32,
			ThresholdBeta:      0.999,
			ThresholdStartStep: 1000,
		})
	})
	return out
}

func expandTopK(req Request, base BaseConfig, _ func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	cfgs := topKConfigs(req, base)
	out := make([]TrainerConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = c
	}
	return out, nil
}

func expandBatchTopK(req Request, base BaseConfig, _ func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	cfgs := topKConfigs(req, base)
	out := make([]TrainerConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = BatchTopKConfig{TopKConfig: c}
	}
	return out, nil
}

func expandMatroyshka(req Request, base BaseConfig, _ func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	cfgs := topKConfigs(req, base)
	out := make([]TrainerConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = MatroyshkaBatchTopKConfig{
			TopKConfig:     c,
			GroupFractions: DefaultGroupFractions(),
		}
	}
	return out, nil
}

func expandJumpRelu(req Request, base BaseConfig, _ func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error) {
	var out []TrainerConfig
	crossProduct(req, req.TargetL0s, func(seed, dictSize int, lr float64, targetL0 int) {
		out = append(out, JumpReluConfig{
			BaseConfig:          base,
			DictSize:            dictSize,
			Seed:                seed,
			LR:                  lr,
			TargetL0:            targetL0,
			SparsityWarmupSteps: req.SparsityWarmupSteps,
			SparsityPenalty:     1.0,
			Bandwidth:           0.001,
		})
	})
	return out, nil
}
