package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/database"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/trainer"
	"github.com/google/uuid"
)

const wandbLogSteps = 100

type TrainOptions struct {
	SaveDir         string
	ModelName       string
	Layers          []int
	Architectures   []sweep.Architecture
	Device          string
	UseWandb        bool
	DryRun          bool
	SaveCheckpoints bool
	SkipEval        bool
}

// LayerPlan is everything needed to train one layer: the generated configs
// and the request handed to the training script.
type LayerPlan struct {
	SweepID uuid.UUID
	Layer   int
	Configs []sweep.TrainerConfig
	Request trainer.TrainRequest
}

type TrainResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Plans     []*LayerPlan
	Trained   int
}

// TotalConfigs is the number of trainer configs across all layers.
func (r *TrainResult) TotalConfigs() int {
	n := 0
	for _, p := range r.Plans {
		n += len(p.Configs)
	}
	return n
}

// PlanLayer resolves the model settings and expands the sweep for one layer.
func (o *Orchestrator) PlanLayer(opts TrainOptions, layer int) (*LayerPlan, error) {
	spec, err := o.registry.Model(opts.ModelName)
	if err != nil {
		return nil, err
	}

	sw := o.config.Sweep
	llm := spec.LLM

	steps := sweep.TrainingSteps(sw.NumTokens, llm.SAEBatchSize)
	submodule := sweep.SubmoduleName(layer)

	req := sweep.DefaultRequest()
	req.Architectures = opts.Architectures
	req.LearningRates = sw.LearningRates
	req.Seeds = sw.RandomSeeds
	req.ActivationDim = spec.ActivationDim
	req.DictSizes = sweep.DictSizes(spec.ActivationDim, sw.DictionaryWidths, sw.ExpansionFactors)
	req.ModelName = opts.ModelName
	req.Device = opts.Device
	req.Layer = layer
	req.SubmoduleName = submodule
	req.Steps = steps
	if sw.WarmupSteps > 0 {
		req.WarmupSteps = sw.WarmupSteps
	}
	if sw.SparsityWarmupSteps > 0 {
		req.SparsityWarmupSteps = sw.SparsityWarmupSteps
	}
	req.DecayStartFraction = sw.DecayStartFraction
	if len(sw.TargetL0s) > 0 {
		req.TargetL0s = sw.TargetL0s
	}

	configs, err := o.builder.BuildNonEmpty(req)
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}

	maps, err := sweep.ToMaps(configs)
	if err != nil {
		return nil, err
	}

	var saveSteps []int
	if opts.SaveCheckpoints {
		saveSteps = sweep.CheckpointSteps(steps)
		if DebugLog != nil {
			DebugLog("save_steps: %v", saveSteps)
		}
	}

	var logSteps *int
	if opts.UseWandb {
		n := wandbLogSteps
		logSteps = &n
	}

	scaling := sw.BufferScalingFactor
	if scaling <= 0 {
		scaling = sweep.DefaultBufferScalingFactor
	}

	plan := &LayerPlan{
		SweepID: uuid.New(),
		Layer:   layer,
		Configs: configs,
		Request: trainer.TrainRequest{
			ModelName:      opts.ModelName,
			Layer:          layer,
			SubmoduleName:  submodule,
			Device:         opts.Device,
			DType:          llm.DType,
			Dataset:        o.config.Trainer.Dataset,
			ContextLength:  llm.ContextLength,
			LLMBatchSize:   llm.LLMBatchSize,
			SAEBatchSize:   llm.SAEBatchSize,
			BufferSize:     sweep.BufferSize(llm.SAEBatchSize, llm.ContextLength, scaling),
			IO:             "out",
			Steps:          steps,
			SaveSteps:      saveSteps,
			LogSteps:       logSteps,
			SaveDir:        filepath.Join(opts.SaveDir, submodule),
			UseWandb:       opts.UseWandb,
			TrainerConfigs: maps,
		},
	}
	if opts.UseWandb {
		plan.Request.WandbProject = o.config.Trainer.WandbProject
	}

	return plan, nil
}

// RunTraining plans and trains every requested layer in order, then
// evaluates everything under the save directory. Nothing is trained or
// evaluated on a dry run.
func (o *Orchestrator) RunTraining(ctx context.Context, opts TrainOptions) (*TrainResult, error) {
	if len(opts.Layers) == 0 {
		return nil, fmt.Errorf("at least one layer is required")
	}

	result := &TrainResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	for _, layer := range opts.Layers {
		plan, err := o.PlanLayer(opts, layer)
		if err != nil {
			return result, err
		}
		result.Plans = append(result.Plans, plan)

		o.logger.Infof("len trainer configs: %d (%s, %s)", len(plan.Configs), plan.Request.SubmoduleName,
			sweep.JoinArchitectures(opts.Architectures, " "))

		o.trackSweep(plan, opts)

		if opts.DryRun {
			continue
		}

		o.logger.Infof("Training %d dictionaries on %s for %d steps, saving to %s",
			len(plan.Configs), opts.Device, plan.Request.Steps, plan.Request.SaveDir)

		if err := o.trainer.Train(ctx, plan.Request); err != nil {
			return result, fmt.Errorf("layer %d: %w", layer, err)
		}
		result.Trained += len(plan.Configs)
	}

	if opts.DryRun || opts.SkipEval {
		return result, nil
	}

	_, err := o.RunEvaluation(ctx, EvalOptions{
		SaveDir:   opts.SaveDir,
		ModelName: opts.ModelName,
		Device:    opts.Device,
		NInputs:   o.config.Sweep.EvalNumInputs,
		Overwrite: true,
	})
	return result, err
}

func (o *Orchestrator) trackSweep(plan *LayerPlan, opts TrainOptions) {
	if o.db == nil || !o.db.IsEnabled() {
		return
	}

	tracked := make([]database.TrackedConfig, len(plan.Configs))
	for i, c := range plan.Configs {
		base := c.Base()
		tracked[i] = database.TrackedConfig{
			Architecture: c.Architecture().String(),
			Trainer:      base.Trainer,
			WandbName:    base.WandbName,
			DictSize:     dictSize(plan.Request.TrainerConfigs[i]),
			Fields:       plan.Request.TrainerConfigs[i],
		}
	}

	rec := database.SweepRecord{
		ID:            plan.SweepID,
		ModelName:     opts.ModelName,
		Layer:         plan.Layer,
		SubmoduleName: plan.Request.SubmoduleName,
		Device:        opts.Device,
		SaveDir:       plan.Request.SaveDir,
		Steps:         plan.Request.Steps,
		DryRun:        opts.DryRun,
	}
	if err := o.db.TrackSweep(rec, tracked); err != nil {
		o.logger.Warnf("Failed to record sweep %s: %v", plan.SweepID, err)
	}
}

func dictSize(m map[string]interface{}) int {
	switch v := m["dict_size"].(type) {
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
