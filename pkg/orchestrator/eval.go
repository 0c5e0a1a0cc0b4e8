package orchestrator

import (
	"context"
	"fmt"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/database"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/elastic"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/evaluation"
)

type EvalOptions struct {
	SaveDir   string
	ModelName string
	Device    string
	NInputs   int
	Overwrite bool
	Index     bool
}

// RunEvaluation evaluates every trained dictionary under SaveDir. Results
// are optionally recorded in the tracking database and indexed into
// Elasticsearch; failures of either are logged, not returned.
func (o *Orchestrator) RunEvaluation(ctx context.Context, opts EvalOptions) (*evaluation.Summary, error) {
	if opts.NInputs < 0 {
		return nil, fmt.Errorf("n_inputs must be positive, got %d", opts.NInputs)
	}
	if opts.NInputs == 0 {
		opts.NInputs = o.config.Sweep.EvalNumInputs
	}

	dirs, err := evaluation.FindArtifactDirs(opts.SaveDir)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		o.logger.Warnf("No trained dictionaries found under %s", opts.SaveDir)
		return &evaluation.Summary{}, nil
	}

	o.logger.Infof("Evaluating %d dictionaries under %s", len(dirs), opts.SaveDir)

	runner := evaluation.NewRunner(o.evaluator, o.registry)
	summary, err := runner.Evaluate(ctx, dirs, evaluation.Options{
		ModelName: opts.ModelName,
		Device:    opts.Device,
		Dataset:   o.config.Trainer.Dataset,
		NInputs:   opts.NInputs,
		Overwrite: opts.Overwrite,
	})
	if summary != nil {
		if summary.Skipped > 0 {
			o.logger.Infof("Skipped %d dictionaries with existing eval results", summary.Skipped)
		}
		o.recordEvals(opts.ModelName, summary.Results)
		if opts.Index {
			o.indexEvals(ctx, opts.ModelName, summary.Results)
		}
	}
	if err != nil {
		return summary, err
	}

	o.logger.Infof("Evaluated %d dictionaries", summary.Evaluated)
	return summary, nil
}

func (o *Orchestrator) recordEvals(modelName string, results []evaluation.Result) {
	if o.db == nil || !o.db.IsEnabled() {
		return
	}
	for _, r := range results {
		err := o.db.RecordEval(database.EvalRecord{
			AEPath:        r.Path,
			ModelName:     modelName,
			NInputs:       r.Hyperparameters.NInputs,
			ContextLength: r.Hyperparameters.ContextLength,
			Metrics:       r.Metrics,
		})
		if err != nil {
			o.logger.Warnf("Failed to record eval results for %s: %v", r.Path, err)
		}
	}
}

func (o *Orchestrator) indexEvals(ctx context.Context, modelName string, results []evaluation.Result) {
	if len(results) == 0 {
		return
	}

	esCfg := o.config.Elastic
	if !esCfg.Enabled || esCfg.URL == "" {
		o.logger.Warn("Elasticsearch indexing requested but elastic.enabled is false or url is empty")
		return
	}

	client, err := elastic.New(elastic.Config{
		URL:      esCfg.URL,
		Username: esCfg.Username,
		Password: esCfg.Password,
		Index:    esCfg.Index,
	})
	if err != nil {
		o.logger.Warnf("Elasticsearch initialization failed: %v", err)
		return
	}

	docs := make([]elastic.EvalDocument, len(results))
	for i, r := range results {
		docs[i] = elastic.EvalDocument{
			AEPath:        r.Path,
			ModelName:     modelName,
			Metrics:       r.Metrics,
			NInputs:       r.Hyperparameters.NInputs,
			ContextLength: r.Hyperparameters.ContextLength,
		}
	}

	n, err := client.IndexEvalResults(ctx, docs)
	if err != nil {
		o.logger.Warnf("Indexing eval results failed: %v", err)
	}
	if n > 0 {
		o.logger.Infof("Indexed %d eval results into %s", n, client.Index())
	}
}

// EvalSummaryLine is the one-line report printed after an eval run.
func EvalSummaryLine(s *evaluation.Summary) string {
	return fmt.Sprintf("%d evaluated, %d skipped", s.Evaluated, s.Skipped)
}
