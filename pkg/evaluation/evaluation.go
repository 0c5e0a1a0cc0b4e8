package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/trainer"
)

const (
	ArtifactFile = "ae.pt"
	ResultsFile  = "eval_results.json"
)

var DebugLog func(string, ...interface{})

// Evaluator scores one trained dictionary.
type Evaluator interface {
	Evaluate(ctx context.Context, req trainer.EvalRequest) (map[string]interface{}, error)
}

type Hyperparameters struct {
	NInputs       int `json:"n_inputs"`
	ContextLength int `json:"context_length"`
}

// Result is the content of one eval_results.json: the evaluator's metrics
// plus the hyperparameters block.
type Result struct {
	Path            string                 `json:"-"`
	Metrics         map[string]interface{} `json:"-"`
	Hyperparameters Hyperparameters        `json:"-"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Metrics)+1)
	for k, v := range r.Metrics {
		out[k] = v
	}
	out["hyperparameters"] = r.Hyperparameters
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if hp, ok := raw["hyperparameters"]; ok {
		if err := json.Unmarshal(hp, &r.Hyperparameters); err != nil {
			return fmt.Errorf("invalid hyperparameters: %w", err)
		}
		delete(raw, "hyperparameters")
	}

	r.Metrics = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var value interface{}
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("invalid metric %s: %w", k, err)
		}
		r.Metrics[k] = value
	}
	return nil
}

type Options struct {
	ModelName string
	Device    string
	Dataset   string
	NInputs   int
	Overwrite bool
}

// Summary counts what a pass over the artifact directories did. Last holds
// the final result written, if any.
type Summary struct {
	Evaluated int
	Skipped   int
	Results   []Result
	Last      *Result
}

// FindArtifactDirs returns every directory under root holding a trained
// dictionary, sorted.
func FindArtifactDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == ArtifactFile {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func ResultsPath(dir string) string {
	return filepath.Join(dir, ResultsFile)
}

func HasResults(dir string) bool {
	_, err := os.Stat(ResultsPath(dir))
	return err == nil
}

func WriteResults(dir string, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(ResultsPath(dir), data, 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

func ReadResults(dir string) (*Result, error) {
	data, err := os.ReadFile(ResultsPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ResultsPath(dir), err)
	}
	result.Path = dir
	return &result, nil
}

type Runner struct {
	evaluator Evaluator
	registry  *registry.Registry
}

func NewRunner(evaluator Evaluator, reg *registry.Registry) *Runner {
	return &Runner{evaluator: evaluator, registry: reg}
}

// Evaluate scores each directory in order. Directories that already hold
// results are skipped unless opts.Overwrite is set. The first failure stops
// the pass; the summary covers what was done before it.
func (r *Runner) Evaluate(ctx context.Context, dirs []string, opts Options) (*Summary, error) {
	spec, err := r.registry.Model(opts.ModelName)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	hp := Hyperparameters{NInputs: opts.NInputs, ContextLength: spec.LLM.ContextLength}

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if !opts.Overwrite && HasResults(dir) {
			if DebugLog != nil {
				DebugLog("skipping %s as eval results already exist", dir)
			}
			summary.Skipped++
			continue
		}

		req := trainer.NewEvalRequest(opts.ModelName, dir, opts.Device, spec.LLM.DType, opts.Dataset,
			opts.NInputs, spec.LLM.ContextLength, spec.LLM.LLMBatchSize)

		metrics, err := r.evaluator.Evaluate(ctx, req)
		if err != nil {
			return summary, fmt.Errorf("failed to evaluate %s: %w", dir, err)
		}

		result := Result{Path: dir, Metrics: metrics, Hyperparameters: hp}
		if err := WriteResults(dir, result); err != nil {
			return summary, err
		}

		summary.Evaluated++
		summary.Results = append(summary.Results, result)
		summary.Last = &summary.Results[len(summary.Results)-1]
	}

	return summary, nil
}
