package evaluation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/trainer"
)

const testModel = "EleutherAI/pythia-70m-deduped"

type fakeEvaluator struct {
	calls []trainer.EvalRequest
	err   error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req trainer.EvalRequest) (map[string]interface{}, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"frac_recovered": 0.9, "l0": float64(len(f.calls))}, nil
}

func makeArtifacts(t *testing.T, rel ...string) (string, []string) {
	t.Helper()
	root := t.TempDir()
	var dirs []string
	for _, r := range rel {
		dir := filepath.Join(root, r)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ArtifactFile), []byte("weights"), 0644); err != nil {
			t.Fatal(err)
		}
		dirs = append(dirs, dir)
	}
	return root, dirs
}

func TestFindArtifactDirs(t *testing.T) {
	root, _ := makeArtifacts(t,
		"resid_post_layer_3/trainer_1",
		"resid_post_layer_3/trainer_0",
		"resid_post_layer_4/trainer_0/checkpoints",
	)
	if err := os.MkdirAll(filepath.Join(root, "resid_post_layer_3", "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	dirs, err := FindArtifactDirs(root)
	if err != nil {
		t.Fatalf("FindArtifactDirs: %v", err)
	}

	want := []string{
		filepath.Join(root, "resid_post_layer_3/trainer_0"),
		filepath.Join(root, "resid_post_layer_3/trainer_1"),
		filepath.Join(root, "resid_post_layer_4/trainer_0/checkpoints"),
	}
	if !reflect.DeepEqual(dirs, want) {
		t.Errorf("dirs = %v, want %v", dirs, want)
	}
}

func TestFindArtifactDirsMissingRoot(t *testing.T) {
	if _, err := FindArtifactDirs(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestEvaluateWritesResults(t *testing.T) {
	_, dirs := makeArtifacts(t, "trainer_0", "trainer_1")
	fake := &fakeEvaluator{}

	runner := NewRunner(fake, registry.Default())
	summary, err := runner.Evaluate(context.Background(), dirs, Options{
		ModelName: testModel,
		Device:    "cpu",
		NInputs:   1000,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if summary.Evaluated != 2 || summary.Skipped != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Last == nil || summary.Last.Path != dirs[1] {
		t.Fatalf("last result = %+v", summary.Last)
	}

	req := fake.calls[0]
	if req.AEPath != dirs[0] || req.ContextLength != 128 || req.LLMBatchSize != 512 || req.DType != "float32" {
		t.Errorf("eval request = %+v", req)
	}

	got, err := ReadResults(dirs[1])
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if got.Hyperparameters != (Hyperparameters{NInputs: 1000, ContextLength: 128}) {
		t.Errorf("hyperparameters = %+v", got.Hyperparameters)
	}
	if got.Metrics["frac_recovered"].(float64) != 0.9 || got.Metrics["l0"].(float64) != 2 {
		t.Errorf("metrics = %v", got.Metrics)
	}
	if _, ok := got.Metrics["hyperparameters"]; ok {
		t.Error("hyperparameters leaked into metrics")
	}
}

func TestEvaluateSkipsExistingResults(t *testing.T) {
	_, dirs := makeArtifacts(t, "trainer_0", "trainer_1")
	previous := Result{Metrics: map[string]interface{}{"l0": 7.0}, Hyperparameters: Hyperparameters{NInputs: 10, ContextLength: 128}}
	if err := WriteResults(dirs[0], previous); err != nil {
		t.Fatal(err)
	}

	fake := &fakeEvaluator{}
	summary, err := NewRunner(fake, registry.Default()).Evaluate(context.Background(), dirs, Options{
		ModelName: testModel,
		NInputs:   1000,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if summary.Skipped != 1 || summary.Evaluated != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(fake.calls) != 1 || fake.calls[0].AEPath != dirs[1] {
		t.Errorf("calls = %+v", fake.calls)
	}

	kept, err := ReadResults(dirs[0])
	if err != nil {
		t.Fatal(err)
	}
	if kept.Hyperparameters.NInputs != 10 {
		t.Error("existing results were overwritten")
	}
}

func TestEvaluateOverwrite(t *testing.T) {
	_, dirs := makeArtifacts(t, "trainer_0")
	if err := WriteResults(dirs[0], Result{Hyperparameters: Hyperparameters{NInputs: 10}}); err != nil {
		t.Fatal(err)
	}

	fake := &fakeEvaluator{}
	summary, err := NewRunner(fake, registry.Default()).Evaluate(context.Background(), dirs, Options{
		ModelName: testModel,
		NInputs:   1000,
		Overwrite: true,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if summary.Evaluated != 1 || summary.Skipped != 0 {
		t.Errorf("summary = %+v", summary)
	}

	got, _ := ReadResults(dirs[0])
	if got.Hyperparameters.NInputs != 1000 {
		t.Errorf("results not overwritten: %+v", got)
	}
}

func TestEvaluateStopsOnFailure(t *testing.T) {
	_, dirs := makeArtifacts(t, "trainer_0", "trainer_1")
	fake := &fakeEvaluator{err: errors.New("cuda out of memory")}

	summary, err := NewRunner(fake, registry.Default()).Evaluate(context.Background(), dirs, Options{ModelName: testModel})
	if err == nil {
		t.Fatal("expected evaluation error")
	}
	if summary.Evaluated != 0 || len(fake.calls) != 1 {
		t.Errorf("summary = %+v, calls = %d", summary, len(fake.calls))
	}
	if HasResults(dirs[0]) {
		t.Error("failed evaluation should not write results")
	}
}

func TestEvaluateUnregisteredModel(t *testing.T) {
	_, err := NewRunner(&fakeEvaluator{}, registry.Default()).Evaluate(context.Background(), nil, Options{ModelName: "gpt2"})
	if !errors.Is(err, registry.ErrUnregisteredModel) {
		t.Fatalf("expected ErrUnregisteredModel, got %v", err)
	}
}
