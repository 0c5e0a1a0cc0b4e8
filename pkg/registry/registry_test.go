package registry

import (
	"errors"
	"testing"
)

func TestDefaultRegistryModels(t *testing.T) {
	r := Default()

	spec, err := r.Model("google/gemma-2-2b")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if spec.LLM.SAEBatchSize != 2048 || spec.LLM.DType != "bfloat16" {
		t.Errorf("unexpected gemma llm config: %+v", spec.LLM)
	}

	p, err := r.Penalties("EleutherAI/pythia-70m-deduped")
	if err != nil {
		t.Fatalf("Penalties: %v", err)
	}
	if len(p.Standard) != 6 || p.Standard[0] != 0.01 {
		t.Errorf("unexpected pythia standard penalties: %v", p.Standard)
	}
}

func TestUnregisteredModel(t *testing.T) {
	r := Default()

	if _, err := r.Model("gpt2"); !errors.Is(err, ErrUnregisteredModel) {
		t.Errorf("Model(gpt2) err = %v, want ErrUnregisteredModel", err)
	}
	if _, err := r.Penalties("gpt2"); !errors.Is(err, ErrUnregisteredModel) {
		t.Errorf("Penalties(gpt2) err = %v, want ErrUnregisteredModel", err)
	}
}

func TestPenaltiesMissingTable(t *testing.T) {
	r := New()
	r.Register("mistralai/Ministral-8B-Instruct-2410", ModelSpec{
		LLM:           LLMConfig{LLMBatchSize: 16, ContextLength: 1024, SAEBatchSize: 4096, DType: "bfloat16"},
		ActivationDim: 4096,
	})

	if _, err := r.Model("mistralai/Ministral-8B-Instruct-2410"); err != nil {
		t.Fatalf("Model: %v", err)
	}
	if _, err := r.Penalties("mistralai/Ministral-8B-Instruct-2410"); !errors.Is(err, ErrUnregisteredModel) {
		t.Errorf("expected ErrUnregisteredModel for missing table, got %v", err)
	}
}

func TestDefaultLayer(t *testing.T) {
	r := Default()

	cases := map[string]int{
		"google/gemma-2-2b":              12,
		"EleutherAI/pythia-70m-deduped":  3,
		"EleutherAI/pythia-160m-deduped": 8,
	}
	for name, want := range cases {
		got, err := r.DefaultLayer(name)
		if err != nil {
			t.Errorf("DefaultLayer(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("DefaultLayer(%q) = %d, want %d", name, got, want)
		}
	}

	if _, err := r.DefaultLayer("meta-llama/Llama-3.1-8B"); !errors.Is(err, ErrUnknownModelLayer) {
		t.Errorf("expected ErrUnknownModelLayer, got %v", err)
	}
}

func TestNamesSorted(t *testing.T) {
	names := Default().Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 models, got %v", names)
	}
	if names[0] != "EleutherAI/pythia-70m-deduped" || names[1] != "google/gemma-2-2b" {
		t.Errorf("Names() = %v", names)
	}
}
