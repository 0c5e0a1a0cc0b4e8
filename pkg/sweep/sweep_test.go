package sweep

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
)

const pythia = "EleutherAI/pythia-70m-deduped"

func testRequest(archs ...Architecture) Request {
	req := DefaultRequest()
	req.Architectures = archs
	req.LearningRates = []float64{3e-4}
	req.Seeds = []int{0}
	req.ActivationDim = 512
	req.DictSizes = []int{16384}
	req.ModelName = pythia
	req.Device = "cuda:0"
	req.Layer = 3
	req.SubmoduleName = SubmoduleName(3)
	req.Steps = 12207
	return req
}

func TestVariantTableComplete(t *testing.T) {
	seen := make(map[string]bool)
	for _, a := range Architectures() {
		v := variants[a]
		if v.name == "" || v.trainer == "" || v.dictClass == "" || v.wandbPrefix == "" || v.expand == nil {
			t.Errorf("architecture %d has an incomplete variant entry: %+v", int(a), v)
		}
		if seen[v.name] {
			t.Errorf("duplicate architecture name %q", v.name)
		}
		seen[v.name] = true
	}
}

func TestTopKScenario(t *testing.T) {
	req := testRequest(TopK)
	req.TargetL0s = []int{20, 40}

	configs, err := NewBuilder(registry.Default()).Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}

	wantK := []int{20, 40}
	for i, c := range configs {
		tk, ok := c.(TopKConfig)
		if !ok {
			t.Fatalf("config %d has type %T, want TopKConfig", i, c)
		}
		if tk.K != wantK[i] {
			t.Errorf("config %d: k = %d, want %d", i, tk.K, wantK[i])
		}
		if tk.Seed != 0 || tk.DictSize != 16384 {
			t.Errorf("config %d: seed=%d dict_size=%d", i, tk.Seed, tk.DictSize)
		}
	}
}

func TestCountIsProductOfAxes(t *testing.T) {
	reg := registry.Default()
	penalties, err := reg.Penalties(pythia)
	if err != nil {
		t.Fatal(err)
	}

	req := testRequest()
	req.Seeds = []int{0, 1, 2}
	req.DictSizes = []int{4096, 16384}
	req.LearningRates = []float64{1e-4, 3e-4}
	req.TargetL0s = []int{20, 40, 80}
	base := len(req.Seeds) * len(req.DictSizes) * len(req.LearningRates)

	want := map[Architecture]int{
		PAnneal:             base * len(penalties.PAnneal),
		Standard:            base * len(penalties.Standard),
		StandardNew:         base * len(penalties.Standard),
		Gated:               base * len(penalties.Gated),
		TopK:                base * len(req.TargetL0s),
		BatchTopK:           base * len(req.TargetL0s),
		MatroyshkaBatchTopK: base * len(req.TargetL0s),
		JumpRelu:            base * len(req.TargetL0s),
	}

	b := NewBuilder(reg)
	for arch, n := range want {
		req.Architectures = []Architecture{arch}
		configs, err := b.Build(req)
		if err != nil {
			t.Fatalf("Build(%s): %v", arch, err)
		}
		if len(configs) != n {
			t.Errorf("%s: got %d configs, want %d", arch, len(configs), n)
		}
		for _, c := range configs {
			if c.Architecture() != arch {
				t.Errorf("%s: config reports architecture %s", arch, c.Architecture())
			}
		}
	}

	req.Architectures = Architectures()
	all, err := b.Build(req)
	if err != nil {
		t.Fatalf("Build(all): %v", err)
	}
	total := 0
	for _, n := range want {
		total += n
	}
	if len(all) != total {
		t.Errorf("all architectures: got %d configs, want %d", len(all), total)
	}
}

func TestDecayStartAndWandbName(t *testing.T) {
	req := testRequest(Architectures()...)
	req.Steps = 9999
	req.DecayStartFraction = 0.75

	configs, err := NewBuilder(registry.Default()).Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := int(math.Floor(9999 * 0.75))
	names := make(map[Architecture]string)
	for _, c := range configs {
		base := c.Base()
		if base.DecayStart != want {
			t.Errorf("%s: decay_start = %d, want %d", c.Architecture(), base.DecayStart, want)
		}
		if base.WandbName != c.Architecture().WandbName(pythia, "resid_post_layer_3") {
			t.Errorf("%s: wandb_name = %q", c.Architecture(), base.WandbName)
		}
		if prev, ok := names[c.Architecture()]; ok && prev != base.WandbName {
			t.Errorf("%s: wandb_name differs within architecture: %q vs %q", c.Architecture(), prev, base.WandbName)
		}
		names[c.Architecture()] = base.WandbName
	}

	seen := make(map[string]Architecture)
	for arch, name := range names {
		if other, ok := seen[name]; ok {
			t.Errorf("wandb_name %q shared by %s and %s", name, arch, other)
		}
		seen[name] = arch
	}

	if names[JumpRelu] != "JumpReluTrainer-"+pythia+"-resid_post_layer_3" {
		t.Errorf("jump_relu wandb_name = %q", names[JumpRelu])
	}
}

func TestEmissionOrderIgnoresRequestOrder(t *testing.T) {
	req := testRequest(JumpRelu, TopK, PAnneal)
	req.TargetL0s = []int{20}

	configs, err := NewBuilder(registry.Default()).Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var order []Architecture
	for _, c := range configs {
		if len(order) == 0 || order[len(order)-1] != c.Architecture() {
			order = append(order, c.Architecture())
		}
	}
	want := []Architecture{PAnneal, TopK, JumpRelu}
	if len(order) != len(want) {
		t.Fatalf("architecture order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("architecture order = %v, want %v", order, want)
			break
		}
	}
}

func TestCrossProductOrder(t *testing.T) {
	req := testRequest(Gated)
	req.Seeds = []int{0, 1}

	configs, err := NewBuilder(registry.Default()).Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	p, _ := registry.Default().Penalties(pythia)
	first := configs[0].(GatedConfig)
	last := configs[len(configs)-1].(GatedConfig)
	if first.Seed != 0 || first.L1Penalty != p.Gated[0] {
		t.Errorf("first config = seed %d l1 %v", first.Seed, first.L1Penalty)
	}
	if last.Seed != 1 || last.L1Penalty != p.Gated[len(p.Gated)-1] {
		t.Errorf("last config = seed %d l1 %v", last.Seed, last.L1Penalty)
	}
	if configs[1].(GatedConfig).Seed != 0 {
		t.Errorf("penalty axis should vary fastest")
	}
}

func TestUnknownArchitectureValueIgnored(t *testing.T) {
	req := testRequest(Architecture(42), TopK)
	req.TargetL0s = []int{20}

	configs, err := NewBuilder(registry.Default()).Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(configs) != 1 {
		t.Errorf("expected only the top_k config, got %d", len(configs))
	}
}

func TestUnregisteredModelPenaltyLookup(t *testing.T) {
	b := NewBuilder(registry.Default())

	req := testRequest(Standard)
	req.ModelName = "gpt2"
	if _, err := b.Build(req); !errors.Is(err, registry.ErrUnregisteredModel) {
		t.Errorf("standard on unregistered model: err = %v, want ErrUnregisteredModel", err)
	}

	req.Architectures = []Architecture{TopK, JumpRelu}
	configs, err := b.Build(req)
	if err != nil {
		t.Fatalf("penalty-free architectures should not need a table: %v", err)
	}
	if len(configs) == 0 {
		t.Error("expected configs for penalty-free architectures")
	}
}

func TestBuildNonEmpty(t *testing.T) {
	req := testRequest()
	if _, err := NewBuilder(registry.Default()).BuildNonEmpty(req); !errors.Is(err, ErrNoConfigs) {
		t.Errorf("err = %v, want ErrNoConfigs", err)
	}

	req.Architectures = []Architecture{JumpRelu}
	req.Seeds = nil
	if _, err := NewBuilder(registry.Default()).BuildNonEmpty(req); !errors.Is(err, ErrNoConfigs) {
		t.Errorf("empty seed axis: err = %v, want ErrNoConfigs", err)
	}
}

func TestParseArchitectures(t *testing.T) {
	archs, err := ParseArchitectures("top_k p_anneal", "batch_top_k,standard_new")
	if err != nil {
		t.Fatalf("ParseArchitectures: %v", err)
	}
	want := []Architecture{TopK, PAnneal, BatchTopK, StandardNew}
	if len(archs) != len(want) {
		t.Fatalf("got %v, want %v", archs, want)
	}
	for i := range want {
		if archs[i] != want[i] {
			t.Errorf("archs[%d] = %s, want %s", i, archs[i], want[i])
		}
	}

	if _, err := ParseArchitectures("standard", "relu"); !errors.Is(err, ErrUnknownArchitecture) {
		t.Errorf("expected ErrUnknownArchitecture, got %v", err)
	}
}

func TestParseArchitectureExactMatch(t *testing.T) {
	for _, name := range []string{"TOP_K", "Standard", "Jump_Relu"} {
		if _, err := ParseArchitecture(name); !errors.Is(err, ErrUnknownArchitecture) {
			t.Errorf("ParseArchitecture(%q): err = %v, want ErrUnknownArchitecture", name, err)
		}
	}
	if a, err := ParseArchitecture(" top_k "); err != nil || a != TopK {
		t.Errorf("ParseArchitecture(\" top_k \") = %v, %v", a, err)
	}
}

func TestArchitectureTextRoundTrip(t *testing.T) {
	for _, a := range Architectures() {
		text, err := a.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", int(a), err)
		}
		var back Architecture
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", text, err)
		}
		if back != a {
			t.Errorf("round trip %s -> %s", a, back)
		}
	}
}

func TestToMapKeys(t *testing.T) {
	req := testRequest(MatroyshkaBatchTopK, PAnneal)
	req.TargetL0s = []int{40}

	configs, err := NewBuilder(registry.Default()).Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pa, err := ToMap(configs[0])
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	for _, key := range []string{"activation_dim", "lm_name", "trainer", "dict_class", "initial_sparsity_penalty", "anneal_end", "decay_start"} {
		if _, ok := pa[key]; !ok {
			t.Errorf("p_anneal mapping missing %q", key)
		}
	}
	if pa["anneal_end"] != nil {
		t.Errorf("anneal_end = %v, want null", pa["anneal_end"])
	}
	if pa["trainer"] != "PAnnealTrainer" {
		t.Errorf("trainer = %v", pa["trainer"])
	}

	mk, err := ToMap(configs[len(configs)-1])
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	if _, ok := mk["lr"]; ok {
		t.Error("matryoshka mapping should not carry lr")
	}
	if k, _ := mk["k"].(json.Number).Int64(); k != 40 {
		t.Errorf("k = %v, want 40", mk["k"])
	}
	fractions, ok := mk["group_fractions"].([]any)
	if !ok || len(fractions) != 6 {
		t.Errorf("group_fractions = %v", mk["group_fractions"])
	}
}

func TestDefaultGroupFractionsSumToOne(t *testing.T) {
	sum := 0.0
	for _, f := range DefaultGroupFractions() {
		sum += f
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("group fractions sum to %v", sum)
	}
}

func TestSchedule(t *testing.T) {
	if got := TrainingSteps(50_000_000, 4096); got != 12207 {
		t.Errorf("TrainingSteps = %d, want 12207", got)
	}
	if got := BufferSize(4096, 128, DefaultBufferScalingFactor); got != 640 {
		t.Errorf("BufferSize = %d, want 640", got)
	}
	if got := DecayStart(12207, 0.8); got != 9765 {
		t.Errorf("DecayStart = %d, want 9765", got)
	}
	if got := SubmoduleName(12); got != "resid_post_layer_12" {
		t.Errorf("SubmoduleName = %q", got)
	}

	steps := CheckpointSteps(12207)
	if len(steps) != 7 {
		t.Fatalf("CheckpointSteps len = %d, want 7", len(steps))
	}
	if steps[0] != 0 || steps[3] != 122 || steps[5] != 1220 {
		t.Errorf("CheckpointSteps = %v", steps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] < steps[i-1] {
			t.Errorf("CheckpointSteps not sorted: %v", steps)
		}
	}

	if got := DictSizes(512, []int{16384}, nil); len(got) != 1 || got[0] != 16384 {
		t.Errorf("DictSizes(widths) = %v", got)
	}
	if got := DictSizes(512, []int{16384}, []float64{4, 8}); len(got) != 2 || got[0] != 2048 || got[1] != 4096 {
		t.Errorf("DictSizes(factors) = %v", got)
	}
}
