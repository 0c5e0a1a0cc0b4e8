package sweep

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
)

var ErrUnknownArchitecture = errors.New("unknown architecture")

// Architecture identifies an SAE trainer variant. The constant order is the
// order in which Build emits configs.
type Architecture int

const (
	PAnneal Architecture = iota
	Standard
	StandardNew
	Gated
	TopK
	BatchTopK
	MatroyshkaBatchTopK
	JumpRelu

	numArchitectures
)

type expandFunc func(req Request, base BaseConfig, penalties func() (*registry.SparsityPenalties, error)) ([]TrainerConfig, error)

type variant struct {
	name        string
	trainer     string
	dictClass   string
	wandbPrefix string
	expand      expandFunc
}

// Indexed by Architecture; TestVariantTableComplete fails if a constant is
// added without an entry.
var variants = [numArchitectures]variant{
	PAnneal:             {"p_anneal", "PAnnealTrainer", "AutoEncoder", "PAnnealTrainer", expandPAnneal},
	Standard:            {"standard", "StandardTrainer", "AutoEncoder", "StandardTrainer", expandStandard},
	StandardNew:         {"standard_new", "StandardTrainer", "AutoEncoderNew", "StandardTrainerNew", expandStandardNew},
	Gated:               {"gated", "GatedSAETrainer", "GatedAutoEncoder", "GatedTrainer", expandGated},
	TopK:                {"top_k", "TopKTrainer", "AutoEncoderTopK", "TopKTrainer", expandTopK},
	BatchTopK:           {"batch_top_k", "BatchTopKTrainer", "BatchTopKSAE", "BatchTopKTrainer", expandBatchTopK},
	MatroyshkaBatchTopK: {"matroyshka_batch_top_k", "MatroyshkaBatchTopKTrainer", "MatroyshkaBatchTopKSAE", "MatroyshkaBatchTopKTrainer", expandMatroyshka},
	JumpRelu:            {"jump_relu", "JumpReluTrainer", "JumpReluAutoEncoder", "JumpReluTrainer", expandJumpRelu},
}

func (a Architecture) valid() bool {
	return a >= 0 && a < numArchitectures
}

func (a Architecture) String() string {
	if !a.valid() {
		return fmt.Sprintf("Architecture(%d)", int(a))
	}
	return variants[a].name
}

// TrainerClass is the external trainer class name for this architecture.
func (a Architecture) TrainerClass() string {
	if !a.valid() {
		return ""
	}
	return variants[a].trainer
}

func (a Architecture) DictClass() string {
	if !a.valid() {
		return ""
	}
	return variants[a].dictClass
}

// WandbName is the run name shared by every config of this architecture for
// a given model and submodule.
func (a Architecture) WandbName(modelName, submoduleName string) string {
	if !a.valid() {
		return ""
	}
	return fmt.Sprintf("%s-%s-%s", variants[a].wandbPrefix, modelName, submoduleName)
}

func (a Architecture) MarshalText() ([]byte, error) {
	if !a.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownArchitecture, int(a))
	}
	return []byte(a.String()), nil
}

func (a *Architecture) UnmarshalText(text []byte) error {
	parsed, err := ParseArchitecture(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func ParseArchitecture(name string) (Architecture, error) {
	name = strings.TrimSpace(name)
	for i := range variants {
		if variants[i].name == name {
			return Architecture(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (choose from %s)", ErrUnknownArchitecture, name, strings.Join(ArchitectureNames(), ", "))
}

// ParseArchitectures accepts names separated by commas or whitespace.
func ParseArchitectures(names ...string) ([]Architecture, error) {
	var out []Architecture
	for _, raw := range names {
		for _, name := range strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}) {
			a, err := ParseArchitecture(name)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func Architectures() []Architecture {
	out := make([]Architecture, numArchitectures)
	for i := range out {
		out[i] = Architecture(i)
	}
	return out
}

func ArchitectureNames() []string {
	names := make([]string, numArchitectures)
	for i := range variants {
		names[i] = variants[i].name
	}
	return names
}

// JoinArchitectures renders a list the way job names and log files use it.
func JoinArchitectures(archs []Architecture, sep string) string {
	names := make([]string, len(archs))
	for i, a := range archs {
		names[i] = a.String()
	}
	return strings.Join(names, sep)
}
