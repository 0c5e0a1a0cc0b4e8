package cmd

import (
	"strings"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"
	"github.com/spf13/pflag"
)

// architecturesValue is a repeatable, comma separated --architectures flag
// restricted to the known architecture names.
type architecturesValue struct {
	archs   *[]sweep.Architecture
	changed bool
}

var _ pflag.Value = (*architecturesValue)(nil)

func newArchitecturesValue(p *[]sweep.Architecture) *architecturesValue {
	return &architecturesValue{archs: p}
}

func (v *architecturesValue) Set(s string) error {
	parsed, err := sweep.ParseArchitectures(s)
	if err != nil {
		return err
	}
	if !v.changed {
		*v.archs = nil
		v.changed = true
	}
	*v.archs = append(*v.archs, parsed...)
	return nil
}

func (v *architecturesValue) String() string {
	if v.archs == nil {
		return ""
	}
	return sweep.JoinArchitectures(*v.archs, ",")
}

func (v *architecturesValue) Type() string {
	return "architectures"
}

// listFlags take several values after a single flag, as in
// "--layers 3 4 --architectures standard top_k".
var listFlags = []string{"--layers", "--architectures"}

// joinListArgs folds the bare values following a list flag into that
// flag's value, comma separated. Everything after "--" is left alone.
func joinListArgs(args []string, flags ...string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}

		name, value, hasValue := strings.Cut(arg, "=")
		if !containsString(flags, name) {
			out = append(out, arg)
			continue
		}

		var values []string
		if hasValue {
			values = append(values, value)
		}
		j := i + 1
		for ; j < len(args) && args[j] != "--" && !strings.HasPrefix(args[j], "-"); j++ {
			values = append(values, args[j])
		}
		if len(values) == 0 {
			out = append(out, arg)
			continue
		}

		out = append(out, name+"="+strings.Join(values, ","))
		i = j - 1
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
