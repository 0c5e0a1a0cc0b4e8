package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

type Config struct {
	Sweep      Sweep                         `yaml:"sweep"`
	Models     map[string]registry.ModelSpec `yaml:"models"`
	LayerRules []registry.LayerRule          `yaml:"layer_rules"`
	Trainer    Trainer                       `yaml:"trainer"`
	Launch     Launch                        `yaml:"launch"`
	Database   Database                      `yaml:"database"`
	Elastic    Elastic                       `yaml:"elastic"`
}

type Sweep struct {
	NumTokens           int       `yaml:"num_tokens"`
	EvalNumInputs       int       `yaml:"eval_num_inputs"`
	RandomSeeds         []int     `yaml:"random_seeds"`
	DictionaryWidths    []int     `yaml:"dictionary_widths"`
	ExpansionFactors    []float64 `yaml:"expansion_factors"`
	LearningRates       []float64 `yaml:"learning_rates"`
	TargetL0s           []int     `yaml:"target_l0s"`
	WarmupSteps         int       `yaml:"warmup_steps"`
	SparsityWarmupSteps int       `yaml:"sparsity_warmup_steps"`
	DecayStartFraction  float64   `yaml:"decay_start_fraction"`
	BufferScalingFactor int       `yaml:"buffer_scaling_factor"`
}

type Trainer struct {
	Python       string `yaml:"python"`
	TrainScript  string `yaml:"train_script"`
	EvalScript   string `yaml:"eval_script"`
	WorkDir      string `yaml:"work_dir"`
	Dataset      string `yaml:"dataset"`
	WandbProject string `yaml:"wandb_project"`
}

type Launch struct {
	LogDir         string      `yaml:"log_dir"`
	StaggerSeconds int         `yaml:"stagger_seconds"`
	Jobs           []LaunchJob `yaml:"jobs"`
}

// LaunchJob is one process of a launch plan. When Command is set it is run
// verbatim; otherwise the job re-invokes `saesweep train` with the listed
// architectures, layers and device.
type LaunchJob struct {
	Architectures   []sweep.Architecture `yaml:"architectures"`
	Layers          []int                `yaml:"layers"`
	Device          string               `yaml:"device"`
	SaveCheckpoints bool                 `yaml:"save_checkpoints"`
	Command         []string             `yaml:"command"`
	LogFile         string               `yaml:"log_file"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// Default mirrors the settings the sweep was originally run with.
func Default() *Config {
	reg := registry.Default()
	models := make(map[string]registry.ModelSpec)
	for _, name := range reg.Names() {
		spec, _ := reg.Model(name)
		models[name] = spec
	}

	return &Config{
		Sweep: Sweep{
			NumTokens:           50_000_000,
			EvalNumInputs:       1_000,
			RandomSeeds:         []int{0},
			DictionaryWidths:    []int{1 << 14},
			LearningRates:       []float64{3e-4},
			TargetL0s:           append([]int(nil), sweep.DefaultTargetL0s...),
			WarmupSteps:         sweep.DefaultWarmupSteps,
			SparsityWarmupSteps: sweep.DefaultSparsityWarmupSteps,
			DecayStartFraction:  sweep.DefaultDecayStartFraction,
			BufferScalingFactor: sweep.DefaultBufferScalingFactor,
		},
		Models: models,
		LayerRules: []registry.LayerRule{
			{Match: "gemma", Layer: 12},
			{Match: "pythia-70m", Layer: 3},
			{Match: "pythia-160m", Layer: 8},
		},
		Trainer: Trainer{
			Python:       "python3",
			TrainScript:  "train_sae.py",
			EvalScript:   "eval_sae.py",
			Dataset:      "monology/pile-uncopyrighted",
			WandbProject: "gemma-jumprelu_gated_sweep1",
		},
		Launch: Launch{
			LogDir:         "logs",
			StaggerSeconds: 2,
		},
		Database: Database{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
		},
		Elastic: Elastic{
			Index: "saesweep_eval",
		},
	}
}

// Registry builds the model registry described by the config.
func (c *Config) Registry() *registry.Registry {
	reg := registry.New()
	for name, spec := range c.Models {
		reg.Register(name, spec)
	}
	reg.SetLayerRules(c.LayerRules)
	return reg
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// LoadConfig reads the YAML file over the defaults. An explicitly given
// path must exist; when none is given and none is found the defaults are
// used as-is.
func (m *Manager) LoadConfig() error {
	explicit := m.configPath != ""
	if !explicit {
		m.configPath = m.findConfigFile()
	}

	config := Default()

	if m.configPath == "" {
		if DebugLog != nil {
			DebugLog("no config file found, using built-in defaults")
		}
	} else {
		if DebugLog != nil {
			DebugLog("loading sweep config from %s", m.configPath)
		}

		if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found at %s. Please create one based on config.yaml.example", m.configPath)
		}

		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := m.validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if DebugLog != nil {
		m.logRegisteredModels(config)
	}

	m.config = config
	return nil
}

func (m *Manager) logRegisteredModels(config *Config) {
	names := make([]string, 0, len(config.Models))
	for name := range config.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := config.Models[name]
		penalties := "no"
		if spec.SparsityPenalties != nil {
			penalties = "yes"
		}
		DebugLog("model %s registered (activation_dim=%d, sae_batch_size=%d, penalty table: %s)",
			name, spec.ActivationDim, spec.LLM.SAEBatchSize, penalties)
	}
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) ConfigPath() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	if configPath := GetDefaultConfigPath(); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath := filepath.Join(homeDir, ".saesweep", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}

func (m *Manager) validateConfig(config *Config) error {
	if config.Sweep.NumTokens <= 0 {
		return fmt.Errorf("num_tokens must be greater than 0")
	}

	if config.Sweep.DecayStartFraction < 0 || config.Sweep.DecayStartFraction > 1 {
		return fmt.Errorf("decay_start_fraction must be within [0, 1], got %v", config.Sweep.DecayStartFraction)
	}

	if config.Sweep.EvalNumInputs <= 0 {
		return fmt.Errorf("eval_num_inputs must be greater than 0")
	}

	if config.Launch.StaggerSeconds < 0 {
		return fmt.Errorf("stagger_seconds must not be negative")
	}

	for name, spec := range config.Models {
		if spec.LLM.SAEBatchSize <= 0 || spec.LLM.ContextLength <= 0 {
			return fmt.Errorf("model %s: sae_batch_size and context_length must be greater than 0", name)
		}
	}

	for i, job := range config.Launch.Jobs {
		if len(job.Command) == 0 && len(job.Architectures) == 0 {
			return fmt.Errorf("launch job %d: either command or architectures is required", i)
		}
	}

	return nil
}
