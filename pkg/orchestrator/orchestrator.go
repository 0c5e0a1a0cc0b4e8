package orchestrator

import (
	"fmt"
	"io"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/config"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/database"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/evaluation"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/registry"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/trainer"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	registry      *registry.Registry
	builder       *sweep.Builder
	logger        *logrus.Logger
	db            *database.DB

	trainer   *trainer.Trainer
	evaluator evaluation.Evaluator
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})
	return logger
}

func NewOrchestrator(configPath string) (*Orchestrator, error) {
	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()
	o := New(cfg, newLogger())
	o.configManager = configManager

	db, err := database.New(&cfg.Database)
	if err != nil {
		o.logger.Warnf("Database initialization failed: %v", err)
	}
	o.db = db

	return o, nil
}

// New builds an orchestrator over an already loaded config. Tracking is off
// until a database is attached.
func New(cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = newLogger()
	}

	reg := cfg.Registry()
	script := func(path string) trainer.Script {
		return trainer.Script{
			Python:  cfg.Trainer.Python,
			Path:    path,
			WorkDir: cfg.Trainer.WorkDir,
		}
	}

	return &Orchestrator{
		config:    cfg,
		registry:  reg,
		builder:   sweep.NewBuilder(reg),
		logger:    logger,
		db:        &database.DB{},
		trainer:   trainer.NewTrainer(script(cfg.Trainer.TrainScript)),
		evaluator: trainer.NewEvaluator(script(cfg.Trainer.EvalScript)),
	}
}

// SetVerbose switches the logger to debug level.
func (o *Orchestrator) SetVerbose(verbose bool) {
	if verbose {
		o.logger.SetLevel(logrus.DebugLevel)
	} else {
		o.logger.SetLevel(logrus.InfoLevel)
	}
}

// SetSilent discards all log output.
func (o *Orchestrator) SetSilent() {
	o.logger.SetOutput(io.Discard)
}

// SetEvaluator replaces the script-backed evaluator.
func (o *Orchestrator) SetEvaluator(e evaluation.Evaluator) {
	o.evaluator = e
}

func (o *Orchestrator) GetConfig() *config.Config {
	return o.config
}

func (o *Orchestrator) GetDB() *database.DB {
	return o.db
}

func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

func (o *Orchestrator) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}
