package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/config"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/launcher"
	"github.com/adamkarvonen/dictionary-learning-demo/pkg/sweep"
)

const DefaultLaunchSaveDir = "trained_saes/"

// stopGrace is how long an interrupted --wait launch lets each job exit
// after SIGTERM.
const stopGrace = 10 * time.Second

type LaunchOptions struct {
	ModelName  string
	SaveDir    string
	LogDir     string
	ConfigPath string
	Wait       bool
	DryRun     bool

	// Executable is re-invoked for generated jobs. Defaults to the running
	// binary.
	Executable string
}

// DefaultPlan splits the architectures over four GPUs, putting the slowest
// trainers (jump_relu, gated) on their own device.
func DefaultPlan(layer int) []config.LaunchJob {
	return []config.LaunchJob{
		{Architectures: []sweep.Architecture{sweep.JumpRelu}, Layers: []int{layer}, Device: "cuda:0"},
		{Architectures: []sweep.Architecture{sweep.TopK, sweep.PAnneal}, Layers: []int{layer}, Device: "cuda:1"},
		{Architectures: []sweep.Architecture{sweep.BatchTopK, sweep.StandardNew}, Layers: []int{layer}, Device: "cuda:2"},
		{Architectures: []sweep.Architecture{sweep.Gated}, Layers: []int{layer}, Device: "cuda:3"},
	}
}

// BuildLaunchJobs turns the configured plan, or the default plan on the
// model's default layer, into launcher jobs.
func (o *Orchestrator) BuildLaunchJobs(opts LaunchOptions) ([]launcher.Job, error) {
	plan := o.config.Launch.Jobs
	if len(plan) == 0 {
		if opts.ModelName == "" {
			return nil, fmt.Errorf("model name is required for the default launch plan")
		}
		layer, err := o.registry.DefaultLayer(opts.ModelName)
		if err != nil {
			return nil, err
		}
		plan = DefaultPlan(layer)
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = o.config.Launch.LogDir
	}
	saveDir := opts.SaveDir
	if saveDir == "" {
		saveDir = DefaultLaunchSaveDir
	}

	executable := opts.Executable
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		executable = exe
	}

	jobs := make([]launcher.Job, 0, len(plan))
	for i, pj := range plan {
		archNames := make([]string, len(pj.Architectures))
		for j, a := range pj.Architectures {
			archNames[j] = a.String()
		}

		name := strings.Join(archNames, " ")
		if name == "" {
			name = fmt.Sprintf("job-%d", i+1)
		}

		logFile := pj.LogFile
		if logFile == "" {
			if len(archNames) > 0 {
				logFile = launcher.LogFileName(archNames, pj.Layers, pj.Device)
			} else {
				logFile = fmt.Sprintf("job_%d.out", i+1)
			}
		}
		if !filepath.IsAbs(logFile) {
			logFile = filepath.Join(logDir, logFile)
		}

		args := pj.Command
		if len(args) == 0 {
			if opts.ModelName == "" {
				return nil, fmt.Errorf("launch job %d: model name is required", i)
			}
			args = trainArgs(executable, saveDir, opts, pj)
		}

		jobs = append(jobs, launcher.Job{
			Name:    name,
			Args:    args,
			LogFile: logFile,
		})
	}

	return jobs, nil
}

func trainArgs(executable, saveDir string, opts LaunchOptions, pj config.LaunchJob) []string {
	layers := make([]string, len(pj.Layers))
	for i, l := range pj.Layers {
		layers[i] = strconv.Itoa(l)
	}

	args := []string{executable}
	if opts.ConfigPath != "" {
		args = append(args, "-c", opts.ConfigPath)
	}
	args = append(args,
		"train",
		"--save_dir", saveDir,
		"--model_name", opts.ModelName,
		"--architectures", sweep.JoinArchitectures(pj.Architectures, ","),
		"--layers", strings.Join(layers, ","),
		"--device", pj.Device,
	)
	if pj.SaveCheckpoints {
		args = append(args, "--save_checkpoints")
	}
	return args
}

// Launch starts every planned job as its own process. On a dry run the
// command lines are printed instead. Without Wait the jobs are detached and
// left running.
func (o *Orchestrator) Launch(ctx context.Context, opts LaunchOptions) ([]launcher.Result, error) {
	jobs, err := o.BuildLaunchJobs(opts)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		for _, job := range jobs {
			fmt.Printf("%s > %s 2>&1\n", job.CommandLine(), job.LogFile)
		}
		return nil, nil
	}

	l := launcher.New(o.logger, launcher.Options{
		Stagger: time.Duration(o.config.Launch.StaggerSeconds) * time.Second,
		Detach:  !opts.Wait,
	})

	procs, err := l.Launch(ctx, jobs)
	if err != nil {
		return nil, err
	}
	o.logger.Info("All jobs submitted!")

	if !opts.Wait {
		return nil, nil
	}

	results := l.WaitContext(ctx, procs, stopGrace)
	failed := 0
	for _, r := range results {
		if r.ExitCode != 0 {
			failed++
		}
	}
	o.logger.Infof("All jobs finished, %d of %d failed", failed, len(results))
	return results, nil
}
