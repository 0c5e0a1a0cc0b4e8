package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

// Job is one independent OS process. Args[0] is the program.
type Job struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	LogFile string
}

func (j Job) CommandLine() string {
	return strings.Join(j.Args, " ")
}

type Options struct {
	// Stagger is the pause between two consecutive starts.
	Stagger time.Duration

	// Detach starts children in their own session so they outlive the
	// launcher and its terminal.
	Detach bool
}

// Process is a started job. Its combined stdout/stderr go to Job.LogFile.
type Process struct {
	Job     Job
	Started time.Time

	cmd    *exec.Cmd
	mu     sync.Mutex
	doneCh chan struct{}
	err    error
	ended  time.Time
}

// Result is the outcome of a finished process.
type Result struct {
	Job      Job
	ExitCode int
	Duration time.Duration
	Err      error
}

type Launcher struct {
	opts   Options
	logger *logrus.Logger
}

func New(logger *logrus.Logger, opts Options) *Launcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Launcher{opts: opts, logger: logger}
}

// Start launches a single job with its output redirected to the job's log
// file, truncating any previous log.
func (l *Launcher) Start(job Job) (*Process, error) {
	if len(job.Args) == 0 {
		return nil, fmt.Errorf("job %q has no command", job.Name)
	}
	if job.LogFile == "" {
		return nil, fmt.Errorf("job %q has no log file", job.Name)
	}

	if dir := filepath.Dir(job.LogFile); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile, err := os.Create(job.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	// The child holds its own descriptor once started.
	defer logFile.Close()

	cmd := exec.Command(job.Args[0], job.Args[1:]...)
	cmd.Dir = job.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if len(job.Env) > 0 {
		cmd.Env = append(os.Environ(), job.Env...)
	}
	if l.opts.Detach {
		cmd.SysProcAttr = detachedAttr()
	}

	if DebugLog != nil {
		DebugLog("executing: %s > %s 2>&1", job.CommandLine(), job.LogFile)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", job.Name, err)
	}

	p := &Process{
		Job:     job,
		Started: time.Now(),
		cmd:     cmd,
		doneCh:  make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.ended = time.Now()
		p.mu.Unlock()
		close(p.doneCh)
	}()

	return p, nil
}

// Launch starts every job in order, pausing Stagger between starts. If ctx
// is cancelled mid-way the processes already started are returned along
// with the context error; they keep running.
func (l *Launcher) Launch(ctx context.Context, jobs []Job) ([]*Process, error) {
	procs := make([]*Process, 0, len(jobs))

	for i, job := range jobs {
		if i > 0 && l.opts.Stagger > 0 {
			select {
			case <-ctx.Done():
				return procs, ctx.Err()
			case <-time.After(l.opts.Stagger):
			}
		}

		l.logger.Info(job.CommandLine())

		p, err := l.Start(job)
		if err != nil {
			return procs, err
		}
		procs = append(procs, p)

		l.logger.Infof("Started job %d/%d: %s (pid %d, log %s)", i+1, len(jobs), job.Name, p.Pid(), job.LogFile)
	}

	return procs, nil
}

// Wait blocks until every process exits. Non-zero exits are logged and
// reported, never turned into an error of the launcher itself.
func (l *Launcher) Wait(procs []*Process) []Result {
	results := make([]Result, len(procs))
	for i, p := range procs {
		<-p.Done()
		results[i] = p.Result()

		if results[i].ExitCode != 0 {
			l.logger.Warnf("Job %s exited with code %d after %s, see %s",
				p.Job.Name, results[i].ExitCode, results[i].Duration.Round(time.Second), p.Job.LogFile)
		} else {
			l.logger.Infof("Job %s finished in %s", p.Job.Name, results[i].Duration.Round(time.Second))
		}
	}
	return results
}

// WaitContext is Wait, except that cancelling ctx stops every process still
// running. Each gets grace after SIGTERM before it is killed.
func (l *Launcher) WaitContext(ctx context.Context, procs []*Process, grace time.Duration) []Result {
	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}

		l.logger.Warnf("Interrupted, stopping %d jobs", len(procs))
		var wg sync.WaitGroup
		for _, p := range procs {
			wg.Add(1)
			go func(p *Process) {
				defer wg.Done()
				if err := p.Stop(grace); err != nil {
					l.logger.Errorf("%v", err)
				}
			}(p)
		}
		wg.Wait()
	}()

	return l.Wait(procs)
}

func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.doneCh
}

// ExitCode returns the process exit code, or -1 if not yet exited.
func (p *Process) ExitCode() int {
	select {
	case <-p.doneCh:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) Result() Result {
	<-p.doneCh

	p.mu.Lock()
	defer p.mu.Unlock()

	res := Result{
		Job:      p.Job,
		ExitCode: p.ExitCode(),
		Duration: p.ended.Sub(p.Started),
	}

	var exitErr *exec.ExitError
	if p.err != nil && !errors.As(p.err, &exitErr) {
		res.Err = p.err
	}
	return res
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILL.
func (p *Process) Stop(timeout time.Duration) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	select {
	case <-p.doneCh:
		return nil
	default:
	}

	var sigErr error
	if runtime.GOOS == "windows" {
		sigErr = p.cmd.Process.Signal(os.Interrupt)
	} else {
		sigErr = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	if sigErr != nil {
		// Process may already be dead.
		return nil
	}

	select {
	case <-p.doneCh:
		return nil
	case <-time.After(timeout):
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill %s: %w", p.Job.Name, err)
		}
		<-p.doneCh
		return nil
	}
}

// LogFileName names a job's log after what it trains and where, so jobs of
// one plan never share a file.
func LogFileName(archs []string, layers []int, device string) string {
	layerParts := make([]string, len(layers))
	for i, layer := range layers {
		layerParts[i] = strconv.Itoa(layer)
	}
	return fmt.Sprintf("%s_l%s_%s.out",
		strings.Join(archs, "_"),
		strings.Join(layerParts, "-"),
		strings.ReplaceAll(device, ":", "_"))
}
