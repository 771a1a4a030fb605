// Package sandbox compiles and runs untrusted programs as child processes
// with a wall-clock deadline enforced on the whole process group.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"codejudge/internal/judge/sandbox/profile"
	appErr "codejudge/pkg/errors"
)

const (
	defaultGrace          = time.Second
	defaultStderrMaxBytes = 64 * 1024
	defaultTimeLimit      = 2 * time.Second
	defaultMaxOutputBytes = 1024 * 10000
)

// Config controls runner limits.
type Config struct {
	// Grace is added to the time limit before the process group is killed.
	Grace          time.Duration
	StderrMaxBytes int
	// MaxOutputBytes caps program stdout. The process group is killed when
	// the program writes past it.
	MaxOutputBytes int64
	// DefaultTimeLimit applies when a request carries no limit.
	DefaultTimeLimit time.Duration
	Observer         Observer
}

// RunRequest describes one compile-and-run of a submission.
type RunRequest struct {
	SourcePath string
	InputPath  string
	OutputPath string
	BinaryPath string
	Language   profile.LanguageSpec
	TimeLimit  time.Duration
}

// RunOutcome captures what happened to the program.
type RunOutcome struct {
	Compiled     bool
	CompileLog   string
	Stderr       string
	TimedOut     bool
	RuntimeError bool
	// OutputLimitExceeded is set when the program was killed for writing
	// more than MaxOutputBytes to stdout.
	OutputLimitExceeded bool
	ExitCode            int
	ExecutionTime       time.Duration
}

// ProcessRunner runs programs as host child processes.
type ProcessRunner struct {
	cfg Config
}

// NewRunner creates a process runner with defaults applied.
func NewRunner(cfg Config) *ProcessRunner {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.StderrMaxBytes <= 0 {
		cfg.StderrMaxBytes = defaultStderrMaxBytes
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = defaultTimeLimit
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	return &ProcessRunner{cfg: cfg}
}

// CompileAndRun compiles the source when the language requires it, then runs
// the program with stdin bound to InputPath and stdout written to OutputPath.
// A returned error means the attempt could not be set up; program failures
// are reported in RunOutcome.
func (r *ProcessRunner) CompileAndRun(ctx context.Context, req RunRequest) (RunOutcome, error) {
	if err := validateRunRequest(req); err != nil {
		return RunOutcome{}, err
	}
	lang := req.Language.ID

	compileStart := time.Now()
	outcome, err := r.compile(ctx, req)
	r.cfg.Observer.ObserveCompile(ctx, lang, outcome.Compiled, time.Since(compileStart))
	if err != nil || !outcome.Compiled {
		return outcome, err
	}

	if err := r.run(ctx, req, &outcome); err != nil {
		return outcome, err
	}
	r.cfg.Observer.ObserveRun(ctx, lang, outcome)
	return outcome, nil
}

func (r *ProcessRunner) compile(ctx context.Context, req RunRequest) (RunOutcome, error) {
	if !req.Language.CompileEnabled {
		return RunOutcome{Compiled: true}, nil
	}
	argv, err := buildCommand(req.Language.CompileCmdTpl, req.SourcePath, req.BinaryPath)
	if err != nil {
		return RunOutcome{}, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(req.SourcePath)
	cmd.Env = append(os.Environ(), req.Language.Env...)
	cmd.SysProcAttr = sysProcAttr()
	diag := newBoundedBuffer(r.cfg.StderrMaxBytes)
	cmd.Stdout = diag
	cmd.Stderr = diag

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return RunOutcome{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Compiler missing or not executable.
			return RunOutcome{CompileLog: fmt.Sprintf("compiler unavailable: %v", err)}, nil
		}
		return RunOutcome{CompileLog: diag.String(), ExitCode: exitErr.ExitCode()}, nil
	}
	if diag.Len() > 0 {
		return RunOutcome{CompileLog: diag.String()}, nil
	}
	return RunOutcome{Compiled: true}, nil
}

func (r *ProcessRunner) run(ctx context.Context, req RunRequest, outcome *RunOutcome) error {
	argv, err := buildCommand(req.Language.RunCmdTpl, req.SourcePath, req.BinaryPath)
	if err != nil {
		return err
	}
	stdin, err := os.Open(req.InputPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "open input failed")
	}
	defer stdin.Close()
	stdout, err := os.Create(req.OutputPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create output failed")
	}
	defer stdout.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(req.OutputPath)
	cmd.Env = append(os.Environ(), req.Language.Env...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdin = stdin
	var overflow atomic.Bool
	cmd.Stdout = newCappedWriter(stdout, r.cfg.MaxOutputBytes, func() {
		overflow.Store(true)
		killProcessGroup(cmd.Process.Pid)
	})
	stderr := newBoundedBuffer(r.cfg.StderrMaxBytes)
	cmd.Stderr = stderr

	limit := req.TimeLimit
	if limit <= 0 {
		limit = r.cfg.DefaultTimeLimit
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		outcome.RuntimeError = true
		outcome.ExitCode = -1
		outcome.Stderr = fmt.Sprintf("launch failed: %v", err)
		return nil
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(limit + r.cfg.Grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process.Pid)
		case <-timer.C:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	outcome.ExecutionTime = time.Since(start)
	outcome.ExitCode = exitCodeFromErr(waitErr, cmd.ProcessState)
	outcome.Stderr = stderr.String()

	switch {
	case overflow.Load():
		outcome.OutputLimitExceeded = true
		outcome.RuntimeError = true
	case timedOut.Load():
		outcome.TimedOut = true
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil || outcome.ExitCode != 0:
		outcome.RuntimeError = true
	}
	return nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func validateRunRequest(req RunRequest) error {
	switch {
	case req.SourcePath == "":
		return appErr.ValidationError("source_path", "is required")
	case req.InputPath == "":
		return appErr.ValidationError("input_path", "is required")
	case req.OutputPath == "":
		return appErr.ValidationError("output_path", "is required")
	case req.BinaryPath == "":
		return appErr.ValidationError("binary_path", "is required")
	case req.Language.RunCmdTpl == "":
		return appErr.ValidationError("language", "run command is required")
	}
	return nil
}
