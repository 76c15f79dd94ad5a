package codemod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables that make up the codemod protocol.
const (
	EnvAPI       = "SVP_API"
	EnvResult    = "SVP_RESULT"
	EnvResume    = "SVP_RESUME"
	EnvCommitter = "COMMITTER"
)

// ErrCommandNotFound means the codemod executable could not be spawned at
// all. This is fatal for the whole batch, not just one repository.
var ErrCommandNotFound = errors.New("codemod command not found")

// ExitError is returned when the codemod exits nonzero without writing a
// result file.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("codemod exited with status %d", e.Code)
}

// ResultError is returned when the codemod exits nonzero and wrote a result
// file describing the failure. The result's code, stage and transience come
// from the codemod itself.
type ResultError struct {
	Result *Result
}

func (e *ResultError) Error() string {
	return "codemod failed: " + e.Result.String()
}

// Runner executes codemod commands in a working copy, wiring up the
// protocol environment and collecting the structured result.
type Runner struct {
	Committer string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// RunOptions describes a single codemod invocation.
type RunOptions struct {
	// Command is the argv to execute. Must be non-empty.
	Command []string

	// Dir is the working copy (or subpath within it) to run in.
	Dir string

	// ExtraEnv is appended after the protocol variables.
	ExtraEnv map[string]string

	// Resume, when set, is serialized and exposed via SVP_RESUME so the
	// codemod can pick up where a previous run stopped.
	Resume *Result
}

// Run executes the codemod and returns its result. A nil error means the
// codemod exited zero; the result then carries either its reported code or
// a synthesized success whose description falls back to trimmed stdout.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("empty codemod command")
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	exchange, err := os.MkdirTemp("", "codemod-")
	if err != nil {
		return nil, fmt.Errorf("creating exchange dir: %w", err)
	}
	defer os.RemoveAll(exchange)

	resultPath := filepath.Join(exchange, "result.json")

	env := os.Environ()
	env = append(env,
		EnvAPI+"="+APIVersion,
		EnvResult+"="+resultPath,
	)
	if r.Committer != "" {
		env = append(env, EnvCommitter+"="+r.Committer)
	}
	if opts.Resume != nil {
		resumePath := filepath.Join(exchange, "resume.json")
		if err := WriteResultFile(resumePath, opts.Resume); err != nil {
			return nil, fmt.Errorf("writing resume state: %w", err)
		}
		env = append(env, EnvResume+"="+resumePath)
	}
	for k, v := range opts.ExtraEnv {
		env = append(env, k+"="+v)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = env
	// Leftover grandchildren can hold the output pipes open long after
	// the codemod itself was killed; stop waiting on them.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running codemod", "command", strings.Join(opts.Command, " "), "dir", opts.Dir)

	err = cmd.Run()
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		// Spawn failures surface either as *exec.Error (PATH lookup) or
		// as the fork/exec PathError for absolute commands.
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, opts.Command[0])
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("codemod interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running codemod: %w", err)
		}
		// A failing codemod may still report details via the result file.
		if res, rerr := ReadResultFile(resultPath); rerr == nil && res != nil {
			if res.Code == CodeSuccess {
				res.Code = CodeCommandError
			}
			return nil, &ResultError{Result: res}
		}
		return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}

	res, err := ReadResultFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	if res == nil {
		res = &Result{Code: CodeSuccess}
	}
	if res.Description == "" {
		res.Description = strings.TrimSpace(stdout.String())
	}
	logger.Debug("codemod finished", "code", res.Code)
	return res, nil
}
