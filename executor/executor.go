// Package executor funnels every external tool invocation through one
// interface so the rest of the engine never touches os/exec directly and
// tests can record and script command runs.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/bootforge/bootforge/types"
)

// Result carries the outcome of one external command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Interface runs external commands. Implementations must block until the
// command exits; callers rely on a definitive exit status before advancing.
type Interface interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// LookPath reports whether a tool is resolvable, mirroring exec.LookPath.
	LookPath(name string) (string, error)
}

type execRunner struct {
	log types.ForgeLogger
}

// New returns an os/exec backed executor.
func New(log types.ForgeLogger) Interface {
	return &execRunner{log: log}
}

func (e *execRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	e.log.Logger.Debug().Str("cmd", name).Str("args", strings.Join(args, " ")).Msg("Running command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero exit is reported through Result, not as an error.
		e.log.Logger.Debug().Str("cmd", name).Int("exit", res.ExitCode).Str("stderr", res.Stderr).Msg("Command failed")
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
