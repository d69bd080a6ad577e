// internal/runner/shell.go
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
	"github.com/colebrumley/reactor/internal/security"
)

// shell runs the cmd parameter through a POSIX shell. Optional
// parameters: cwd, env (mapping), run_as_user.
type shell struct {
	shell        string
	allowedUsers []string
}

func (s *shell) Run(ctx context.Context, la *model.LiveAction) (Result, error) {
	command := stringParam(la, "cmd")
	if command == "" {
		return Result{}, errors.New("parameter cmd is required")
	}

	var cmd *exec.Cmd
	if user := stringParam(la, "run_as_user"); user != "" {
		if !userAllowed(user, s.allowedUsers) {
			return Result{}, fmt.Errorf("run_as_user %q is not allowed", user)
		}
		cmd = exec.CommandContext(ctx, "sudo", "-n", "-u", user, s.shell, "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, s.shell, "-c", command)
	}
	cmd.Dir = stringParam(la, "cwd")
	cmd.Env = append(os.Environ(), envParam(la)...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	out := payload.Mapping(map[string]payload.Value{
		"stdout":      payload.String(security.ScrubOutput(stdout.String())),
		"stderr":      payload.String(security.ScrubOutput(stderr.String())),
		"return_code": payload.Number(float64(code)),
		"succeeded":   payload.Bool(err == nil),
	})

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Status: model.StatusSucceeded, Output: out}, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Status: model.StatusTimeout, Output: out.With("error", payload.String("execution timed out"))}, nil
	case ctx.Err() != nil:
		return Result{Status: model.StatusCanceled, Output: out.With("error", payload.String("execution canceled"))}, nil
	case errors.As(err, &exitErr):
		return Result{Status: model.StatusFailed, Output: out.With("error", payload.String(err.Error()))}, nil
	default:
		return Result{}, fmt.Errorf("starting command: %w", err)
	}
}

func envParam(la *model.LiveAction) []string {
	v, ok := la.Parameters.Field("env")
	if !ok || v.Kind() != payload.KindMapping {
		return nil
	}
	keys := make([]string, 0, v.Len())
	for k := range v.Fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		item, _ := v.Field(k)
		env = append(env, k+"="+item.Text())
	}
	return env
}
