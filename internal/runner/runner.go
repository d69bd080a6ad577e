// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// Runner types.
const (
	LocalShell   = "local-shell-cmd"
	Noop         = "noop"
	ClaudePrompt = "claude-prompt"
)

// waitDelay bounds how long a killed command's output pipes may stay open.
const waitDelay = 2 * time.Second

// ErrUnknownRunner is returned for a runner type outside the registry.
var ErrUnknownRunner = errors.New("unknown runner type")

// Result is what a runner reports for one execution.
type Result struct {
	Status model.ExecutionStatus
	Output payload.Value
}

// Runner executes one liveaction. Run blocks until the work finishes or
// ctx is done. A returned error means the execution failed.
type Runner interface {
	Run(ctx context.Context, la *model.LiveAction) (Result, error)
}

// Options configure the built-in runners.
type Options struct {
	// Shell runs local-shell-cmd commands as `<shell> -c <cmd>`.
	Shell string
	// ClaudeCommand is the claude CLI binary.
	ClaudeCommand string
	// ClaudeDefaults apply to claude-prompt executions unless a parameter
	// overrides them.
	ClaudeDefaults config.ClaudeConfig
	// ToolServer, when set, is offered to claude-prompt executions as an
	// MCP stdio server (`<ToolServer> mcp`).
	ToolServer string
	// AllowedUsers restricts run_as_user. Empty means no user switching.
	AllowedUsers []string
	Logger       *slog.Logger
}

// Registry resolves runner types to runners. The set of types is fixed.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry(opts Options) *Registry {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.ClaudeCommand == "" {
		opts.ClaudeCommand = "claude"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{runners: map[string]Runner{
		LocalShell:   &shell{shell: opts.Shell, allowedUsers: opts.AllowedUsers},
		Noop:         noop{},
		ClaudePrompt: newClaude(opts),
	}}
}

// Get returns the runner for a runner type.
func (r *Registry) Get(runnerType string) (Runner, error) {
	rn, ok := r.runners[runnerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRunner, runnerType)
	}
	return rn, nil
}

// Types lists the registered runner types in order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.runners))
	for t := range r.runners {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// noop succeeds immediately and echoes its parameters.
type noop struct{}

func (noop) Run(ctx context.Context, la *model.LiveAction) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Status: model.StatusSucceeded,
		Output: payload.Mapping(map[string]payload.Value{"parameters": la.Parameters}),
	}, nil
}

// Timeout reads the timeout parameter in seconds, falling back to def.
func Timeout(la *model.LiveAction, def time.Duration) time.Duration {
	v, ok := la.Parameters.Field("timeout")
	if !ok || v.Kind() != payload.KindNumber || v.AsNumber() <= 0 {
		return def
	}
	return time.Duration(v.AsNumber() * float64(time.Second))
}

func stringParam(la *model.LiveAction, key string) string {
	v, ok := la.Parameters.Field(key)
	if !ok || v.Kind() != payload.KindString {
		return ""
	}
	return v.AsString()
}

func stringsParam(la *model.LiveAction, key string) []string {
	v, ok := la.Parameters.Field(key)
	if !ok {
		return nil
	}
	switch v.Kind() {
	case payload.KindString:
		return []string{v.AsString()}
	case payload.KindSequence:
		out := make([]string, 0, v.Len())
		for _, item := range v.Items() {
			if item.Kind() == payload.KindString {
				out = append(out, item.AsString())
			}
		}
		return out
	}
	return nil
}

func userAllowed(user string, allowed []string) bool {
	for _, u := range allowed {
		if u == user {
			return true
		}
	}
	return false
}
