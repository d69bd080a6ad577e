// internal/trigger/builtin.go
package trigger

import (
	"context"
	"fmt"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// Built-in trigger types.
const (
	TypeCronTimer       = "core.cron_timer"
	TypeIntervalTimer   = "core.interval_timer"
	TypeFileWatch       = "core.file_watch"
	TypeWebhook         = "core.webhook"
	TypeLifecycle       = "core.lifecycle"
	TypeActionCompleted = "core.action_completed"
)

var stringList = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

// Builtins returns the definitions of the core trigger types.
func Builtins() []*model.TriggerType {
	return []*model.TriggerType{
		{
			Pack:        "core",
			Name:        "cron_timer",
			Description: "Fires on a cron schedule (six fields, with seconds)",
			ParametersSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cron_expression": map[string]any{"type": "string"},
					"run_every":       map[string]any{"type": "string", "pattern": "^[0-9]+[hms]$"},
					"run_at":          map[string]any{"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
				},
				"additionalProperties": false,
			}),
			PayloadSchema: timerPayloadSchema(),
		},
		{
			Pack:        "core",
			Name:        "interval_timer",
			Description: "Fires every delta units",
			ParametersSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"unit": map[string]any{
						"type": "string",
						"enum": []any{"seconds", "minutes", "hours", "days", "weeks"},
					},
					"delta": map[string]any{"type": "number", "minimum": 0},
				},
				"required":             []any{"delta"},
				"additionalProperties": false,
			}),
			PayloadSchema: timerPayloadSchema(),
		},
		{
			Pack:        "core",
			Name:        "file_watch",
			Description: "Fires on file system events under the watched paths",
			ParametersSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":  map[string]any{"type": "string"},
					"paths": stringList,
					"events": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "string",
							"enum": []any{"file_created", "directory_created", "file_modified", "file_deleted"},
						},
					},
					"ignore_patterns":  stringList,
					"debounce_seconds": map[string]any{"type": "number", "minimum": 0},
					"run_as_user":      map[string]any{"type": "string"},
				},
				"additionalProperties": false,
			}),
			PayloadSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":  map[string]any{"type": "string"},
					"file_name":  map[string]any{"type": "string"},
					"event_type": map[string]any{"type": "string"},
				},
				"required": []any{"file_path", "event_type"},
			}),
		},
		{
			Pack:        "core",
			Name:        "webhook",
			Description: "Fires when an HTTP request arrives on /webhooks/<url>",
			ParametersSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":             map[string]any{"type": "string", "minLength": 1},
					"allowed_methods": stringList,
					"secret_env_var":  map[string]any{"type": "string"},
					"secret_header":   map[string]any{"type": "string"},
				},
				"required":             []any{"url"},
				"additionalProperties": false,
			}),
			PayloadSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"headers": map[string]any{"type": "object"},
					"method":  map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
				},
			}),
		},
		{
			Pack:        "core",
			Name:        "lifecycle",
			Description: "Fires when the daemon starts or stops",
			ParametersSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"events": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string", "enum": []any{"start", "stop"}},
					},
				},
				"additionalProperties": false,
			}),
			PayloadSchema: payload.MustFromAny(map[string]any{
				"type":       "object",
				"properties": map[string]any{"event": map[string]any{"type": "string"}},
				"required":   []any{"event"},
			}),
		},
		{
			Pack:        "core",
			Name:        "action_completed",
			Description: "Fires when an execution reaches a terminal status",
			PayloadSchema: payload.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"execution_id": map[string]any{"type": "string"},
					"action_ref":   map[string]any{"type": "string"},
					"status":       map[string]any{"type": "string"},
					"result":       map[string]any{},
					"parameters":   map[string]any{"type": "object"},
					"rule":         map[string]any{"type": "string"},
				},
				"required": []any{"execution_id", "action_ref", "status"},
			}),
		},
	}
}

func timerPayloadSchema() payload.Value {
	return payload.MustFromAny(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"executed_at": map[string]any{"type": "string"},
			"schedule":    map[string]any{},
		},
		"required": []any{"executed_at"},
	})
}

// TypeRegistrar stores trigger type definitions.
type TypeRegistrar interface {
	RegisterTriggerType(ctx context.Context, tt *model.TriggerType) error
}

// RegisterBuiltins stores the core trigger types.
func RegisterBuiltins(ctx context.Context, st TypeRegistrar) error {
	for _, tt := range Builtins() {
		if err := st.RegisterTriggerType(ctx, tt); err != nil {
			return fmt.Errorf("registering built-in trigger types: %w", err)
		}
	}
	return nil
}
