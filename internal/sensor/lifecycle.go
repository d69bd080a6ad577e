// internal/sensor/lifecycle.go
package sensor

import (
	"context"
	"time"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// Lifecycle events.
const (
	LifecycleStart = "start"
	LifecycleStop  = "stop"
)

// Lifecycle fires on daemon start and stop.
type Lifecycle struct {
	triggerRef string
	onEvents   map[string]bool
}

// NewLifecycle creates a core.lifecycle sensor. The events parameter
// selects start, stop or both (the default).
func NewLifecycle(t *model.Trigger) (*Lifecycle, error) {
	onEvents := make(map[string]bool)
	for _, e := range stringsParam(t.Parameters, "events") {
		onEvents[e] = true
	}
	if len(onEvents) == 0 {
		onEvents[LifecycleStart] = true
		onEvents[LifecycleStop] = true
	}
	return &Lifecycle{triggerRef: t.Ref, onEvents: onEvents}, nil
}

func (l *Lifecycle) TriggerRef() string {
	return l.triggerRef
}

func (l *Lifecycle) Start(ctx context.Context, events chan<- Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (l *Lifecycle) Stop() error {
	return nil
}

// ShouldFireOn reports whether this sensor fires for the given event.
func (l *Lifecycle) ShouldFireOn(eventType string) bool {
	return l.onEvents[eventType]
}

// Fire sends a lifecycle event if the sensor is configured for it.
func (l *Lifecycle) Fire(eventType string, events chan<- Event) bool {
	if !l.ShouldFireOn(eventType) {
		return false
	}
	return send(events, Event{
		Trigger:   l.triggerRef,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload.Mapping(map[string]payload.Value{"event": payload.String(eventType)}),
	})
}
