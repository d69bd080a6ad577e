// internal/sensor/sensor.go
package sensor

import (
	"context"
	"time"

	"github.com/colebrumley/reactor/internal/payload"
)

// Event is one observation made by a sensor, addressed to the trigger it
// fires.
type Event struct {
	Trigger   string
	Type      string
	Timestamp time.Time
	Payload   payload.Value
}

// Sensor watches an event source on behalf of one trigger.
type Sensor interface {
	// Start watches for events, sending them to the channel, until ctx is
	// done.
	Start(ctx context.Context, events chan<- Event) error
	Stop() error
	// TriggerRef returns the ref of the trigger this sensor fires.
	TriggerRef() string
}

// send delivers an event without blocking; a full channel drops it.
func send(events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}

func stringParam(p payload.Value, key string) string {
	v, ok := p.Field(key)
	if !ok || v.Kind() != payload.KindString {
		return ""
	}
	return v.AsString()
}

func numberParam(p payload.Value, key string) float64 {
	v, ok := p.Field(key)
	if !ok || v.Kind() != payload.KindNumber {
		return 0
	}
	return v.AsNumber()
}

func stringsParam(p payload.Value, key string) []string {
	v, ok := p.Field(key)
	if !ok {
		return nil
	}
	if v.Kind() == payload.KindString {
		return []string{v.AsString()}
	}
	var out []string
	for _, item := range v.Items() {
		if item.Kind() == payload.KindString {
			out = append(out, item.AsString())
		}
	}
	return out
}
