// internal/sensor/timer.go
package sensor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

// Timer fires a trigger on a cron schedule. Interval timers are cron
// timers with an "@every" schedule.
type Timer struct {
	triggerRef string
	eventType  string
	spec       string
	schedule   payload.Value
	cron       *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	events chan<- Event
}

// NewCron creates a core.cron_timer sensor. Parameters are either
// cron_expression (six fields, with seconds) or the simpler run_every
// ("30m", "6h") and run_at ("HH:MM").
func NewCron(t *model.Trigger) (*Timer, error) {
	expr := stringParam(t.Parameters, "cron_expression")
	if expr == "" {
		expr = convertSimpleToCron(stringParam(t.Parameters, "run_every"), stringParam(t.Parameters, "run_at"))
	}
	return newTimer(t.Ref, "cron_timer", expr, payload.String(expr))
}

// NewInterval creates a core.interval_timer sensor firing every delta
// units (seconds, minutes, hours, days or weeks).
func NewInterval(t *model.Trigger) (*Timer, error) {
	unit := stringParam(t.Parameters, "unit")
	delta := numberParam(t.Parameters, "delta")
	if delta <= 0 {
		return nil, fmt.Errorf("interval timer %s: delta must be positive", t.Ref)
	}

	var per time.Duration
	switch strings.ToLower(unit) {
	case "seconds", "second":
		per = time.Second
	case "minutes", "minute", "":
		per = time.Minute
	case "hours", "hour":
		per = time.Hour
	case "days", "day":
		per = 24 * time.Hour
	case "weeks", "week":
		per = 7 * 24 * time.Hour
	default:
		return nil, fmt.Errorf("interval timer %s: unknown unit %q", t.Ref, unit)
	}

	every := time.Duration(delta * float64(per))
	schedule := payload.Mapping(map[string]payload.Value{
		"unit":  payload.String(unit),
		"delta": payload.Number(delta),
	})
	return newTimer(t.Ref, "interval_timer", "@every "+every.String(), schedule)
}

func newTimer(ref, eventType, spec string, schedule payload.Value) (*Timer, error) {
	tm := &Timer{
		triggerRef: ref,
		eventType:  eventType,
		spec:       spec,
		schedule:   schedule,
		cron:       cron.New(cron.WithSeconds()),
	}
	if _, err := tm.cron.AddFunc(spec, tm.fire); err != nil {
		return nil, fmt.Errorf("timer %s: invalid schedule %q: %w", ref, spec, err)
	}
	return tm, nil
}

func (tm *Timer) TriggerRef() string {
	return tm.triggerRef
}

// Spec returns the cron spec the timer runs on.
func (tm *Timer) Spec() string {
	return tm.spec
}

func (tm *Timer) Start(ctx context.Context, events chan<- Event) error {
	tm.mu.Lock()
	tm.ctx = ctx
	tm.events = events
	tm.mu.Unlock()

	tm.cron.Start()
	<-ctx.Done()
	tm.cron.Stop()
	return ctx.Err()
}

func (tm *Timer) Stop() error {
	tm.cron.Stop()
	return nil
}

func (tm *Timer) fire() {
	tm.mu.Lock()
	ctx, events := tm.ctx, tm.events
	tm.mu.Unlock()
	if events == nil {
		return
	}

	now := time.Now().UTC()
	ev := Event{
		Trigger:   tm.triggerRef,
		Type:      tm.eventType,
		Timestamp: now,
		Payload: payload.Mapping(map[string]payload.Value{
			"executed_at": payload.String(now.Format(time.RFC3339)),
			"schedule":    tm.schedule,
		}),
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// convertSimpleToCron converts run_every or run_at to a cron expression.
// The default is hourly.
func convertSimpleToCron(runEvery, runAt string) string {
	if runEvery == "" && runAt == "" {
		return "0 0 * * * *"
	}

	// run_at: "HH:MM" runs daily at that time
	if runAt != "" && len(runAt) == 5 && runAt[2] == ':' {
		return "0 " + runAt[3:5] + " " + runAt[0:2] + " * * *"
	}

	// run_every: "1h", "30m", "45s"
	if len(runEvery) >= 2 {
		val := runEvery[:len(runEvery)-1]
		switch runEvery[len(runEvery)-1] {
		case 'h':
			return "0 0 */" + val + " * * *"
		case 'm':
			return "0 */" + val + " * * * *"
		case 's':
			return "*/" + val + " * * * * *"
		}
	}

	return "0 0 * * * *"
}
