// internal/daemon/sensors.go
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/colebrumley/reactor/internal/metrics"
	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/sensor"
	"github.com/colebrumley/reactor/internal/trigger"
)

// eventBuffer is the sensor event channel capacity. Sensors drop events
// when it is full.
const eventBuffer = 100

type runningSensor struct {
	sensor sensor.Sensor
	cancel context.CancelFunc
}

// sensors runs one sensor per trigger referenced by an enabled rule.
type sensors struct {
	dispatcher *trigger.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     chan sensor.Event

	mu       sync.RWMutex
	running  map[string]*runningSensor
	webhooks map[string]*sensor.Webhook
	wg       sync.WaitGroup
}

func newSensors(dispatcher *trigger.Dispatcher, logger *slog.Logger, m *metrics.Metrics) *sensors {
	return &sensors{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		events:     make(chan sensor.Event, eventBuffer),
		running:    make(map[string]*runningSensor),
		webhooks:   make(map[string]*sensor.Webhook),
	}
}

// Sync starts sensors for triggers that gained one and stops those whose
// trigger is no longer wanted.
func (m *sensors) Sync(ctx context.Context, triggers []*model.Trigger) {
	want := make(map[string]*model.Trigger)
	for _, t := range triggers {
		if sensor.HasSensor(t.Type) {
			want[t.Ref] = t
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for ref, rs := range m.running {
		if _, ok := want[ref]; ok {
			continue
		}
		rs.cancel()
		rs.sensor.Stop()
		delete(m.running, ref)
		for url, wh := range m.webhooks {
			if wh.TriggerRef() == ref {
				delete(m.webhooks, url)
			}
		}
		m.logger.Info("sensor stopped", "trigger", ref)
	}

	for ref, t := range want {
		if _, ok := m.running[ref]; ok {
			continue
		}
		s, err := sensor.New(t)
		if err != nil {
			m.logger.Error("failed to create sensor", "trigger", ref, "error", err)
			continue
		}
		if wh, ok := s.(*sensor.Webhook); ok {
			if other, taken := m.webhooks[wh.URL()]; taken {
				m.logger.Error("webhook url already served", "trigger", ref, "url", wh.URL(), "by", other.TriggerRef())
				continue
			}
			m.webhooks[wh.URL()] = wh
		}

		sctx, cancel := context.WithCancel(ctx)
		m.running[ref] = &runningSensor{sensor: s, cancel: cancel}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := s.Start(sctx, m.events); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("sensor stopped with error", "trigger", ref, "error", err)
			}
		}()
		m.logger.Info("sensor started", "trigger", ref, "type", t.Type)
	}
}

// Webhook returns the webhook sensor serving url.
func (m *sensors) Webhook(url string) (*sensor.Webhook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wh, ok := m.webhooks[url]
	return wh, ok
}

// ServeWebhook hands r to the sensor for url and returns the response
// status.
func (m *sensors) ServeWebhook(url string, r *http.Request) int {
	wh, ok := m.Webhook(url)
	if !ok {
		return http.StatusNotFound
	}
	return wh.HandleRequest(r, m.events)
}

// Lifecycle fires eventType on every lifecycle sensor configured for it.
func (m *sensors) Lifecycle(eventType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fired := 0
	for _, rs := range m.running {
		if lc, ok := rs.sensor.(*sensor.Lifecycle); ok && lc.Fire(eventType, m.events) {
			fired++
		}
	}
	return fired
}

// Len returns the number of running sensors.
func (m *sensors) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running)
}

// Run dispatches sensor events until ctx is done.
func (m *sensors) Run(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Drain dispatches the events already queued.
func (m *sensors) Drain(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (m *sensors) dispatch(ctx context.Context, ev sensor.Event) {
	ti, err := m.dispatcher.Dispatch(ctx, trigger.Descriptor{Ref: ev.Trigger}, ev.Payload, ev.Timestamp)
	switch {
	case err != nil:
		m.metrics.SensorDispatchFailed(ev.Trigger)
		m.logger.Error("failed to dispatch sensor event", "trigger", ev.Trigger, "event", ev.Type, "error", err)
	case ti == nil:
		m.metrics.SensorDispatchFailed(ev.Trigger)
	default:
		m.logger.Debug("sensor event dispatched", "trigger", ev.Trigger, "event", ev.Type, "trigger_instance", ti.ID)
	}
}

// StopAll stops every sensor and waits for them to return.
func (m *sensors) StopAll() {
	m.mu.Lock()
	for ref, rs := range m.running {
		rs.cancel()
		rs.sensor.Stop()
		delete(m.running, ref)
	}
	m.webhooks = make(map[string]*sensor.Webhook)
	m.mu.Unlock()
	m.wg.Wait()
}
