// internal/bus/bus.go
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/colebrumley/reactor/internal/model"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler processes one delivered trigger instance.
type Handler func(ctx context.Context, ti *model.TriggerInstance)

// Bus delivers trigger instances from dispatchers to engines. Each
// published instance reaches exactly one subscriber.
type Bus interface {
	Publish(ctx context.Context, ti *model.TriggerInstance) error
	// Subscribe starts delivering to h and returns. Delivery stops when
	// ctx is done or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Memory is an in-process bus backed by a buffered channel. Subscribers
// compete for instances.
type Memory struct {
	ch   chan *model.TriggerInstance
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewMemory creates an in-process bus holding up to buffer undelivered
// instances.
func NewMemory(buffer int) *Memory {
	if buffer < 0 {
		buffer = 0
	}
	return &Memory{
		ch:   make(chan *model.TriggerInstance, buffer),
		done: make(chan struct{}),
	}
}

// Publish blocks while the buffer is full.
func (m *Memory) Publish(ctx context.Context, ti *model.TriggerInstance) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- ti:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ti := <-m.ch:
				h(ctx, ti)
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

// Close stops delivery and waits for subscriber goroutines to return.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

// Pending returns the number of buffered, undelivered instances.
func (m *Memory) Pending() int {
	return len(m.ch)
}
