// internal/bus/bus_test.go
package bus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/payload"
)

func instance(id string) *model.TriggerInstance {
	return &model.TriggerInstance{
		ID:      id,
		Trigger: "pack.t1",
		Payload: payload.Mapping(map[string]payload.Value{"k1": payload.String("v1")}),
		Status:  model.TriggerInstanceReceived,
	}
}

func TestMemoryDeliversEachInstanceOnce(t *testing.T) {
	b := NewMemory(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	const total = 50
	wg.Add(total)
	handler := func(_ context.Context, ti *model.TriggerInstance) {
		mu.Lock()
		seen[ti.ID]++
		mu.Unlock()
		wg.Done()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe(ctx, handler))
	}

	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(ctx, instance(model.NewID())))
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "instance %s delivered %d times", id, n)
	}
	require.NoError(t, b.Close())
}

func TestMemoryClosed(t *testing.T) {
	b := NewMemory(1)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), instance("a")), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), func(context.Context, *model.TriggerInstance) {}), ErrClosed)
}

func TestMemoryPublishRespectsContext(t *testing.T) {
	b := NewMemory(1)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), instance("a")))
	assert.Equal(t, 1, b.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, instance("b")), context.DeadlineExceeded)
}

func TestNATSRoundTrip(t *testing.T) {
	url := os.Getenv("REACTOR_TEST_NATS_URL")
	if url == "" {
		t.Skip("REACTOR_TEST_NATS_URL not set")
	}

	b, err := NewNATS(NATSOptions{URL: url, Subject: "reactor.test." + model.NewID()}, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	done := make(chan struct{})
	require.NoError(t, b.Subscribe(ctx, func(_ context.Context, ti *model.TriggerInstance) {
		got.Store(ti)
		close(done)
	}))

	want := instance(model.NewID())
	require.NoError(t, b.Publish(ctx, want))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	ti := got.Load().(*model.TriggerInstance)
	assert.Equal(t, want.ID, ti.ID)
	assert.True(t, payload.Equal(want.Payload, ti.Payload))
}
