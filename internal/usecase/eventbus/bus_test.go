package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdispatch/internal/domain"
)

var _ domain.EventRecorder = (*Bus)(nil)

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

type sliceRecorder struct {
	mu     sync.Mutex
	events []domain.Event
	delay  time.Duration
}

func (r *sliceRecorder) Record(_ context.Context, e domain.Event) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *sliceRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestSubscribeReceivesEveryEvent(t *testing.T) {
	bus := New(slog.Default())

	var got atomic.Int32
	bus.Subscribe(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventDispatchStarted))
	bus.Publish(context.Background(), newEvent(domain.EventBreakerStateChanged))
	bus.Close()

	assert.Equal(t, int32(2), got.Load())
}

func TestSlowSinkKeepsPublishOrder(t *testing.T) {
	bus := New(slog.Default())
	sink := &sliceRecorder{delay: 2 * time.Millisecond}
	bus.Forward(sink)

	want := []domain.EventType{domain.EventDispatchStarted}
	for i := 0; i < 10; i++ {
		want = append(want, domain.EventDispatchTaskCompleted)
	}
	want = append(want, domain.EventDispatchCompleted)

	start := time.Now()
	for _, typ := range want {
		bus.Record(context.Background(), newEvent(typ))
	}
	assert.Less(t, time.Since(start), 10*time.Millisecond, "publish must not wait on the sink")

	bus.Close()
	assert.Equal(t, want, sink.types())
}

func TestSubscribersShareOneOrder(t *testing.T) {
	bus := New(slog.Default())
	a := &sliceRecorder{}
	b := &sliceRecorder{delay: time.Millisecond}
	bus.Forward(a)
	bus.Forward(b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := domain.EventDispatchTaskCompleted
			if i%2 == 0 {
				typ = domain.EventPIIDetected
			}
			bus.Publish(context.Background(), newEvent(typ))
		}(i)
	}
	wg.Wait()
	bus.Close()

	require.Len(t, a.types(), 8)
	assert.Equal(t, a.types(), b.types())
}

func TestRecordForwardsToRecorders(t *testing.T) {
	bus := New(slog.Default())
	a, b := &sliceRecorder{}, &sliceRecorder{}
	bus.Forward(a)
	unsub := bus.Forward(b)

	bus.Record(context.Background(), newEvent(domain.EventDispatchTaskCompleted))
	unsub()
	unsub()
	bus.Record(context.Background(), newEvent(domain.EventDispatchCompleted))
	bus.Close()

	assert.Len(t, a.types(), 2)
	assert.Equal(t, []domain.EventType{domain.EventDispatchTaskCompleted}, b.types())
}

func TestCancelledContextStillDelivers(t *testing.T) {
	bus := New(slog.Default())
	var errs atomic.Int32
	bus.Subscribe(func(ctx context.Context, _ domain.Event) {
		if ctx.Err() != nil {
			errs.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventDispatchAborted))
	cancel()
	bus.Close()

	assert.Zero(t, errs.Load())
}

func TestPanicRecovery(t *testing.T) {
	bus := New(slog.Default())

	var calls, healthy atomic.Int32
	bus.Subscribe(func(_ context.Context, _ domain.Event) {
		calls.Add(1)
		panic("boom")
	})
	bus.Subscribe(func(_ context.Context, _ domain.Event) { healthy.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventDispatchAborted))
	bus.Publish(context.Background(), newEvent(domain.EventDispatchAborted))
	bus.Close()

	assert.Equal(t, int32(2), calls.Load(), "a panicking handler keeps receiving")
	assert.Equal(t, int32(2), healthy.Load())
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := New(nil)

	var got atomic.Int32
	bus.Subscribe(func(_ context.Context, _ domain.Event) {
		time.Sleep(20 * time.Millisecond)
		got.Add(1)
	})

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), newEvent(domain.EventDispatchCompleted))
	}
	bus.Close()
	assert.Equal(t, int32(3), got.Load())

	bus.Publish(context.Background(), newEvent(domain.EventDispatchCompleted))
	unsub := bus.Subscribe(func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	bus.Close()
	assert.Equal(t, int32(3), got.Load())
}
