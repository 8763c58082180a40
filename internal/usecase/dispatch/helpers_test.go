package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"subdispatch/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a scripted domain.AgentClient.
type fakeClient struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req domain.DelegationRequest, call int) (*domain.DelegationResponse, error)
}

func (f *fakeClient) Invoke(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, req, n)
}

// fakeStreamClient also implements domain.StreamingAgentClient.
type fakeStreamClient struct {
	fakeClient
	chunks []domain.Chunk
	close  bool
}

func (f *fakeStreamClient) InvokeStream(ctx context.Context, _ domain.DelegationRequest) (<-chan domain.Chunk, error) {
	f.calls.Add(1)
	ch := make(chan domain.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	if f.close {
		close(ch)
	}
	return ch, nil
}

// recordingRecorder captures events for assertions.
type recordingRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingRecorder) Record(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRecorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// fakeDelegator stands in for the Transport and tracks concurrency.
type fakeDelegator struct {
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	fn          func(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error)
}

func (f *fakeDelegator) Delegate(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return f.fn(ctx, req)
}

func argsOf(req domain.DelegationRequest) domain.Arguments {
	args, _ := req.Payload["arguments"].(domain.Arguments)
	return args
}
