package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"subdispatch/internal/domain"
)

// Handler consumes one event at a time, in publish order.
type Handler func(ctx context.Context, event domain.Event)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns an unbounded FIFO drained by a single goroutine, so a slow
// sink never blocks Publish and never sees events reordered.
type subscriber struct {
	id      uint64
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []delivery
	stopped bool
}

func newSubscriber(id uint64, h Handler) *subscriber {
	s := &subscriber{id: id, handler: h}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(d delivery) {
	s.mu.Lock()
	if !s.stopped {
		s.pending = append(s.pending, d)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// stop lets the worker finish what is already queued, then exit.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// next blocks until work is queued. It returns nil once stopped and drained.
func (s *subscriber) next() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.stopped {
		s.cond.Wait()
	}
	batch := s.pending
	s.pending = nil
	return batch
}

// Bus fans dispatch events out to subscribers. It satisfies
// domain.EventRecorder, so the orchestrator and breaker registry publish
// through it without knowing how many sinks are attached.
//
// All subscribers observe the same global order: Publish enqueues under one
// lock, and each subscriber drains its queue sequentially.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Publish queues event for every current subscriber and returns immediately.
// Cancellation of ctx does not drop queued deliveries.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(d)
	}
}

// Record implements domain.EventRecorder.
func (b *Bus) Record(ctx context.Context, event domain.Event) {
	b.Publish(ctx, event)
}

// Forward subscribes recorder to every event. Returns an unsubscribe function.
func (b *Bus) Forward(recorder domain.EventRecorder) func() {
	return b.Subscribe(recorder.Record)
}

// Subscribe registers a handler that receives every event published after
// this call. The returned function unsubscribes; events already queued for
// the handler are still delivered.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	s := newSubscriber(b.nextID, handler)
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur.id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop()
		})
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		batch := s.next()
		if len(batch) == 0 {
			return
		}
		for _, d := range batch {
			b.deliver(s, d)
		}
	}
}

func (b *Bus) deliver(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Close rejects further publishes, delivers everything already queued and
// waits for every subscriber to go idle. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}
