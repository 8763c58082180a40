package resultcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"subdispatch/internal/domain"
)

// memEntry pairs a key with its response and expiry in the LRU list.
type memEntry struct {
	key     string
	resp    domain.DelegationResponse
	expires time.Time
}

// Memory is an in-process domain.ResultCache with TTL expiry and an optional
// LRU bound. Safe for concurrent use; writes to the same key are
// last-writer-wins.
type Memory struct {
	maxSize int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // most-recently-used at back
	now   func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemory creates a cache holding at most maxSize entries (<= 0 for
// unbounded). When sweepEvery > 0 a background goroutine evicts expired
// entries until ctx ends or Close is called.
func NewMemory(ctx context.Context, maxSize int, sweepEvery time.Duration) *Memory {
	m := &Memory{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go m.sweepLoop(ctx, sweepEvery)
	} else {
		close(m.done)
	}
	return m
}

// Get implements domain.ResultCache.
func (m *Memory) Get(_ context.Context, key string) (*domain.DelegationResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	e := elem.Value.(*memEntry)
	if !m.now().Before(e.expires) {
		m.removeLocked(elem)
		return nil, false, nil
	}
	m.order.MoveToBack(elem)
	resp := e.resp
	return &resp, true, nil
}

// Set implements domain.ResultCache.
func (m *Memory) Set(_ context.Context, key string, resp *domain.DelegationResponse, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &memEntry{key: key, resp: *resp, expires: m.now().Add(ttl)}
	if elem, ok := m.items[key]; ok {
		elem.Value = entry
		m.order.MoveToBack(elem)
		return nil
	}
	m.items[key] = m.order.PushBack(entry)
	if m.maxSize > 0 && m.order.Len() > m.maxSize {
		m.removeLocked(m.order.Front())
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Sweep evicts every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for elem := m.order.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*memEntry).expires) {
			m.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Close stops the sweeper and waits for it to exit.
func (m *Memory) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
	return nil
}

func (m *Memory) sweepLoop(ctx context.Context, every time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Memory) removeLocked(elem *list.Element) {
	m.order.Remove(elem)
	delete(m.items, elem.Value.(*memEntry).key)
}

var _ domain.ResultCache = (*Memory)(nil)
