package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"subdispatch/internal/domain"
)

func newTestSink(t *testing.T) (*JSONL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	s, err := NewJSONL(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func readEvents(t *testing.T, path string) []domain.Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func TestJSONLRecord(t *testing.T) {
	s, path := newTestSink(t)
	ctx := domain.ContextWithDispatchID(context.Background(), "01HDISPATCH")

	s.Record(ctx, domain.NewEvent(ctx, domain.EventDispatchTaskCompleted, domain.TaskCompletedPayload{Index: 2, Agent: "echo", Success: true, Cost: "0.01"}))
	s.Record(ctx, domain.Event{Type: domain.EventDispatchCompleted})

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventDispatchTaskCompleted, events[0].Type)
	assert.Equal(t, "01HDISPATCH", events[0].DispatchID)

	var p domain.TaskCompletedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, 2, p.Index)
	assert.Equal(t, "echo", p.Agent)
	assert.False(t, events[1].Timestamp.IsZero(), "missing timestamp should be filled")
}

func TestJSONLFilePermissions(t *testing.T) {
	_, path := newTestSink(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestJSONLConcurrentWrites(t *testing.T) {
	s, path := newTestSink(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Record(context.Background(), domain.NewEvent(context.Background(), domain.EventDispatchTaskCompleted, domain.TaskCompletedPayload{Index: i}))
		}(i)
	}
	wg.Wait()

	assert.Len(t, readEvents(t, path), 50)
}

func TestJSONLWriteAfterClose(t *testing.T) {
	s, _ := newTestSink(t)
	require.NoError(t, s.Close())

	err := s.Write(context.Background(), domain.Event{Type: domain.EventDispatchStarted})
	assert.True(t, errors.Is(err, domain.ErrSinkWrite), "got %v", err)
	// Record swallows the error.
	s.Record(context.Background(), domain.Event{Type: domain.EventDispatchStarted})
}

func TestNewJSONLInvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	_, err := NewJSONL(filepath.Join(blocker, "events.jsonl"), slog.Default())
	assert.ErrorIs(t, err, domain.ErrSinkWrite)
}

func TestJSONLMirrorsOntoSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	s, _ := newTestSink(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch.run")
	require.NoError(t, s.Write(ctx, domain.Event{Type: domain.EventPIIDetected, DispatchID: "d1"}))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, string(domain.EventPIIDetected), spans[0].Events()[0].Name)
}

func writeAged(t *testing.T, s *JSONL, ages ...time.Duration) {
	t.Helper()
	for i, age := range ages {
		require.NoError(t, s.Write(context.Background(), domain.Event{
			Type:       domain.EventDispatchCompleted,
			Timestamp:  time.Now().Add(-age),
			DispatchID: fmt.Sprintf("d%d", i),
		}))
	}
}

func TestEnforceRetentionMaxAge(t *testing.T) {
	s, path := newTestSink(t)
	writeAged(t, s, 72*time.Hour, 48*time.Hour, time.Hour, 0)

	removed, err := s.EnforceRetention(RetentionPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, "d2", events[0].DispatchID)

	// The sink stays writable.
	writeAged(t, s, 0)
	assert.Len(t, readEvents(t, path), 3)
}

func TestEnforceRetentionMaxSize(t *testing.T) {
	s, path := newTestSink(t)
	writeAged(t, s, 0, 0, 0, 0, 0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 5)
	lastTwo := int64(len(lines[3]) + len(lines[4]) + 2)

	removed, err := s.EnforceRetention(RetentionPolicy{MaxSize: lastTwo})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, "d3", events[0].DispatchID)
	assert.Equal(t, "d4", events[1].DispatchID)
}

func TestEnforceRetentionNoPolicy(t *testing.T) {
	s, path := newTestSink(t)
	writeAged(t, s, 1000*time.Hour)

	removed, err := s.EnforceRetention(RetentionPolicy{})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, readEvents(t, path), 1)
}

func TestParseRetention(t *testing.T) {
	p, err := ParseRetention(time.Hour, "2KiB")
	require.NoError(t, err)
	assert.Equal(t, RetentionPolicy{MaxAge: time.Hour, MaxSize: 2048}, p)

	p, err = ParseRetention(0, "1MB")
	require.NoError(t, err)
	assert.Equal(t, int64(1000*1000), p.MaxSize)

	p, err = ParseRetention(0, "")
	require.NoError(t, err)
	assert.Zero(t, p.MaxSize)

	_, err = ParseRetention(0, "huge")
	assert.Error(t, err)
}
