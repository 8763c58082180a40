package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/trace"

	"subdispatch/internal/domain"
	"subdispatch/internal/infra/tracer"
)

// RetentionPolicy controls how much of the event file is kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// ParseRetention builds a policy from a max age and a human-readable size
// such as "100MB" or "1GiB". An empty size means no size limit.
func ParseRetention(maxAge time.Duration, maxSize string) (RetentionPolicy, error) {
	p := RetentionPolicy{MaxAge: maxAge}
	if maxSize == "" {
		return p, nil
	}
	n, err := humanize.ParseBytes(maxSize)
	if err != nil {
		return p, fmt.Errorf("parse size %q: %w", maxSize, err)
	}
	p.MaxSize = int64(n)
	return p, nil
}

// JSONL implements domain.EventRecorder by appending one JSON object per
// event to a file.
type JSONL struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *slog.Logger
}

// NewJSONL opens (or creates with 0600 permissions) the event file at path.
func NewJSONL(path string, logger *slog.Logger) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, domain.NewDomainError("sink.NewJSONL", domain.ErrSinkWrite, err.Error())
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, domain.NewDomainError("sink.NewJSONL", domain.ErrSinkWrite, err.Error())
	}
	return &JSONL{file: f, path: path, logger: logger}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// Write appends event as a single JSON line. If a span is recording on ctx
// the event is mirrored onto it.
func (s *JSONL) Write(ctx context.Context, event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("JSONL.Write", domain.ErrSinkWrite, err.Error())
	}

	s.mu.Lock()
	_, err = s.file.Write(append(data, '\n'))
	s.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("JSONL.Write", domain.ErrSinkWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(string(event.Type), trace.WithAttributes(
			tracer.StringAttr("dispatch.id", event.DispatchID),
		))
	}
	return nil
}

// Record implements domain.EventRecorder. Write failures are logged, never
// propagated to the dispatch.
func (s *JSONL) Record(ctx context.Context, event domain.Event) {
	if err := s.Write(ctx, event); err != nil {
		s.logger.Warn("event sink write failed", "event", string(event.Type), "error", err)
	}
}

// Close closes the event file.
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// EnforceRetention rewrites the file keeping only entries that satisfy
// policy: entries older than MaxAge are dropped, then the oldest entries are
// dropped until the file fits MaxSize.
func (s *JSONL) EnforceRetention(policy RetentionPolicy) (removed int, err error) {
	if policy.MaxAge <= 0 && policy.MaxSize <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.MaxAge <= 0 {
		info, err := os.Stat(s.path)
		if err != nil {
			return 0, fmt.Errorf("stat event log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	if err := s.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// Always leave the sink writable.
	defer func() {
		f, openErr := openAppend(s.path)
		if openErr != nil && err == nil {
			err = fmt.Errorf("reopen after retention: %w", openErr)
		}
		s.file = f
	}()

	kept, keptSize, removed, err := readKept(s.path, cutoff)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && len(kept) > 0 && keptSize > policy.MaxSize {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return removed, nil
}

// readKept returns the lines of path whose timestamp is not before cutoff.
func readKept(path string, cutoff time.Time) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan event log: %w", err)
	}
	return kept, size, removed, nil
}
