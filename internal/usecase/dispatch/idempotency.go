package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"subdispatch/internal/domain"
)

// DefaultIdempotencyTTL is how long a completed delegation stays replayable.
const DefaultIdempotencyTTL = time.Hour

// GenerateKey fingerprints a task by its template, arguments and agent name.
// encoding/json sorts map keys at every level, so equal content always yields
// the same key regardless of insertion order.
func GenerateKey(template string, args domain.Arguments, agentName string) string {
	payload := struct {
		Template string           `json:"template"`
		Args     domain.Arguments `json:"args"`
		Agent    string           `json:"agent"`
	}{template, args, agentName}

	data, err := json.Marshal(payload)
	if err != nil {
		// Arguments are shape-checked before key derivation; fall back to a
		// formatted rendering so the key stays deterministic anyway.
		data = []byte(template + "\x00" + agentName + "\x00" + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKeyStore replays completed delegations by key. Writes to the same
// key are last-writer-wins.
type IdempotencyKeyStore struct {
	cache  domain.ResultCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdempotencyKeyStore wraps cache. ttl <= 0 uses DefaultIdempotencyTTL.
func NewIdempotencyKeyStore(cache domain.ResultCache, ttl time.Duration, logger *slog.Logger) *IdempotencyKeyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyKeyStore{cache: cache, ttl: ttl, logger: logger}
}

// Get returns a live cached response. Cache backend errors are logged and
// treated as a miss.
func (s *IdempotencyKeyStore) Get(ctx context.Context, key string) (*domain.DelegationResponse, bool) {
	if s == nil || s.cache == nil || key == "" {
		return nil, false
	}
	resp, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("idempotency cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok || resp == nil {
		return nil, false
	}
	out := *resp
	out.Cached = true
	return &out, true
}

// Set stores resp under key with the store's TTL.
func (s *IdempotencyKeyStore) Set(ctx context.Context, key string, resp *domain.DelegationResponse) {
	if s == nil {
		return
	}
	s.SetTTL(ctx, key, resp, s.ttl)
}

// SetTTL stores resp under key with an explicit ttl.
func (s *IdempotencyKeyStore) SetTTL(ctx context.Context, key string, resp *domain.DelegationResponse, ttl time.Duration) {
	if s == nil || s.cache == nil || key == "" || resp == nil {
		return
	}
	stored := *resp
	stored.Cached = false
	if err := s.cache.Set(ctx, key, &stored, ttl); err != nil {
		s.logger.Warn("idempotency cache write failed", "key", key, "error", err)
	}
}
