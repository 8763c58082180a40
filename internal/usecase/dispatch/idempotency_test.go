package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdispatch/internal/domain"
)

func TestGenerateKeyDeterministic(t *testing.T) {
	a := domain.Arguments{"x": 1, "y": map[string]any{"b": "2", "a": "1"}}
	b := domain.Arguments{"y": map[string]any{"a": "1", "b": "2"}, "x": 1}

	k1 := GenerateKey("Summarise {x}", a, "summariser")
	k2 := GenerateKey("Summarise {x}", b, "summariser")
	assert.Equal(t, k1, k2, "insertion order must not change the key")
	assert.Len(t, k1, 64)
}

func TestGenerateKeySensitivity(t *testing.T) {
	base := GenerateKey("t {x}", domain.Arguments{"x": 1}, "agent")
	assert.NotEqual(t, base, GenerateKey("t {x} ", domain.Arguments{"x": 1}, "agent"))
	assert.NotEqual(t, base, GenerateKey("t {x}", domain.Arguments{"x": 2}, "agent"))
	assert.NotEqual(t, base, GenerateKey("t {x}", domain.Arguments{"x": 1}, "other"))
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*domain.DelegationResponse, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (failingCache) Set(context.Context, string, *domain.DelegationResponse, time.Duration) error {
	return errors.New("disk on fire")
}

func TestIdempotencyStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)

	store.Set(ctx, "k", okResponse("v"))
	got, ok := store.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, got.Cached)
	assert.Equal(t, "v", got.Output)

	store.SetTTL(ctx, "gone", okResponse("v"), -time.Second)
	_, ok = store.Get(ctx, "gone")
	assert.False(t, ok)
}

func TestIdempotencyStoreTreatsBackendErrorsAsMiss(t *testing.T) {
	store := NewIdempotencyKeyStore(failingCache{}, 0, newTestLogger())
	store.Set(context.Background(), "k", okResponse("v"))
	_, ok := store.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestIdempotencyStoreNilSafe(t *testing.T) {
	var store *IdempotencyKeyStore
	store.Set(context.Background(), "k", okResponse("v"))
	_, ok := store.Get(context.Background(), "k")
	assert.False(t, ok)

	empty := newTestStore(t)
	empty.Set(context.Background(), "", okResponse("v"))
	_, ok = empty.Get(context.Background(), "")
	assert.False(t, ok)
}
