package domain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportKindValid(t *testing.T) {
	for _, k := range []TransportKind{TransportHTTP, TransportSSE, TransportWebSocket} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if TransportKind("grpc").Valid() {
		t.Error("grpc should not be valid")
	}
}

func TestStaticCatalogResolve(t *testing.T) {
	catalog := StaticCatalog{
		"squarer": {Name: "square", Version: "1", Endpoint: "http://a", Transport: TransportHTTP, CostEstimate: decimal.RequireFromString("0.01")},
	}

	capability, err := catalog.Resolve(context.Background(), "squarer")
	require.NoError(t, err)
	assert.Equal(t, "http://a", capability.Endpoint)

	_, err = catalog.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}

func TestValidateArguments(t *testing.T) {
	ok := Arguments{
		"n":      1,
		"name":   "x",
		"nested": map[string]any{"a": 1.5, "b": []any{"x", true, nil}},
		"num":    json.Number("3"),
	}
	assert.NoError(t, ValidateArguments(ok))

	bad := Arguments{"nested": map[string]any{"fn": func() {}}}
	err := ValidateArguments(bad)
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Detail, "nested.fn")
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.True(t, l.MaxTotalCostUSD.IsPositive())
	assert.Equal(t, 3, l.MaxDispatchDepth)
	assert.Greater(t, l.MaxConcurrent, 0)
}

func TestDispatchContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 0, DispatchDepthFromContext(ctx))
	assert.Equal(t, "", DispatchIDFromContext(ctx))

	ctx = ContextWithDispatchDepth(ctx, 2)
	ctx = ContextWithDispatchID(ctx, "01ABC")
	assert.Equal(t, 2, DispatchDepthFromContext(ctx))
	assert.Equal(t, "01ABC", DispatchIDFromContext(ctx))
}

func TestNewEvent(t *testing.T) {
	ctx := ContextWithDispatchID(context.Background(), "d1")
	ev := NewEvent(ctx, EventDispatchTaskCompleted, TaskCompletedPayload{Index: 2, Success: true, Cost: "0.5"})

	assert.Equal(t, EventDispatchTaskCompleted, ev.Type)
	assert.Equal(t, "d1", ev.DispatchID)
	assert.False(t, ev.Timestamp.IsZero())

	var p TaskCompletedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, 2, p.Index)
	assert.True(t, p.Success)
}
