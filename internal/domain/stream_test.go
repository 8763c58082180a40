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

func feed(chunks ...Chunk) <-chan Chunk {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestCollectChunks(t *testing.T) {
	cost := decimal.RequireFromString("0.03")
	resp, err := CollectChunks(context.Background(), feed(
		Chunk{Seq: 1, Data: json.RawMessage(`"part one"`)},
		Chunk{Seq: 2, Data: json.RawMessage(`not-json`)},
		Chunk{Seq: 3, Done: true, Cost: &cost},
	))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []any{"part one", "not-json"}, resp.Output)
	assert.Len(t, resp.Chunks, 3)
	assert.True(t, resp.Cost.Equal(cost))
}

func TestCollectChunksErrorChunk(t *testing.T) {
	resp, err := CollectChunks(context.Background(), feed(
		Chunk{Seq: 1, Data: json.RawMessage(`1`)},
		Chunk{Seq: 2, Error: "model overloaded"},
	))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "model overloaded", resp.Error)
	assert.Equal(t, []any{1.0}, resp.Output)
}

func TestCollectChunksIncomplete(t *testing.T) {
	_, err := CollectChunks(context.Background(), feed(Chunk{Seq: 1}))
	var te *TransientDelegationError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrStreamIncomplete)
}

func TestCollectChunksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CollectChunks(ctx, make(chan Chunk))
	assert.ErrorIs(t, err, context.Canceled)
}
