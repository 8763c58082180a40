package domain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// Chunk is one element of a streamed agent response.
type Chunk struct {
	Seq   int              `json:"seq"`
	Data  json.RawMessage  `json:"data,omitempty"`
	Done  bool             `json:"done,omitempty"`
	Cost  *decimal.Decimal `json:"cost,omitempty"`
	Error string           `json:"error,omitempty"`
}

// ErrStreamIncomplete is the cause carried when a chunk stream closes before
// its terminal chunk.
var ErrStreamIncomplete = errors.New("stream ended without completion")

// CollectChunks drains ch in order and folds it into a response. Chunk data is
// decoded as JSON where possible and gathered into Output. A chunk carrying an
// error ends the stream as an agent-reported failure; a channel closed before
// a Done chunk is transient. Cost is taken from the terminal chunk.
func CollectChunks(ctx context.Context, ch <-chan Chunk) (*DelegationResponse, error) {
	resp := &DelegationResponse{Cost: decimal.Zero}
	var outputs []any
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return nil, &TransientDelegationError{Err: ErrStreamIncomplete}
			}
			resp.Chunks = append(resp.Chunks, chunk)
			if len(chunk.Data) > 0 {
				var v any
				if err := json.Unmarshal(chunk.Data, &v); err != nil {
					v = string(chunk.Data)
				}
				outputs = append(outputs, v)
			}
			if chunk.Error != "" {
				resp.Error = chunk.Error
				resp.Output = outputs
				return resp, nil
			}
			if chunk.Done {
				if chunk.Cost != nil {
					resp.Cost = *chunk.Cost
				}
				resp.Output = outputs
				resp.Success = true
				return resp, nil
			}
		}
	}
}
