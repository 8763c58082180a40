package agentclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"subdispatch/internal/domain"
)

// DefaultMaxResponseBytes bounds how much of an agent response is read.
const DefaultMaxResponseBytes = 10 * 1024 * 1024

// errorBodyLimit bounds the response body quoted in error details.
const errorBodyLimit = 4096

// wireRequest is the body sent to every remote agent.
type wireRequest struct {
	Capability     string           `json:"capability"`
	Version        string           `json:"version,omitempty"`
	Prompt         string           `json:"prompt,omitempty"`
	Model          string           `json:"model,omitempty"`
	Arguments      domain.Arguments `json:"arguments"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	TimeoutMS      int64            `json:"timeout_ms,omitempty"`
}

// wireResponse is the non-streamed agent reply.
type wireResponse struct {
	Success    bool            `json:"success"`
	Output     any             `json:"output,omitempty"`
	Chunks     []domain.Chunk  `json:"chunks,omitempty"`
	Error      string          `json:"error,omitempty"`
	Cost       decimal.Decimal `json:"cost"`
	DurationMS int64           `json:"duration_ms"`
}

func newWireRequest(req domain.DelegationRequest) wireRequest {
	w := wireRequest{
		Capability:     req.Capability.Name,
		Version:        req.Capability.Version,
		IdempotencyKey: req.IdempotencyKey,
		TimeoutMS:      req.Timeout.Milliseconds(),
	}
	if args, ok := req.Payload["arguments"].(domain.Arguments); ok {
		w.Arguments = args
	}
	if prompt, ok := req.Payload["prompt"].(string); ok {
		w.Prompt = prompt
	}
	if model, ok := req.Payload["model"].(string); ok {
		w.Model = model
	}
	return w
}

// toResponse converts a decoded reply. A reply carrying chunks but no output
// is folded the same way a live stream would be.
func (w wireResponse) toResponse() *domain.DelegationResponse {
	resp := &domain.DelegationResponse{
		Output:   w.Output,
		Chunks:   w.Chunks,
		Success:  w.Success,
		Error:    w.Error,
		Cost:     w.Cost,
		Duration: time.Duration(w.DurationMS) * time.Millisecond,
	}
	if resp.Output == nil && len(w.Chunks) > 0 {
		var outputs []any
		for _, c := range w.Chunks {
			if len(c.Data) == 0 {
				continue
			}
			var v any
			if err := json.Unmarshal(c.Data, &v); err != nil {
				v = string(c.Data)
			}
			outputs = append(outputs, v)
		}
		resp.Output = outputs
	}
	return resp
}

// applyHeaders copies capability headers and the idempotency key onto h.
func applyHeaders(h http.Header, req domain.DelegationRequest) {
	for k, v := range req.Capability.Headers {
		h.Set(k, v)
	}
	if req.IdempotencyKey != "" {
		h.Set("Idempotency-Key", req.IdempotencyKey)
	}
}

// mapHTTPError maps a non-2xx status to a typed delegation error. 408, 429
// and 5xx may succeed later; every other status is a rejection.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("agent error %d: %s", statusCode, truncate(body, errorBodyLimit))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &domain.TransientDelegationError{StatusCode: statusCode, Err: fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)}
	case statusCode == http.StatusRequestTimeout, statusCode >= 500:
		return &domain.TransientDelegationError{StatusCode: statusCode, Err: errors.New(detail)}
	default:
		return &domain.ValidationError{StatusCode: statusCode, Detail: detail}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
