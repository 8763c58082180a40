package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"subdispatch/internal/domain"
)

// SSEClient calls streaming agents that reply with text/event-stream. Each
// data line carries one JSON chunk; "[DONE]" terminates the stream.
type SSEClient struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewSSEClient wraps client. maxBytes bounds a single event line.
func NewSSEClient(client *http.Client, maxBytes int64, logger *slog.Logger) *SSEClient {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &SSEClient{client: client, maxBytes: maxBytes, logger: logger}
}

// Invoke implements domain.AgentClient by draining the stream.
func (c *SSEClient) Invoke(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	ch, err := c.InvokeStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return domain.CollectChunks(ctx, ch)
}

// InvokeStream implements domain.StreamingAgentClient.
func (c *SSEClient) InvokeStream(ctx context.Context, req domain.DelegationRequest) (<-chan domain.Chunk, error) {
	body, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("marshal request: %v", err)}
	}

	httpResp, err := post(ctx, c.client, req, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, errorBodyLimit))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return c.parseSSEStream(ctx, httpResp.Body, req.Capability.Endpoint), nil
}

// parseSSEStream reads SSE lines from body and converts each data payload
// into a Chunk. The returned channel is closed when the stream ends, the body
// is closed, or ctx is cancelled. A read error closes the channel without a
// terminal chunk.
func (c *SSEClient) parseSSEStream(ctx context.Context, body io.ReadCloser, endpoint string) <-chan domain.Chunk {
	ch := make(chan domain.Chunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(chunk domain.Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), int(c.maxBytes))
		seq := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			// Skip empty lines, comments and non-data fields.
			if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" "))

			if bytes.Equal(data, []byte("[DONE]")) {
				seq++
				send(domain.Chunk{Seq: seq, Done: true})
				return
			}

			var chunk domain.Chunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				c.logger.Debug("skipping malformed sse chunk", "endpoint", endpoint, "error", err)
				continue
			}
			seq++
			if chunk.Seq == 0 {
				chunk.Seq = seq
			}
			if !send(chunk) || chunk.Done || chunk.Error != "" {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Debug("sse stream interrupted", "endpoint", endpoint, "error", err)
		}
	}()
	return ch
}
