package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"subdispatch/internal/domain"
)

// WSClient calls agents over a WebSocket: one connection per delegation, the
// request written as a JSON frame, then chunk frames read until one is done.
type WSClient struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *slog.Logger
}

// NewWSClient creates a WSClient. httpClient may be nil to use the default.
func NewWSClient(httpClient *http.Client, maxBytes int64, logger *slog.Logger) *WSClient {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &WSClient{httpClient: httpClient, maxBytes: maxBytes, logger: logger}
}

// Invoke implements domain.AgentClient by draining the chunk frames.
func (c *WSClient) Invoke(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	ch, err := c.InvokeStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return domain.CollectChunks(ctx, ch)
}

// InvokeStream implements domain.StreamingAgentClient.
func (c *WSClient) InvokeStream(ctx context.Context, req domain.DelegationRequest) (<-chan domain.Chunk, error) {
	header := http.Header{}
	applyHeaders(header, req)

	conn, resp, err := websocket.Dial(ctx, req.Capability.Endpoint, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, mapHTTPError(resp.StatusCode, nil)
		}
		return nil, transportError(ctx, fmt.Errorf("websocket dial: %w", err))
	}
	conn.SetReadLimit(c.maxBytes)

	if err := wsjson.Write(ctx, conn, newWireRequest(req)); err != nil {
		conn.Close(websocket.StatusInternalError, "request write error")
		return nil, transportError(ctx, fmt.Errorf("websocket write: %w", err))
	}

	ch := make(chan domain.Chunk, 16)
	go c.readLoop(ctx, conn, req.Capability.Endpoint, ch)
	return ch, nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, endpoint string, ch chan<- domain.Chunk) {
	defer close(ch)
	status, reason := websocket.StatusNormalClosure, ""
	defer func() { conn.Close(status, reason) }()

	for seq := 1; ; seq++ {
		var chunk domain.Chunk
		if err := wsjson.Read(ctx, conn, &chunk); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("websocket stream interrupted", "endpoint", endpoint, "error", err)
				status, reason = websocket.StatusInternalError, "read error"
			}
			return
		}
		if chunk.Seq == 0 {
			chunk.Seq = seq
		}
		select {
		case ch <- chunk:
		case <-ctx.Done():
			status, reason = websocket.StatusGoingAway, "cancelled"
			return
		}
		if chunk.Done || chunk.Error != "" {
			return
		}
	}
}
