package agentclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"subdispatch/internal/domain"
)

// wsServer accepts one request frame per connection and replies with frames.
func wsServer(t *testing.T, frames []map[string]any) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var req wireRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		assert.Equal(t, "adder", req.Capability)
		assert.Equal(t, "key-123", req.IdempotencyKey)

		for _, f := range frames {
			if err := wsjson.Write(r.Context(), conn, f); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientInvoke(t *testing.T) {
	url := wsServer(t, []map[string]any{
		{"data": "first"},
		{"data": map[string]any{"sum": 3}},
		{"done": true, "cost": "0.04"},
	})

	resp, err := NewWSClient(nil, 0, newTestLogger()).Invoke(context.Background(), testRequest(url))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []any{"first", map[string]any{"sum": 3.0}}, resp.Output)
	assert.Equal(t, "0.04", resp.Cost.String())
	require.Len(t, resp.Chunks, 3)
	assert.Equal(t, 3, resp.Chunks[2].Seq)
}

func TestWSClientErrorFrame(t *testing.T) {
	url := wsServer(t, []map[string]any{{"error": "agent refused"}})

	resp, err := NewWSClient(nil, 0, newTestLogger()).Invoke(context.Background(), testRequest(url))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "agent refused", resp.Error)
}

func TestWSClientClosedBeforeDone(t *testing.T) {
	url := wsServer(t, []map[string]any{{"data": "only"}})

	_, err := NewWSClient(nil, 0, newTestLogger()).Invoke(context.Background(), testRequest(url))
	assert.ErrorIs(t, err, domain.ErrStreamIncomplete)
}

func TestWSClientDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWSClient(nil, 0, newTestLogger()).Invoke(context.Background(), testRequest("ws"+strings.TrimPrefix(srv.URL, "http")))
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, http.StatusForbidden, ve.StatusCode)
}
