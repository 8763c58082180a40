package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"subdispatch/internal/domain"
	"subdispatch/internal/infra/config"
	"subdispatch/internal/security"
)

// Default connection pool settings: few agent hosts, high fan-out.
const (
	defaultConnTimeout         = 10 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling sized
// for parallel fan-out to a small set of agent hosts. Response deadlines are
// left to the per-call context.
func NewPooledTransport(connTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// NewPooledClient builds the *http.Client shared by the HTTP and SSE clients.
func NewPooledClient(cfg config.TransportConfig) *http.Client {
	tr := NewPooledTransport(cfg.ConnTimeout, cfg.Pool)
	if cfg.BlockPrivateEndpoints {
		tr.DialContext = security.GuardDial(tr.DialContext, nil)
	}
	return &http.Client{Transport: tr}
}

// NewHandshakeClient returns the client used for WebSocket handshakes. It
// shares the pool's dialer and egress guard but never negotiates HTTP/2,
// which cannot carry an upgrade.
func NewHandshakeClient(cfg config.TransportConfig) *http.Client {
	tr := NewPooledClient(cfg).Transport.(*http.Transport)
	tr.ForceAttemptHTTP2 = false
	return &http.Client{Transport: tr}
}

// HTTPClient calls agents with a single JSON POST per delegation.
type HTTPClient struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewHTTPClient wraps client. maxBytes <= 0 uses DefaultMaxResponseBytes.
func NewHTTPClient(client *http.Client, maxBytes int64, logger *slog.Logger) *HTTPClient {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &HTTPClient{client: client, maxBytes: maxBytes, logger: logger}
}

// Invoke implements domain.AgentClient.
func (c *HTTPClient) Invoke(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	body, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("marshal request: %v", err)}
	}

	httpResp, err := post(ctx, c.client, req, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBytes+1))
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf("read response: %w", err))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	if int64(len(respBody)) > c.maxBytes {
		return nil, &domain.ValidationError{StatusCode: httpResp.StatusCode, Detail: fmt.Sprintf("response exceeds %d bytes", c.maxBytes)}
	}

	var wr wireResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return nil, &domain.TransientDelegationError{StatusCode: httpResp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	c.logger.Debug("agent call completed",
		"endpoint", req.Capability.Endpoint,
		"status", httpResp.StatusCode,
		"success", wr.Success,
	)
	return wr.toResponse(), nil
}

// post sends body to the capability endpoint. Network failures come back
// transient; caller cancellation comes back as the context error.
func post(ctx context.Context, client *http.Client, req domain.DelegationRequest, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Capability.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	applyHeaders(httpReq.Header, req)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf("http request: %w", err))
	}
	return httpResp, nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(err, domain.ErrPrivateEndpoint) {
		return err
	}
	return &domain.TransientDelegationError{Err: err}
}
