package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransportKind identifies the wire protocol used to reach a remote agent.
type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
)

// Valid reports whether k is one of the supported transport kinds.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportHTTP, TransportSSE, TransportWebSocket:
		return true
	}
	return false
}

// AgentCapability describes a named, versioned function exposed by a remote
// agent. It is owned by the capability catalog and read-only to the dispatcher.
type AgentCapability struct {
	Name            string            `json:"name"             yaml:"name"`
	Version         string            `json:"version"          yaml:"version"`
	Endpoint        string            `json:"endpoint"         yaml:"endpoint"`
	Transport       TransportKind     `json:"transport"        yaml:"transport"`
	CostEstimate    decimal.Decimal   `json:"cost_estimate"    yaml:"-"`
	LatencyEstimate time.Duration     `json:"latency_estimate" yaml:"latency_estimate"`
	Streaming       bool              `json:"streaming"        yaml:"streaming"`
	InputSchema     json.RawMessage   `json:"input_schema,omitempty" yaml:"-"`
	Headers         map[string]string `json:"-"                yaml:"headers,omitempty"`
}

// CapabilityResolver is the catalog collaborator: it maps an agent name to a
// pre-resolved capability (endpoint, auth headers, estimates).
type CapabilityResolver interface {
	Resolve(ctx context.Context, agentName string) (AgentCapability, error)
}

// StaticCatalog is a CapabilityResolver backed by a fixed map.
type StaticCatalog map[string]AgentCapability

// Resolve implements CapabilityResolver.
func (c StaticCatalog) Resolve(_ context.Context, agentName string) (AgentCapability, error) {
	capability, ok := c[agentName]
	if !ok {
		return AgentCapability{}, NewDomainError("StaticCatalog.Resolve", ErrCapabilityNotFound, fmt.Sprintf("agent %q", agentName))
	}
	return capability, nil
}

// DelegationRequest is one call to a remote agent. A new request is built per attempt.
type DelegationRequest struct {
	Capability     AgentCapability
	Payload        map[string]any
	IdempotencyKey string
	Timeout        time.Duration
}

// DelegationResponse is the outcome of a delegated call.
type DelegationResponse struct {
	Output   any             `json:"output,omitempty"`
	Chunks   []Chunk         `json:"chunks,omitempty"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Cost     decimal.Decimal `json:"cost"`
	Duration time.Duration   `json:"duration"`
	Cached   bool            `json:"-"`
}

// AgentClient performs a single call to a remote agent endpoint. Implementations
// classify failures as *TransientDelegationError or *ValidationError.
type AgentClient interface {
	Invoke(ctx context.Context, req DelegationRequest) (*DelegationResponse, error)
}

// StreamingAgentClient is implemented by clients that can deliver an ordered
// chunk sequence. The channel is closed when the stream ends.
type StreamingAgentClient interface {
	AgentClient
	InvokeStream(ctx context.Context, req DelegationRequest) (<-chan Chunk, error)
}

// ResultCache backs idempotent replay of completed delegations.
type ResultCache interface {
	Get(ctx context.Context, key string) (*DelegationResponse, bool, error)
	Set(ctx context.Context, key string, resp *DelegationResponse, ttl time.Duration) error
}
