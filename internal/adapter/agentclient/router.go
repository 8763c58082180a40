package agentclient

import (
	"context"
	"fmt"

	"subdispatch/internal/domain"
)

// Router picks the client registered for a capability's transport kind. An
// empty kind means HTTP.
type Router struct {
	clients map[domain.TransportKind]domain.AgentClient
}

// NewRouter creates a Router over clients.
func NewRouter(clients map[domain.TransportKind]domain.AgentClient) *Router {
	return &Router{clients: clients}
}

// Invoke implements domain.AgentClient.
func (r *Router) Invoke(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	client, err := r.clientFor(req.Capability)
	if err != nil {
		return nil, err
	}
	return client.Invoke(ctx, req)
}

// InvokeStream implements domain.StreamingAgentClient for kinds whose client
// can stream.
func (r *Router) InvokeStream(ctx context.Context, req domain.DelegationRequest) (<-chan domain.Chunk, error) {
	client, err := r.clientFor(req.Capability)
	if err != nil {
		return nil, err
	}
	sc, ok := client.(domain.StreamingAgentClient)
	if !ok {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("transport %q does not support streaming", kindOf(req.Capability))}
	}
	return sc.InvokeStream(ctx, req)
}

func (r *Router) clientFor(c domain.AgentCapability) (domain.AgentClient, error) {
	client, ok := r.clients[kindOf(c)]
	if !ok {
		return nil, &domain.ValidationError{Detail: fmt.Sprintf("no client for transport %q", kindOf(c))}
	}
	return client, nil
}

func kindOf(c domain.AgentCapability) domain.TransportKind {
	if c.Transport == "" {
		return domain.TransportHTTP
	}
	return c.Transport
}
