package domain

import "context"

type ctxKey string

const (
	dispatchDepthCtxKey ctxKey = "dispatch_depth"
	dispatchIDCtxKey    ctxKey = "dispatch_id"
)

// ContextWithDispatchDepth returns a new context carrying the nesting depth of
// the dispatch that owns it. Agents that dispatch again inherit it.
func ContextWithDispatchDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, dispatchDepthCtxKey, depth)
}

// DispatchDepthFromContext extracts the dispatch depth. Returns 0 if not set.
func DispatchDepthFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(dispatchDepthCtxKey).(int); ok {
		return v
	}
	return 0
}

// ContextWithDispatchID returns a new context carrying the dispatch ID (ULID).
func ContextWithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDCtxKey, id)
}

// DispatchIDFromContext extracts the dispatch ID from the context.
// Returns empty string if not set.
func DispatchIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(dispatchIDCtxKey).(string); ok {
		return v
	}
	return ""
}
