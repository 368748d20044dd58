package providers

import "context"

type correlationIDKeyType struct{}

// CorrelationIDKey is the context key under which a correlation id is stored.
var CorrelationIDKey = correlationIDKeyType{}

// WithCorrelationID returns a context carrying the given correlation id. The
// Router Façade stamps every RequestIntent with one before dispatch so that
// events, decisions, and transitions recorded across components can be
// joined together by an operator without ever touching credential material.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationID extracts the correlation id from context, returning "" if
// none was set.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}
