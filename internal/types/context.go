package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	cycleIDKey   contextKey = "cycle_id"
)

// WithRequestID stores the request ID in the context. Outbound HTTP calls
// forward it as a trace header.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCycleID tags the context with the evaluation cycle it belongs to.
// The cycle ID doubles as request ID so metric queries issued during the
// cycle can be correlated with it.
func WithCycleID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, cycleIDKey, id)
	return WithRequestID(ctx, id)
}

// GetCycleID retrieves the evaluation cycle ID from the context.
func GetCycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey).(string)
	return id
}
