package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID   contextKey = "trace_id"
	keyRequestID contextKey = "request_id"
	keyIdentity  contextKey = "identity"
	keyToken     contextKey = "token"
	keyJID       contextKey = "jid"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	Backend string `json:"eauth"`
	Name    string `json:"name"`
}

// String renders the identity as "backend/name".
func (i Identity) String() string {
	if i.Backend == "" {
		return i.Name
	}
	return i.Backend + "/" + i.Name
}

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithIdentity adds the authenticated identity to context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the authenticated identity from context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(keyIdentity).(Identity)
	return v, ok && v.Name != ""
}

// WithToken adds the caller's token value to context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, keyToken, token)
}

// Token extracts the caller's token value from context.
func Token(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyToken).(string)
	return v, ok && v != ""
}

// WithJID adds the job id being processed to context.
func WithJID(ctx context.Context, jid string) context.Context {
	return context.WithValue(ctx, keyJID, jid)
}

// JID extracts the job id from context.
func JID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyJID).(string)
	return v, ok && v != ""
}
