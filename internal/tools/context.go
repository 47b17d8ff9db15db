package tools

import "context"

type contextKey string

const (
	userIDKey contextKey = "user_id"
	phoneKey  contextKey = "phone"
)

// WithUserID binds the authenticated user to the context. Tool calls
// executed under it are scoped to this user.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the bound user ID, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// WithPhone adds the sender's phone number to the context.
func WithPhone(ctx context.Context, phone string) context.Context {
	return context.WithValue(ctx, phoneKey, phone)
}

// PhoneFromContext returns the sender's phone number, or "".
func PhoneFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(phoneKey).(string); ok {
		return p
	}
	return ""
}
