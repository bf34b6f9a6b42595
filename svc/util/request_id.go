package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionKey   contextKey = "session_id"
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
func NewRequestID() string {
	return uuid.New().String()
}

// SetSession stores the caller's session identifier. An empty value means
// the caller is anonymous.
func SetSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}
func GetSession(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey).(string)
	return s
}
func NewSessionID() string {
	return uuid.New().String()
}
