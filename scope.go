package banter

import "context"

// ChatScope identifies the chat and user a tool call is acting for. It rides
// on the context so scoped tools never trust model-supplied identifiers.
type ChatScope struct {
	ChatID int64
	UserID int64
}

type scopeKey struct{}

// WithChatScope returns a context carrying the scope.
func WithChatScope(ctx context.Context, s ChatScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ChatScopeFrom extracts the scope set by WithChatScope.
func ChatScopeFrom(ctx context.Context) (ChatScope, bool) {
	s, ok := ctx.Value(scopeKey{}).(ChatScope)
	return s, ok
}
