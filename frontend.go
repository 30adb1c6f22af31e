package banter

import "context"

// Frontend abstracts the group-chat messaging platform (Telegram, Discord,
// HTTP, CLI).
type Frontend interface {
	// Poll returns a channel of incoming messages. The channel is closed
	// when ctx is cancelled.
	Poll(ctx context.Context) (<-chan IncomingMessage, error)
	// Send delivers a message and returns the platform message id.
	Send(ctx context.Context, out OutgoingMessage) (int64, error)
	// SendTyping shows a typing indicator. Best effort.
	SendTyping(ctx context.Context, chatID int64) error
	// BotUserID returns the agent's own platform user id, used to exclude
	// self-authored messages from learning.
	BotUserID() int64
}
