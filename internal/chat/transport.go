package chat

import (
	"context"
	"fmt"
	"time"
)

// InboundEvent is a normalized message-posted event from a chat platform.
// Adapters drop the bot's own messages and messages from other bots before
// publishing, so every event on the stream was typed by a person.
type InboundEvent struct {
	ConversationID string // thread the message was posted in
	AuthorID       string // platform user identifier
	Text           string
	Timestamp      time.Time
}

// Transport is the capability interface all chat platform adapters implement.
// The broker consumes platforms only through this surface.
type Transport interface {
	// Name returns the platform name ("discord", "slack").
	Name() string
	// Start connects to the platform and pumps inbound events.
	// Blocks until ctx is cancelled or the connection dies. The events
	// channel is closed when Start returns.
	Start(ctx context.Context) error
	// Stop closes the platform connection.
	Stop() error
	// Send posts text into an existing conversation. Not retried on
	// failure: a message addressed to a person must not be silently
	// duplicated.
	Send(ctx context.Context, conversationID, text string) error
	// CreateConversation opens a new sub-conversation (thread) under the
	// parent channel and returns its identifier. Idempotency is the
	// caller's responsibility.
	CreateConversation(ctx context.Context, parentChannelID, title string) (string, error)
	// Events returns the live inbound event stream. A fresh connection
	// yields a fresh stream; consuming it is the only way to observe
	// replies.
	Events() <-chan InboundEvent
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorDisconnected
	ErrorRateLimited
	ErrorForbidden
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorDisconnected:
		return "disconnected"
	case ErrorRateLimited:
		return "rate limited"
	case ErrorForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error: %s", e.Kind)
	}
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapError classifies err under kind unless it is already classified.
func wrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}
