package chatsync

import "context"

// EventType classifies a push event delivered by the store's notification
// channel.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is the envelope published by store implementations after each durable
// mutation and consumed by the session's push subscription.
type Event struct {
	Type    EventType `json:"type"`
	ConvID  string    `json:"conv_id"`
	Message Message   `json:"message"`
}

// UpdateFields carries the mutable fields of a message update. Nil fields are
// left untouched.
type UpdateFields struct {
	Content *string `json:"content,omitempty"`
	Model   *string `json:"model,omitempty"`
}

// Store is the message store adapter: a persistent, queryable message log
// whose implementations publish an Event on the conversation topic after each
// successful mutation.
type Store interface {
	EnsureConversation(ctx context.Context, conv Conversation) error
	FetchSnapshot(ctx context.Context, convID string) ([]Message, error)
	// Insert persists a message and returns its server-assigned id. A
	// provisional client id is replaced; the caller promotes the timeline
	// entry with the returned id.
	Insert(ctx context.Context, msg Message) (string, error)
	Update(ctx context.Context, convID string, id string, fields UpdateFields) error
	DeleteConversation(ctx context.Context, convID string) error
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// TopicForConv computes the push-channel topic for a conversation.
func TopicForConv(convID string) string { return "chat:" + convID }
