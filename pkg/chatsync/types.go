package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment describes a file attached to a message. The engine never reads
// attachment content; it only carries the descriptor.
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Locator  string `json:"locator"`
}

// Message is one entry in a conversation timeline.
//
// A message starts out provisional with a client-assigned temporary id and is
// promoted in place to its server identity once the store acknowledges
// persistence. A message arriving purely over the push channel is inserted
// directly as confirmed.
type Message struct {
	ID          string       `json:"id"`
	ConvID      string       `json:"conv_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Model       string       `json:"model,omitempty"`
	Provisional bool         `json:"provisional,omitempty"`
}

// Conversation is the store-level conversation record.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

const provisionalPrefix = "tmp-"

// NewProvisionalID returns a fresh client-side temporary message id.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}
