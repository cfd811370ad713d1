package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/chatsync"
)

// MemoryStore is an in-memory Message Store Adapter with the same push
// semantics as the sqlite store.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]chatsync.Conversation
	msgs  map[string][]chatsync.Message
	pub   message.Publisher
}

var _ chatsync.Store = &MemoryStore{}

func NewMemoryStore(pub message.Publisher) *MemoryStore {
	return &MemoryStore{
		convs: map[string]chatsync.Conversation{},
		msgs:  map[string][]chatsync.Message{},
		pub:   pub,
	}
}

func (s *MemoryStore) EnsureConversation(_ context.Context, conv chatsync.Conversation) error {
	if conv.ID == "" {
		return errors.New("empty conversation id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return nil
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	s.convs[conv.ID] = conv
	return nil
}

func (s *MemoryStore) FetchSnapshot(_ context.Context, convID string) ([]chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[convID]
	out := make([]chatsync.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, msg chatsync.Message) (string, error) {
	if msg.ConvID == "" {
		return "", errors.New("empty conversation id")
	}
	serverID := msg.ID
	if msg.Provisional || serverID == "" {
		serverID = uuid.NewString()
	}
	confirmed := msg
	confirmed.ID = serverID
	confirmed.Provisional = false
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.msgs[msg.ConvID] = append(s.msgs[msg.ConvID], confirmed)
	s.mu.Unlock()

	publish(s.pub, chatsync.Event{Type: chatsync.EventInsert, ConvID: msg.ConvID, Message: confirmed})
	return serverID, nil
}

func (s *MemoryStore) Update(_ context.Context, convID string, id string, fields chatsync.UpdateFields) error {
	s.mu.Lock()
	msgs := s.msgs[convID]
	var updated *chatsync.Message
	for i := range msgs {
		if msgs[i].ID == id {
			if fields.Content != nil {
				msgs[i].Content = *fields.Content
			}
			if fields.Model != nil {
				msgs[i].Model = *fields.Model
			}
			m := msgs[i]
			updated = &m
			break
		}
	}
	s.mu.Unlock()

	if updated == nil {
		return errors.Errorf("message %s not found in conversation %s", id, convID)
	}
	publish(s.pub, chatsync.Event{Type: chatsync.EventUpdate, ConvID: convID, Message: *updated})
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, convID string) error {
	s.mu.Lock()
	delete(s.convs, convID)
	delete(s.msgs, convID)
	s.mu.Unlock()
	publish(s.pub, chatsync.Event{Type: chatsync.EventDelete, ConvID: convID})
	return nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]chatsync.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatsync.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
