package chatsync

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsFrame is the JSON frame sent to attached websocket clients.
type wsFrame struct {
	Type     string          `json:"type"`
	ConvID   string          `json:"conv_id"`
	Version  uint64          `json:"version,omitempty"`
	State    GenerationState `json:"state,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
}

// Forwarder fans timeline changes and generation state transitions out to
// websocket clients. It is the read-only observable surface for the UI layer:
// attach it as a timeline ChangeListener and a GenerationListener.
//
// Listeners fire from several goroutines (completion tasks, the push read
// loop, request handlers), so every write is serialized under the pool mutex;
// gorilla/websocket allows at most one concurrent writer per connection.
type Forwarder struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewForwarder() *Forwarder {
	return &Forwarder{conns: map[*websocket.Conn]struct{}{}}
}

// Attach registers a connection and sends it a hello frame with the current
// timeline snapshot.
func (f *Forwarder) Attach(c *websocket.Conn, convID string, msgs []Message) {
	if c == nil {
		return
	}
	b, err := json.Marshal(wsFrame{Type: "hello", ConvID: convID, Messages: msgs})
	if err != nil {
		log.Warn().Err(err).Str("component", "forwarder").Msg("failed to marshal ws frame")
		return
	}
	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.writeLocked(c, b)
	f.mu.Unlock()
}

func (f *Forwarder) Detach(c *websocket.Conn) {
	if c == nil {
		return
	}
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
	_ = c.Close()
}

// OnTimelineChange implements ChangeListener by broadcasting the change and
// the fresh snapshot.
func (f *Forwarder) OnTimelineChange(tl *Timeline, ch Change) {
	f.broadcast(wsFrame{
		Type:     "timeline." + string(ch.Kind),
		ConvID:   ch.ConvID,
		Version:  ch.Version,
		Messages: tl.Snapshot(),
	})
}

// OnGeneration implements GenerationListener.
func (f *Forwarder) OnGeneration(convID string, state GenerationState) {
	f.broadcast(wsFrame{Type: "generation", ConvID: convID, State: state})
}

func (f *Forwarder) broadcast(frame wsFrame) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Warn().Err(err).Str("component", "forwarder").Msg("failed to marshal ws frame")
		return
	}
	f.mu.Lock()
	for c := range f.conns {
		f.writeLocked(c, b)
	}
	f.mu.Unlock()
}

// writeLocked writes one frame and drops the connection on failure. Caller
// holds f.mu.
func (f *Forwarder) writeLocked(c *websocket.Conn, b []byte) {
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Debug().Err(err).Str("component", "forwarder").Msg("dropping websocket client after failed write")
		delete(f.conns, c)
		_ = c.Close()
	}
}
