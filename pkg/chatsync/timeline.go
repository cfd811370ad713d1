package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultDedupWindow is the tolerance within which a push-delivered insert is
// considered an echo of an existing entry with the same role and content.
const DefaultDedupWindow = 5 * time.Second

// ChangeKind classifies a timeline mutation.
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeInsert   ChangeKind = "insert"
	ChangeUpdate   ChangeKind = "update"
	ChangeDelete   ChangeKind = "delete"
	ChangePromote  ChangeKind = "promote"
)

// Change describes one applied timeline mutation. For promotions OldID holds
// the retired provisional id and ID the server identity.
type Change struct {
	ConvID  string     `json:"conv_id"`
	Kind    ChangeKind `json:"kind"`
	ID      string     `json:"id,omitempty"`
	OldID   string     `json:"old_id,omitempty"`
	Version uint64     `json:"version"`
}

// ChangeListener observes applied mutations. Listeners are invoked
// synchronously after the timeline lock is released and may read the timeline
// freely.
type ChangeListener func(tl *Timeline, ch Change)

// Timeline is the reconciler: it merges optimistic local inserts, the store
// snapshot, and push-delivered events into one ordered, duplicate-free
// projection for a single conversation. Only the timeline mutates its
// entries; everything else reads through Snapshot.
type Timeline struct {
	convID      string
	dedupWindow time.Duration

	mu             sync.Mutex
	entries        []Message
	version        uint64
	droppedForeign int

	lmu       sync.RWMutex
	listeners []ChangeListener
}

// TimelineOption configures a Timeline.
type TimelineOption func(*Timeline)

// WithDedupWindow overrides the echo-collapse tolerance window.
func WithDedupWindow(d time.Duration) TimelineOption {
	return func(t *Timeline) {
		if d > 0 {
			t.dedupWindow = d
		}
	}
}

func NewTimeline(convID string, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		convID:      convID,
		dedupWindow: DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timeline) ConvID() string { return t.convID }

// AddListener registers a change listener. Not safe to call concurrently with
// itself; wire listeners before the timeline goes live.
func (t *Timeline) AddListener(l ChangeListener) {
	if l == nil {
		return
	}
	t.lmu.Lock()
	t.listeners = append(t.listeners, l)
	t.lmu.Unlock()
}

func (t *Timeline) notify(ch Change) {
	t.lmu.RLock()
	listeners := append([]ChangeListener(nil), t.listeners...)
	t.lmu.RUnlock()
	for _, l := range listeners {
		l(t, ch)
	}
}

// Snapshot returns a copy of the ordered timeline.
func (t *Timeline) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Message returns the entry with the given id.
func (t *Timeline) Message(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOfLocked(id); i >= 0 {
		return t.entries[i], true
	}
	return Message{}, false
}

// Version returns the mutation counter. Every applied change bumps it.
func (t *Timeline) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// DroppedForeignEvents counts push events discarded because they were tagged
// with another conversation id.
func (t *Timeline) DroppedForeignEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.droppedForeign
}

// IngestSnapshot replaces the timeline wholesale with the store snapshot.
// Used once per conversation open.
func (t *Timeline) IngestSnapshot(msgs []Message) {
	t.mu.Lock()
	entries := make([]Message, len(msgs))
	copy(entries, msgs)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	t.entries = entries
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangeSnapshot, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
}

// IngestOptimistic appends a locally created message before any network
// confirmation. The entry lands in its chronological slot and is
// indistinguishable from a confirmed one except for its identity class.
func (t *Timeline) IngestOptimistic(msg Message) {
	t.mu.Lock()
	t.insertChronologicalLocked(msg)
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangeInsert, ID: msg.ID, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
}

// IngestPush applies an insert/update/delete delivered by the store's
// notification channel. Events tagged with a different conversation id are
// dropped and counted, never applied.
func (t *Timeline) IngestPush(ev Event) {
	convID := ev.ConvID
	if convID == "" {
		convID = ev.Message.ConvID
	}
	if convID != t.convID {
		t.mu.Lock()
		t.droppedForeign++
		n := t.droppedForeign
		t.mu.Unlock()
		log.Warn().
			Str("component", "timeline").
			Str("conv_id", t.convID).
			Str("event_conv_id", convID).
			Str("event_type", string(ev.Type)).
			Int("dropped_total", n).
			Msg("dropping cross-conversation event")
		return
	}

	switch ev.Type {
	case EventInsert:
		t.pushInsert(ev.Message)
	case EventUpdate:
		t.pushUpdate(ev.Message)
	case EventDelete:
		t.pushDelete(ev.Message.ID)
	default:
		log.Warn().Str("component", "timeline").Str("event_type", string(ev.Type)).Msg("unknown push event type")
	}
}

func (t *Timeline) pushInsert(msg Message) {
	t.mu.Lock()
	if t.indexOfLocked(msg.ID) >= 0 {
		t.mu.Unlock()
		return
	}
	// A provisional entry and its own push-delivered confirmation are two
	// identities for the same logical message. Collapse them by promoting
	// the provisional entry instead of inserting a duplicate.
	if i := t.echoIndexLocked(msg); i >= 0 {
		if !t.entries[i].Provisional {
			t.mu.Unlock()
			return
		}
		oldID := t.entries[i].ID
		t.promoteAtLocked(i, msg)
		t.version++
		ch := Change{ConvID: t.convID, Kind: ChangePromote, ID: msg.ID, OldID: oldID, Version: t.version}
		t.mu.Unlock()
		t.notify(ch)
		return
	}
	msg.Provisional = false
	t.insertChronologicalLocked(msg)
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangeInsert, ID: msg.ID, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
}

func (t *Timeline) pushUpdate(msg Message) {
	t.mu.Lock()
	i := t.indexOfLocked(msg.ID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.entries[i].Content = msg.Content
	if msg.Model != "" {
		t.entries[i].Model = msg.Model
	}
	if len(msg.Attachments) > 0 {
		t.entries[i].Attachments = append([]Attachment(nil), msg.Attachments...)
	}
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangeUpdate, ID: msg.ID, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
}

func (t *Timeline) pushDelete(id string) {
	t.mu.Lock()
	i := t.indexOfLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangeDelete, ID: id, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
}

// Promote rewrites the identity of a provisional entry in place once the
// store acknowledges persistence. Position is preserved; the local timestamp
// stays authoritative for ordering. Returns false if the temporary id is no
// longer present (a push echo may have promoted it already).
func (t *Timeline) Promote(tempID string, confirmed Message) bool {
	t.mu.Lock()
	i := t.indexOfLocked(tempID)
	if i < 0 || t.indexOfLocked(confirmed.ID) >= 0 {
		t.mu.Unlock()
		return false
	}
	t.promoteAtLocked(i, confirmed)
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangePromote, ID: confirmed.ID, OldID: tempID, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
	return true
}

// ApplyLocalUpdate mutates an entry's content and model in place, keeping id
// and position. Used by regeneration before the update is persisted.
func (t *Timeline) ApplyLocalUpdate(id string, content string, model string) bool {
	t.mu.Lock()
	i := t.indexOfLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.entries[i].Content = content
	if model != "" {
		t.entries[i].Model = model
	}
	t.version++
	ch := Change{ConvID: t.convID, Kind: ChangeUpdate, ID: id, Version: t.version}
	t.mu.Unlock()
	t.notify(ch)
	return true
}

func (t *Timeline) indexOfLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// echoIndexLocked finds an existing entry that represents the same logical
// message as the incoming one: same role and content, created within the
// tolerance window.
func (t *Timeline) echoIndexLocked(msg Message) int {
	for i := range t.entries {
		e := &t.entries[i]
		if e.Role != msg.Role || e.Content != msg.Content {
			continue
		}
		d := e.CreatedAt.Sub(msg.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= t.dedupWindow {
			return i
		}
	}
	return -1
}

// insertChronologicalLocked places the message after every entry with an
// earlier-or-equal timestamp, so equal timestamps keep insertion order.
func (t *Timeline) insertChronologicalLocked(msg Message) {
	i := len(t.entries)
	for i > 0 && t.entries[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	t.entries = append(t.entries, Message{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = msg
}

// promoteAtLocked rewrites entry i with the confirmed identity, adopting
// server fields that carry information while keeping position.
func (t *Timeline) promoteAtLocked(i int, confirmed Message) {
	e := &t.entries[i]
	e.ID = confirmed.ID
	e.Provisional = false
	if confirmed.Model != "" {
		e.Model = confirmed.Model
	}
	if len(confirmed.Attachments) > 0 && len(e.Attachments) == 0 {
		e.Attachments = append([]Attachment(nil), confirmed.Attachments...)
	}
}
