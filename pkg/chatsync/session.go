package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultInactivityTimeout is how long an untouched, empty conversation may
// stay open before it is deleted.
const DefaultInactivityTimeout = 120 * time.Second

// OpenConversationCell holds the id of the currently open conversation. Every
// completing task consults it once, atomically, before applying UI-visible
// effects.
type OpenConversationCell struct {
	mu sync.RWMutex
	id string
}

func NewOpenConversationCell() *OpenConversationCell {
	return &OpenConversationCell{}
}

func (c *OpenConversationCell) Set(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *OpenConversationCell) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// SessionManagerConfig wires a SessionManager.
type SessionManagerConfig struct {
	Store      Store
	Subscriber message.Subscriber
	Trigger    *TriggerEngine
	// Open must be the same cell handed to the trigger engine.
	Open *OpenConversationCell

	// InactivityTimeout defaults to DefaultInactivityTimeout; a negative
	// value disables the timer.
	InactivityTimeout time.Duration
	// DedupWindow is passed through to each conversation's timeline.
	DedupWindow time.Duration

	// BeforeSubscribe runs before each push subscription, for transports
	// that need per-topic setup (consumer group creation).
	BeforeSubscribe func(ctx context.Context, convID string) error
	// OnNavigateHome is signaled after an expired conversation is deleted.
	OnNavigateHome func()
	// ExtraListeners are attached to each conversation's timeline in
	// addition to the trigger engine (for example a websocket forwarder).
	ExtraListeners []ChangeListener
}

type session struct {
	convID   string
	tl       *Timeline
	stopRead context.CancelFunc
	timer    *time.Timer
}

// SessionManager binds the reconciler and trigger engine to exactly one
// conversation at a time: it owns the push subscription, the inactivity
// timer, and the currently-open cell. Closing a conversation never cancels an
// in-flight completion; only its UI-visible effects are suppressed.
type SessionManager struct {
	store           Store
	sub             message.Subscriber
	trigger         *TriggerEngine
	open            *OpenConversationCell
	timeout         time.Duration
	dedupWindow     time.Duration
	beforeSubscribe func(ctx context.Context, convID string) error
	onNavigateHome  func()
	extraListeners  []ChangeListener

	mu         sync.Mutex
	cur        *session
	interacted map[string]struct{}
}

func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session manager store is nil")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("session manager subscriber is nil")
	}
	if cfg.Trigger == nil {
		return nil, errors.New("session manager trigger engine is nil")
	}
	if cfg.Open == nil {
		return nil, errors.New("session manager open-conversation cell is nil")
	}
	timeout := cfg.InactivityTimeout
	if timeout == 0 {
		timeout = DefaultInactivityTimeout
	}
	return &SessionManager{
		store:           cfg.Store,
		sub:             cfg.Subscriber,
		trigger:         cfg.Trigger,
		open:            cfg.Open,
		timeout:         timeout,
		dedupWindow:     cfg.DedupWindow,
		beforeSubscribe: cfg.BeforeSubscribe,
		onNavigateHome:  cfg.OnNavigateHome,
		extraListeners:  cfg.ExtraListeners,
		interacted:      map[string]struct{}{},
	}, nil
}

// Open binds the engine to convID: any previous subscription and timer are
// torn down first, the generation flag is reset (the processed set is not),
// the push subscription starts, the snapshot is ingested, and the inactivity
// timer is armed unless the user has already interacted with this
// conversation.
//
// A snapshot or subscribe failure unbinds the conversation again and returns
// an error matching ErrStoreUnavailable; reopening retries both steps.
func (m *SessionManager) Open(ctx context.Context, convID string) error {
	if convID == "" {
		return errors.New("empty conversation id")
	}

	m.mu.Lock()
	if m.cur != nil && m.cur.convID == convID {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked()

	opts := []TimelineOption{}
	if m.dedupWindow > 0 {
		opts = append(opts, WithDedupWindow(m.dedupWindow))
	}
	tl := NewTimeline(convID, opts...)
	tl.AddListener(m.trigger.OnTimelineChange)
	for _, l := range m.extraListeners {
		tl.AddListener(l)
	}

	sess := &session{convID: convID, tl: tl}
	m.cur = sess
	m.open.Set(convID)
	m.trigger.ResetGeneration(convID)

	_, seen := m.interacted[convID]
	if !seen && m.timeout > 0 {
		sess.timer = time.AfterFunc(m.timeout, func() { m.expire(convID) })
	}
	m.mu.Unlock()

	log.Info().
		Str("component", "session").
		Str("conv_id", convID).
		Msg("conversation opened")

	if err := m.subscribe(ctx, sess); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Msg("push subscription failed")
		m.abortOpen(sess)
		return errors.Wrapf(ErrStoreUnavailable, "subscribe %s: %v", convID, err)
	}

	msgs, err := m.store.FetchSnapshot(ctx, convID)
	if err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Msg("snapshot fetch failed")
		m.abortOpen(sess)
		return errors.Wrapf(ErrStoreUnavailable, "snapshot %s: %v", convID, err)
	}
	tl.IngestSnapshot(msgs)

	// a conversation that already holds messages is not a candidate for
	// inactivity reclamation
	if len(msgs) > 0 {
		m.mu.Lock()
		if m.cur == sess && sess.timer != nil {
			sess.timer.Stop()
			sess.timer = nil
		}
		m.mu.Unlock()
	}
	return nil
}

// abortOpen unbinds a partially opened session so a later Open retries the
// subscription and snapshot from scratch.
func (m *SessionManager) abortOpen(sess *session) {
	m.mu.Lock()
	if m.cur == sess {
		m.teardownLocked()
	}
	m.mu.Unlock()
}

// Close unbinds convID: the subscription stops and the inactivity timer is
// cancelled. In-flight completions keep running on the trigger engine's base
// context and persist under their origin conversation.
func (m *SessionManager) Close(convID string) {
	m.mu.Lock()
	if m.cur == nil || m.cur.convID != convID {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	log.Info().
		Str("component", "session").
		Str("conv_id", convID).
		Msg("conversation closed")
}

func (m *SessionManager) teardownLocked() {
	if m.cur == nil {
		return
	}
	if m.cur.stopRead != nil {
		m.cur.stopRead()
		m.cur.stopRead = nil
	}
	if m.cur.timer != nil {
		m.cur.timer.Stop()
		m.cur.timer = nil
	}
	m.open.Set("")
	m.cur = nil
}

func (m *SessionManager) subscribe(ctx context.Context, sess *session) error {
	if m.beforeSubscribe != nil {
		if err := m.beforeSubscribe(ctx, sess.convID); err != nil {
			return err
		}
	}
	readCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.cur != sess {
		m.mu.Unlock()
		cancel()
		return nil
	}
	sess.stopRead = cancel
	m.mu.Unlock()

	ch, err := m.sub.Subscribe(readCtx, TopicForConv(sess.convID))
	if err != nil {
		cancel()
		return err
	}
	go m.readLoop(readCtx, sess, ch)
	return nil
}

func (m *SessionManager) readLoop(ctx context.Context, sess *session, ch <-chan *message.Message) {
	for msg := range ch {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).
				Str("component", "session").
				Str("conv_id", sess.convID).
				Msg("failed to decode store event")
			msg.Ack()
			continue
		}
		sess.tl.IngestPush(ev)
		msg.Ack()
	}
	if ctx.Err() != nil {
		// deliberate teardown
		return
	}

	m.mu.Lock()
	stillCurrent := m.cur == sess
	m.mu.Unlock()
	if !stillCurrent {
		return
	}
	log.Warn().
		Str("component", "session").
		Str("conv_id", sess.convID).
		Msg("push channel closed, resubscribing")
	if err := m.subscribe(context.Background(), sess); err != nil {
		log.Error().Err(err).
			Str("component", "session").
			Str("conv_id", sess.convID).
			Msg("resubscription failed")
	}
}

// MarkInteraction records a content-producing action (typing, sending) and
// permanently disarms the inactivity timer for convID. Disarming is not a
// reset: the conversation is never auto-expired afterwards.
func (m *SessionManager) MarkInteraction(convID string) {
	if convID == "" {
		return
	}
	m.mu.Lock()
	m.interacted[convID] = struct{}{}
	if m.cur != nil && m.cur.convID == convID && m.cur.timer != nil {
		m.cur.timer.Stop()
		m.cur.timer = nil
	}
	m.mu.Unlock()
}

func (m *SessionManager) expire(convID string) {
	m.mu.Lock()
	if _, ok := m.interacted[convID]; ok {
		m.mu.Unlock()
		return
	}
	if m.cur == nil || m.cur.convID != convID {
		m.mu.Unlock()
		return
	}
	// only untouched, empty conversations are reclaimed; anything holding
	// messages stays
	if len(m.cur.tl.Snapshot()) > 0 {
		if m.cur.timer != nil {
			m.cur.timer.Stop()
			m.cur.timer = nil
		}
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.DeleteConversation(ctx, convID); err != nil {
		log.Error().Err(err).
			Str("component", "session").
			Str("conv_id", convID).
			Msg("failed to delete expired conversation")
	} else {
		log.Info().
			Str("component", "session").
			Str("conv_id", convID).
			Msg("expired empty conversation deleted")
	}
	if m.onNavigateHome != nil {
		m.onNavigateHome()
	}
}

// SendUserMessage inserts the user's message optimistically, persists it, and
// promotes the provisional entry with the server id. The optimistic insert
// makes the trigger gate fire before the store round-trip completes.
func (m *SessionManager) SendUserMessage(ctx context.Context, text string, attachments []Attachment) (Message, error) {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil {
		return Message{}, ErrNoOpenConversation
	}
	m.MarkInteraction(sess.convID)

	msg := Message{
		ID:          NewProvisionalID(),
		ConvID:      sess.convID,
		Role:        RoleUser,
		Content:     text,
		Attachments: attachments,
		CreatedAt:   time.Now(),
		Provisional: true,
	}
	sess.tl.IngestOptimistic(msg)

	serverID, err := m.store.Insert(ctx, msg)
	if err != nil {
		log.Error().Err(err).
			Str("component", "session").
			Str("conv_id", sess.convID).
			Msg("user message not persisted")
		return msg, errors.Wrapf(ErrPersistenceFailed, "insert user message: %v", err)
	}
	confirmed := msg
	confirmed.ID = serverID
	confirmed.Provisional = false
	sess.tl.Promote(msg.ID, confirmed)
	return confirmed, nil
}

// Regenerate redoes the given assistant reply in the open conversation.
func (m *SessionManager) Regenerate(assistantID string) error {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil {
		return ErrNoOpenConversation
	}
	m.MarkInteraction(sess.convID)
	return m.trigger.Regenerate(sess.tl, assistantID)
}

// Timeline returns the ordered messages of the open conversation, or nil when
// convID is not the open one.
func (m *SessionManager) Timeline(convID string) []Message {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil || sess.convID != convID {
		return nil
	}
	return sess.tl.Snapshot()
}

// GenerationState reports the completion state for a conversation.
func (m *SessionManager) GenerationState(convID string) GenerationState {
	return m.trigger.GenerationStateOf(convID)
}

// OpenConvID returns the id of the currently open conversation, or "".
func (m *SessionManager) OpenConvID() string {
	return m.open.Get()
}
