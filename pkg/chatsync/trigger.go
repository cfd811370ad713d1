package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GenerationState is the per-conversation completion state machine.
type GenerationState string

const (
	GenIdle       GenerationState = "idle"
	GenGenerating GenerationState = "generating"
)

// GenerationListener observes per-conversation generation state transitions.
type GenerationListener func(convID string, state GenerationState)

// TriggerConfig tunes the trigger engine.
type TriggerConfig struct {
	// Model is passed to the completion client on every request.
	Model string
	// RetryOnFailure removes a message from the processed set when its
	// completion attempt fails, so the next timeline change can retry it.
	// When false (the default) a failed attempt forfeits the automatic
	// reply for that message; manual regeneration remains possible.
	RetryOnFailure bool
}

// failureNotice is the synthetic assistant message shown for non-auth
// completion failures.
const failureNotice = "Something went wrong while generating a reply. Please try again."

type convTriggerState struct {
	processed  map[string]struct{}
	generating bool
}

// TriggerEngine decides, after every timeline mutation, whether an automatic
// completion request must be issued, and carries exactly one such request to
// completion per qualifying user message.
//
// The processed set and generation state live in a single registry keyed by
// conversation id, guarded by one mutex. The processed set survives
// conversation switches for the lifetime of the process; the generation flag
// is volatile and reset on open.
type TriggerEngine struct {
	baseCtx context.Context
	store   Store
	client  CompletionClient
	cfg     TriggerConfig
	open    *OpenConversationCell

	mu    sync.Mutex
	convs map[string]*convTriggerState

	lmu            sync.RWMutex
	genListeners   []GenerationListener
	onAuthRequired func(convID string)
}

// NewTriggerEngine builds a trigger engine. baseCtx bounds in-flight
// completion requests; it must outlive conversation switches so a request
// started before navigation can still complete and persist.
func NewTriggerEngine(baseCtx context.Context, store Store, client CompletionClient, open *OpenConversationCell, cfg TriggerConfig) (*TriggerEngine, error) {
	if baseCtx == nil {
		return nil, errors.New("trigger engine base context is nil")
	}
	if store == nil {
		return nil, errors.New("trigger engine store is nil")
	}
	if client == nil {
		return nil, errors.New("trigger engine completion client is nil")
	}
	if open == nil {
		return nil, errors.New("trigger engine open-conversation cell is nil")
	}
	return &TriggerEngine{
		baseCtx: baseCtx,
		store:   store,
		client:  client,
		cfg:     cfg,
		open:    open,
		convs:   map[string]*convTriggerState{},
	}, nil
}

// SetAuthRequiredHandler registers the callback invoked when a completion
// attempt fails with an authentication error.
func (e *TriggerEngine) SetAuthRequiredHandler(f func(convID string)) {
	e.lmu.Lock()
	e.onAuthRequired = f
	e.lmu.Unlock()
}

// AddGenerationListener registers a generation state listener.
func (e *TriggerEngine) AddGenerationListener(l GenerationListener) {
	if l == nil {
		return
	}
	e.lmu.Lock()
	e.genListeners = append(e.genListeners, l)
	e.lmu.Unlock()
}

// GenerationStateOf reports the current state for a conversation.
func (e *TriggerEngine) GenerationStateOf(convID string) GenerationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.convs[convID]; ok && st.generating {
		return GenGenerating
	}
	return GenIdle
}

// ResetGeneration clears the volatile generation flag for a conversation.
// Called by the session manager on open; the processed set is left intact.
func (e *TriggerEngine) ResetGeneration(convID string) {
	e.mu.Lock()
	if st, ok := e.convs[convID]; ok {
		st.generating = false
	}
	e.mu.Unlock()
}

// MarkProcessed records that a message is answered by an external path (for
// example the attachment analysis pipeline) and must not trigger an
// automatic completion.
func (e *TriggerEngine) MarkProcessed(convID string, msgID string) {
	if convID == "" || msgID == "" {
		return
	}
	e.mu.Lock()
	e.stateLocked(convID).processed[msgID] = struct{}{}
	e.mu.Unlock()
}

func (e *TriggerEngine) stateLocked(convID string) *convTriggerState {
	st, ok := e.convs[convID]
	if !ok {
		st = &convTriggerState{processed: map[string]struct{}{}}
		e.convs[convID] = st
	}
	return st
}

// OnTimelineChange is the timeline listener. Promotions rename the processed
// entry so the gate stays closed across the provisional-to-confirmed identity
// rewrite; every change then re-evaluates the gate against the latest state.
func (e *TriggerEngine) OnTimelineChange(tl *Timeline, ch Change) {
	if ch.Kind == ChangePromote && ch.OldID != "" && ch.ID != "" {
		e.mu.Lock()
		if st, ok := e.convs[ch.ConvID]; ok {
			if _, hit := st.processed[ch.OldID]; hit {
				delete(st.processed, ch.OldID)
				st.processed[ch.ID] = struct{}{}
			}
		}
		e.mu.Unlock()
	}
	e.evaluate(tl)
}

// evaluate runs the trigger gate:
//  1. the timeline is non-empty and ends with a user message,
//  2. that message has not been processed yet,
//  3. it carries no attachments,
//  4. it has no later assistant answer,
//  5. no completion is in flight for this conversation.
//
// On a pass the message id is recorded as processed before the network call
// is issued. That ordering closes the gate for any re-entrant check caused by
// re-renders or rapid repeated mutations.
func (e *TriggerEngine) evaluate(tl *Timeline) {
	msgs := tl.Snapshot()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleUser {
		return
	}
	if len(last.Attachments) > 0 {
		// answered by the attachment analysis path, which marks it
		// processed itself
		return
	}
	if answeredAfter(msgs, len(msgs)-1) {
		return
	}

	convID := tl.ConvID()
	e.mu.Lock()
	st := e.stateLocked(convID)
	if st.generating {
		e.mu.Unlock()
		return
	}
	if _, done := st.processed[last.ID]; done {
		e.mu.Unlock()
		return
	}
	st.processed[last.ID] = struct{}{}
	st.generating = true
	e.mu.Unlock()

	log.Debug().
		Str("component", "trigger").
		Str("conv_id", convID).
		Str("message_id", last.ID).
		Msg("issuing completion request")
	e.notifyGeneration(convID, GenGenerating)
	go e.complete(tl, convID, last)
}

func answeredAfter(msgs []Message, idx int) bool {
	for i := idx + 1; i < len(msgs); i++ {
		if msgs[i].Role == RoleAssistant {
			return true
		}
	}
	return false
}

// complete carries one completion request for the message that passed the
// gate. origin is the conversation id captured at trigger time; UI-visible
// effects are applied only if the user is still viewing it, while
// persistence always targets origin.
func (e *TriggerEngine) complete(tl *Timeline, origin string, trigger Message) {
	defer e.release(origin)

	res, err := e.client.Complete(e.baseCtx, origin, trigger.Content, e.cfg.Model)
	if err != nil {
		e.handleFailure(tl, origin, trigger.ID, err)
		return
	}

	asst := Message{
		ID:          NewProvisionalID(),
		ConvID:      origin,
		Role:        RoleAssistant,
		Content:     res.Text,
		Attachments: res.Attachments,
		CreatedAt:   time.Now(),
		Model:       e.cfg.Model,
		Provisional: true,
	}
	stillViewing := e.open.Get() == origin
	if stillViewing {
		tl.IngestOptimistic(asst)
	}
	serverID, err := e.store.Insert(e.baseCtx, asst)
	if err != nil {
		log.Error().Err(err).
			Str("component", "trigger").
			Str("conv_id", origin).
			Msg("assistant reply not persisted")
		return
	}
	if stillViewing {
		confirmed := asst
		confirmed.ID = serverID
		confirmed.Provisional = false
		tl.Promote(asst.ID, confirmed)
	}
}

// handleFailure applies the failure policy. processedID is empty for
// regeneration, which does not touch the processed set.
func (e *TriggerEngine) handleFailure(tl *Timeline, origin string, processedID string, err error) {
	if e.cfg.RetryOnFailure && processedID != "" {
		e.mu.Lock()
		if st, ok := e.convs[origin]; ok {
			delete(st.processed, processedID)
		}
		e.mu.Unlock()
	}

	if errors.Is(err, ErrAuthRequired) {
		log.Warn().
			Str("component", "trigger").
			Str("conv_id", origin).
			Msg("completion requires re-authentication")
		e.lmu.RLock()
		handler := e.onAuthRequired
		e.lmu.RUnlock()
		if handler != nil {
			handler(origin)
		}
		return
	}

	log.Error().Err(err).
		Str("component", "trigger").
		Str("conv_id", origin).
		Msg("completion request failed")
	if e.open.Get() != origin {
		return
	}
	tl.IngestOptimistic(Message{
		ID:          NewProvisionalID(),
		ConvID:      origin,
		Role:        RoleAssistant,
		Content:     failureNotice,
		CreatedAt:   time.Now(),
		Provisional: true,
	})
}

func (e *TriggerEngine) release(convID string) {
	e.mu.Lock()
	if st, ok := e.convs[convID]; ok {
		st.generating = false
	}
	e.mu.Unlock()
	e.notifyGeneration(convID, GenIdle)
}

func (e *TriggerEngine) notifyGeneration(convID string, state GenerationState) {
	e.lmu.RLock()
	listeners := append([]GenerationListener(nil), e.genListeners...)
	e.lmu.RUnlock()
	for _, l := range listeners {
		l(convID, state)
	}
}

// Regenerate redoes the latest assistant reply. Gate conditions 1-3 are
// bypassed because the target is already known; mutual exclusion still
// applies. On success the existing assistant message is mutated in place
// (same id, new content and model) and the update is persisted.
func (e *TriggerEngine) Regenerate(tl *Timeline, assistantID string) error {
	if tl == nil {
		return errors.New("nil timeline")
	}
	msgs := tl.Snapshot()
	ai := -1
	for i := range msgs {
		if msgs[i].ID == assistantID {
			ai = i
			break
		}
	}
	if ai < 0 || msgs[ai].Role != RoleAssistant {
		return errors.Wrapf(ErrMessageNotFound, "assistant message %s", assistantID)
	}
	var prompt string
	found := false
	for i := ai - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			prompt = msgs[i].Content
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(ErrMessageNotFound, "no user message precedes %s", assistantID)
	}
	if answeredAfter(msgs, ai) {
		return errors.Errorf("assistant message %s is not the latest reply", assistantID)
	}

	convID := tl.ConvID()
	e.mu.Lock()
	st := e.stateLocked(convID)
	if st.generating {
		e.mu.Unlock()
		return ErrGenerationInFlight
	}
	st.generating = true
	e.mu.Unlock()

	log.Debug().
		Str("component", "trigger").
		Str("conv_id", convID).
		Str("message_id", assistantID).
		Msg("regenerating assistant reply")
	e.notifyGeneration(convID, GenGenerating)
	go e.regenerate(tl, convID, assistantID, prompt)
	return nil
}

func (e *TriggerEngine) regenerate(tl *Timeline, origin string, assistantID string, prompt string) {
	defer e.release(origin)

	res, err := e.client.Complete(e.baseCtx, origin, prompt, e.cfg.Model)
	if err != nil {
		e.handleFailure(tl, origin, "", err)
		return
	}
	if e.open.Get() == origin {
		tl.ApplyLocalUpdate(assistantID, res.Text, e.cfg.Model)
	}
	content := res.Text
	model := e.cfg.Model
	if err := e.store.Update(e.baseCtx, origin, assistantID, UpdateFields{Content: &content, Model: &model}); err != nil {
		log.Error().Err(err).
			Str("component", "trigger").
			Str("conv_id", origin).
			Str("message_id", assistantID).
			Msg("regenerated reply not persisted")
	}
}
