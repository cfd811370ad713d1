package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	inserts   []Message
	updates   []struct {
		ConvID string
		ID     string
		Fields UpdateFields
	}
	insertErr error
	nextID    int
}

var _ Store = &fakeStore{}

func (s *fakeStore) EnsureConversation(context.Context, Conversation) error { return nil }
func (s *fakeStore) FetchSnapshot(context.Context, string) ([]Message, error) {
	return nil, nil
}
func (s *fakeStore) DeleteConversation(context.Context, string) error { return nil }
func (s *fakeStore) ListConversations(context.Context) ([]Conversation, error) {
	return nil, nil
}

func (s *fakeStore) Insert(_ context.Context, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return "", s.insertErr
	}
	s.nextID++
	id := fmt.Sprintf("srv-%03d", s.nextID)
	confirmed := msg
	confirmed.ID = id
	confirmed.Provisional = false
	s.inserts = append(s.inserts, confirmed)
	return id, nil
}

func (s *fakeStore) Update(_ context.Context, convID string, id string, fields UpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, struct {
		ConvID string
		ID     string
		Fields UpdateFields
	}{convID, id, fields})
	return nil
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

type fakeClient struct {
	mu       sync.Mutex
	calls    int
	complete func(ctx context.Context, convID, prompt, model string) (CompletionResult, error)
}

var _ CompletionClient = &fakeClient{}

func (c *fakeClient) Complete(ctx context.Context, convID, prompt, model string) (CompletionResult, error) {
	c.mu.Lock()
	c.calls++
	f := c.complete
	c.mu.Unlock()
	if f != nil {
		return f(ctx, convID, prompt, model)
	}
	return CompletionResult{Text: "echo: " + prompt}, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestEngine(t *testing.T, store *fakeStore, client *fakeClient, cfg TriggerConfig) (*TriggerEngine, *OpenConversationCell) {
	t.Helper()
	open := NewOpenConversationCell()
	e, err := NewTriggerEngine(context.Background(), store, client, open, cfg)
	require.NoError(t, err)
	return e, open
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerFiresOnceForUserMessage(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	e, open := newTestEngine(t, store, client, TriggerConfig{Model: "gpt-4o-mini"})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)

	msg := userMsg(NewProvisionalID(), "c1", "hi there", time.Now())
	msg.Provisional = true
	tl.IngestOptimistic(msg)

	eventually(t, func() bool { return store.insertCount() == 1 })
	require.Equal(t, 1, client.callCount())

	store.mu.Lock()
	asst := store.inserts[0]
	store.mu.Unlock()
	require.Equal(t, RoleAssistant, asst.Role)
	require.Equal(t, "echo: hi there", asst.Content)
	require.Equal(t, "gpt-4o-mini", asst.Model)

	// reply lands on the timeline and is promoted to its server id
	eventually(t, func() bool {
		msgs := tl.Snapshot()
		return len(msgs) == 2 && msgs[1].ID == asst.ID && !msgs[1].Provisional
	})
	eventually(t, func() bool { return e.GenerationStateOf("c1") == GenIdle })
}

func TestTriggerGateSurvivesPromotion(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)

	local := userMsg(NewProvisionalID(), "c1", "hi", time.Now())
	local.Provisional = true
	tl.IngestOptimistic(local)
	eventually(t, func() bool { return client.callCount() == 1 })
	eventually(t, func() bool { return e.GenerationStateOf("c1") == GenIdle })

	// the user message is confirmed after the trigger already processed it
	// under its provisional id; promotion must not reopen the gate
	confirmed := local
	confirmed.ID = "srv-user"
	confirmed.Provisional = false
	require.True(t, tl.Promote(local.ID, confirmed))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, client.callCount())
}

func TestTriggerSkipsNonQualifyingMessages(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)
	base := time.Now()

	// last message is an assistant reply
	tl.IngestSnapshot([]Message{
		userMsg("u1", "c1", "hi", base),
		{ID: "a1", ConvID: "c1", Role: RoleAssistant, Content: "hello", CreatedAt: base.Add(time.Second)},
	})
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, client.callCount())

	// user message carrying attachments is handled elsewhere
	att := Message{
		ID: "u2", ConvID: "c1", Role: RoleUser, Content: "look at this",
		Attachments: []Attachment{{Name: "report.pdf", MimeType: "application/pdf"}},
		CreatedAt:   base.Add(2 * time.Second),
	}
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: att})
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, client.callCount())
}

func TestTriggerMarkProcessedBlocksCompletion(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	e.MarkProcessed("c1", "u1")
	tl.AddListener(e.OnTimelineChange)

	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u1", "c1", "hi", time.Now())})
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, client.callCount())
}

func TestTriggerMutualExclusion(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	client := &fakeClient{
		complete: func(context.Context, string, string, string) (CompletionResult, error) {
			<-release
			return CompletionResult{Text: "done"}, nil
		},
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)

	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u1", "c1", "first", time.Now())})
	eventually(t, func() bool { return client.callCount() == 1 })
	require.Equal(t, GenGenerating, e.GenerationStateOf("c1"))

	// a second qualifying message while one is in flight does not start
	// another request
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u2", "c1", "second", time.Now())})
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, client.callCount())

	close(release)
	eventually(t, func() bool { return e.GenerationStateOf("c1") == GenIdle })
}

func TestTriggerFailureShowsNotice(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{
		complete: func(context.Context, string, string, string) (CompletionResult, error) {
			return CompletionResult{}, errors.Wrap(ErrCompletionFailed, "boom")
		},
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u1", "c1", "hi", time.Now())})

	eventually(t, func() bool {
		msgs := tl.Snapshot()
		return len(msgs) == 2 && msgs[1].Role == RoleAssistant
	})
	msgs := tl.Snapshot()
	require.Equal(t, failureNotice, msgs[1].Content)
	require.True(t, msgs[1].Provisional)
	// the notice is ephemeral, never persisted
	require.Zero(t, store.insertCount())

	// without retry-on-failure the message stays processed
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, client.callCount())
}

func TestTriggerRetryOnFailureReopensGate(t *testing.T) {
	store := &fakeStore{}
	var failOnce sync.Once
	client := &fakeClient{}
	client.complete = func(_ context.Context, _ string, prompt string, _ string) (CompletionResult, error) {
		var failed bool
		failOnce.Do(func() { failed = true })
		if failed {
			return CompletionResult{}, errors.Wrap(ErrCompletionFailed, "transient")
		}
		return CompletionResult{Text: "echo: " + prompt}, nil
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{RetryOnFailure: true})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u1", "c1", "hi", time.Now())})
	eventually(t, func() bool { return client.callCount() == 1 })
	eventually(t, func() bool { return e.GenerationStateOf("c1") == GenIdle })

	// the failure notice insert re-evaluated the gate with the notice as the
	// last entry; dismissing the notice retries the user message
	notice := tl.Snapshot()[1]
	tl.IngestPush(Event{Type: EventDelete, ConvID: "c1", Message: Message{ID: notice.ID, ConvID: "c1"}})
	eventually(t, func() bool { return client.callCount() == 2 })
	eventually(t, func() bool { return store.insertCount() == 1 })
}

func TestTriggerAuthFailureCallsHandler(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{
		complete: func(context.Context, string, string, string) (CompletionResult, error) {
			return CompletionResult{}, errors.Wrap(ErrAuthRequired, "401")
		},
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	var mu sync.Mutex
	var authConv string
	e.SetAuthRequiredHandler(func(convID string) {
		mu.Lock()
		authConv = convID
		mu.Unlock()
	})

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u1", "c1", "hi", time.Now())})

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return authConv == "c1"
	})
	// no synthetic failure message for auth errors
	require.Len(t, tl.Snapshot(), 1)
	require.Zero(t, store.insertCount())
}

func TestTriggerPersistsWhenViewerNavigatedAway(t *testing.T) {
	store := &fakeStore{}
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{
		complete: func(context.Context, string, string, string) (CompletionResult, error) {
			close(started)
			<-release
			return CompletionResult{Text: "late reply"}, nil
		},
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	tl.AddListener(e.OnTimelineChange)
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("u1", "c1", "hi", time.Now())})
	<-started

	// user switches conversations mid-flight
	open.Set("c2")
	close(release)

	eventually(t, func() bool { return store.insertCount() == 1 })
	store.mu.Lock()
	persisted := store.inserts[0]
	store.mu.Unlock()
	require.Equal(t, "c1", persisted.ConvID)
	require.Equal(t, "late reply", persisted.Content)
	// the abandoned timeline is not touched
	require.Len(t, tl.Snapshot(), 1)
}

func TestRegenerateUpdatesInPlace(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{
		complete: func(_ context.Context, _ string, prompt string, _ string) (CompletionResult, error) {
			return CompletionResult{Text: "take two: " + prompt}, nil
		},
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{Model: "gpt-4o"})
	open.Set("c1")

	tl := NewTimeline("c1")
	base := time.Now()
	tl.IngestSnapshot([]Message{
		userMsg("u1", "c1", "question", base),
		{ID: "a1", ConvID: "c1", Role: RoleAssistant, Content: "weak answer", CreatedAt: base.Add(time.Second)},
	})

	require.NoError(t, e.Regenerate(tl, "a1"))
	eventually(t, func() bool {
		msg, _ := tl.Message("a1")
		return msg.Content == "take two: question"
	})

	msgs := tl.Snapshot()
	require.Len(t, msgs, 2)
	require.Equal(t, "a1", msgs[1].ID)
	require.Equal(t, "gpt-4o", msgs[1].Model)

	eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.updates) == 1
	})
	store.mu.Lock()
	upd := store.updates[0]
	store.mu.Unlock()
	require.Equal(t, "c1", upd.ConvID)
	require.Equal(t, "a1", upd.ID)
	require.Equal(t, "take two: question", *upd.Fields.Content)
}

func TestRegenerateRejectsStaleTargets(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	base := time.Now()
	tl.IngestSnapshot([]Message{
		userMsg("u1", "c1", "first", base),
		{ID: "a1", ConvID: "c1", Role: RoleAssistant, Content: "old", CreatedAt: base.Add(time.Second)},
		userMsg("u2", "c1", "second", base.Add(2 * time.Second)),
		{ID: "a2", ConvID: "c1", Role: RoleAssistant, Content: "new", CreatedAt: base.Add(3 * time.Second)},
	})

	require.Error(t, e.Regenerate(tl, "a1"))
	require.ErrorIs(t, e.Regenerate(tl, "u1"), ErrMessageNotFound)
	require.ErrorIs(t, e.Regenerate(tl, "ghost"), ErrMessageNotFound)
}

func TestRegenerateBlockedWhileGenerating(t *testing.T) {
	store := &fakeStore{}
	release := make(chan struct{})
	client := &fakeClient{
		complete: func(context.Context, string, string, string) (CompletionResult, error) {
			<-release
			return CompletionResult{Text: "x"}, nil
		},
	}
	e, open := newTestEngine(t, store, client, TriggerConfig{})
	open.Set("c1")

	tl := NewTimeline("c1")
	base := time.Now()
	tl.IngestSnapshot([]Message{
		userMsg("u1", "c1", "q", base),
		{ID: "a1", ConvID: "c1", Role: RoleAssistant, Content: "a", CreatedAt: base.Add(time.Second)},
	})

	require.NoError(t, e.Regenerate(tl, "a1"))
	require.ErrorIs(t, e.Regenerate(tl, "a1"), ErrGenerationInFlight)
	close(release)
	eventually(t, func() bool { return e.GenerationStateOf("c1") == GenIdle })
}
