package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func userMsg(id, convID, content string, at time.Time) Message {
	return Message{ID: id, ConvID: convID, Role: RoleUser, Content: content, CreatedAt: at}
}

func TestTimelineSnapshotSortsByCreatedAt(t *testing.T) {
	tl := NewTimeline("c1")
	base := time.Now()
	tl.IngestSnapshot([]Message{
		userMsg("b", "c1", "second", base.Add(time.Second)),
		userMsg("a", "c1", "first", base),
		userMsg("c", "c1", "third", base.Add(2*time.Second)),
	})

	msgs := tl.Snapshot()
	require.Len(t, msgs, 3)
	require.Equal(t, "a", msgs[0].ID)
	require.Equal(t, "b", msgs[1].ID)
	require.Equal(t, "c", msgs[2].ID)
}

func TestTimelineEqualTimestampsKeepInsertionOrder(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()
	tl.IngestOptimistic(userMsg("a", "c1", "one", at))
	tl.IngestOptimistic(userMsg("b", "c1", "two", at))
	tl.IngestOptimistic(userMsg("c", "c1", "three", at))

	msgs := tl.Snapshot()
	require.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestTimelinePushEchoPromotesProvisional(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()

	local := userMsg(NewProvisionalID(), "c1", "hello", at)
	local.Provisional = true
	tl.IngestOptimistic(local)

	var changes []Change
	tl.AddListener(func(_ *Timeline, ch Change) { changes = append(changes, ch) })

	echo := userMsg("srv-1", "c1", "hello", at.Add(100*time.Millisecond))
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: echo})

	msgs := tl.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-1", msgs[0].ID)
	require.False(t, msgs[0].Provisional)
	// the local timestamp stays authoritative for ordering
	require.Equal(t, at, msgs[0].CreatedAt)

	require.Len(t, changes, 1)
	require.Equal(t, ChangePromote, changes[0].Kind)
	require.Equal(t, local.ID, changes[0].OldID)
	require.Equal(t, "srv-1", changes[0].ID)
}

func TestTimelinePushEchoOutsideWindowInsertsSeparately(t *testing.T) {
	tl := NewTimeline("c1", WithDedupWindow(time.Second))
	at := time.Now()

	local := userMsg(NewProvisionalID(), "c1", "hello", at)
	local.Provisional = true
	tl.IngestOptimistic(local)

	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("srv-1", "c1", "hello", at.Add(5*time.Second))})
	require.Len(t, tl.Snapshot(), 2)
}

func TestTimelineDuplicateIDDiscarded(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("x", "c1", "hi", at)})
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("x", "c1", "hi", at)})
	require.Len(t, tl.Snapshot(), 1)
}

func TestTimelineConfirmedEchoDiscarded(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("x", "c1", "hi", at)})
	// same role and content inside the window, different id, but the
	// existing entry is already confirmed
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("y", "c1", "hi", at.Add(time.Second))})
	msgs := tl.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, "x", msgs[0].ID)
}

func TestTimelineForeignEventsDroppedAndCounted(t *testing.T) {
	tl := NewTimeline("c1")
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c2", Message: userMsg("x", "c2", "hi", time.Now())})
	tl.IngestPush(Event{Type: EventDelete, ConvID: "c2", Message: Message{ID: "x", ConvID: "c2"}})
	// conv id carried only on the message
	tl.IngestPush(Event{Type: EventInsert, Message: userMsg("y", "c3", "yo", time.Now())})

	require.Empty(t, tl.Snapshot())
	require.Equal(t, 3, tl.DroppedForeignEvents())
}

func TestTimelinePromotePreservesPosition(t *testing.T) {
	tl := NewTimeline("c1")
	base := time.Now()
	tl.IngestOptimistic(userMsg("a", "c1", "first", base))
	local := userMsg(NewProvisionalID(), "c1", "middle", base.Add(time.Second))
	local.Provisional = true
	tl.IngestOptimistic(local)
	tl.IngestOptimistic(userMsg("c", "c1", "last", base.Add(2*time.Second)))

	confirmed := local
	confirmed.ID = "srv-9"
	confirmed.Provisional = false
	require.True(t, tl.Promote(local.ID, confirmed))

	msgs := tl.Snapshot()
	require.Equal(t, []string{"a", "srv-9", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	require.False(t, msgs[1].Provisional)
}

func TestTimelinePromoteAfterEchoReturnsFalse(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()
	local := userMsg(NewProvisionalID(), "c1", "hello", at)
	local.Provisional = true
	tl.IngestOptimistic(local)

	// push echo wins the race and promotes first
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("srv-1", "c1", "hello", at)})

	confirmed := local
	confirmed.ID = "srv-1"
	require.False(t, tl.Promote(local.ID, confirmed))
	require.Len(t, tl.Snapshot(), 1)
}

func TestTimelinePushUpdateAndDelete(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("x", "c1", "hi", at)})

	upd := userMsg("x", "c1", "edited", at)
	upd.Model = "gpt-4o-mini"
	tl.IngestPush(Event{Type: EventUpdate, ConvID: "c1", Message: upd})
	msg, ok := tl.Message("x")
	require.True(t, ok)
	require.Equal(t, "edited", msg.Content)
	require.Equal(t, "gpt-4o-mini", msg.Model)

	// updates and deletes for unknown ids are no-ops
	before := tl.Version()
	tl.IngestPush(Event{Type: EventUpdate, ConvID: "c1", Message: userMsg("ghost", "c1", "nope", at)})
	tl.IngestPush(Event{Type: EventDelete, ConvID: "c1", Message: Message{ID: "ghost", ConvID: "c1"}})
	require.Equal(t, before, tl.Version())

	tl.IngestPush(Event{Type: EventDelete, ConvID: "c1", Message: Message{ID: "x", ConvID: "c1"}})
	require.Empty(t, tl.Snapshot())
}

func TestTimelineApplyLocalUpdate(t *testing.T) {
	tl := NewTimeline("c1")
	at := time.Now()
	tl.IngestPush(Event{Type: EventInsert, ConvID: "c1", Message: userMsg("x", "c1", "hi", at)})

	require.True(t, tl.ApplyLocalUpdate("x", "regenerated", "gpt-4o"))
	msg, _ := tl.Message("x")
	require.Equal(t, "regenerated", msg.Content)
	require.Equal(t, "gpt-4o", msg.Model)
	require.False(t, tl.ApplyLocalUpdate("ghost", "x", ""))
}
