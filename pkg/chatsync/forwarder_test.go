package chatsync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestForwarderConcurrentBroadcasts(t *testing.T) {
	f := NewForwarder()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.Attach(conn, "c1", nil)
		<-done
		f.Detach(conn)
	}))
	defer srv.Close()
	defer close(done)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, hello, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(hello), `"hello"`)

	tl := NewTimeline("c1")
	tl.IngestOptimistic(userMsg("u1", "c1", "hi", time.Now()))

	// timeline changes and generation transitions fire from completion
	// goroutines, the push read loop, and request handlers all at once
	const writers = 4
	const frames = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < frames; j++ {
				f.OnTimelineChange(tl, Change{ConvID: "c1", Kind: ChangeInsert, ID: "u1"})
				f.OnGeneration("c1", GenGenerating)
			}
		}()
	}

	for i := 0; i < writers*frames*2; i++ {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := client.ReadMessage()
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestForwarderDropsDeadConnections(t *testing.T) {
	f := NewForwarder()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.Attach(conn, "c1", nil)
		<-done
	}))
	defer srv.Close()
	defer close(done)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	_, _, err = client.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// broadcasting to a closed peer eventually fails the write and evicts
	// the connection instead of wedging the pool
	tl := NewTimeline("c1")
	require.Eventually(t, func() bool {
		f.OnTimelineChange(tl, Change{ConvID: "c1", Kind: ChangeSnapshot})
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
