package stream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

func TestBuildInProcessRoundTrip(t *testing.T) {
	ps, err := Build(Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	ctx := context.Background()
	ch, err := ps.Subscriber.Subscribe(ctx, "chat:c1")
	require.NoError(t, err)

	require.NoError(t, ps.Publisher.Publish("chat:c1", message.NewMessage(watermill.NewUUID(), []byte(`{"type":"insert"}`))))

	select {
	case msg := <-ch:
		require.JSONEq(t, `{"type":"insert"}`, string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}
