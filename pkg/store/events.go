// Package store provides Message Store Adapter implementations: a sqlite
// store for durable runs and an in-memory store for tests and ephemeral use.
// Both publish a push event on the conversation topic after each successful
// mutation.
package store

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/cricket/pkg/chatsync"
)

// publish emits a store event on the conversation topic. A nil publisher
// disables the push channel; publish failures are logged, never propagated,
// because the durable mutation already succeeded.
func publish(pub message.Publisher, ev chatsync.Event) {
	if pub == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "store").Msg("failed to marshal store event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if err := pub.Publish(chatsync.TopicForConv(ev.ConvID), msg); err != nil {
		log.Warn().Err(err).
			Str("component", "store").
			Str("conv_id", ev.ConvID).
			Str("event_type", string(ev.Type)).
			Msg("failed to publish store event")
	}
}
