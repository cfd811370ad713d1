// Package stream builds the push-channel transport: an in-process watermill
// gochannel pub/sub by default, or Redis Streams when enabled.
package stream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds push-channel transport configuration.
type Settings struct {
	RedisEnabled bool
	RedisAddr    string
	Group        string
	Consumer     string
}

// PubSub pairs the publisher used by store adapters with the subscriber used
// by the session manager. With gochannel both ends are the same object.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	err := p.Publisher.Close()
	if sub, ok := p.Subscriber.(message.Publisher); !ok || sub != p.Publisher {
		if cerr := p.Subscriber.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Build constructs the transport for the given settings.
func Build(s Settings) (*PubSub, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return &PubSub{Publisher: pub, Subscriber: sub}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, preventing a full historical replay on first
// subscribe.
func EnsureGroupAtTail(ctx context.Context, addr string, stream string, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
