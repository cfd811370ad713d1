package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/chatsync"
	"github.com/go-go-golems/cricket/pkg/completion"
	"github.com/go-go-golems/cricket/pkg/config"
	"github.com/go-go-golems/cricket/pkg/store"
	"github.com/go-go-golems/cricket/pkg/stream"
)

// engine bundles the wired components behind both commands.
type engine struct {
	cfg     *config.Config
	pubsub  *stream.PubSub
	store   chatsync.Store
	trigger *chatsync.TriggerEngine
	manager *chatsync.SessionManager

	closers []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// buildEngine wires transport, store, completion client, trigger engine, and
// session manager from the config. extraListeners and genListener let the
// serve command attach its websocket forwarder.
func buildEngine(ctx context.Context, cfg *config.Config, extraListeners []chatsync.ChangeListener, genListener chatsync.GenerationListener, onNavigateHome func()) (*engine, error) {
	e := &engine{cfg: cfg}

	pubsub, err := stream.Build(stream.Settings{
		RedisEnabled: cfg.Redis.Enabled,
		RedisAddr:    cfg.Redis.Addr,
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Redis.Consumer,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build push transport")
	}
	e.pubsub = pubsub
	e.closers = append(e.closers, pubsub.Close)

	switch cfg.Store.Type {
	case "memory":
		e.store = store.NewMemoryStore(pubsub.Publisher)
	case "sqlite", "":
		st, err := store.NewSQLiteStore(cfg.Store.Path, pubsub.Publisher)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.store = st
		e.closers = append(e.closers, st.Close)
	default:
		e.Close()
		return nil, errors.Errorf("unknown store type %q", cfg.Store.Type)
	}

	client, err := completion.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	if err != nil {
		e.Close()
		return nil, err
	}

	open := chatsync.NewOpenConversationCell()
	trigger, err := chatsync.NewTriggerEngine(ctx, e.store, client, open, chatsync.TriggerConfig{
		Model:          cfg.OpenAI.Model,
		RetryOnFailure: cfg.Session.RetryOnFailure,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	if genListener != nil {
		trigger.AddGenerationListener(genListener)
	}
	e.trigger = trigger

	var beforeSubscribe func(ctx context.Context, convID string) error
	if cfg.Redis.Enabled {
		group := cfg.Redis.Group
		addr := cfg.Redis.Addr
		beforeSubscribe = func(ctx context.Context, convID string) error {
			return stream.EnsureGroupAtTail(ctx, addr, chatsync.TopicForConv(convID), group)
		}
	}

	manager, err := chatsync.NewSessionManager(chatsync.SessionManagerConfig{
		Store:             e.store,
		Subscriber:        pubsub.Subscriber,
		Trigger:           trigger,
		Open:              open,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		DedupWindow:       cfg.Session.DedupWindow,
		BeforeSubscribe:   beforeSubscribe,
		OnNavigateHome:    onNavigateHome,
		ExtraListeners:    extraListeners,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.manager = manager
	return e, nil
}
