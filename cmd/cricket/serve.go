package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/cricket/pkg/chatsync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine behind an HTTP and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		forwarder := chatsync.NewForwarder()
		eng, err := buildEngine(ctx, cfg,
			[]chatsync.ChangeListener{forwarder.OnTimelineChange},
			forwarder.OnGeneration,
			nil,
		)
		if err != nil {
			return err
		}
		defer eng.Close()
		eng.trigger.SetAuthRequiredHandler(func(convID string) {
			log.Warn().Str("conv_id", convID).Msg("re-authentication required, completion suspended")
		})

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           newAPI(eng, forwarder),
			ReadHeaderTimeout: 5 * time.Second,
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			log.Info().Str("addr", cfg.Listen).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
		return eg.Wait()
	},
}

type api struct {
	eng       *engine
	forwarder *chatsync.Forwarder
	upgrader  websocket.Upgrader
}

func newAPI(eng *engine, forwarder *chatsync.Forwarder) http.Handler {
	a := &api{
		eng:       eng,
		forwarder: forwarder,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations/{id}/open", a.handleOpen)
	mux.HandleFunc("POST /conversations/{id}/close", a.handleClose)
	mux.HandleFunc("POST /conversations/{id}/messages", a.handleSend)
	mux.HandleFunc("POST /conversations/{id}/messages/{msgID}/regenerate", a.handleRegenerate)
	mux.HandleFunc("GET /conversations/{id}/timeline", a.handleTimeline)
	mux.HandleFunc("GET /conversations", a.handleList)
	mux.HandleFunc("GET /ws", a.handleWS)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) handleOpen(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	ctx := r.Context()
	if err := a.eng.store.EnsureConversation(ctx, chatsync.Conversation{ID: convID, CreatedAt: time.Now()}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.eng.manager.Open(ctx, convID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conv_id":  convID,
		"state":    a.eng.manager.GenerationState(convID),
		"messages": a.eng.manager.Timeline(convID),
	})
}

func (a *api) handleClose(w http.ResponseWriter, r *http.Request) {
	a.eng.manager.Close(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Content     string                `json:"content"`
	Attachments []chatsync.Attachment `json:"attachments,omitempty"`
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	if a.eng.manager.OpenConvID() != convID {
		writeError(w, http.StatusConflict, chatsync.ErrNoOpenConversation)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := a.eng.manager.SendUserMessage(r.Context(), req.Content, req.Attachments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *api) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	if a.eng.manager.OpenConvID() != convID {
		writeError(w, http.StatusConflict, chatsync.ErrNoOpenConversation)
		return
	}
	if err := a.eng.manager.Regenerate(r.PathValue("msgID")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	msgs := a.eng.manager.Timeline(convID)
	if msgs == nil && a.eng.manager.OpenConvID() != convID {
		writeError(w, http.StatusNotFound, chatsync.ErrNoOpenConversation)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conv_id":  convID,
		"state":    a.eng.manager.GenerationState(convID),
		"messages": msgs,
	})
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	convs, err := a.eng.store.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	convID := a.eng.manager.OpenConvID()
	a.forwarder.Attach(conn, convID, a.eng.manager.Timeline(convID))
	go func() {
		defer a.forwarder.Detach(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
