package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/cricket/pkg/chatsync"
)

var chatConvID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal chat against the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printer := func(tl *chatsync.Timeline, ch chatsync.Change) {
			if ch.Kind != chatsync.ChangeInsert && ch.Kind != chatsync.ChangeUpdate {
				return
			}
			msg, ok := tl.Message(ch.ID)
			if !ok || msg.Role != chatsync.RoleAssistant {
				return
			}
			fmt.Printf("\n[assistant] %s\n> ", msg.Content)
		}

		eng, err := buildEngine(ctx, cfg, []chatsync.ChangeListener{printer}, nil, func() {
			fmt.Println("\nconversation expired, back to home")
		})
		if err != nil {
			return err
		}
		defer eng.Close()

		convID := chatConvID
		if convID == "" {
			convID = uuid.NewString()
		}
		if err := eng.store.EnsureConversation(ctx, chatsync.Conversation{ID: convID, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := eng.manager.Open(ctx, convID); err != nil {
			return err
		}
		defer eng.manager.Close(convID)

		fmt.Printf("conversation %s opened, type a message (ctrl-d to quit)\n> ", convID)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}
			if _, err := eng.manager.SendUserMessage(ctx, text, nil); err != nil {
				log.Error().Err(err).Msg("send failed")
			}
			fmt.Print("> ")
			if ctx.Err() != nil {
				break
			}
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatConvID, "conversation", "", "conversation id to open (default: a fresh one)")
}
