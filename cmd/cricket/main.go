package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/cricket/pkg/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cricket",
	Short: "Conversation sync and AI-response orchestration engine",
	Long: `cricket keeps a per-conversation message timeline in sync across
optimistic local inserts, store snapshots, and push events, and fires exactly
one completion request per qualifying user message.`,
	SilenceUsage: true,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		w.NoColor = true
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
