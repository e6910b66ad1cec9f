package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dutybot/internal/config"
	"dutybot/internal/domain"
	"dutybot/internal/duty"
	"dutybot/internal/history"
	"dutybot/internal/loop"
	"dutybot/internal/oncall"
	"dutybot/internal/server"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "dutybot",
		Short:   "dutybot: duty-shift notification bot for Loop",
		Long:    "dutybot notifies the duty contact in a Loop channel every morning, reminds until acknowledged, and publishes the weekly duty schedule.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.dutybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(historyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Printf("Edit %s and fill in loop.token, loop.channelId and your contacts.\n", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the duty bot and its webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: parseLogLevel(cfg.General.LogLevel),
			}))

			chat := loop.NewClient(cfg.Loop, logger)

			var oncallGw domain.OnCallGateway
			if cfg.OnCall.Enabled {
				oncallGw = oncall.NewClient(cfg.OnCall, logger)
			}

			var recorder domain.SessionRecorder
			if cfg.History.Enabled {
				store, err := history.NewStore(cfg.History.DBPath, logger)
				if err != nil {
					return fmt.Errorf("history store: %w", err)
				}
				defer store.Close()
				recorder = store
			}

			bot, err := duty.New(cfg, chat, oncallGw, recorder, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bot.Start()
			defer bot.Stop()

			if cfg.Loop.UseWebsocket {
				stream := loop.NewEventStream(chat, bot.HandleEvent, logger)
				go stream.Run(ctx)
			}

			srv := server.New(cfg.Webhook, cfg.Metrics.Enabled, bot, logger)
			return srv.Start(ctx)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and probe the chat and on-call APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			fmt.Printf("config: OK (%d contacts, %d rota days)\n", len(cfg.Directory.All()), rotaDays(cfg))

			ctx := cmd.Context()
			chat := loop.NewClient(cfg.Loop, logger)
			if id, err := chat.ResolveUserID(ctx, cfg.Loop.BotUsername); err != nil {
				fmt.Printf("loop: FAILED (%v)\n", err)
			} else {
				fmt.Printf("loop: OK (bot user id %s)\n", id)
			}

			if !cfg.OnCall.Enabled {
				fmt.Println("oncall: disabled")
				return nil
			}
			oc := oncall.NewClient(cfg.OnCall, logger)
			if ids, err := oc.CurrentOnCall(ctx, cfg.OnCall.Schedule, 2); err != nil {
				fmt.Printf("oncall: FAILED (%v)\n", err)
			} else {
				fmt.Printf("oncall: OK (current: %s)\n", strings.Join(ids, ", "))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reminder sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled in the config")
			}
			store, err := history.NewStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No sessions recorded yet.")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-12s  contacts=%s  acked_by=%s\n",
					rec.StartedAt.Format("2006-01-02 15:04"),
					rec.Outcome,
					strings.Join(rec.Contacts, ","),
					strings.Join(rec.AcknowledgedBy, ","),
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	return cmd
}

func rotaDays(cfg *config.Config) int {
	return len(cfg.Schedule)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
