package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"humanbridge/internal/broker"
	"humanbridge/internal/chat"
	"humanbridge/internal/config"
	"humanbridge/internal/mcpserver"
	pkgLogger "humanbridge/pkg/logger"
)

const version = "0.1.0"

func newRootCommand() *cobra.Command {
	var logLevel string
	var platform string

	cmd := &cobra.Command{
		Use:   "humanbridge",
		Short: "Human-in-the-Loop MCP server: lets an AI agent ask a human over Discord or Slack",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(platform, logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides HUMANBRIDGE_LOG_LEVEL")
	cmd.Flags().StringVar(&platform, "platform", "", "Chat platform (discord, slack); overrides HUMANBRIDGE_PLATFORM")

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("humanbridge", version)
		},
	}
}

func serve(platformFlag, logLevelFlag string) error {
	if platformFlag != "" {
		os.Setenv("HUMANBRIDGE_PLATFORM", platformFlag)
	}
	if logLevelFlag != "" {
		os.Setenv("HUMANBRIDGE_LOG_LEVEL", logLevelFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pkgLogger.SetGlobalLogLevel(pkgLogger.LogLevel(cfg.LogLevel))
	logger := pkgLogger.NewLogger(pkgLogger.LogLevel(cfg.LogLevel))

	gate := broker.NewReadinessGate()

	var transport chat.Transport
	switch cfg.Platform {
	case config.PlatformSlack:
		transport = chat.NewSlack(cfg.Slack.BotToken, cfg.Slack.AppToken, cfg.Slack.ChannelID, gate.Set, logger)
	default:
		transport, err = chat.NewDiscord(cfg.Discord.Token, gate.Set, logger)
		if err != nil {
			return err
		}
	}

	b := broker.New(transport, gate, cfg.ChannelID(), cfg.HumanID(), cfg.AskTimeout, logger)
	srv := mcpserver.New(b, version, logger)

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("humanbridge starting", "platform", transport.Name(), "channel", cfg.ChannelID(), "human", cfg.HumanID())

	go func() {
		if err := transport.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Chat transport failed", "error", err)
		}
	}()

	// The dispatch loop cancels every pending ask when the event stream
	// dies; the process keeps serving so the condition is reported to
	// callers instead of silently vanishing.
	go func() {
		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Inbound dispatch loop stopped", "error", err)
		}
	}()

	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	interrupted := ctx.Err() != nil
	cancel()
	_ = transport.Stop()
	if err != nil && !interrupted {
		return err
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
