// Package main is the entry point for the polis-relay binary.
// It serves the correlated request/reply relay over HTTP and offers a
// one-shot client for scripting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-relay",
		Short: "Correlated request/reply relay",
		Long: `polis-relay sends requests to external collaborators (conversation
services, simulator plugins, in-process handlers) and waits for the reply
correlated with each request, retrying and timing out per session.

Example:
  polis-relay serve --config relay.yaml
  polis-relay send --config relay.yaml --session chat-42 --command Say --payload hello`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newSendCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "HTTP listen address override")
	cmd.Flags().Bool("watch", true, "Reload retry and timeout settings when the config file changes")
	return cmd
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one request and print the correlated reply",
		RunE:  runSend,
	}
	cmd.Flags().String("session", "", "Session key")
	cmd.Flags().String("command", "", "Command name")
	cmd.Flags().String("payload", "", "Request payload")
	cmd.Flags().Duration("timeout", 0, "Reply timeout (default from config)")
	cmd.Flags().Bool("critical", false, "Mark the request critical")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-relay %s (%s)\n", version, commit)
		},
	}
}

// loadConfig reads the --config file and applies CLI overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, "", err
		}
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Address = listen
	}

	logger := logging.SetupLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	var metrics *relay.Metrics
	if cfg.Metrics.Enabled {
		metrics = relay.NewMetrics()
	}

	rt, err := newApp(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer rt.Close()

	if watch, _ := cmd.Flags().GetBool("watch"); watch && path != "" {
		w, err := config.NewWatcher(path, rt.reconfigure, logger, metrics)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
	}

	go func() {
		if err := rt.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sweeper stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           newAPI(rt.dispatcher, cfg, metrics, logger).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting polis-relay",
			"address", cfg.Server.Address,
			"transport", cfg.Transport.Kind,
			"version", version,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			return err
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", "error", err)
		}
	}

	logger.Info("Relay stopped")
	return nil
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	session, _ := cmd.Flags().GetString("session")
	command, _ := cmd.Flags().GetString("command")
	payload, _ := cmd.Flags().GetString("payload")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	critical, _ := cmd.Flags().GetBool("critical")

	rt, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reply, err := rt.dispatcher.SendAndAwait(ctx, relay.SessionKey(session),
		relay.Request{Command: command, Payload: []byte(payload), Critical: critical},
		relay.SendOptions{Timeout: timeout, CreateSession: true},
	)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), replyView(reply))
}
