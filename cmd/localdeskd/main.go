// Package main provides the entry point for the LocalDesk engine daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localdesk/localdesk/internal/capability"
	"github.com/localdesk/localdesk/internal/config"
	"github.com/localdesk/localdesk/internal/event"
	"github.com/localdesk/localdesk/internal/logging"
	"github.com/localdesk/localdesk/internal/permission"
	"github.com/localdesk/localdesk/internal/provider"
	"github.com/localdesk/localdesk/internal/router"
	"github.com/localdesk/localdesk/internal/scheduler"
	"github.com/localdesk/localdesk/internal/server"
	"github.com/localdesk/localdesk/internal/session"
	"github.com/localdesk/localdesk/internal/store"
	"github.com/localdesk/localdesk/internal/task"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	flagPort     int
	flagDataDir  string
	flagModel    string
	flagLogLevel string
	flagPretty   bool
)

var rootCmd = &cobra.Command{
	Use:     "localdeskd",
	Short:   "LocalDesk engine - concurrent agent session orchestration",
	Long:    "localdeskd runs the LocalDesk session/task orchestration engine:\nconcurrent agent sessions, multi-thread tasks, tool-permission gating\nand scheduled runs, served to UI windows over SSE.",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "Server port (overrides config)")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "Data directory")
	rootCmd.Flags().StringVar(&flagModel, "model", "", "Default model identifier")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.Flags().BoolVar(&flagPretty, "pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("localdeskd %s (%s)\n", Version, BuildTime))
}

func run() error {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: flagPretty,
	})
	logging.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("starting localdeskd")

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Persisted running sessions cannot have live runners after a restart.
	if n, err := st.ResetRunningSessions(); err != nil {
		return fmt.Errorf("reset running sessions: %w", err)
	} else if n > 0 {
		logging.Info().Int64("count", n).Msg("reset stale running sessions")
	}

	bus := event.NewBus()
	defer bus.Close()

	gate := permission.NewGate(bus)
	caps := capability.NewRegistry()

	// The concrete backend adapter is configured separately; until then
	// every invocation fails with a clear error.
	backend := provider.Unconfigured{}

	sessions := session.NewService(st, bus, gate, backend, caps, cfg.Model)

	tasks := task.NewService(bus, sessions)
	sessions.RegisterStatusHook(tasks.HandleSessionStatus)

	windows := router.New(bus)
	defer windows.Close()

	sched := scheduler.NewService(st, bus, sessions, cfg.SchedulerInterval())
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Run(schedCtx)

	srv := server.New(&server.Config{Port: cfg.Port, ReadTimeout: 30 * time.Second}, windows, sessions, tasks, sched)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancelSched()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown")
	}

	logging.Info().Msg("stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
