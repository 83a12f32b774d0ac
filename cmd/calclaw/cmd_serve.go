package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/calclaw/internal/api"
	"github.com/user/calclaw/internal/scheduler"
	"github.com/user/calclaw/internal/telegram"
)

// drainTimeout bounds how long shutdown waits for in-flight runs.
const drainTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the calclaw daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "calclaw.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	slog.Info("calclaw started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"calendar_backend", cfg.Calendar.Backend,
		"store_backend", cfg.Store.Backend,
		"tools", a.registry.Names(),
		"metrics", a.telemetry.Enabled(),
		"pid_file", pidPath,
	)

	// Session TTL sweep
	sched := scheduler.New(scheduler.SweepJob(a.sessions, cfg.Store.SweepSchedule, cfg.Store.TTL))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.gateway, a.sessions)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Info("telegram adapter disabled (no token)")
	}

	// HTTP chat API
	srv := api.NewServer(a.gateway.Chat, a.sessions, api.Options{
		RateLimit:      cfg.HTTP.RateLimit,
		Burst:          cfg.HTTP.Burst,
		ReplyTimeout:   cfg.HTTP.ReplyTimeout,
		Metrics:        a.telemetry.Metrics(),
		MetricsHandler: a.telemetry.Handler(),
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, cfg.HTTP.Addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				a.Close()
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					return fmt.Errorf("re-exec: %w", err)
				}
			}
			// SIGINT or SIGTERM
			slog.Info("shutting down", "signal", sig)
			cancel()
			if err := <-errCh; err != nil {
				slog.Warn("http server stopped with error", "error", err)
			}
			if !a.gateway.Queue.WaitIdle(drainTimeout) {
				slog.Warn("runs still in flight at shutdown", "timeout", drainTimeout)
			}
			return nil
		}
	}
}
