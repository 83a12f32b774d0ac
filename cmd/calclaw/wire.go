package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/calendar/calcom"
	"github.com/user/calclaw/internal/calendar/gcal"
	"github.com/user/calclaw/internal/calendar/memcal"
	"github.com/user/calclaw/internal/config"
	ctxengine "github.com/user/calclaw/internal/context"
	"github.com/user/calclaw/internal/gateway"
	"github.com/user/calclaw/internal/instrumentation"
	"github.com/user/calclaw/internal/runtime"
	"github.com/user/calclaw/internal/runtime/tools"
	"github.com/user/calclaw/internal/state"
	"github.com/user/calclaw/internal/types"
	"github.com/user/calclaw/pkg/llm"
	"github.com/user/calclaw/pkg/llm/gemini"
	"github.com/user/calclaw/pkg/llm/openai"
)

// app is the assembled dispatch pipeline shared by serve and chat.
type app struct {
	sessions  types.SessionStore
	gateway   *gateway.Gateway
	runtime   *runtime.Runtime
	registry  *runtime.Registry
	telemetry *instrumentation.Provider
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	telemetry, err := instrumentation.NewProvider(cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("create metrics provider: %w", err)
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return telemetry.Shutdown(ctx)
	})

	sessions, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.sessions = sessions
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	provider, closeProvider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeProvider != nil {
		a.closers = append(a.closers, closeProvider)
	}

	adapter, err := newCalendar(ctx, cfg, telemetry.Metrics())
	if err != nil {
		return nil, err
	}

	a.registry, err = runtime.NewRegistry(tools.Booking(adapter)...)
	if err != nil {
		return nil, fmt.Errorf("create tool registry: %w", err)
	}

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	if cfg.PromptFile != "" {
		text, err := os.ReadFile(cfg.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		if err := engine.SetPrompt(string(text)); err != nil {
			return nil, err
		}
	}

	loc := time.UTC
	if cfg.TimeZone != "" {
		loc, err = time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", cfg.TimeZone, err)
		}
	}

	a.runtime = runtime.New(provider, engine, sessions, a.registry, runtime.Options{
		MaxRounds:    cfg.MaxToolRounds,
		ModelTimeout: cfg.LLM.Timeout,
		Location:     loc,
		Provider:     cfg.LLM.Provider,
		Metrics:      telemetry.Metrics(),
	})

	a.gateway = gateway.New(sessions, int64(cfg.MaxConcurrent))
	a.gateway.Queue.SetProcessor(a.runtime.ProcessRun)

	ok = true
	return a, nil
}

// Close releases the store, provider and metrics exporter in reverse
// order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config) (types.SessionStore, func() error, error) {
	switch cfg.Store.Backend {
	case "memory":
		return state.NewMemoryStore(), nil, nil
	case "", "file":
		return state.NewFileStore(cfg.DataDir), nil, nil
	case "redis":
		store, err := state.NewRedisStore(ctx, state.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
			TTL:      cfg.Store.TTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, store.Close, nil
	case "sqlite", "mysql":
		dsn := cfg.Store.DSN
		if dsn == "" && cfg.Store.Backend == "sqlite" {
			dsn = filepath.Join(cfg.DataDir, "calclaw.db")
		}
		store, err := state.OpenSQL(cfg.Store.Backend, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newProvider(ctx context.Context, cfg *config.Config) (llm.Provider, func() error, error) {
	llmCfg := &llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}

	var (
		provider llm.Provider
		closer   func() error
	)
	switch cfg.LLM.Provider {
	case "", "openai":
		provider = openai.New(llmCfg)
	case "gemini":
		client, err := gemini.New(ctx, llmCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		provider, closer = client, client.Close
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}

	policy := llm.DefaultRetryPolicy()
	if cfg.LLM.MaxRetries > 0 {
		policy.MaxAttempts = cfg.LLM.MaxRetries
	}
	return llm.WithRetry(provider, cfg.LLM.Provider, policy), closer, nil
}

func newCalendar(ctx context.Context, cfg *config.Config, metrics *instrumentation.Metrics) (calendar.Adapter, error) {
	var adapter calendar.Adapter
	switch cfg.Calendar.Backend {
	case "", "calcom":
		if cfg.Calendar.CalCom.APIKey == "" {
			slog.Warn("cal.com api key is empty; calendar calls will fail")
		}
		adapter = calcom.New(calcom.Config{
			APIKey:         cfg.Calendar.CalCom.APIKey,
			BaseURL:        cfg.Calendar.CalCom.BaseURL,
			EventTypeID:    cfg.Calendar.CalCom.EventTypeID,
			Timeout:        cfg.Calendar.Timeout,
			BookingNotes:   cfg.Calendar.CalCom.Notes,
			LocationOption: cfg.Calendar.CalCom.Location,
		})
	case "gcal", "google":
		client, err := gcal.New(ctx, gcal.Config{
			CalendarID:      cfg.Calendar.Google.CalendarID,
			CredentialsFile: cfg.Calendar.Google.CredentialsFile,
			TokenFile:       cfg.Calendar.Google.TokenFile,
			ClientID:        cfg.Calendar.Google.ClientID,
			ClientSecret:    cfg.Calendar.Google.ClientSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("create google calendar client: %w", err)
		}
		adapter = client
	case "memcal", "memory":
		adapter = memcal.New()
	default:
		return nil, fmt.Errorf("unknown calendar backend %q", cfg.Calendar.Backend)
	}
	return calendar.Instrumented(calendar.WithTimeout(adapter, cfg.Calendar.Timeout), metrics), nil
}
