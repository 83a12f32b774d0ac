package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/calclaw/internal/config"
	"github.com/user/calclaw/internal/state"
	"github.com/user/calclaw/internal/types"
)

// fakeOpenAI answers every chat completion with a fixed message and counts
// the requests it saw.
func fakeOpenAI(t *testing.T, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := new(atomic.Int32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = "memory"
	cfg.Calendar.Backend = "memcal"
	cfg.LLM.BaseURL = baseURL
	cfg.LLM.APIKey = "test-key"
	cfg.LLM.Model = "gpt-4"
	cfg.LLM.MaxRetries = 1
	return cfg
}

func TestNewAppChat(t *testing.T) {
	srv, calls := fakeOpenAI(t, "You have no bookings.")
	cfg := testConfig(t, srv.URL)

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := a.gateway.Chat(ctx, &types.InboundMessage{Source: "test", Text: "what do I have tomorrow?"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "You have no bookings." {
		t.Errorf("unexpected reply %q", reply.Text)
	}
	if !reply.SessionID.Valid() {
		t.Errorf("expected a generated session id, got %q", reply.SessionID)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 model call, got %d", n)
	}

	session, err := a.sessions.GetOrCreate(ctx, reply.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Turns) != 2 {
		t.Errorf("expected user and agent turns, got %d", len(session.Turns))
	}
}

func TestNewAppRegistersBookingTools(t *testing.T) {
	srv, _ := fakeOpenAI(t, "ok")
	a, err := newApp(context.Background(), testConfig(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	want := []string{"create_booking", "get_bookings", "cancel_booking", "reschedule_booking", "cancel_all_bookings"}
	got := a.registry.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected tools %v, got %v", want, got)
	}
	if a.telemetry.Handler() == nil {
		t.Error("expected a metrics handler when metrics are enabled")
	}
}

func TestNewAppPromptFile(t *testing.T) {
	srv, _ := fakeOpenAI(t, "ok")
	cfg := testConfig(t, srv.URL)

	cfg.PromptFile = filepath.Join(cfg.DataDir, "missing.tmpl")
	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Error("expected error for a missing prompt file")
	}

	if err := os.WriteFile(cfg.PromptFile, []byte("{{.Broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Error("expected error for an unparsable prompt template")
	}
}

func TestNewAppRejectsUnknownBackends(t *testing.T) {
	srv, _ := fakeOpenAI(t, "ok")
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"store", func(c *config.Config) { c.Store.Backend = "etcd" }},
		{"calendar", func(c *config.Config) { c.Calendar.Backend = "outlook" }},
		{"provider", func(c *config.Config) { c.LLM.Provider = "llama" }},
		{"time zone", func(c *config.Config) { c.TimeZone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, srv.URL)
			tt.mutate(cfg)
			if _, err := newApp(context.Background(), cfg); err == nil {
				t.Errorf("expected error for bad %s", tt.name)
			}
		})
	}
}

func TestOpenStoreBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	cfg.Store.Backend = "file"
	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*state.FileStore); !ok {
		t.Errorf("expected *state.FileStore, got %T", store)
	}
	if closeStore != nil {
		t.Error("file store needs no closer")
	}

	cfg.Store.Backend = "sqlite"
	store, closeStore, err = openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if _, ok := store.(*state.SQLStore); !ok {
		t.Errorf("expected *state.SQLStore, got %T", store)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "calclaw.db")); err != nil {
		t.Errorf("expected sqlite database in data dir: %v", err)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	if _, err := readPID(dir); err == nil {
		t.Error("expected error without a PID file")
	}

	path, err := writePIDFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "calclaw.pid" {
		t.Errorf("unexpected PID file %q", path)
	}
	pid, err := readPID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), pid)
	}
}
