package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.yaml")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

// clearEnv unsets variables that would override file values.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "GEMINI_API_KEY", "OPENAI_BASE_URL", "CAL_API_KEY", "TELEGRAM_BOT_TOKEN",
		"CALCLAW_LLM_API_KEY", "CALCLAW_LOG_LEVEL", "CALCLAW_LLM_MODEL", "CALCLAW_TELEGRAM_TOKEN",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults file written: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.MaxToolRounds != 5 || cfg.LLM.Provider != "openai" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.LLM.Timeout != 60*time.Second || cfg.Store.TTL != 7*24*time.Hour {
		t.Errorf("unexpected duration defaults: llm.timeout=%s store.ttl=%s", cfg.LLM.Timeout, cfg.Store.TTL)
	}
	if cfg.Calendar.Backend != "calcom" || cfg.Calendar.CalCom.EventTypeID != 1 {
		t.Errorf("unexpected calendar defaults %+v", cfg.Calendar)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected config file mode 0600, got %o", info.Mode().Perm())
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := Defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.MaxConcurrent = 8
	original.LLM.Provider = "gemini"
	original.LLM.APIKey = "sk-test-round-trip"
	original.LLM.Model = "gemini-1.5-pro"
	original.LLM.Temperature = 0.5
	original.LLM.Timeout = 45 * time.Second
	original.Calendar.CalCom.APIKey = "cal-key-123"
	original.Store.Backend = "redis"
	original.Store.TTL = 36 * time.Hour
	original.Telegram.Token = "bot-token-456"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.LLM.Provider != "gemini" || loaded.LLM.APIKey != original.LLM.APIKey {
		t.Errorf("LLM mismatch: %+v", loaded.LLM)
	}
	if loaded.LLM.Temperature != original.LLM.Temperature {
		t.Errorf("LLM.Temperature mismatch: %v != %v", loaded.LLM.Temperature, original.LLM.Temperature)
	}
	if loaded.LLM.Timeout != 45*time.Second || loaded.Store.TTL != 36*time.Hour {
		t.Errorf("durations not preserved: %s %s", loaded.LLM.Timeout, loaded.Store.TTL)
	}
	if loaded.Calendar.CalCom.APIKey != "cal-key-123" || loaded.Store.Backend != "redis" {
		t.Errorf("nested values not preserved")
	}
	if loaded.Telegram.Token != original.Telegram.Token {
		t.Errorf("Telegram.Token mismatch: %v != %v", loaded.Telegram.Token, original.Telegram.Token)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid YAML: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.LLM.APIKey = "from-file"
	cfg.Calendar.CalCom.APIKey = "cal-from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("CAL_API_KEY", "cal-from-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-from-env")
	t.Setenv("CALCLAW_LOG_LEVEL", "debug")
	t.Setenv("CALCLAW_LLM_MODEL", "gpt-4o")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LLM.APIKey != "sk-from-env" {
		t.Errorf("expected OPENAI_API_KEY to win, got %q", loaded.LLM.APIKey)
	}
	if loaded.Calendar.CalCom.APIKey != "cal-from-env" {
		t.Errorf("expected CAL_API_KEY to win, got %q", loaded.Calendar.CalCom.APIKey)
	}
	if loaded.Telegram.Token != "tg-from-env" {
		t.Errorf("expected TELEGRAM_BOT_TOKEN, got %q", loaded.Telegram.Token)
	}
	if loaded.LogLevel != "debug" || loaded.LLM.Model != "gpt-4o" {
		t.Errorf("expected CALCLAW_* overrides, got log_level=%q model=%q", loaded.LogLevel, loaded.LLM.Model)
	}
}

func TestLoad_ProviderKeyEnv(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.LLM.Provider = "gemini"
	writeTestConfig(t, path, cfg)

	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("GEMINI_API_KEY", "gm-key")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LLM.APIKey != "gm-key" {
		t.Errorf("expected the gemini key for the gemini provider, got %q", loaded.LLM.APIKey)
	}

	t.Setenv("CALCLAW_LLM_API_KEY", "explicit")
	loaded, _ = Load(path)
	if loaded.LLM.APIKey != "explicit" {
		t.Errorf("expected CALCLAW_LLM_API_KEY to take precedence, got %q", loaded.LLM.APIKey)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte("llm: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Timeout = 90 * time.Second

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	llm, ok := m["llm"].(map[string]any)
	if !ok {
		t.Fatalf("expected llm to be map, got %T", m["llm"])
	}
	if llm["provider"] != "openai" {
		t.Errorf("expected llm.provider=openai, got %v", llm["provider"])
	}
	if llm["max_tokens"] != 2000 {
		t.Errorf("expected llm.max_tokens=2000, got %v (%T)", llm["max_tokens"], llm["max_tokens"])
	}
	if llm["timeout"] != "1m30s" {
		t.Errorf("expected llm.timeout=1m30s, got %v", llm["timeout"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.LLM.APIKey = "sk-secret-key-1234"
	cfg.Calendar.CalCom.APIKey = "cal-key-5678"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["llm.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked llm.api_key, got %v", flat["llm.api_key"])
	}
	if flat["calendar.calcom.api_key"] != "cal-key-5678" {
		t.Errorf("expected unmasked calendar.calcom.api_key, got %v", flat["calendar.calcom.api_key"])
	}
	if flat["telegram.token"] != "bot-token-abcd" {
		t.Errorf("expected unmasked telegram.token, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.LLM.APIKey = "sk-secret-key-1234"
	cfg.Calendar.CalCom.APIKey = "cal-key-5678"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["llm.api_key"] != "***1234" {
		t.Errorf("expected masked llm.api_key=***1234, got %v", flat["llm.api_key"])
	}
	if flat["calendar.calcom.api_key"] != "***5678" {
		t.Errorf("expected masked calendar.calcom.api_key=***5678, got %v", flat["calendar.calcom.api_key"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{
		LogLevel:      "debug",
		MaxConcurrent: 8,
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "llm.model")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "gpt-4" {
		t.Errorf("expected llm.model=gpt-4, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != 8 {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.LLM.Provider = "openai"
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	// Verify other values are preserved
	v, err = GetValue(path, "llm.provider")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "openai" {
		t.Errorf("expected llm.provider=openai (preserved), got %v", v)
	}
}

func TestSetValue_Numeric(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{MaxConcurrent: 2}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "max_concurrent", "16"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != 16 {
		t.Errorf("expected max_concurrent=16, got %v (%T)", v, v)
	}
}

func TestSetValue_Boolean(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "metrics.enabled", "false"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "metrics.enabled")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != false {
		t.Errorf("expected metrics.enabled=false, got %v (%T)", v, v)
	}
}

func TestSetValue_Float(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.LLM.Temperature = 0.7
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "llm.temperature", "0.3"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "llm.temperature")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != 0.3 {
		t.Errorf("expected llm.temperature=0.3, got %v (%T)", v, v)
	}
}

func TestSetValue_Duration(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "store.ttl", "48h"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.TTL != 48*time.Hour {
		t.Errorf("expected store.ttl=48h, got %s", cfg.Store.TTL)
	}
}

func TestSetValue_NewNestedKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	// Set a new nested key that doesn't exist in Config struct
	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "custom.setting")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "value" {
		t.Errorf("expected custom.setting=value, got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.yaml")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	clearEnv(t)
	// GetValue calls Load, which creates the file with defaults.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
