package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"steward/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Load
// =============================================================================

func TestLoad_WhenFileDoesNotExist_ShouldReturnError(t *testing.T) {
	_, err := Load("/nonexistent/steward.json")
	if err == nil || !strings.Contains(err.Error(), "config load") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestLoad_WhenFileIsInvalidJSON_ShouldReturnError(t *testing.T) {
	_, err := Load(writeConfig(t, `{ invalid }`))
	if err == nil || !strings.Contains(err.Error(), "config parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoad_WhenFieldsMissing_ShouldKeepDefaults(t *testing.T) {
	got, err := Load(writeConfig(t, `{"agents": {"defaultModel": "claude-3-5-sonnet-latest", "provider": "anthropic"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Agents.Provider != "anthropic" || got.Agents.DefaultModel != "claude-3-5-sonnet-latest" {
		t.Errorf("expected file values, got %+v", got.Agents)
	}
	if got.Agents.DefaultPersona != "Jeeves" || got.Agents.MaxTokens != 4096 {
		t.Errorf("expected defaults kept for unset agent fields, got %+v", got.Agents)
	}
	if got.Loop.MaxIterations != 30 || got.Loop.HistoryWindow != 10 {
		t.Errorf("expected loop defaults, got %+v", got.Loop)
	}
	if got.Timeouts.Model().Seconds() != 120 {
		t.Errorf("expected 120s model timeout, got %v", got.Timeouts.Model())
	}
}

func TestLoad_WhenRetriesExplicitlyZero_ShouldKeepZero(t *testing.T) {
	got, err := Load(writeConfig(t, `{"retry": {"maxRetries": 0}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Retry.MaxRetries != 0 {
		t.Errorf("expected explicit zero kept, got %d", got.Retry.MaxRetries)
	}
	if got.Retry.InitialBackoff != 500 {
		t.Errorf("expected default backoff, got %d", got.Retry.InitialBackoff)
	}
}

func TestLoad_ShouldPopulateAllSections(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"enabled": true, "port": 3000, "auth": {"authToken": "tok"}},
		"telegram": {"enabled": true, "pollTimeout": 30},
		"agents": {"fallbacks": [{"provider": "ollama", "defaultModel": "llama3"}], "personasFile": "conf/../personas.yaml"},
		"storage": {"databaseUrl": "libsql://db.example.com", "historyDir": "./var/history/"},
		"superusers": ["telegram:1"],
		"schedules": [{"id": "morning", "cron": "0 8 * * *", "transport": "telegram", "channelId": "telegram-1", "prompt": "Good morning"}],
		"pricing": {"gpt-4o": {"inputPerMillion": 2.5, "outputPerMillion": 10}},
		"infra": {"logFormat": "json", "logLevel": "debug"}
	}`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Gateway.Enabled || got.Gateway.Port != 3000 || got.Gateway.Auth.AuthToken != "tok" {
		t.Errorf("unexpected gateway: %+v", got.Gateway)
	}
	if got.Telegram.PollTimeout != 30 {
		t.Errorf("unexpected telegram: %+v", got.Telegram)
	}
	if len(got.Agents.Fallbacks) != 1 || got.Agents.Fallbacks[0].DefaultModel != "llama3" {
		t.Errorf("unexpected fallbacks: %+v", got.Agents.Fallbacks)
	}
	if got.Agents.PersonasFile != "personas.yaml" {
		t.Errorf("expected cleaned personas path, got %q", got.Agents.PersonasFile)
	}
	if got.Storage.HistoryDir != filepath.Join("var", "history") {
		t.Errorf("expected cleaned history dir, got %q", got.Storage.HistoryDir)
	}
	if len(got.Schedules) != 1 || got.Pricing["gpt-4o"].OutputPerMillion != 10 {
		t.Errorf("unexpected schedules/pricing: %+v %+v", got.Schedules, got.Pricing)
	}
	if err := Validate(got); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestCleanPaths_WhenConfigIsNil_ShouldNotPanic(t *testing.T) {
	CleanPaths(nil)
}

// =============================================================================
// WriteDefault / Save
// =============================================================================

func TestWriteDefault_ShouldRoundTripThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "steward.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Agents.DefaultModel != "gpt-4o" || got.TimeZone != "America/New_York" {
		t.Errorf("unexpected defaults: %+v", got.Agents)
	}
	if err := Validate(got); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestSave_WhenConfigIsNil_ShouldReturnError(t *testing.T) {
	if err := Save(filepath.Join(t.TempDir(), "x.json"), nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestSave_WhenMarshalFails_ShouldReturnError(t *testing.T) {
	orig := marshalIndent
	defer func() { marshalIndent = orig }()
	marshalIndent = func(any, string, string) ([]byte, error) { return nil, fmt.Errorf("boom") }

	err := Save(filepath.Join(t.TempDir(), "x.json"), Default())
	if err == nil || !strings.Contains(err.Error(), "config save marshal") {
		t.Errorf("expected marshal error, got %v", err)
	}
}

func TestSave_WhenWriteFails_ShouldReturnError(t *testing.T) {
	orig := writeFile
	defer func() { writeFile = orig }()
	writeFile = func(string, []byte, os.FileMode) error { return fmt.Errorf("disk full") }

	err := Save(filepath.Join(t.TempDir(), "x.json"), Default())
	if err == nil || !strings.Contains(err.Error(), "config save write") {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestSave_ShouldWriteIndentedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.json")
	cfg := Default()
	cfg.Superusers = []string{"gateway:admin"}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved file is not JSON: %v", err)
	}
	if !bytes.Contains(data, []byte("\n  \"gateway\"")) {
		t.Errorf("expected two-space indentation, got %s", data)
	}
}

// =============================================================================
// DefaultPath
// =============================================================================

func TestDefaultPath_WhenEnvSet_ShouldUseIt(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/steward.json")
	if got := DefaultPath(); got != "/etc/steward.json" {
		t.Errorf("expected env path, got %q", got)
	}
}

func TestDefaultPath_ShouldLiveUnderHome(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	orig := userHomeDir
	defer func() { userHomeDir = orig }()
	userHomeDir = func() (string, error) { return "/home/bertie", nil }

	if got := DefaultPath(); got != filepath.Join("/home/bertie", ".steward", "steward.json") {
		t.Errorf("unexpected default path %q", got)
	}

	userHomeDir = func() (string, error) { return "", errors.New("no home") }
	if got := DefaultPath(); got != "steward.json" {
		t.Errorf("expected working-directory fallback, got %q", got)
	}
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate_WhenNil_ShouldReturnError(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Error("expected error")
	}
}

func TestValidate_ShouldReportEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Agents.DefaultModel = ""
	cfg.Agents.TopP = 1.5
	cfg.Loop.MaxIterations = 0
	cfg.Infra.LogLevel = "loud"
	cfg.TimeZone = "Mars/Olympus"
	cfg.Storage.HistoryMaxLines = -1
	cfg.Schedules = []domain.ScheduleConfig{
		{ID: "a", Cron: "not a cron", Transport: "telegram", ChannelID: "c", Prompt: "p"},
		{ID: "a", Cron: "@daily", Transport: "fax", ChannelID: "c", Prompt: "p"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"agents.defaultModel", "agents.topP", "loop.maxIterations", "infra.logLevel",
		"timeZone", "storage.historyMaxLines", "invalid cron", "duplicate id", "unknown transport",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Error("expected ConfigurationError entries")
	}
}

func TestValidate_GatewayPort(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		port    int
		wantErr bool
	}{
		{"disabled ignores port", false, -1, false},
		{"ephemeral", true, 0, false},
		{"regular", true, 8080, false},
		{"highest", true, 65535, false},
		{"negative", true, -1, true},
		{"too large", true, 65536, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Gateway.Enabled = tt.enabled
			cfg.Gateway.Port = tt.port
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "gateway.port") {
				t.Errorf("expected gateway.port in %v", err)
			}
		})
	}
}

// =============================================================================
// Logging
// =============================================================================

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_WhenJSON_ShouldEmitJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(domain.InfraConfig{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "channel", "telegram-1")

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("expected a single JSON record, got %q", line)
	}
	if rec["msg"] != "shown" || rec["channel"] != "telegram-1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNewLogger_WhenTrace_ShouldLabelLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(domain.InfraConfig{LogFormat: "text", LogLevel: "trace"}, &buf)
	logger.Log(t.Context(), LevelTrace, "payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected TRACE label, got %q", buf.String())
	}
}
