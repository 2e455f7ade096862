// Package config loads the JSON configuration file and builds the process logger.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"steward/internal/domain"
	"steward/internal/scheduler"
)

// EnvConfigPath overrides DefaultPath.
const EnvConfigPath = "STEWARD_CONFIG"

// marshalIndent and writeFile are used by WriteDefault and Save; tests may replace to force errors.
var (
	marshalIndent = json.MarshalIndent
	writeFile     = os.WriteFile
	userHomeDir   = os.UserHomeDir
)

// DefaultPath returns $STEWARD_CONFIG, or ~/.steward/steward.json.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := userHomeDir()
	if err != nil {
		return "steward.json"
	}
	return filepath.Join(home, ".steward", "steward.json")
}

// Default returns the configuration used for fields a file leaves out.
func Default() *domain.Config {
	return &domain.Config{
		Gateway:  domain.GatewayConfig{Port: 8080},
		Telegram: domain.TelegramConfig{PollTimeout: 60},
		Agents: domain.AgentsConfig{
			Provider:       "openai",
			DefaultModel:   "gpt-4o",
			Temperature:    1.0,
			TopP:           1.0,
			MaxTokens:      4096,
			PersonasFile:   "personas.yaml",
			DefaultPersona: "Jeeves",
		},
		Loop:     domain.LoopConfig{MaxIterations: 30, HistoryWindow: 10, Encoding: "cl100k_base"},
		Timeouts: domain.TimeoutConfig{ModelSeconds: 120, ToolSeconds: 60, DownloadSeconds: 30},
		Storage:  domain.StorageConfig{DatabaseURL: "file:steward.db", HistoryDir: "history"},
		Infra:    domain.InfraConfig{LogFormat: "text", LogLevel: "info"},
		Retry: domain.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 500,
			MaxBackoff:     8000,
			Multiplier:     2,
		},
		Superusers: []string{},
		TimeZone:   "America/New_York",
	}
}

// WriteDefault writes a default Config to path (e.g. steward.json), creating
// the parent directory.
func WriteDefault(path string) error {
	return Save(path, Default())
}

// Load reads path, unmarshals it over Default() and cleans the path fields.
// Returns error if file is missing or invalid JSON.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	CleanPaths(c)
	return c, nil
}

// CleanPaths applies filepath.Clean to all path fields in cfg to prevent path traversal.
func CleanPaths(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	if cfg.Agents.PersonasFile != "" {
		cfg.Agents.PersonasFile = filepath.Clean(cfg.Agents.PersonasFile)
	}
	if cfg.Storage.HistoryDir != "" {
		cfg.Storage.HistoryDir = filepath.Clean(cfg.Storage.HistoryDir)
	}
}

// Validate reports every problem in cfg, joined.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	var errs []error
	bad := func(setting, format string, args ...any) {
		errs = append(errs, &domain.ConfigurationError{Setting: setting, Reason: fmt.Sprintf(format, args...)})
	}

	if cfg.Agents.DefaultModel == "" {
		bad("agents.defaultModel", "must not be empty")
	}
	if cfg.Agents.Temperature < 0 || cfg.Agents.Temperature > 2 {
		bad("agents.temperature", "must be within [0, 2], got %v", cfg.Agents.Temperature)
	}
	if cfg.Agents.TopP < 0 || cfg.Agents.TopP > 1 {
		bad("agents.topP", "must be within [0, 1], got %v", cfg.Agents.TopP)
	}
	for i, fb := range cfg.Agents.Fallbacks {
		if fb.Provider == "" || fb.DefaultModel == "" {
			bad(fmt.Sprintf("agents.fallbacks[%d]", i), "provider and defaultModel are required")
		}
	}
	if cfg.Loop.MaxIterations <= 0 {
		bad("loop.maxIterations", "must be positive")
	}
	if cfg.Loop.HistoryWindow <= 0 {
		bad("loop.historyWindow", "must be positive")
	}
	// Port 0 binds an ephemeral port.
	if cfg.Gateway.Enabled && (cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535) {
		bad("gateway.port", "invalid port %d", cfg.Gateway.Port)
	}
	if _, err := ParseLogLevel(cfg.Infra.LogLevel); err != nil {
		bad("infra.logLevel", "%v", err)
	}
	if f := strings.ToLower(cfg.Infra.LogFormat); f != "" && f != "json" && f != "text" {
		bad("infra.logFormat", "must be json or text, got %q", cfg.Infra.LogFormat)
	}
	if cfg.Storage.HistoryMaxLines < 0 {
		bad("storage.historyMaxLines", "must be >= 0")
	}
	if cfg.Retry.MaxRetries < 0 {
		bad("retry.maxRetries", "must be >= 0")
	}
	if cfg.TimeZone != "" {
		if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
			bad("timeZone", "%v", err)
		}
	}
	for name, p := range cfg.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			bad("pricing."+name, "prices must not be negative")
		}
	}
	ids := make(map[string]bool, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		setting := fmt.Sprintf("schedules[%d]", i)
		if s.ID == "" {
			bad(setting, "id is required")
		} else if ids[s.ID] {
			bad(setting, "duplicate id %q", s.ID)
		}
		ids[s.ID] = true
		if _, err := scheduler.Parser.Parse(s.Cron); err != nil {
			bad(setting, "invalid cron %q: %v", s.Cron, err)
		}
		if s.Transport != domain.PlatformTelegram && s.Transport != domain.PlatformGateway {
			bad(setting, "unknown transport %q", s.Transport)
		}
		if s.ChannelID == "" || strings.TrimSpace(s.Prompt) == "" {
			bad(setting, "channelId and prompt are required")
		}
	}
	return errors.Join(errs...)
}

// Save writes cfg to path as JSON. The file may hold a gateway token, so it is
// written owner-only.
func Save(path string, cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: nil config")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	data, err := marshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err := writeFile(path, data, 0600); err != nil {
		return fmt.Errorf("config save write: %w", err)
	}
	return nil
}
