package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/llm"
	"steward/internal/secrets"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check config, personas, tools and secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if problems := runCheck(configPath(cmd), cmd.OutOrStdout()); problems > 0 {
				return exitCodeErr(1)
			}
			return nil
		},
	}
}

// runCheck reports on every startup dependency and returns the number of problems.
func runCheck(path string, out io.Writer) int {
	problems := 0
	note := func(section, format string, args ...any) {
		fmt.Fprintf(out, "  [%s] %s\n", section, fmt.Sprintf(format, args...))
	}
	fail := func(section, format string, args ...any) {
		problems++
		note(section, "FAIL "+format, args...)
	}

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fail("Config", "no config at %s; create one with: steward init", path)
		} else {
			fail("Config", "%v", err)
		}
		fmt.Fprintln(out, "  Check failed.")
		return problems
	}
	note("Config", "loaded %s", path)
	if err := config.Validate(cfg); err != nil {
		for _, e := range unjoin(err) {
			fail("Config", "%v", e)
		}
	}

	dir, err := loadPersonas(cfg)
	if err != nil {
		fail("Personas", "%v", err)
	} else {
		note("Personas", "%d loaded, default %s", len(dir.All()), cfg.Agents.DefaultPersona)
		reg, err := buildRegistry(cfg, dir, registryDeps{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			fail("Tools", "%v", err)
		} else {
			note("Tools", "%d functions from %d modules", len(reg.All()), len(reg.Handlers()))
		}
	}

	store, err := openSecrets()
	if err != nil {
		fail("Secrets", "%v", err)
		store = secrets.NewEnvFirst(nil)
	}
	if _, err := llm.NewProvider(cfg.Agents.Provider, secretGetter(store), nil, nil); err != nil {
		fail("Provider", "%v", err)
	} else {
		note("Provider", "%s / %s", providerName(cfg.Agents.Provider), cfg.Agents.DefaultModel)
	}
	for _, fb := range cfg.Agents.Fallbacks {
		if _, err := llm.NewProvider(fb.Provider, secretGetter(store), nil, nil); err != nil {
			fail("Provider", "fallback %s: %v", fb.Provider, err)
		}
	}

	if cfg.Telegram.Enabled {
		if token, _ := secrets.Optional(store, secrets.TelegramBotToken); token == "" {
			fail("Telegram", "enabled but %s is not set", secrets.TelegramBotToken)
		} else {
			note("Telegram", "token present")
		}
	}
	if cfg.Gateway.Enabled {
		auth := "none"
		if cfg.Gateway.Auth.AuthToken != "" {
			auth = "bearer"
		}
		note("Gateway", "port %d, auth %s", cfg.Gateway.Port, auth)
		if auth == "none" {
			note("Gateway", "consider setting gateway.auth.authToken")
		}
	}
	if !cfg.Telegram.Enabled && !cfg.Gateway.Enabled {
		fail("Transports", "none enabled")
	}
	note("Storage", "%s via %s, history in %s", cfg.Storage.DatabaseURL, db.DriverFor(cfg.Storage.DatabaseURL), historyDir(cfg))

	if problems > 0 {
		fmt.Fprintf(out, "  Check found %d problem(s).\n", problems)
	} else {
		fmt.Fprintln(out, "  Check complete.")
	}
	return problems
}

func providerName(p string) string {
	if p == "" {
		return "local"
	}
	return p
}

func historyDir(cfg *domain.Config) string {
	if cfg.Storage.HistoryDir == "" {
		return "memory only"
	}
	return cfg.Storage.HistoryDir
}

// unjoin splits an errors.Join result back into its parts.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
