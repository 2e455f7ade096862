package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/gateway"
	"steward/internal/scheduler"
	"steward/internal/secrets"
	"steward/internal/security"
	"steward/internal/signals"
	"steward/internal/telegram"
)

// shutdownGrace bounds draining queued turns on exit.
const shutdownGrace = 30 * time.Second

// Seams for tests.
var (
	effectiveUID = security.EffectiveUID

	newTelegramBot = func(token string) (telegram.BotAPI, int64, error) {
		api, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return nil, 0, err
		}
		return api, api.Self.ID, nil
	}

	// readyHook observes startup; tests use it to reach the bound gateway.
	readyHook = func(*runtimeState) {}
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve on the configured transports until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if allow, _ := cmd.Flags().GetBool("allow-root"); !allow {
				if err := security.RequireNonRoot(effectiveUID); err != nil {
					return err
				}
			}
			ctx, stop := signals.NotifyContext(cmd.Context())
			defer stop()
			return serve(ctx, configPath(cmd), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().Bool("allow-root", false, "serve even when running as root")
	return cmd
}

// loadConfig reads and validates the config file.
func loadConfig(path string) (*domain.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w (create one with: steward init)", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s:\n%w", path, err)
	}
	return cfg, nil
}

// runtimeState is what serve started.
type runtimeState struct {
	app        *app
	transports map[string]domain.Transport
	telegram   *telegram.Adapter
	server     *gateway.Server
	scheduler  *scheduler.Scheduler
}

// serve runs until ctx is canceled or the gateway stops on its own.
func serve(ctx context.Context, path string, logOut io.Writer) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Infra, logOut)
	store, err := openSecrets()
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	a, err := buildApp(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	st := &runtimeState{app: a, transports: make(map[string]domain.Transport)}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	var wg sync.WaitGroup
	if cfg.Telegram.Enabled {
		token, err := secrets.Optional(store, secrets.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		if token == "" {
			return &domain.ConfigurationError{Setting: "telegram.enabled", Reason: "no bot token (store with: steward secrets set " + secrets.TelegramBotToken + " <token>)"}
		}
		bot, selfID, err := newTelegramBot(token)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		st.telegram = telegram.NewAdapter(bot, selfID, a.router,
			telegram.WithLogger(logger),
			telegram.WithPollTimeout(cfg.Telegram.PollTimeout),
		)
		st.transports[domain.PlatformTelegram] = st.telegram
	}

	if cfg.Gateway.Enabled {
		hub := gateway.NewHub(a.router, gateway.WithLogger(logger))
		st.server, err = gateway.NewServer(&cfg.Gateway, hub, gateway.WithStatus(a.router))
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		st.transports[domain.PlatformGateway] = hub
	}
	if len(st.transports) == 0 {
		return &domain.ConfigurationError{Setting: "gateway.enabled", Reason: "no transport enabled; enable gateway or telegram"}
	}
	if len(cfg.Schedules) > 0 {
		if st.scheduler, err = newScheduler(cfg, a.router, st.transports, logger); err != nil {
			return err
		}
	}

	// Everything is built; start serving.
	gatewayDone := make(chan error, 1)
	shutdownGateway := make(chan struct{})
	if st.server != nil {
		go func() { gatewayDone <- st.server.Run(shutdownGateway) }()
	}
	if st.telegram != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.telegram.Start(ctx)
		}()
	}
	if st.scheduler != nil {
		st.scheduler.Start(ctx)
		defer st.scheduler.Stop()
	}

	logger.Info("steward ready",
		"provider", cfg.Agents.Provider,
		"model", cfg.Agents.DefaultModel,
		"persona", cfg.Agents.DefaultPersona,
		"transports", len(st.transports),
		"schedules", len(cfg.Schedules),
	)
	readyHook(st)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-gatewayDone:
		if runErr != nil {
			runErr = fmt.Errorf("gateway: %w", runErr)
		}
	}
	if cause := context.Cause(ctx); cause != nil {
		logger.Info("shutting down", "reason", cause.Error())
	} else {
		logger.Info("shutting down")
	}
	if st.server != nil && runErr == nil {
		close(shutdownGateway)
		if err := <-gatewayDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("gateway shutdown", "error", err)
		}
	}
	if st.telegram != nil {
		st.telegram.Stop()
	}
	wg.Wait()
	return runErr
}

func newScheduler(cfg *domain.Config, r scheduler.Dispatcher, transports map[string]domain.Transport, logger *slog.Logger) (*scheduler.Scheduler, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, &domain.ConfigurationError{Setting: "timeZone", Reason: err.Error()}
	}
	s := scheduler.NewScheduler(scheduler.NewRobfigCronEngine(loc, logger),
		scheduler.NewDispatchHandler(r, transports),
		scheduler.WithLogger(logger),
	)
	for _, sc := range cfg.Schedules {
		if _, ok := transports[sc.Transport]; !ok {
			logger.Warn("schedule targets a disabled transport", "job_id", sc.ID, "transport", sc.Transport)
		}
		if err := s.AddJob(scheduler.JobFromConfig(sc)); err != nil {
			return nil, err
		}
	}
	return s, nil
}
