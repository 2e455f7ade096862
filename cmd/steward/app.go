package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"steward/internal/brain"
	agentctx "steward/internal/context"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/llm"
	"steward/internal/media"
	"steward/internal/memory"
	"steward/internal/persona"
	"steward/internal/router"
	"steward/internal/secrets"
	"steward/internal/session"
	"steward/internal/tasks"
	"steward/internal/tokenizer"
	"steward/internal/tooling"
	"steward/internal/usage"
)

// Seams for tests.
var (
	openSecrets = func() (secrets.Store, error) { return secrets.Default() }

	// newContextManager returns nil when loop.contextTokens leaves the window unbounded.
	newContextManager = func(cfg *domain.Config) (domain.ContextManager, error) {
		if cfg.Loop.ContextTokens <= 0 {
			return nil, nil
		}
		tok, err := tokenizer.ForModel(cfg.Agents.DefaultModel, cfg.Loop.Encoding)
		if err != nil {
			return nil, err
		}
		return agentctx.NewManager(tok, cfg.Loop.ContextTokens), nil
	}
)

// secretGetter resolves secrets for the model factory. A missing secret is
// reported as empty so the factory can name the command that stores it.
func secretGetter(s secrets.Store) llm.SecretGetter {
	return func(name string) (string, error) {
		return secrets.Optional(s, name)
	}
}

// imgflipAccount reads the meme credentials. Missing ones leave Memes able to
// list templates only.
func imgflipAccount(s secrets.Store) (tooling.ImgflipAccount, error) {
	user, err := secrets.Optional(s, secrets.ImgflipUsername)
	if err != nil {
		return tooling.ImgflipAccount{}, fmt.Errorf("secrets: %w", err)
	}
	pass, err := secrets.Optional(s, secrets.ImgflipPassword)
	if err != nil {
		return tooling.ImgflipAccount{}, fmt.Errorf("secrets: %w", err)
	}
	return tooling.ImgflipAccount{Username: user, Password: pass}, nil
}

// loadPersonas reads the roster and checks that the default persona exists.
func loadPersonas(cfg *domain.Config) (*persona.Directory, error) {
	roster, err := persona.Load(cfg.Agents.PersonasFile)
	if err != nil {
		return nil, &domain.ConfigurationError{Setting: "agents.personasFile", Reason: err.Error()}
	}
	dir := persona.NewDirectory(roster, cfg.Agents.DefaultPersona)
	if _, err := dir.Resolve(""); err != nil {
		return nil, err
	}
	return dir, nil
}

// registryDeps carries the stores behind the stateful modules. The zero value
// is enough when the registry is only inspected.
type registryDeps struct {
	memories tooling.MemoryStore
	usage    tooling.UsageReporter
	tasks    tooling.TaskStore
	imgflip  tooling.ImgflipAccount
}

// buildRegistry binds every module the agent offers.
func buildRegistry(cfg *domain.Config, dir *persona.Directory, deps registryDeps, logger *slog.Logger) (*tooling.Registry, error) {
	clock, err := tooling.NewClock(cfg.TimeZone)
	if err != nil {
		return nil, &domain.ConfigurationError{Setting: "timeZone", Reason: err.Error()}
	}
	fetcher := tooling.NewDefaultHTTPFetcher()
	images := media.NewDownloader(cfg.Timeouts.Download())
	handlers := []tooling.Handler{
		tooling.Bind[tooling.MessagingRequest](tooling.NewMessaging(logger)),
		tooling.Bind[tooling.NoRequest](clock),
		tooling.Bind[tooling.PersonalityRequest](tooling.NewPersonality(dir)),
		tooling.Bind[tooling.WebPageRequest](tooling.NewWebPage(fetcher)),
		tooling.Bind[tooling.WeatherRequest](tooling.NewWeather(fetcher)),
		tooling.Bind[tooling.MemoriesRequest](tooling.NewMemories(deps.memories)),
		tooling.Bind[tooling.UsageRequest](tooling.NewUsage(deps.usage)),
		tooling.Bind[tooling.TasksRequest](tooling.NewTasks(deps.tasks)),
		tooling.Bind[tooling.MemesRequest](tooling.NewMemes(fetcher, fetcher, images, deps.imgflip)),
	}
	return tooling.NewRegistry(handlers,
		tooling.WithLogger(logger),
		tooling.WithToolTimeout(cfg.Timeouts.Tool()),
	)
}

// app is the wired agent, minus transports.
type app struct {
	cfg      *domain.Config
	logger   *slog.Logger
	personas *persona.Directory
	registry *tooling.Registry
	sessions *session.Manager
	router   *router.Router
	conn     *sql.DB
}

// buildApp connects storage, compiles the tools and assembles the loop.
func buildApp(ctx context.Context, cfg *domain.Config, store secrets.Store, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeStorage()
		}
	}()

	if a.personas, err = loadPersonas(cfg); err != nil {
		return nil, err
	}
	if a.conn, err = db.Connect(ctx, cfg.Storage.DatabaseURL); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	mem, err := memory.NewStore(ctx, a.conn)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	costs, err := usage.NewStore(ctx, a.conn)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	filed, err := tasks.NewStore(ctx, a.conn)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	imgflip, err := imgflipAccount(store)
	if err != nil {
		return nil, err
	}
	deps := registryDeps{memories: mem, usage: costs, tasks: filed, imgflip: imgflip}
	if a.registry, err = buildRegistry(cfg, a.personas, deps, logger); err != nil {
		return nil, err
	}

	getSecret := secretGetter(store)
	model, err := llm.NewProvider(cfg.Agents.Provider, getSecret, &cfg.Retry, logger)
	if err != nil {
		return nil, &domain.ConfigurationError{Setting: "agents.provider", Reason: err.Error()}
	}
	var fallbacks []brain.Provider
	for _, nm := range llm.NewFallbackProviders(cfg.Agents.Fallbacks, getSecret, &cfg.Retry, logger) {
		fallbacks = append(fallbacks, brain.Provider{Model: nm.Model, ModelName: nm.ModelName})
	}
	cm, err := newContextManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}

	b := brain.NewBrain(model, a.registry, a.personas, brain.SettingsFromConfig(cfg),
		brain.WithLogger(logger),
		brain.WithFallbacks(fallbacks...),
		brain.WithContextManager(cm),
		brain.WithUsage(costs),
	)
	if a.sessions, err = session.NewManager(cfg.Storage.HistoryDir,
		session.WithLogger(logger),
		session.WithHistoryMaxLines(cfg.Storage.HistoryMaxLines),
	); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	a.router = router.NewRouter(b, a.sessions, a.personas,
		router.WithLogger(logger),
		router.WithImageFetcher(media.NewDownloader(cfg.Timeouts.Download())),
	)
	return a, nil
}

func (a *app) closeStorage() {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
		a.conn = nil
	}
}

// Close drains queued turns and closes storage.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.router != nil {
		errs = append(errs, a.router.Close(ctx))
	}
	a.closeStorage()
	return errors.Join(errs...)
}
