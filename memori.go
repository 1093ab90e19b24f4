package memori

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/memorihq/memori/pkg/agents"
	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/logger"
	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/observability"
	"github.com/memorihq/memori/pkg/providers"
	"github.com/memorihq/memori/pkg/retrieval"
	"github.com/memorihq/memori/pkg/runtime"
	"github.com/memorihq/memori/pkg/storage"
	"github.com/memorihq/memori/pkg/tokens"
	"github.com/memorihq/memori/pkg/tools"
)

// Memori is the top-level handle: one configured namespace, one
// database, one orchestrated pipeline. Build it with New (or the
// Builder), call Enable to arm the integrations, hand the middleware
// or wrapped clients to the host SDK, and Close on shutdown.
type Memori struct {
	cfg      *config.Config
	orch     *runtime.Orchestrator
	patterns *runtime.PatternManager
	registry *providers.Registry
	obs      *observability.Manager
	logClose func()
}

// New wires the full pipeline from a configuration record. The config
// is defaulted and validated here, so a zero-value Config yields a
// working sqlite-backed instance. Without any configured LLM provider
// the pipeline still records and retrieves; classification degrades to
// the conversational fallback.
func New(ctx context.Context, cfg *config.Config) (*Memori, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logClose, err := configureLogging(cfg.Logging)
	if err != nil {
		return nil, err
	}

	var obs *observability.Manager
	if cfg.Observability != nil {
		obs = observability.NewManager(*cfg.Observability)
		if err := obs.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize observability: %w", err)
		}
	}

	info, err := config.ParseDatabaseURL(cfg.DatabaseConnect)
	if err != nil {
		return nil, fmt.Errorf("invalid database_connect: %w", err)
	}
	engine, err := storage.Open(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	store, err := memory.NewStore(ctx, engine)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory store: %w", err)
	}

	registry := providers.Discover(cfg)

	var classifier *agents.Classifier
	client, model, err := registry.StructuredClient(cfg)
	if err != nil {
		slog.Info("no LLM provider configured, classification uses the fallback record", "error", err)
		client, model = nil, ""
	} else {
		classifier, err = agents.NewClassifier(client, model)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to build classifier: %w", err)
		}
	}

	retrievalEngine := retrieval.NewEngine(store)
	injector := retrieval.NewInjector(store, retrievalEngine, tokens.NewCounter(model), 0)

	promotion := agents.NewPromotionAgent(store, client, model)
	worker := agents.NewWorker(promotion, cfg.Namespace, cfg.PromotionInterval)

	orch, err := runtime.NewOrchestrator(cfg, runtime.Deps{
		Store:      store,
		Engine:     retrievalEngine,
		Injector:   injector,
		Classifier: classifier,
		Conscious:  agents.NewConsciousAgent(store, client, model),
		Worker:     worker,
		Providers:  registry,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	patterns := runtime.NewPatternManager(orch)
	if err := patterns.RegisterAll(registry); err != nil {
		_ = store.Close()
		return nil, err
	}

	slog.Debug("memori initialized",
		"namespace", cfg.Namespace,
		"database", info.Driver,
		"providers", registry.Names(),
		"conscious_ingest", cfg.ConsciousIngest,
		"auto_ingest", cfg.AutoIngest)

	return &Memori{
		cfg:      cfg,
		orch:     orch,
		patterns: patterns,
		registry: registry,
		obs:      obs,
		logClose: logClose,
	}, nil
}

// Open is the shorthand constructor for the common case: a database
// URL plus defaults, credentials resolved from the environment by the
// caller beforehand.
func Open(ctx context.Context, databaseConnect string) (*Memori, error) {
	return New(ctx, &config.Config{DatabaseConnect: databaseConnect})
}

func configureLogging(cfg config.LoggingConfig) (func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, fn, err := logger.OpenLogFile(cfg.File)
		if err != nil {
			return nil, err
		}
		output, closeFn = f, fn
	}

	logger.Init(level, output, cfg.Format)
	return closeFn, nil
}

// Enable starts the background promotion worker, kicks the one-shot
// conscious ingest when configured, and activates every registered
// integration pattern. Partial activation failures are joined into the
// returned error; whatever did activate stays active.
func (m *Memori) Enable(ctx context.Context) error {
	m.orch.Start(ctx)
	return m.patterns.EnableAll()
}

// Disable drives every active integration back to available. Recording
// stops; stored memories stay.
func (m *Memori) Disable() error {
	return m.patterns.DisableAll()
}

// Close disables integrations, stops the worker, and closes the store.
// Safe to call more than once.
func (m *Memori) Close() error {
	if err := m.patterns.DisableAll(); err != nil {
		slog.Warn("pattern teardown during close", "error", err)
	}

	err := m.orch.Close()

	if m.obs != nil {
		if oerr := m.obs.Shutdown(context.Background()); oerr != nil && err == nil {
			err = oerr
		}
	}
	if m.logClose != nil {
		m.logClose()
	}
	return err
}

// Config returns the effective configuration.
func (m *Memori) Config() *config.Config { return m.cfg }

// Orchestrator exposes the pipeline for hosts that integrate manually.
func (m *Memori) Orchestrator() *runtime.Orchestrator { return m.orch }

// Patterns exposes the integration status table.
func (m *Memori) Patterns() *runtime.PatternManager { return m.patterns }

// Providers exposes the discovered provider registry.
func (m *Memori) Providers() *providers.Registry { return m.registry }

// SessionID returns the current session identifier.
func (m *Memori) SessionID() string { return m.orch.SessionID() }

// NewSession rotates the session: fresh id, re-armed conscious
// injection.
func (m *Memori) NewSession() string { return m.orch.NewSession() }

// Record is the manual integration path: hand over a raw backend
// response (or a plain string) together with the user input that
// produced it.
func (m *Memori) Record(ctx context.Context, response any, userInput, provider, model string, meta map[string]any) error {
	return m.orch.Record(ctx, response, userInput, provider, model, meta)
}

// SearchMemories runs ranked retrieval over the configured namespace.
func (m *Memori) SearchMemories(ctx context.Context, query string, limit int) ([]*retrieval.RankedMemory, error) {
	return m.orch.SearchMemories(ctx, query, limit)
}

// Stats summarizes the configured namespace.
func (m *Memori) Stats(ctx context.Context) (*memory.Stats, error) {
	return m.orch.Stats(ctx)
}

// RunConsciousIngest forces the one-shot profile condensation now.
func (m *Memori) RunConsciousIngest(ctx context.Context) (bool, error) {
	return m.orch.RunConsciousIngest(ctx)
}

// RunPromotion forces one promotion cycle now.
func (m *Memori) RunPromotion(ctx context.Context) (int, error) {
	return m.orch.RunPromotion(ctx)
}

// Tools returns the function-calling tool set bound to this instance,
// for hosts that hand the model direct memory access.
func (m *Memori) Tools() (*tools.Toolbox, error) {
	return tools.NewToolbox(m.orch)
}

// MCPServer returns an MCP server exposing the memory tools.
func (m *Memori) MCPServer() (*tools.MCPServer, error) {
	box, err := m.Tools()
	if err != nil {
		return nil, err
	}
	return tools.NewMCPServer(box, Version)
}
