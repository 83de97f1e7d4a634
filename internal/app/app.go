package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gwi.com/report-studio/internal/cache"
	"gwi.com/report-studio/internal/config"
	"gwi.com/report-studio/internal/core"
	"gwi.com/report-studio/internal/datasource"
	"gwi.com/report-studio/internal/render"
	"gwi.com/report-studio/internal/store"
)

var ErrNoAPIKey = errors.New("GEMINI_API_KEY is not set")

// App holds the long-lived services shared by the server and the CLI.
type App struct {
	Store    store.ReportStore
	Cache    cache.Store
	Renderer *render.Renderer
	Runner   *datasource.Runner
	Service  *core.ReportService

	llm     *core.LLMService
	closers []func() error
}

// unavailableModel stands in for the model when no API key is configured so
// that storage-only commands keep working.
type unavailableModel struct{}

func (unavailableModel) Generate(context.Context, core.ModelRequest) (*core.ModelResponse, error) {
	return nil, ErrNoAPIKey
}

func (unavailableModel) GenerateJSON(context.Context, string, float32) (string, error) {
	return "", ErrNoAPIKey
}

// New wires the application from cfg. The caller must Close the result.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	reportStore, err := store.Open(cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize report store: %w", err)
	}
	a.Store = reportStore
	a.closers = append(a.closers, reportStore.Close)

	if cfg.SeedReports {
		n, err := store.SeedIfEmpty(ctx, reportStore)
		if err != nil {
			log.Printf("Error during report store seed: %v", err)
		} else if n > 0 {
			log.Printf("Seeded %d example reports", n)
		}
	}

	var model core.ModelClient = unavailableModel{}
	var generator datasource.Generator = unavailableModel{}
	if cfg.GeminiAPIKey != "" {
		llm, err := core.NewLLMService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		a.llm = llm
		model = llm
		generator = llm
	}

	provider, err := newProvider(cfg, generator, a)
	if err != nil {
		return nil, err
	}

	resultCache, err := cache.Open(ctx, cfg.CacheURL, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize result cache: %w", err)
	}
	a.Cache = resultCache
	a.closers = append(a.closers, resultCache.Close)
	if cfg.CacheTTL > 0 {
		provider = datasource.NewCachedProvider(provider, resultCache, cfg.CacheTTL)
	}

	a.Runner = datasource.NewRunner(provider, cfg.QueryConcurrency, cfg.QueryTimeout)
	a.Renderer = render.NewRenderer(render.NewSandbox(cfg.RenderTimeout, 0))
	orchestrator := core.NewOrchestrator(model, a.Runner, cfg.ModelTimeout)
	a.Service = core.NewReportService(a.Store, orchestrator, a.Runner, a.Renderer, cfg.SessionTTL)

	ok = true
	return a, nil
}

func newProvider(cfg config.Config, gen datasource.Generator, a *App) (datasource.Provider, error) {
	switch cfg.DataSource {
	case "", "mock":
		log.Println("Using model-generated mock data")
		return datasource.NewMockProvider(gen), nil
	case "sql":
		p, err := datasource.NewSQLProvider(cfg.DataSourceDriver, cfg.DataSourceURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open data source: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		log.Printf("Using %s data source", cfg.DataSourceDriver)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.DataSource)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	if a.llm != nil {
		a.llm.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
	a.closers = nil
}
