package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/fetcher"
	"github.com/mohammad-safakhou/scout/internal/pipeline"
	"github.com/mohammad-safakhou/scout/internal/scraper"
	"github.com/mohammad-safakhou/scout/internal/store"
	"github.com/mohammad-safakhou/scout/provider"
	openai_provider "github.com/mohammad-safakhou/scout/provider/openai"
)

// Run wires the full service and blocks serving HTTP on addr.
func Run(cfgPath, addr string) error {
	cfg := config.LoadConfig(cfgPath)
	if addr == "" {
		addr = cfg.Server.Address
	}

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := pipeline.NewMetrics(registry)

	orch, err := BuildOrchestrator(cfg, st, rdb, metrics)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET(cfg.Server.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	runs := &RunsHandler{Store: st, Orch: orch}
	runs.Register(api.Group("/runs"))
	sources := &SourcesHandler{Store: st}
	sources.Register(api.Group("/sources"))
	articles := &ArticlesHandler{Store: st}
	articles.Register(api.Group("/articles"))

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:       st,
			Rdb:         rdb,
			Orch:        orch,
			Interval:    cfg.Scheduler.TickInterval,
			DefaultCron: cfg.Scheduler.DefaultCron,
			Stop:        make(chan struct{}),
		}
		sched.Start()
		defer close(sched.Stop)
	}

	return e.Start(addr)
}

// BuildOrchestrator assembles the pipeline with real backends.
func BuildOrchestrator(cfg *config.Config, st *store.Store, rdb *redis.Client, metrics *pipeline.Metrics) (*pipeline.Orchestrator, error) {
	sc, err := scraper.New(scraper.BackendType(cfg.Pipeline.ScrapeBackend), cfg.Pipeline.ScrapeTimeout)
	if err != nil {
		return nil, err
	}

	defaults := map[provider.Client]string{}
	var baseURL string
	if p, ok := cfg.LLM.Providers["openai"]; ok {
		defaults[provider.OpenAI] = p.APIKey
		baseURL = p.BaseURL
	}
	resolver := &provider.Resolver{
		Users:    credentialSource{st},
		Defaults: defaults,
	}

	var lock pipeline.RunLock
	if rdb != nil {
		lock = &pipeline.RedisLock{Rdb: rdb}
	}

	timeout := cfg.LLM.Providers["openai"].Timeout
	return pipeline.New(pipeline.Deps{
		Store:    st,
		Lock:     lock,
		Fetcher:  fetcher.New(cfg.Pipeline.FetchTimeout),
		Scraper:  sc,
		Resolver: resolver,
		Config:   cfg.Pipeline,
		Routing:  cfg.LLM.Routing,
		Debug:    cfg.General.Debug,
		Metrics:  metrics,
		NewProvider: func(apiKey string) provider.LLMProvider {
			return openai_provider.NewOpenAIClient(apiKey, baseURL, timeout)
		},
	})
}

// credentialSource adapts the store to the provider credential lookup.
type credentialSource struct {
	st *store.Store
}

func (c credentialSource) UserAPIKey(ctx context.Context, userID string, client provider.Client) (string, error) {
	return c.st.UserAPIKey(ctx, userID, string(client))
}
