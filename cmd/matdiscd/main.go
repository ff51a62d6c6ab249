// Command matdiscd is the HTTP front of the materials discovery assistant.
//
// It wires the orchestrator to an OpenAI-compatible model, a long-term fact
// store, and the chemistry/materials tools, and serves a small chat API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
	"github.com/DavidAkinpelu/materials-discovery-agent/internal/cache"
	"github.com/DavidAkinpelu/materials-discovery-agent/internal/config"
	"github.com/DavidAkinpelu/materials-discovery-agent/observer"
	"github.com/DavidAkinpelu/materials-discovery-agent/provider/openai"
	"github.com/DavidAkinpelu/materials-discovery-agent/store/postgres"
	"github.com/DavidAkinpelu/materials-discovery-agent/store/sqlite"
	"github.com/DavidAkinpelu/materials-discovery-agent/tools/materialsproject"
	"github.com/DavidAkinpelu/materials-discovery-agent/tools/pubchem"
	"github.com/DavidAkinpelu/materials-discovery-agent/tools/remember"
	"github.com/DavidAkinpelu/materials-discovery-agent/tools/surechembl"
	"github.com/DavidAkinpelu/materials-discovery-agent/tools/websearch"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("MATDISC_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing (optional)
	tracer := matdisc.Tracer(nil)
	if cfg.Tracing.Enabled {
		shutdown, err := observer.Init(ctx,
			observer.WithService(cfg.Tracing.Service),
			observer.WithEndpoint(cfg.Tracing.Endpoint))
		if err != nil {
			logger.Error("tracing init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	// 3. Long-term fact store
	var facts matdisc.LongTermStore
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		facts = postgres.New(pool, postgres.WithLogger(logger))
	default:
		facts = sqlite.New(cfg.Store.SQLitePath, sqlite.WithLogger(logger))
	}
	defer facts.Close()
	if init, ok := facts.(interface{ Init(context.Context) error }); ok {
		if err := init.Init(ctx); err != nil {
			logger.Error("store init failed", "error", err)
			os.Exit(1)
		}
	}

	// 4. Provider with retries
	llm := matdisc.WithRetry(
		openai.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL),
		matdisc.RetryLogger(logger),
	)

	// 5. Tools, keyed by the API keys actually configured
	results := cache.New(cfg.Cache.MaxEntries)
	hours := func(h int) time.Duration { return time.Duration(h) * time.Hour }

	reg := matdisc.NewRegistry()
	reg.Register(pubchem.New(
		pubchem.WithCache(results, hours(cfg.Cache.StructuresHours)),
		pubchem.WithLogger(logger)))
	if cfg.Tools.ExaAPIKey != "" {
		reg.Register(websearch.New(cfg.Tools.ExaAPIKey,
			websearch.WithCache(results, hours(cfg.Cache.SearchHours), hours(cfg.Cache.SearchLongHours)),
			websearch.WithExtraction(),
			websearch.WithLogger(logger)))
	}
	if cfg.Tools.MPAPIKey != "" {
		reg.Register(materialsproject.New(cfg.Tools.MPAPIKey,
			materialsproject.WithCache(results, hours(cfg.Cache.MaterialsHours), hours(cfg.Cache.StatsHours)),
			materialsproject.WithLogger(logger)))
	}
	if cfg.Tools.SureChEMBLAPIKey != "" {
		reg.Register(surechembl.New(cfg.Tools.SureChEMBLAPIKey,
			surechembl.WithCache(results, hours(cfg.Cache.PatentsHours), hours(cfg.Cache.StructuresHours)),
			surechembl.WithLogger(logger)))
	}
	reg.Register(remember.New(facts))

	// 6. Sessions and orchestrator
	sessOpts := []matdisc.SessionOption{
		matdisc.SessionIdle(cfg.Session.IdleThreshold()),
		matdisc.SessionLogger(logger),
	}
	if cfg.Session.EvictPrevious {
		sessOpts = append(sessOpts, matdisc.SessionEvictPrevious())
	}
	sessions := matdisc.NewSessions(sessOpts...)

	orcOpts := []matdisc.Option{
		matdisc.WithLogger(logger),
		matdisc.WithMaxIter(cfg.Agent.MaxIterations),
		matdisc.WithWindow(cfg.Agent.ContextWindow),
		matdisc.WithClarifyBudget(cfg.Agent.ClarifyBudget),
		matdisc.WithLongTermStore(facts),
		matdisc.WithSessions(sessions),
		matdisc.WithDispatcher(matdisc.NewDispatcher(reg,
			matdisc.DispatchTimeout(cfg.Agent.HTTPTimeout()),
			matdisc.DispatchRetries(cfg.Agent.ToolRetries),
			matdisc.DispatchLogger(logger),
		)),
	}
	if tracer != nil {
		orcOpts = append(orcOpts, matdisc.WithTracer(tracer))
	}
	orc := matdisc.New(llm, reg, orcOpts...)

	orc.Sessions().StartJanitor(ctx, cfg.Session.SweepInterval())

	// 7. HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newHandler(orc, logger),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("stopped")
}
