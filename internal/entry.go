// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/starford/veritas/internal/api"
	"github.com/starford/veritas/internal/ecl"
	"github.com/starford/veritas/internal/generator"
	"github.com/starford/veritas/internal/graphcheck"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/ingest"
	"github.com/starford/veritas/internal/mcpserver"
	"github.com/starford/veritas/internal/metrics"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/pathrag"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/service"
	"github.com/starford/veritas/internal/sse"
	"github.com/starford/veritas/internal/storage"
	"github.com/starford/veritas/internal/tcr"
	"github.com/starford/veritas/internal/version"
)

const tracerName = "github.com/starford/veritas"

// App is the wired component graph shared by the HTTP server, the MCP
// server and the one-shot CLI commands.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	Graph    graphstore.Graph
	Versions *version.Manager
	Learner  *ecl.Learner
	Broker   *sse.Broker
	Metrics  *metrics.Collector
	Service  *service.Service

	closers []func() error
}

// New builds the application from the options without starting any
// background work.
func New(ctx context.Context, opts ...Option) (*App, error) {
	a := &application{logOut: os.Stdout}
	for _, opt := range opts {
		opt(a)
	}
	if a.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := a.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(a.logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("generator", cfg.Generator.Provider),
		slog.String("learner_backend", cfg.Learner.Backend),
		slog.Bool("ingest", cfg.Ingest.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	if cfg.Telemetry.Tracing {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.SampleRatio)),
		))
		otel.SetTracerProvider(tp)
		app.closers = append(app.closers, func() error { return tp.Shutdown(context.Background()) })
	}
	tracer := otel.Tracer(tracerName)

	if cfg.Telemetry.Metrics {
		app.Metrics = metrics.New(cfg.Telemetry.Namespace)
	}

	// Initialize the graph store.
	store, err := graphstore.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init graph store: %w", err)
	}
	app.Graph = graphstore.NewTraced(store, tracer)
	app.closers = append(app.closers, store.Close)

	app.Versions = version.New(app.Graph,
		version.WithLogger(logger),
		version.WithMetrics(app.Metrics))

	app.Broker = sse.NewBroker(cfg.Learner.EventThrottle)
	app.closers = append(app.closers, func() error { app.Broker.Close(); return nil })

	records, err := newRecords(ctx, cfg.Learner)
	if err != nil {
		return nil, err
	}
	if c, isCloser := records.(io.Closer); isCloser {
		app.closers = append(app.closers, c.Close)
	}
	app.Learner = ecl.New(cfg.Learner.Config, app.Graph, records,
		ecl.WithLogger(logger),
		ecl.WithMetrics(app.Metrics),
		ecl.OnUpdate(app.Broker.PublishEmbeddings))

	gen, err := newGenerator(cfg.Generator, logger)
	if err != nil {
		return nil, err
	}

	retriever, err := pathrag.New(cfg.Retrieval, logger)
	if err != nil {
		return nil, fmt.Errorf("init retriever: %w", err)
	}
	orch := pipeline.New(cfg.Pipeline, app.Versions, retriever,
		tcr.New(cfg.Restorer, logger), gen, graphcheck.New(cfg.Verifier, logger),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(app.Metrics),
		pipeline.WithTracer(tracer),
		pipeline.WithFreshness(app.Learner))

	app.Service = service.New(orch, app.Versions,
		service.WithLogger(logger),
		service.WithMaxConcurrent(cfg.App.MaxConcurrentQueries))

	ok = true
	return app, nil
}

// Close releases the store, the learner backend and the tracer provider.
func (app *App) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}

func newRecords(ctx context.Context, cfg LearnerConfig) (ecl.Records, error) {
	if cfg.Backend != BackendRedis {
		return ecl.NewMemory(), nil
	}
	records, err := ecl.NewRedisRecords(ctx, cfg.RedisURL, cfg.RedisKey)
	if err != nil {
		return nil, fmt.Errorf("init learner records: %w", err)
	}
	return records, nil
}

func newGenerator(cfg GeneratorConfig, logger *slog.Logger) (generator.Generator, error) {
	if cfg.Provider == ProviderExtractive {
		return generator.Extractive{}, nil
	}
	llm, err := generator.NewLLM(cfg.LLMConfig)
	if err != nil {
		return nil, fmt.Errorf("init generator: %w", err)
	}
	return generator.NewBreaker(llm, cfg.Breaker, logger), nil
}

// Router builds the root HTTP handler: health checks, metrics and the API.
func (app *App) Router() http.Handler {
	cfg := app.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, "ok", nil)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := app.Graph.Ping(r.Context()); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, "unavailable", err)
			return
		}
		writeHealth(w, http.StatusOK, "ok", nil)
	})
	if app.Metrics != nil {
		r.Handle("/metrics", app.Metrics.Handler())
	}

	// Mount API routes under /api; SSE shares the API auth.
	r.Mount("/api", api.NewRouter(app.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, app.Broker, app.Metrics))
	return r
}

func writeHealth(w http.ResponseWriter, status int, state string, err error) {
	body := map[string]string{"status": state}
	if err != nil {
		body["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// runLearner feeds committed versions to the learner until ctx is done.
func (app *App) runLearner(ctx context.Context) error {
	versions, cancel := app.Versions.Subscribe(64)
	defer cancel()
	return app.Learner.Run(ctx, versions)
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := New(ctx, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config
	logger := app.Logger

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open SSE streams would otherwise hold Shutdown until its deadline.
	httpServer.RegisterOnShutdown(app.Broker.Close)

	var watcher *ingest.Ingester
	if cfg.Ingest.Enabled {
		if err := os.MkdirAll(cfg.Ingest.Inbox, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
		inbox, err := storage.NewFS(cfg.Ingest.Inbox)
		if err != nil {
			return fmt.Errorf("init inbox: %w", err)
		}
		watcher = ingest.New(inbox, app.Versions,
			ingest.WithLogger(logger),
			ingest.WithDirs(cfg.Ingest.Processed, cfg.Ingest.Failed),
			ingest.WithDebounce(cfg.Ingest.Debounce),
			ingest.OnCommit(func(path string, v models.Version) {
				logger.Info("ingest: batch committed",
					slog.String("path", path),
					slog.Int64("version", int64(v.ID)))
			}))
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Learner keeps domain embeddings current for freshness checks.
	g.Go(func() error {
		return app.runLearner(gCtx)
	})

	// Commit notifications to SSE clients.
	g.Go(func() error {
		versions, cancel := app.Versions.Subscribe(64)
		defer cancel()
		return app.Broker.Follow(gCtx, versions)
	})

	// Mutation inbox.
	if watcher != nil {
		g.Go(func() error {
			return watcher.Watch(gCtx)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// Stop the background goroutines too.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdio until the client disconnects or
// ctx is done. Logs go to stderr.
func RunMCP(ctx context.Context, opts ...Option) error {
	a := &application{}
	for _, opt := range opts {
		opt(a)
	}
	app, err := New(ctx, append(opts, WithLogOutput(os.Stderr))...)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := app.runLearner(ctx); err != nil {
			app.Logger.Warn("learner: stopped", slog.String("error", err.Error()))
		}
	}()

	app.Logger.Info("mcp: serving on stdio")
	return mcpserver.New(app.Service, a.version).ServeStdio()
}
