// Package kansoku is the public API for embedding the kansoku observability
// server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithEventHook(myHook{}),
//	    kansoku.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kansoku (root) imports
// internal/*, but internal/* never imports kansoku (root). Public types
// (SpanSnapshot, LogSnapshot) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/api"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/pipeline"
	"github.com/ashita-ai/kansoku/internal/processor"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/sampling"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/ui"
)

// App is the kansoku server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	sweeper      *storage.Sweeper
	pipe         *pipeline.Pipeline
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the kansoku server. It opens the storage backend, runs
// migrations where applicable, wires the pipeline and HTTP surface, and
// returns a ready-to-run App. It does NOT start any goroutines or accept
// HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storageBackend != "" {
		cfg.StorageBackend = o.storageBackend
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "port", cfg.Port, "storage", cfg.StorageBackend)

	// Initialize OpenTelemetry self-instrumentation.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the storage backend.
	store, err := newStore(context.Background(), cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	sweeper := storage.NewSweeper(store, logger, cfg.SweepInterval, cfg.SpanMaxAge, cfg.LogMaxAge)

	// Realtime bus and remote collector registry.
	b := bus.New()
	registry := export.NewRegistry()
	if cfg.CollectorURL != "" {
		headers := map[string]string{}
		if cfg.CollectorAPIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.CollectorAPIKey
		}
		registry.SetClient(export.NewClient(cfg.CollectorURL, headers))
		logger.Info("remote export: enabled", "collector", cfg.CollectorURL)
	} else {
		logger.Info("remote export: disabled (no KANSOKU_COLLECTOR_URL)")
	}

	// External event hooks run after the built-in chain.
	var extraSpan []processor.SpanProcessor
	var extraLog []processor.LogProcessor
	if len(o.eventHooks) > 0 {
		hp := &hookProcessor{hooks: o.eventHooks, logger: logger}
		extraSpan = append(extraSpan, hp)
		extraLog = append(extraLog, hp)
	}

	// Assemble the pipeline and register it process-wide.
	pipe, err := pipeline.New(pipeline.Config{
		Store:    store,
		Bus:      b,
		Registry: registry,
		Sampling: sampling.Config{
			Strategy: sampling.Strategy(cfg.SamplingStrategy),
			Ratio:    cfg.SamplingRatio,
		},
		Batch: export.BatchConfig{
			MaxQueueSize:  cfg.ExportQueueSize,
			MaxBatchSize:  cfg.ExportBatchSize,
			FlushInterval: cfg.ExportFlush,
			ExportTimeout: cfg.ExportTimeout,
		},
		PendingCapacity:     cfg.PendingCapacity,
		Resource:            serviceResource(cfg, version),
		Logger:              logger,
		ExtraSpanProcessors: extraSpan,
		ExtraLogProcessors:  extraLog,
	})
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	pipeline.SetDefault(pipe)

	// API key verification.
	verifier := auth.NewVerifier(cfg.APIKey, cfg.APIKeyHash)
	if !verifier.Enabled() {
		logger.Warn("auth: disabled (no KANSOKU_API_KEY or KANSOKU_API_KEY_HASH)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Dashboard filesystem (nil when built without the ui tag).
	uiFS, err := ui.DistFS()
	if err != nil {
		_ = pipe.Shutdown(context.Background())
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ui: %w", err)
	}

	var extraRoutes []func(mux *http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		Bus:                 b,
		Verifier:            verifier,
		Limiter:             limiter,
		Logger:              logger,
		UIFS:                uiFS,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		sweeper:      sweeper,
		pipe:         pipe,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the retention sweeper and HTTP server, then blocks until ctx is
// cancelled or the server fails. On cancellation it shuts down gracefully:
// first the HTTP surface stops accepting requests and drains, then the
// pipeline force-closes open spans and flushes the remote export queue.
func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start(ctx)
	defer a.sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("kansoku shutting down")
		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})
	serveErr := g.Wait()

	pipeCtx, pipeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := a.pipe.Shutdown(pipeCtx); err != nil {
		a.logger.Error("pipeline shutdown error", "error", err)
	}
	pipeCancel()

	a.cleanup()
	if serveErr != nil {
		return serveErr
	}
	a.logger.Info("kansoku stopped")
	return nil
}

func (a *App) cleanup() {
	_ = a.limiter.Close()
	_ = a.store.Close()
	_ = a.otelShutdown(context.Background())
}

// serviceResource is the identity stamped onto spans and logs produced by
// this process.
func serviceResource(cfg config.Config, version string) model.Resource {
	v := cfg.ServiceVersion
	if v == "" {
		v = version
	}
	return model.Resource{ServiceName: cfg.ServiceName, ServiceVersion: v}
}

// newStore opens the configured storage backend.
func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.SQLitePath, logger, cfg.MaxSpans, cfg.MaxLogs)
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger, cfg.MaxSpans, cfg.MaxLogs)
	default:
		return storage.NewMemoryStore(logger,
			storage.WithMaxSpans(cfg.MaxSpans),
			storage.WithMaxLogs(cfg.MaxLogs),
		), nil
	}
}

// hookProcessor adapts registered EventHooks to the internal processor
// interfaces. Hooks run asynchronously; a failing hook is logged and never
// surfaces into the producing run.
type hookProcessor struct {
	hooks  []EventHook
	logger *slog.Logger
}

func (p *hookProcessor) OnStart(ctx context.Context, span *model.Span) {
	snapshot := toPublicSpan(span)
	for _, hook := range p.hooks {
		h := hook
		go func() {
			if err := h.OnSpanStart(context.WithoutCancel(ctx), snapshot); err != nil {
				p.logger.Warn("event hook OnSpanStart failed", "error", err, "span_id", snapshot.SpanID)
			}
		}()
	}
}

func (p *hookProcessor) OnEnd(ctx context.Context, span *model.Span) {
	snapshot := toPublicSpan(span)
	for _, hook := range p.hooks {
		h := hook
		go func() {
			if err := h.OnSpanEnd(context.WithoutCancel(ctx), snapshot); err != nil {
				p.logger.Warn("event hook OnSpanEnd failed", "error", err, "span_id", snapshot.SpanID)
			}
		}()
	}
}

func (p *hookProcessor) OnEmit(ctx context.Context, rec *model.LogRecord) {
	snapshot := toPublicLog(rec)
	for _, hook := range p.hooks {
		h := hook
		go func() {
			if err := h.OnLogRecord(context.WithoutCancel(ctx), snapshot); err != nil {
				p.logger.Warn("event hook OnLogRecord failed", "error", err, "trace_id", snapshot.TraceID)
			}
		}()
	}
}

func (p *hookProcessor) ForceFlush(_ context.Context) error { return nil }
func (p *hookProcessor) Shutdown(_ context.Context) error   { return nil }

// toPublicSpan converts the internal span model to the public snapshot.
func toPublicSpan(s *model.Span) SpanSnapshot {
	c := s.Clone()
	out := SpanSnapshot{
		TraceID:       c.TraceID,
		SpanID:        c.SpanID,
		Name:          c.Name,
		Kind:          string(c.Kind),
		StartTime:     c.StartTime,
		EndTime:       c.EndTime,
		Status:        SpanStatus(c.Status.Code),
		StatusMessage: c.Status.Message,
		EntityID:      c.EntityID(),
		EntityType:    c.EntityType(),
		Attributes:    c.Attributes,
	}
	if c.ParentSpanID != nil {
		out.ParentSpanID = *c.ParentSpanID
	}
	return out
}

// toPublicLog converts the internal log record to the public snapshot.
func toPublicLog(r *model.LogRecord) LogSnapshot {
	c := r.Clone()
	return LogSnapshot{
		Timestamp:      c.Timestamp,
		TraceID:        c.TraceID,
		SpanID:         c.SpanID,
		SeverityNumber: c.SeverityNumber,
		SeverityText:   c.SeverityText,
		Body:           c.Body,
		Attributes:     c.Attributes,
	}
}
