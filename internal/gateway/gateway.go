// Package gateway is the OpenAI-compatible front door of the tier gateway.
//
// DESIGN: The Gateway owns one instance of every request-path component and
// wires them per request:
//
//	auth -> rate limit -> validate -> [decompose] -> tier select -> clamp
//	     -> cache -> reserve (one fallback) -> provider -> post-adjust
//	     -> ledger -> cache put -> _meta -> telemetry
//
// Shared state across requests lives only in Redis (quota counters, cache)
// and the sqlite ledger. Everything else is per-request (requestState).
// The agentic pipeline is mounted at /v1/pipeline/runs on the same stack.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/cache"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/costcontrol"
	"github.com/compresr/tier-gateway/internal/monitoring"
	"github.com/compresr/tier-gateway/internal/pipeline"
	"github.com/compresr/tier-gateway/internal/provider"
	"github.com/compresr/tier-gateway/internal/quota"
	"github.com/compresr/tier-gateway/internal/tiering"
	"github.com/compresr/tier-gateway/internal/tokens"
	"github.com/compresr/tier-gateway/internal/usage"
)

// Ledger is the usage store the gateway reads and writes.
type Ledger interface {
	usage.Sink
	usage.Reader
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// Gateway is the HTTP service.
type Gateway struct {
	cfg *config.Config

	registry *auth.Registry
	selector *tiering.Selector
	reserver *quota.Reserver
	cache    cache.Store // nil when disabled
	provider *provider.Client
	ledger   Ledger
	costs    *costcontrol.Tracker
	counter  *tokens.Counter
	pipeline *pipeline.Orchestrator
	limiter  *keyLimiter

	tracker *monitoring.Tracker
	metrics *monitoring.MetricsCollector

	httpClient *http.Client
	now        func() time.Time
	server     *http.Server
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithProviderHTTPClient sets the HTTP client used for upstream calls.
func WithProviderHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds a Gateway over a Redis client (quota counters and cache) and a
// usage ledger. The caller owns both and closes them after Shutdown.
func New(cfg *config.Config, rdb *redis.Client, ledger Ledger, opts ...Option) (*Gateway, error) {
	if rdb == nil {
		return nil, errors.New("gateway: redis client is required")
	}
	if ledger == nil {
		return nil, errors.New("gateway: usage ledger is required")
	}

	registry, err := auth.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.TelemetryEnabled,
		LogPath:     cfg.Monitoring.TelemetryPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating telemetry tracker: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		ledger:   ledger,
		costs:    costcontrol.NewTracker(cfg.Tiers),
		counter:  tokens.NewCounter(tokens.DefaultEncoding),
		tracker:  tracker,
		metrics:  monitoring.NewMetricsCollector(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.counter.Load()

	g.selector = tiering.NewSelector(ledger).WithClock(g.now)
	g.reserver = quota.NewReserver(quota.NewRedisCounters(rdb), ledger, quota.WithClock(g.now))
	if cfg.Cache.Enabled {
		g.cache = cache.NewRedisCache(rdb, cfg.Cache.TTL)
	}

	var clientOpts []provider.ClientOption
	if g.httpClient != nil {
		clientOpts = append(clientOpts, provider.WithHTTPClient(g.httpClient))
	}
	g.provider = provider.NewClient(cfg.Provider, cfg.Tiers, clientOpts...)

	if cfg.RateLimit.Enabled {
		g.limiter = newKeyLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	g.pipeline = pipeline.NewOrchestrator(
		pipeline.NewProviderCompleter(g.provider, g.counter),
		cfg,
		pipeline.WithReserver(g.reserver),
		pipeline.WithTelemetry(g.tracker),
		pipeline.WithMetrics(g.metrics),
		pipeline.WithCostTracker(g.costs),
	)

	g.tracker.RecordInit(buildInitEvent(cfg))
	return g, nil
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", g.handleStats).Methods(http.MethodGet)
	if g.cfg.Monitoring.MetricsEnabled {
		r.Handle("/metrics", g.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(g.registry.Middleware, g.rateLimit)
	api.HandleFunc("/v1/chat/completions", g.handleChatCompletions).Methods(http.MethodPost)
	api.HandleFunc("/chat/completions", g.handleChatCompletions).Methods(http.MethodPost)
	api.HandleFunc("/v1/pipeline/runs", g.handlePipelineRun).Methods(http.MethodPost)

	return g.recoverer(g.requestID(r))
}

// Start listens on the configured port. It blocks until Shutdown.
func (g *Gateway) Start(handler http.Handler) error {
	g.server = &http.Server{
		Addr:              ":" + strconv.Itoa(g.cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       g.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: g.cfg.Server.ReadTimeout,
		WriteTimeout:      g.cfg.Server.WriteTimeout,
	}
	log.Info().
		Int("port", g.cfg.Server.Port).
		Str("provider", g.cfg.Provider.BaseURL).
		Int("api_keys", g.registry.Len()).
		Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the telemetry log.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}
	g.costs.Close()
	if cErr := g.tracker.Close(); cErr != nil && err == nil {
		err = cErr
	}
	return err
}

// Metrics exposes the collector (CLI summaries, tests).
func (g *Gateway) Metrics() *monitoring.MetricsCollector { return g.metrics }

// Pipeline exposes the orchestrator for in-process runs.
func (g *Gateway) Pipeline() *pipeline.Orchestrator { return g.pipeline }
