// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay provides the multi-provider chat relay service.
//
// The relay sits between chat clients and a pool of OpenAI-compatible
// completion providers. It keeps bounded per-user conversation history
// (mirrored to an embedded BadgerDB for crash tolerance), selects
// providers by weighted random order with an environment-declared
// fallback, gates sends behind optional human verification, and pushes
// completion events to live SSE/websocket subscribers.
//
// # Enterprise Integration
//
// The relay supports dependency injection via extensions.ServiceOptions,
// enabling enterprise builds to plug in a real AuthProvider for owner
// identity and the admin surface.
//
// # Usage
//
//	cfg := relay.Config{Port: 12230, DBPath: "/var/lib/aleutian/relay"}
//	svc, err := relay.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/history"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/pipeline"
	"github.com/AleutianAI/AleutianRelay/services/relay/providers"
	"github.com/AleutianAI/AleutianRelay/services/relay/push"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/verify"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the relay service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing. Callers must
	// not modify the route table.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds relay configuration. All fields have defaults applied by
// New(); the zero value yields a working in-memory-only relay answering
// with the static fallback reply.
type Config struct {
	// Port is the HTTP server port. Default: 12230.
	Port int

	// DBPath is the BadgerDB directory for history and the provider
	// catalog. Empty disables persistence: the relay then runs
	// cache-only (degraded durability, full availability).
	DBPath string

	// ProvidersFile, when set, loads the provider catalog from a watched
	// local JSON file instead of the database.
	ProvidersFile string

	// EnvProvider is the environment-declared fallback provider. Nil
	// when unconfigured.
	EnvProvider *datatypes.Provider

	// PreferEnvFirst tries the environment provider before the catalog
	// instead of after it.
	PreferEnvFirst bool

	// SystemPrompt fills the single system slot of every dispatch.
	SystemPrompt string

	// FallbackReply overrides the static degraded reply text.
	FallbackReply string

	// ContextTurns, AttemptTimeout, Temperature tune the dispatch loop;
	// see pipeline.Config.
	ContextTurns   int
	AttemptTimeout time.Duration
	Temperature    float32

	// MaxUserMessages and MaxMemoryMessages bound the history cache;
	// see history.CacheConfig.
	MaxUserMessages   int
	MaxMemoryMessages int

	// TruncateOnOversize is the store's post-rejection retry size.
	TruncateOnOversize int

	// CatalogRefreshTTL is how long a loaded provider catalog stays
	// fresh. Default: 60s.
	CatalogRefreshTTL time.Duration

	// MaxConnections, IdleTimeout, SweepInterval tune the push
	// registry; see push.Config.
	MaxConnections int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration

	// VerifyEndpoint enables the human-verification gate when set.
	// VerifySecret is the server-side secret for that endpoint.
	VerifyEndpoint string
	VerifySecret   string
	VerifyTimeout  time.Duration

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317".
	OTelEndpoint string

	// DisableMetrics skips Prometheus metric registration. Metrics
	// register against the process-global registry, so a process that
	// constructs more than one Service must disable them on all but the
	// first.
	DisableMetrics bool
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// All fields are read-only after New() returns.
type service struct {
	config Config
	opts   extensions.ServiceOptions
	router *gin.Engine

	db         *badger.DB
	store      *history.Store
	cache      *history.Cache
	pool       *providers.Pool
	catalog    *providers.BadgerCatalog
	fileSource *providers.FileSource
	registry   *push.Registry
	pipe       *pipeline.Pipeline

	tracerCleanup func(context.Context)
}

// New creates a relay Service with the given configuration.
//
// # Description
//
// Initialization order: tracer, metrics, database, catalog source, pool,
// push registry, pipeline, router. A database that fails to open is not
// fatal; the relay degrades to cache-only durability with a warning. If
// opts is nil, DefaultOptions() is used.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if !s.config.DisableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	s.initStorage()
	if err := s.initProviders(); err != nil {
		s.cleanup()
		return nil, err
	}
	s.initPush()
	s.initPipeline()
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting relay server",
		"port", s.config.Port,
		"store", s.store.Available(),
		"verification", s.config.VerifyEndpoint != "")

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.CatalogRefreshTTL == 0 {
		cfg.CatalogRefreshTTL = 60 * time.Second
	}
	return cfg
}

// initTracer sets up the OTLP trace exporter. Uses an insecure gRPC
// connection, appropriate for internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("relay-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initStorage opens the embedded database and builds the cache and
// store. A failed open degrades to cache-only mode rather than aborting
// startup.
func (s *service) initStorage() {
	if s.config.DBPath != "" {
		db, err := history.OpenDB(s.config.DBPath, slog.Default())
		if err != nil {
			slog.Warn("Failed to open history database, running cache-only",
				"path", s.config.DBPath, "error", err)
		} else {
			s.db = db
		}
	} else {
		slog.Info("No database path configured, running cache-only")
	}

	s.cache = history.NewCache(history.CacheConfig{
		MaxUserMessages:   s.config.MaxUserMessages,
		MaxMemoryMessages: s.config.MaxMemoryMessages,
	})
	s.store = history.NewStore(s.db, history.StoreConfig{
		TruncateOnOversize: s.config.TruncateOnOversize,
	})
}

// initProviders builds the catalog source and the pool. A configured
// providers file must load; a missing database simply leaves the pool
// with the environment provider alone.
func (s *service) initProviders() error {
	var source providers.Source
	switch {
	case s.config.ProvidersFile != "":
		fs, err := providers.NewFileSource(s.config.ProvidersFile)
		if err != nil {
			return fmt.Errorf("failed to load provider catalog file: %w", err)
		}
		s.fileSource = fs
		source = fs
	case s.db != nil:
		s.catalog = providers.NewBadgerCatalog(s.db)
		source = s.catalog
	default:
		slog.Warn("No provider catalog source, relying on environment provider only")
	}

	s.pool = providers.NewPool(source, providers.PoolConfig{
		RefreshTTL: s.config.CatalogRefreshTTL,
		Env:        s.config.EnvProvider,
	})
	return nil
}

// initPush creates the registry and starts its background sweep.
func (s *service) initPush() {
	s.registry = push.NewRegistry(push.Config{
		MaxConnections: s.config.MaxConnections,
		IdleTimeout:    s.config.IdleTimeout,
		SweepInterval:  s.config.SweepInterval,
	})
	if err := s.registry.Start(context.Background()); err != nil {
		slog.Warn("Push registry sweep not started", "error", err)
	}
}

// initPipeline wires the chat turn state machine.
func (s *service) initPipeline() {
	var verifier verify.Verifier
	if s.config.VerifyEndpoint != "" {
		verifier = verify.NewHTTPVerifier(
			s.config.VerifyEndpoint, s.config.VerifySecret, s.config.VerifyTimeout)
		slog.Info("Human verification gate enabled")
	}

	s.pipe = pipeline.New(s.cache, s.store, s.pool,
		providers.NewOpenAITransport(), s.registry, verifier,
		pipeline.Config{
			SystemPrompt:   s.config.SystemPrompt,
			ContextTurns:   s.config.ContextTurns,
			AttemptTimeout: s.config.AttemptTimeout,
			Temperature:    s.config.Temperature,
			FallbackReply:  s.config.FallbackReply,
			PreferEnvFirst: s.config.PreferEnvFirst,
		})
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("relay-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Pipeline:     s.pipe,
		Store:        s.store,
		Registry:     s.registry,
		Catalog:      s.catalog,
		AuthProvider: s.opts.AuthProvider,
	})
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.registry != nil {
		s.registry.Stop()
	}
	if s.fileSource != nil {
		if err := s.fileSource.Close(); err != nil {
			slog.Warn("Provider file source close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("History database close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
