// Package main is the entry point for the event relay API process.
//
// It loads configuration, connects to PostgreSQL, wires the ingestion
// pipeline (verify, record, dispatch), the fan-out hub and the retry worker,
// and serves HTTP until SIGINT or SIGTERM. The server and the retry worker
// share one errgroup: either failing stops both.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"eventrelay/internal/api/handlers"
	"eventrelay/internal/auth"
	"eventrelay/internal/config"
	"eventrelay/internal/core"
	"eventrelay/internal/db"
	"eventrelay/internal/events"
	"eventrelay/internal/external"
	"eventrelay/internal/fanout"
	"eventrelay/internal/gateway"
	"eventrelay/internal/queue"
	"eventrelay/internal/sideeffects"
	"eventrelay/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("event relay starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	var recorder *telemetry.Recorder
	if cfg.Observability.EnableMetrics {
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		recorder = telemetry.NewRecorder(client, telemetry.Options{Namespace: cfg.Observability.MetricNamespace}, logger)
		defer func() {
			recorder.Close()
			if n := recorder.Dropped(); n > 0 {
				logger.Warn("metric datums dropped", "count", n)
			}
		}()
	}

	alerter := queue.NewAlerter(awsCfg, cfg.AWS, logger)

	app, err := newApp(cfg, pool, alerter, recorder, logger)
	if err != nil {
		return err
	}
	defer app.hub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.ListenAndServe(gctx)
	})
	if cfg.Dispatch.RetryEnabled {
		g.Go(func() error {
			return app.retry.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("event relay stopped", "error", err)
	return err
}

// app holds the long-lived components built by newApp.
type app struct {
	server *core.Server
	hub    *fanout.Hub
	retry  *events.RetryWorker
}

// newApp wires repositories, the ingestion pipeline, fan-out and the HTTP
// surface. recorder may be nil when metrics are disabled.
func newApp(cfg *config.Config, pool *pgxpool.Pool, alerter events.Alerter, recorder *telemetry.Recorder, logger *slog.Logger) (*app, error) {
	eventRepo := db.NewEventRepository(pool)
	bookingRepo := db.NewBookingRepository(pool)
	userRepo := db.NewUserRepository(pool)

	// Keep the interfaces nil, not typed-nil, when metrics are off.
	var (
		eventMetrics events.Metrics
		hubMetrics   fanout.Metrics
		httpMetrics  core.MetricsCollector
	)
	if recorder != nil {
		eventMetrics, hubMetrics, httpMetrics = recorder, recorder, recorder
	}

	tokens, err := auth.NewJWTValidator(cfg.Fanout.JWTSecret, cfg.Fanout.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("creating token validator: %w", err)
	}

	probes := []core.HealthProbe{core.ProbeFunc{ProbeName: "database", Fn: pool.Ping}}
	var rooms fanout.RoomAuthorizer = db.NewVenueStaffRepository(pool)
	if cfg.Fanout.RoomAuthorizerURL != "" {
		remote := external.NewHTTPRoomAuthorizer(cfg.Fanout.RoomAuthorizerURL, cfg.Fanout.RoomAuthorizerKey)
		probes = append(probes, core.ProbeFunc{ProbeName: "room_authorizer", Fn: remote.Check})
		rooms = remote
	}

	hub := fanout.NewHub(tokens, rooms, hubMetrics, fanout.Config{OutboxSize: cfg.Fanout.OutboxSize}, logger)

	registry := events.NewRegistry()
	sideeffects.NewHandlers(bookingRepo, userRepo, logger).Register(registry)
	logger.Info("event handlers registered", "routes", registry.Routes())

	dispatcher := events.NewDispatcher(eventRepo, registry, hub, alerter, eventMetrics, events.DispatcherConfig{
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		ExpectedTypes:  cfg.Dispatch.ExpectedEventTypes,
	}, logger)

	sources := external.NewSourceRegistryFromConfig(cfg.Sources, logger)
	ingestor := events.NewIngestor(sources, eventRepo, dispatcher, eventMetrics, logger)

	retry := events.NewRetryWorker(eventRepo, dispatcher, db.NewJobLockRepository(pool), uuid.New().String(), events.RetryConfig{
		Interval:     cfg.Dispatch.RetryInterval,
		Backoff:      cfg.Dispatch.RetryBackoff,
		MaxBackoff:   cfg.Dispatch.RetryMaxBackoff,
		AbandonAfter: cfg.Dispatch.AbandonAfter,
		MaxRetries:   cfg.Dispatch.MaxRetries,
		BatchSize:    cfg.Dispatch.RetryBatchSize,
	}, eventMetrics, logger)

	srv, err := newServer(cfg, serverDeps{
		ingestor: ingestor,
		events:   eventRepo,
		hub:      hub,
		metrics:  httpMetrics,
		probes:   probes,
	}, logger)
	if err != nil {
		hub.Close()
		return nil, err
	}

	return &app{server: srv, hub: hub, retry: retry}, nil
}

// serverDeps are the components the HTTP surface is built from.
type serverDeps struct {
	ingestor handlers.WebhookIngestor
	events   handlers.EventReader
	hub      *fanout.Hub
	metrics  core.MetricsCollector
	probes   []core.HealthProbe
}

// newServer builds the HTTP server and mounts every route.
func newServer(cfg *config.Config, deps serverDeps, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = deps.metrics
	srv.AdminGuard = core.NewAdminGuard(cfg.Admin.APIKeyHash, 0, 0)
	srv.HealthProbes = deps.probes
	srv.HealthStats = func() any { return deps.hub.Stats() }

	webhooks := handlers.NewWebhookHandler(deps.ingestor, cfg.Server.MaxWebhookBytes, logger)
	admin := handlers.NewAdminEventsHandler(deps.events, srv.Validator, cfg.Admin.ExportMaxRows, cfg.Dispatch.MaxRetries, logger)
	srv.RouteRegistrars = append(srv.RouteRegistrars, webhooks.RegisterRoutes)
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars, admin.RegisterRoutes)

	srv.Websocket = gateway.NewHandler(deps.hub, gateway.Config{
		WriteTimeout:   cfg.Fanout.WriteTimeout,
		PongTimeout:    cfg.Fanout.PongTimeout,
		MaxFrameBytes:  cfg.Fanout.MaxFrameBytes,
		AllowedOrigins: cfg.Server.CorsAllowedOrigins,
	}, logger)

	srv.MountRoutes()
	return srv, nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
