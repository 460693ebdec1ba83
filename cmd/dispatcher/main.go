package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/adcp_webhooks/internal/admin"
	"github.com/austindbirch/adcp_webhooks/internal/auth"
	"github.com/austindbirch/adcp_webhooks/internal/config"
	"github.com/austindbirch/adcp_webhooks/internal/db"
	"github.com/austindbirch/adcp_webhooks/internal/delivery"
	"github.com/austindbirch/adcp_webhooks/internal/health"
	"github.com/austindbirch/adcp_webhooks/internal/intake"
	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/metrics"
	"github.com/austindbirch/adcp_webhooks/internal/registry"
	"github.com/austindbirch/adcp_webhooks/internal/tracing"
	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

const serviceName = "adcp-dispatcher"

// grpcHealthService is the service name published on the gRPC health server
const grpcHealthService = "adcp.webhooks.Dispatcher"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)
	if level, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("falling back to info logging")
	} else {
		logger.SetLevel(level)
		logging.Default().SetLevel(level)
	}

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.ConfigFromEnv(serviceName))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}

	// DB connect, only when a component needs it
	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		pool, err = db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		if cfg.DB.AutoMigrate {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				logger.Plain().WithError(err).Fatal("schema migration failed")
			}
			if len(applied) > 0 {
				logger.Plain().WithField("migrations", applied).Info("schema migrated")
			}
		}
	}

	dir, err := buildDirectory(cfg, pool)
	if err != nil {
		logger.Plain().WithError(err).Fatal("registry setup failed")
	}

	// Dead letter producer
	var publisher delivery.Publisher
	if cfg.DeadLetter.PublishNSQ {
		dlqProducer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		dlqProducer.SetLogger(intake.NSQLogger{Logger: logger}, nsq.LogLevelWarning)
		defer dlqProducer.Stop()
		publisher = dlqProducer
	}
	var execer delivery.Execer
	if pool != nil {
		execer = pool
	}
	sink := buildDeadLetterSink(cfg, publisher, execer)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	opts := cfg.DispatcherOptions()
	opts.Registry = dir
	opts.DeadLetters = sink
	opts.Logger = logger
	dispatcher := webhook.New(opts)

	validator, err := adminValidator(ctx, cfg.Admin)
	if err != nil {
		logger.Plain().WithError(err).Fatal("operator auth setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("operator API running without authentication")
	}

	var pinger health.Pinger
	if pool != nil {
		pinger = pool
	}
	checker := health.Checker{DB: pinger, Dispatcher: dispatcher}

	// HTTP health/metrics/operator API
	handler, err := newHTTPHandler(checker, reg, &admin.Server{Engine: dispatcher, Validator: validator, Logger: logger})
	if err != nil {
		logger.Plain().WithError(err).Fatal("operator API setup failed")
	}
	httpSrv := &http.Server{Addr: cfg.Admin.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.Admin.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Admin.GRPCPort).Info("dispatcher gRPC server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	go func() {
		health.Sync(bgCtx, hs, grpcHealthService, checker, 5*time.Second)
		close(healthDone)
	}()

	// Start backlog monitoring
	monitor := &intake.BacklogMonitor{
		NsqdHTTPAddr: cfg.NSQ.NsqdHTTPAddr,
		Topic:        cfg.NSQ.EventsTopic,
		Channel:      cfg.NSQ.IntakeChannel,
		Interval:     15 * time.Second,
		Logger:       logger,
	}
	go monitor.Run(bgCtx)

	// NSQ intake consumer
	consumer, err := intake.NewConsumer(cfg.NSQ, &intake.Handler{
		Directory:    dir,
		Dispatcher:   dispatcher,
		Logger:       logger,
		RequeueDelay: 5 * time.Second,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":            cfg.NSQ.EventsTopic,
		"channel":          cfg.NSQ.IntakeChannel,
		"registry_backend": cfg.Registry.Backend,
		"max_queue_size":   cfg.Dispatcher.MaxQueueSize,
		"max_retries":      cfg.Dispatcher.MaxRetries,
	}).Info("dispatcher service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")

	// stop intake first so nothing new is submitted while draining
	consumer.Stop()
	<-consumer.StopChan

	graceCtx, cancel := context.WithTimeout(ctx, cfg.Dispatcher.ShutdownGrace)
	if err := dispatcher.Close(graceCtx); err != nil {
		logger.Plain().WithError(err).Warn("dispatcher did not drain within grace period")
	}
	cancel()

	stopBackground()
	<-healthDone
	grpcSrv.GracefulStop()
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("trace flush failed")
	}
	cancelShutdown()
	logger.Plain().Info("dispatcher service stopped")
}

// buildDirectory picks the endpoint registry backend.
func buildDirectory(cfg config.Config, pool *pgxpool.Pool) (webhook.Directory, error) {
	switch cfg.Registry.Backend {
	case "", "memory":
		return webhook.NewMemoryRegistry(), nil
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres registry requires a database pool")
		}
		return registry.NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

// buildDeadLetterSink combines the configured sinks. It returns nil when
// dead letters are only logged.
func buildDeadLetterSink(cfg config.Config, producer delivery.Publisher, db delivery.Execer) delivery.Sink {
	var sinks delivery.MultiSink
	if cfg.DeadLetter.PublishNSQ && producer != nil {
		sinks = append(sinks, delivery.NewNSQSink(producer, cfg.NSQ.DLQTopic))
	}
	if cfg.DeadLetter.PersistPostgres && db != nil {
		sinks = append(sinks, delivery.NewPostgresSink(db))
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// adminValidator builds the operator token validator from a PEM key or a
// JWKS URL. Neither configured means the API is unauthenticated.
func adminValidator(ctx context.Context, cfg config.Admin) (*auth.JWTValidator, error) {
	if cfg.JWTPublicKey != "" {
		return auth.NewJWTValidator(cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
	}
	if cfg.JWKSURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(fetchCtx, nil, cfg.JWKSURL, "")
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.JWTIssuer, cfg.JWTAudience), nil
	}
	return nil, nil
}

func newHTTPHandler(checker health.Checker, reg *prometheus.Registry, api *admin.Server) (http.Handler, error) {
	apiHandler, err := api.Handler()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", apiHandler)
	return mux, nil
}
