package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"voyager/cmd/server/config"
	"voyager/internal/adapters/grpc"
	"voyager/internal/adapters/httpapi"
	"voyager/internal/checkout"
	"voyager/internal/gateway"
	"voyager/internal/httpclient"
	"voyager/internal/observability"
	"voyager/internal/realtime"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	logger := newLogger(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "voyager").Logger()
}

func run(ctx context.Context, logger zerolog.Logger) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	gatewayCfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	servicesCfg, err := config.LoadServices()
	if err != nil {
		return err
	}
	reliabilityCfg, err := checkout.LoadReliabilityConfigFromEnv()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	hub := realtime.NewHub(logger.With().Str("component", "realtime").Logger())

	current := checkout.NewMemoryStateStore()
	stores := []checkout.StateStore{current, checkout.NewBroadcastStateStore(hub)}
	redisStore, cleanupRedis, err := buildRedisStateStore(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupRedis()
	if redisStore != nil {
		stores = append(stores, redisStore)
	}

	notifier, cleanupNotify, err := buildNotifier(config.LoadNotify(), logger)
	if err != nil {
		return err
	}
	defer cleanupNotify()

	gw := gateway.NewWebhookGateway(httpclient.New(gatewayCfg.BaseURL, nil), gateway.Config{
		MerchantID: gatewayCfg.MerchantID,
		NoticeURL:  gatewayCfg.NoticeURL,
		SessionTTL: gatewayCfg.SessionTTL,
	}, logger.With().Str("component", "gateway").Logger())
	if gatewayCfg.WebhookSecret == "" {
		logger.Warn().Msg("GATEWAY_WEBHOOK_SECRET not set; webhook callbacks are not authenticated")
	}

	b, cleanupBackends, err := buildBackends(ctx, servicesCfg, reliabilityCfg, gw, logger)
	if err != nil {
		return err
	}
	defer cleanupBackends()

	registry := checkout.NewRegistry(b.reservations, b.ledger, gw,
		checkout.WithStateStore(checkout.NewMultiStateStore(stores...)),
		checkout.WithNotifier(notifier),
		checkout.WithJournal(b.journal),
		checkout.WithMetrics(metrics),
		checkout.WithTracer(otel.Tracer("voyager/checkout")),
		checkout.WithLogger(logger.With().Str("component", "checkout").Logger()),
		checkout.WithCallbackTimeout(gatewayCfg.CallbackTimeout),
	)

	api := httpapi.New(&httpapi.Handler{
		Purchases:     registry,
		States:        current,
		Callbacks:     gw,
		Progress:      hub,
		Steps:         b.steps,
		Metrics:       observability.Handler(metrics),
		WebhookSecret: gatewayCfg.WebhookSecret,
		Logger:        logger.With().Str("component", "http").Logger(),
	})

	limiter := checkout.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	grpcLogger := logger.With().Str("component", "grpc").Logger()
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, grpcLogger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, grpcLogger)),
	)
	grpc.RegisterCheckoutServiceServer(server, grpc.NewCheckoutServer(registry, current))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	setServing(healthServer, healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(server)
		logger.Info().Str("app_env", env).Msg("gRPC reflection enabled")
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	httpCfg := config.LoadHTTP()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", grpcCfg.Addr).Msg("gRPC server listening")
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpCfg.Addr).Msg("HTTP server listening")
		if err := api.Start(httpCfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		inflight := registry.InFlight()
		metrics.MarkShutdown(int64(inflight))
		logger.Info().Int("in_flight", inflight).Msg("shutting down")

		setServing(healthServer, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := api.Shutdown(shutdownCtx)
		server.GracefulStop()
		return err
	})

	return g.Wait()
}

func setServing(h *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus(grpc.ServiceName, status)
	h.SetServingStatus("", status)
}
