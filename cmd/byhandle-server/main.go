package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"byhandle/backend/internal/availability"
	"byhandle/backend/internal/config"
	"byhandle/backend/internal/events"
	"byhandle/backend/internal/health"
	"byhandle/backend/internal/httpx"
	"byhandle/backend/internal/service/booking"
	"byhandle/backend/internal/store/cache"
	"byhandle/backend/internal/store/postgres"
	"byhandle/backend/internal/telemetry"
	grpcTransport "byhandle/backend/internal/transport/grpc"
	httpTransport "byhandle/backend/internal/transport/http"
)

const serviceName = "byhandle-server"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	loc, err := cfg.Location()
	if err != nil {
		log.Error("timezone load failed", slog.Any("err", err), slog.String("timezone", cfg.Timezone))
		os.Exit(1)
	}

	log.Info("starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("timezone", loc.String()),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.OTELEnabled,
		ServiceName: serviceName,
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Error("telemetry setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.Any("err", err))
		}
	}()

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	checks := []health.Check{{Name: "postgres", Check: postgres.ReadyCheck(db)}}

	schedules := cache.NewScheduleCache(postgres.NewScheduleRepo(db), cfg.ScheduleCacheSize, cfg.ScheduleCacheTTL, log)

	opts := []booking.Option{booking.WithLogger(log)}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
		})
		if err != nil {
			log.Error("kafka publisher init failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("kafka publisher close failed", slog.Any("err", err))
			}
		}()
		opts = append(opts, booking.WithPublisher(pub))
		checks = append(checks, health.Check{Name: "kafka", Check: events.ReadyCheck(cfg.KafkaBrokers)})
		log.Info("publishing booking events", slog.Any("brokers", cfg.KafkaBrokers))
	}

	engine := availability.New(availability.WithLocation(loc))
	svc := booking.NewService(engine, schedules, postgres.NewAppointmentRepo(db), opts...)

	var limiter httpx.Limiter = httpx.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("redis url invalid", slog.Any("err", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		limiter = httpx.NewRedisLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "")
		checks = append(checks, health.Check{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	api := http.NewServeMux()
	httpTransport.NewBookingServer(svc, loc, log).Register(api)

	apiHandler := httpx.Chain(api,
		httpx.WithRequestID,
		httpx.WithAccessLog(log),
		httpx.WithRecover(log),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Idempotency-Key", "X-Idempotency-Key", httpx.RequestIDHeader},
			AllowCredentials: cfg.CORSAllowCredentials,
			MaxAge:           10 * time.Minute,
		}),
		httpx.RateLimit(limiter, httpx.RateLimitOptions{
			Logger:            log,
			FailOpen:          cfg.RateLimitFailOpen,
			TrustForwardedFor: cfg.RateLimitTrustProxy,
		}),
		httpx.WithBodyLimit(cfg.HTTPBodyLimit),
		httpx.WithTimeout(cfg.HTTPRequestTimeout),
	)

	root := http.NewServeMux()
	root.Handle("GET /healthz", httpx.HealthHandler())
	root.Handle("GET /readyz", httpx.ReadyHandler(health.DefaultCheckTimeout, checks...))
	root.Handle("/", otelhttp.NewHandler(apiHandler, "byhandle.http"))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	reporter := grpcTransport.NewHealthReporter(cfg.HealthInterval, health.DefaultCheckTimeout, log, checks...)
	grpcServer := grpcTransport.NewServer(reporter, cfg.GRPCRequestTimeout)

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	go reporter.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	log.Info("servers started", slog.String("http_addr", cfg.HTTPAddr), slog.String("grpc_addr", cfg.GRPCAddr()))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped with error", slog.Any("err", err))
		}
	}
	shutdown(log, httpServer, grpcServer, cfg.ShutdownTimeout)
}

func shutdown(log *slog.Logger, hs *http.Server, gs *grpc.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := hs.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		gs.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
