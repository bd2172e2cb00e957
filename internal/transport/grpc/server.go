package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"byhandle/backend/internal/health"
)

// BookingServiceName is the health service name reported alongside the
// overall server status.
const BookingServiceName = "byhandle.booking.v1.Booking"

const defaultRequestTimeout = 10 * time.Second

// NewServer builds a gRPC server with the default request timeout and the
// health service registered.
func NewServer(reporter *HealthReporter, requestTimeout time.Duration, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(DefaultRequestTimeoutInterceptor(requestTimeout)),
	}, opts...)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, reporter.Server())
	reflection.Register(s)
	return s
}

// DefaultRequestTimeoutInterceptor bounds calls that arrive without a
// deadline.
func DefaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

// HealthReporter mirrors the readiness checks into the standard gRPC health
// service.
type HealthReporter struct {
	srv      *grpchealth.Server
	checks   []health.Check
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	serving bool
	known   bool
}

func NewHealthReporter(interval, timeout time.Duration, log *slog.Logger, checks ...health.Check) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(BookingServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{
		srv:      srv,
		checks:   checks,
		interval: interval,
		timeout:  timeout,
		log:      log.With(slog.String("component", "grpc.health")),
	}
}

func (h *HealthReporter) Server() *grpchealth.Server {
	return h.srv
}

// Refresh evaluates the checks once and publishes the result. Status changes
// are logged.
func (h *HealthReporter) Refresh(ctx context.Context) bool {
	err := health.Evaluate(ctx, h.timeout, h.checks...)
	serving := err == nil

	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(BookingServiceName, status)

	h.mu.Lock()
	changed := !h.known || h.serving != serving
	h.serving, h.known = serving, true
	h.mu.Unlock()

	if changed {
		if serving {
			h.log.Info("health status changed", slog.String("status", status.String()))
		} else {
			h.log.Warn("health status changed", slog.String("status", status.String()), slog.Any("err", err))
		}
	}
	return serving
}

// Run refreshes until ctx is done, then marks every service NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Refresh(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
