package grpc

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/arkilian/tracequery/internal/observability"
)

// NewServer creates a gRPC server carrying the query service and the
// standard health service. The extra interceptors run before logging and
// panic recovery.
func NewServer(qs *QueryServer, logger log.Logger, interceptors ...grpc.UnaryServerInterceptor) (*grpc.Server, *health.Server) {
	logger = observability.OrNop(logger)
	chain := append(append([]grpc.UnaryServerInterceptor{}, interceptors...),
		LoggingInterceptor(logger), RecoveryInterceptor(logger))

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(chain...))
	qs.Register(s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

// LoggingInterceptor logs each call with its status code and duration.
func LoggingInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level.Debug(logger).Log("msg", "grpc call", "method", info.FullMethod,
			"code", status.Code(err), "took", time.Since(start))
		return resp, err
	}
}

// RecoveryInterceptor turns handler panics into Internal errors.
func RecoveryInterceptor(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				level.Error(logger).Log("msg", "panic in grpc handler", "method", info.FullMethod,
					"panic", r, "stack", string(debug.Stack()))
				resp, err = nil, status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
