package api

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/foamflask/foamflask/pkg/metrics"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows
// read-only operations. The gRPC listener exists for orchestrator probes;
// nothing on it may change state.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(codes.PermissionDenied, "method %s is not allowed", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// MetricsInterceptor records gRPC calls in the API request metrics
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		route := "grpc:" + methodName(info.FullMethod)
		metrics.APIRequestsTotal.WithLabelValues(route, status.Code(err).String()).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// methodName extracts "Check" from "/grpc.health.v1.Health/Check"
func methodName(full string) string {
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[i+1:]
	}
	return full
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	name := methodName(method)
	if name == "" {
		return false
	}
	for _, prefix := range []string{"Check", "List", "Get", "Watch"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
