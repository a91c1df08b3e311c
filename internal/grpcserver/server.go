// Package grpcserver exposes paymentd readiness over the standard gRPC health protocol.
package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	// ServicePayments is the health service name reported for the payment service.
	ServicePayments = "mediapay.payments"

	defaultCheckTimeout = 2 * time.Second
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// HealthServer answers Check by running its probes. Watch is not supported.
type HealthServer struct {
	healthv1.UnimplementedHealthServer
	probes  []Probe
	timeout time.Duration
}

// NewHealthServer builds a HealthServer over the given probes.
func NewHealthServer(probes ...Probe) *HealthServer {
	return &HealthServer{probes: probes, timeout: defaultCheckTimeout}
}

// Check reports SERVING when every probe passes. The empty service name and ServicePayments
// are known; anything else is NotFound.
func (server *HealthServer) Check(ctx context.Context, request *healthv1.HealthCheckRequest) (*healthv1.HealthCheckResponse, error) {
	switch request.GetService() {
	case "", ServicePayments:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", request.GetService())
	}
	checkCtx, cancel := context.WithTimeout(ctx, server.timeout)
	defer cancel()
	for _, probe := range server.probes {
		if err := probe(checkCtx); err != nil {
			return &healthv1.HealthCheckResponse{Status: healthv1.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	return &healthv1.HealthCheckResponse{Status: healthv1.HealthCheckResponse_SERVING}, nil
}

// NewServer returns a grpc.Server with the health service registered.
func NewServer(health *HealthServer, options ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(options...)
	healthv1.RegisterHealthServer(server, health)
	return server
}
