// Package grpc holds client helpers for the gRPC health endpoints exposed by
// long-running processes.
package grpc

import (
	"context"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// StatusUnknownService is reported for services the server does not track.
const StatusUnknownService = "UNKNOWN_SERVICE"

// ServiceStatus is the health of one named service.
type ServiceStatus struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

// Serving reports whether the service answered SERVING.
func (s ServiceStatus) Serving() bool {
	return s.Status == grpc_health_v1.HealthCheckResponse_SERVING.String()
}

// CheckServices queries each service once. Unknown services are reported as
// StatusUnknownService rather than failing the whole call.
func CheckServices(ctx context.Context, conn *gogrpc.ClientConn, services ...string) ([]ServiceStatus, error) {
	if conn == nil {
		return nil, fmt.Errorf("gRPC connection is not configured")
	}
	client := grpc_health_v1.NewHealthClient(conn)
	statuses := make([]ServiceStatus, 0, len(services))
	for _, service := range services {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if status.Code(err) == codes.NotFound {
			statuses = append(statuses, ServiceStatus{Service: service, Status: StatusUnknownService})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check health of %q: %w", service, err)
		}
		statuses = append(statuses, ServiceStatus{Service: service, Status: resp.GetStatus().String()})
	}
	return statuses, nil
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("%s is SERVING", displayName(service))
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for %s: %v", displayName(service), err)
			} else {
				logf("waiting for %s: status %s", displayName(service), response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", displayName(service), ctx.Err())
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, time.Second)
	}
}

func displayName(service string) string {
	if service == "" {
		return "server health"
	}
	return service
}
