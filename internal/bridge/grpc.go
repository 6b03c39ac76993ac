package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Registry methods exposed by the host
const (
	MethodResolve = "/tether.host.v1.Registry/Resolve"
	MethodInvoke  = "/tether.host.v1.Registry/Invoke"
)

// GRPCDialer connects to a host registry served over gRPC on a local address
type GRPCDialer struct {
	Address     string
	CallTimeout time.Duration
}

// NewGRPCDialer creates a dialer for the given host address
func NewGRPCDialer(address string, callTimeout time.Duration) *GRPCDialer {
	return &GRPCDialer{Address: address, CallTimeout: callTimeout}
}

// Dial prepares a client connection. Nothing touches the network until the
// first call, so reachability is established by Session.Health.
func (d *GRPCDialer) Dial(ctx context.Context) (Session, error) {
	if strings.TrimSpace(d.Address) == "" {
		return nil, status.Error(codes.InvalidArgument, "host address is empty")
	}

	target := d.Address
	if !strings.Contains(target, "://") {
		target = "passthrough:///" + target
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid host target %q: %v", d.Address, err)
	}

	return &grpcSession{
		conn:        conn,
		health:      healthpb.NewHealthClient(conn),
		callTimeout: d.CallTimeout,
	}, nil
}

type grpcSession struct {
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	callTimeout time.Duration
}

func (s *grpcSession) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *grpcSession) Health(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return status.Errorf(codes.Unavailable, "host is %s", resp.GetStatus())
	}
	return nil
}

func (s *grpcSession) Resolve(ctx context.Context, name string) (map[string]any, error) {
	return s.call(ctx, MethodResolve, map[string]any{"name": name})
}

func (s *grpcSession) Invoke(ctx context.Context, singleton, operation string, args map[string]any) (map[string]any, error) {
	req := map[string]any{
		"singleton": singleton,
		"operation": operation,
	}
	if args != nil {
		req["args"] = args
	}
	return s.call(ctx, MethodInvoke, req)
}

func (s *grpcSession) call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to encode request: %v", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func (s *grpcSession) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close host connection: %w", err)
	}
	return nil
}
