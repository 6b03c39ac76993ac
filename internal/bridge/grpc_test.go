package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// testHost serves the registry methods and the standard health service
type testHost struct {
	health *health.Server

	mu        sync.Mutex
	resolved  []string
	invokeErr error
	snapshot  map[string]any
}

func startTestHost(t *testing.T) (*testHost, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	h := &testHost{
		health:   health.NewServer(),
		snapshot: map[string]any{"title": "Report.odt", "words": float64(1200)},
	}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(h.handle))
	healthpb.RegisterHealthServer(srv, h.health)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return h, lis.Addr().String()
}

func (h *testHost) handle(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	var resp map[string]any
	switch method {
	case MethodResolve:
		name := req.GetFields()["name"].GetStringValue()
		h.mu.Lock()
		h.resolved = append(h.resolved, name)
		h.mu.Unlock()
		resp = map[string]any{"name": name}
	case MethodInvoke:
		h.mu.Lock()
		err, snap := h.invokeErr, h.snapshot
		h.mu.Unlock()
		if err != nil {
			return err
		}
		resp = snap
	default:
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	out, err := structpb.NewStruct(resp)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(out)
}

func (h *testHost) resolvedNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.resolved...)
}

func closedAddress(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestGRPCDialer_ConnectAndSnapshot(t *testing.T) {
	quietLogger(t)

	host, addr := startTestHost(t)
	c := NewConnector(NewGRPCDialer(addr, time.Second), testBridgeConfig())
	startConnector(t, c)
	waitForState(t, c, StateConnected, 5*time.Second)

	names := host.resolvedNames()
	if len(names) != 2 || names[0] != SingletonDocument || names[1] != SingletonConfiguration {
		t.Errorf("resolve order = %v, want [%s %s]", names, SingletonDocument, SingletonConfiguration)
	}

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap["title"] != "Report.odt" || snap["words"] != float64(1200) {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestGRPCDialer_ExtractionErrorKeepsSession(t *testing.T) {
	quietLogger(t)

	host, addr := startTestHost(t)
	c := NewConnector(NewGRPCDialer(addr, time.Second), testBridgeConfig())
	startConnector(t, c)
	waitForState(t, c, StateConnected, 5*time.Second)

	host.mu.Lock()
	host.invokeErr = status.Error(codes.NotFound, "no document open")
	host.mu.Unlock()

	_, err := c.Snapshot(context.Background())
	var ee *ExtractionError
	if !errors.As(err, &ee) || ee.Reason != ReasonNoDocument {
		t.Fatalf("error = %v, want no_document extraction error", err)
	}
	if ee.Message != "no document open" {
		t.Errorf("message = %q", ee.Message)
	}
	if !c.IsConnected() {
		t.Error("session dropped on extraction error")
	}
}

func TestGRPCDialer_UnreachableHost(t *testing.T) {
	quietLogger(t)

	addr := closedAddress(t)
	cfg := testBridgeConfig()
	cfg.CallTimeout = 500 * time.Millisecond
	c := NewConnector(NewGRPCDialer(addr, cfg.CallTimeout), cfg)
	startConnector(t, c)
	waitForState(t, c, StateFailed, 10*time.Second)

	st := c.Status()
	if st.Attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", st.Attempts, cfg.MaxAttempts)
	}
}

func TestGRPCSession_NotServingIsRetryable(t *testing.T) {
	quietLogger(t)

	host, addr := startTestHost(t)
	host.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	sess, err := NewGRPCDialer(addr, time.Second).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sess.Close()

	err = sess.Health(context.Background())
	if err == nil {
		t.Fatal("expected health failure for NOT_SERVING host")
	}
	if !isRetryable(err) {
		t.Errorf("NOT_SERVING should be retryable, got %v", err)
	}
}

func TestGRPCDialer_EmptyAddress(t *testing.T) {
	_, err := NewGRPCDialer("", time.Second).Dial(context.Background())
	if err == nil {
		t.Fatal("expected error for empty address")
	}
	if isRetryable(err) {
		t.Error("an empty address is a fatal error")
	}
}
