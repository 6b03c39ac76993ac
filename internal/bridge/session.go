package bridge

import "context"

// Host registry names used by the connector
const (
	SingletonDocument      = "activeDocument"
	SingletonConfiguration = "configuration"

	OperationSnapshot  = "snapshot"
	OperationSelection = "selection"
)

// Session is an open handle on the host's service registry
type Session interface {
	// Health performs the protocol handshake / liveness check
	Health(ctx context.Context) error
	// Resolve looks up a named singleton capability
	Resolve(ctx context.Context, name string) (map[string]any, error)
	// Invoke calls an operation on a resolved singleton
	Invoke(ctx context.Context, singleton, operation string, args map[string]any) (map[string]any, error)
	Close() error
}

// Dialer opens sessions to the host
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
