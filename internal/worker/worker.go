package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/tether/internal/bridge"
	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
	"go.olrik.dev/tether/internal/server"
	"go.olrik.dev/tether/internal/state"
)

// Worker composes the state store, the bridge connector and the control
// server into one long-running process.
type Worker struct {
	name      string
	cfg       *core.Configuration
	store     *state.Store
	connector *bridge.Connector
	server    *server.ControlServer
	journal   *db.DB
	logger    *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	bridgeDone chan struct{}
	done       chan struct{}

	mu           sync.Mutex
	started      bool
	identity     state.WorkerIdentity
	shutdownOnce sync.Once
}

// New creates a worker. journal may be nil.
func New(cfg *core.Configuration, dialer bridge.Dialer, journal *db.DB) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	store := state.NewStore(cfg.StateDir)
	connector := bridge.NewConnector(dialer, cfg.Bridge)

	w := &Worker{
		name:       cfg.Worker.Name,
		cfg:        cfg,
		store:      store,
		connector:  connector,
		server:     server.New(connector, store, cfg.Worker),
		journal:    journal,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		bridgeDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	connector.OnTransition(w.recordTransition)
	w.server.OnShutdown(w.Shutdown)

	return w
}

// Connector exposes the worker's bridge connector
func (w *Worker) Connector() *bridge.Connector {
	return w.connector
}

// Identity returns the identity written at startup
func (w *Worker) Identity() state.WorkerIdentity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// Done is closed once shutdown has completed
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Start binds the listener, announces the worker and schedules the bridge.
// Requests are not served until Serve or Run.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}

	port, err := w.server.Listen()
	if err != nil {
		return err
	}

	w.identity = state.WorkerIdentity{
		PID:       os.Getpid(),
		Port:      port,
		Host:      w.cfg.Worker.ListenHost,
		StartedAt: time.Now().UTC(),
		Version:   core.Version,
	}
	// Discovery is best-effort; the API works without it
	w.store.WriteIdentity(w.name, w.identity)

	w.logger.Info("Worker started",
		"name", w.name,
		"pid", w.identity.PID,
		"port", port,
		"state_dir", w.store.Dir())
	w.logEvent(db.ComponentWorker, db.EventStart, fmt.Sprintf("port=%d version=%s", port, core.FormatVersion(core.Version)))

	w.started = true
	go w.runBridge()

	return nil
}

// runBridge lets the host settle, then drives the connector until shutdown
func (w *Worker) runBridge() {
	defer close(w.bridgeDone)

	if d := w.cfg.Worker.BridgeDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	w.connector.Run(w.ctx)
}

// Run starts the worker, handles SIGINT/SIGTERM and serves until shutdown
// has completed.
func (w *Worker) Run() error {
	if err := w.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			w.logger.Info("Received signal, shutting down", "signal", sig)
			w.Shutdown()
		case <-w.done:
		}
	}()

	if os.Getenv(core.SupervisorPIDEnv) != "" {
		w.watchSupervisor()
	}

	err := w.server.Serve()
	if err != nil {
		w.logger.Error("Control server stopped unexpectedly", "error", err)
		w.Shutdown()
	}

	<-w.done
	return err
}

// Shutdown stops serving, drains in-flight requests, removes the identity
// record and releases the host session. Safe to call more than once.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		w.logger.Info("Executing worker shutdown sequence...")

		grace := w.cfg.Worker.ShutdownGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("In-flight requests did not finish in time", "grace", grace)
		}
		cancel()

		w.removeIdentity()

		w.cancel()
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			select {
			case <-w.bridgeDone:
			case <-time.After(grace):
				w.logger.Warn("Bridge connector did not stop in time")
			}
		}
		w.connector.Close()

		w.logEvent(db.ComponentWorker, db.EventStop, "")
		if w.journal != nil {
			w.journal.Flush()
		}

		w.logger.Info("Worker shutdown complete")
		close(w.done)
	})
}

// removeIdentity deletes the identity record if it still describes this process
func (w *Worker) removeIdentity() {
	id, ok, err := w.store.ReadIdentity(w.name)
	if err == nil && ok && id.PID != os.Getpid() {
		w.logger.Debug("Identity belongs to another worker, leaving it", "pid", id.PID)
		return
	}
	if err := w.store.Delete(w.name); err != nil {
		w.logger.Warn("Failed to remove worker identity", "error", err)
	}
}

func (w *Worker) recordTransition(t bridge.Transition) {
	switch t.To {
	case bridge.StateConnected:
		w.logEvent(db.ComponentBridge, db.EventBridgeConnected, w.cfg.Bridge.Address)
	case bridge.StateFailed:
		w.logEvent(db.ComponentBridge, db.EventBridgeFailed, t.Error)
	}
}

func (w *Worker) logEvent(component, eventType, details string) {
	if w.journal == nil {
		return
	}
	if err := w.journal.LogEvent(component, eventType, details); err != nil {
		w.logger.Debug("Failed to journal event", "event", eventType, "error", err)
	}
}
