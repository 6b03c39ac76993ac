package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.olrik.dev/tether/internal/core"
)

// State is the connector's connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventExhaust = "exhaust"
	eventFault   = "fault"
	eventRearm   = "rearm"
	eventClose   = "close"
)

const maxHistory = 64

// Transition is one recorded state change
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Status is a point-in-time view of the connector
type Status struct {
	State       State     `json:"state"`
	Since       time.Time `json:"since"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

// Connector holds a single logical session to the host and drives the
// Disconnected/Connecting/Connected/Failed state machine.
type Connector struct {
	dialer Dialer
	cfg    core.BridgeConfig
	logger *slog.Logger

	mu        sync.RWMutex
	machine   *fsm.FSM
	session   Session
	attempts  int
	lastErr   error
	since     time.Time
	history   []Transition
	cause     error        // error attached to the event being fired
	pending   []Transition // transitions not yet delivered to observers
	observers []func(Transition)

	wake    chan struct{}
	running atomic.Bool
}

// NewConnector creates a connector in the Disconnected state
func NewConnector(dialer Dialer, cfg core.BridgeConfig) *Connector {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}

	c := &Connector{
		dialer: dialer,
		cfg:    cfg,
		logger: slog.Default(),
		since:  time.Now(),
		wake:   make(chan struct{}, 1),
	}

	c.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: eventSucceed, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventExhaust, Src: []string{string(StateConnecting)}, Dst: string(StateFailed)},
			{Name: eventFault, Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: eventRearm, Src: []string{string(StateFailed)}, Dst: string(StateDisconnected)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateConnected), string(StateFailed)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.record(State(e.Src), State(e.Dst))
			},
		},
	)

	return c
}

// OnTransition registers fn to be called after every state change.
// Must be called before Run.
func (c *Connector) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current connection state
func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State(c.machine.Current())
}

// IsConnected reports whether a host session is held
func (c *Connector) IsConnected() bool {
	return c.State() == StateConnected
}

// Status returns the state together with attempt bookkeeping
func (c *Connector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		State:       State(c.machine.Current()),
		Since:       c.since,
		Attempts:    c.attempts,
		MaxAttempts: c.cfg.MaxAttempts,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// History returns the most recent state transitions, oldest first
func (c *Connector) History() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Transition(nil), c.history...)
}

// Retry re-arms a Failed connector immediately. In any other state it does
// nothing and returns false.
func (c *Connector) Retry() bool {
	if c.State() != StateFailed {
		return false
	}
	c.poke()
	return true
}

// Run drives the connector until ctx is cancelled. Failures never escape;
// they are folded into state. Only one Run may be active at a time.
func (c *Connector) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("Bridge connector already running")
		return
	}
	defer c.running.Store(false)
	defer c.Close()

	for ctx.Err() == nil {
		switch c.State() {
		case StateDisconnected:
			c.connect(ctx)
		case StateConnected:
			c.monitor(ctx)
		case StateFailed:
			c.awaitRearm(ctx)
		default:
			c.logger.Error("Bridge connector in unexpected state", "state", c.State())
			return
		}
	}
}

// Close drops the host session and returns to Disconnected
func (c *Connector) Close() error {
	c.mu.Lock()
	c.fire(eventClose, nil)
	sess := c.session
	c.session = nil
	notes, observers := c.takePending()
	c.mu.Unlock()

	c.notify(notes, observers)
	if sess != nil {
		return sess.Close()
	}
	return nil
}

// Snapshot fetches the active document snapshot from the host
func (c *Connector) Snapshot(ctx context.Context) (map[string]any, error) {
	return c.invoke(ctx, SingletonDocument, OperationSnapshot, nil)
}

// Selection returns the text currently selected in the active document
func (c *Connector) Selection(ctx context.Context) (string, error) {
	out, err := c.invoke(ctx, SingletonDocument, OperationSelection, nil)
	if err != nil {
		return "", err
	}
	text, _ := out["text"].(string)
	return text, nil
}

// invoke calls a host operation without waiting for a connection. Transport
// errors fault the session; application errors become ExtractionErrors.
func (c *Connector) invoke(ctx context.Context, singleton, operation string, args map[string]any) (map[string]any, error) {
	sess := c.currentSession()
	if sess == nil {
		return nil, ErrUnavailable
	}

	out, err := sess.Invoke(ctx, singleton, operation, args)
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil || status.Code(err) == codes.Canceled {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if isRetryable(err) {
		c.fault(sess, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil, toExtractionError(err)
}

func (c *Connector) currentSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if State(c.machine.Current()) != StateConnected {
		return nil
	}
	return c.session
}

// connect runs one bounded attempt cycle: Disconnected -> Connecting -> Connected|Failed
func (c *Connector) connect(ctx context.Context) {
	// Drop wake-ups that predate this cycle
	select {
	case <-c.wake:
	default:
	}

	c.mu.Lock()
	c.attempts = 0
	started := c.fire(eventStart, nil)
	notes, observers := c.takePending()
	c.mu.Unlock()
	c.notify(notes, observers)
	if !started {
		return
	}

	c.logger.Info("Connecting to host", "max_attempts", c.cfg.MaxAttempts, "retry_delay", c.cfg.RetryDelay)

	var sess Session
	attempt := 0
	operation := func() error {
		attempt++
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		s, err := c.establish(ctx, attempt)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Host connection attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"retry_in", next,
			"error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(operation, policy, notify)

	c.mu.Lock()
	switch {
	case err == nil:
		if c.fire(eventSucceed, nil) {
			c.session = sess
			c.lastErr = nil
			sess = nil
		}
	case ctx.Err() != nil:
		c.fire(eventClose, ctx.Err())
	default:
		c.lastErr = err
		c.fire(eventExhaust, err)
	}
	notes, observers = c.takePending()
	c.mu.Unlock()
	c.notify(notes, observers)

	// Not adopted
	if sess != nil {
		sess.Close()
	}

	if err != nil && ctx.Err() == nil {
		c.logger.Error("Giving up on host connection", "attempts", attempt, "error", err)
	}
}

// establish performs one connection attempt and returns a verified session
func (c *Connector) establish(ctx context.Context, attempt int) (Session, error) {
	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, c.attemptError(attempt, "dial", err)
	}

	fail := func(stage string, err error) (Session, error) {
		sess.Close()
		return nil, c.attemptError(attempt, stage, err)
	}

	if err := sess.Health(ctx); err != nil {
		return fail("handshake", err)
	}
	if _, err := sess.Resolve(ctx, SingletonDocument); err != nil {
		return fail("resolve", err)
	}

	// The host may dispose freshly returned handles when they are used at once
	if c.cfg.SettleDelay > 0 {
		timer := time.NewTimer(c.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail("settle", ctx.Err())
		case <-timer.C:
		}
	}

	if _, err := sess.Resolve(ctx, SingletonConfiguration); err != nil {
		return fail("verify", err)
	}

	c.logger.Debug("Host session established", "attempt", attempt)
	return sess, nil
}

func (c *Connector) attemptError(attempt int, stage string, err error) error {
	ce := &ConnectError{
		Attempt:   attempt,
		Stage:     stage,
		Retryable: isRetryable(err),
		Err:       err,
	}
	c.logger.Debug("Host connection attempt error", "attempt", attempt, "stage", stage, "retryable", ce.Retryable, "error", err)
	return ce
}

// monitor probes the held session until it faults or ctx is done
func (c *Connector) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			if c.State() != StateConnected {
				return
			}
		case <-ticker.C:
			sess := c.currentSession()
			if sess == nil {
				return
			}
			if err := sess.Health(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Host liveness probe failed", "error", err)
				c.fault(sess, err)
				return
			}
		}
	}
}

// awaitRearm holds Failed until the re-arm interval elapses or Retry is called
func (c *Connector) awaitRearm(ctx context.Context) {
	var rearm <-chan time.Time
	if c.cfg.RearmInterval > 0 {
		timer := time.NewTimer(c.cfg.RearmInterval)
		defer timer.Stop()
		rearm = timer.C
	}

	select {
	case <-ctx.Done():
		return
	case <-c.wake:
		c.logger.Info("Bridge re-armed on request")
	case <-rearm:
		c.logger.Debug("Bridge re-armed after interval", "interval", c.cfg.RearmInterval)
	}

	c.mu.Lock()
	c.fire(eventRearm, nil)
	notes, observers := c.takePending()
	c.mu.Unlock()
	c.notify(notes, observers)
}

// fault drops sess if it is still the held session
func (c *Connector) fault(sess Session, err error) {
	c.mu.Lock()
	if c.session == nil || c.session != sess {
		c.mu.Unlock()
		return
	}
	dropped := c.fire(eventFault, err)
	if dropped {
		c.session = nil
		c.lastErr = err
	}
	notes, observers := c.takePending()
	c.mu.Unlock()

	c.notify(notes, observers)
	if dropped {
		sess.Close()
		c.poke()
	}
}

func (c *Connector) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// fire sends event to the state machine. Caller holds c.mu.
func (c *Connector) fire(event string, cause error) bool {
	c.cause = cause
	err := c.machine.Event(context.Background(), event)
	c.cause = nil
	if err != nil {
		c.logger.Debug("Bridge event not applied", "event", event, "state", c.machine.Current(), "error", err)
		return false
	}
	return true
}

// record runs inside the state machine callback. Caller holds c.mu.
func (c *Connector) record(from, to State) {
	t := Transition{From: from, To: to, At: time.Now()}
	if c.cause != nil {
		t.Error = c.cause.Error()
	}

	c.since = t.At
	c.history = append(c.history, t)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	c.pending = append(c.pending, t)

	if t.Error != "" {
		c.logger.Info("Bridge state changed", "from", from, "to", to, "error", t.Error)
	} else {
		c.logger.Info("Bridge state changed", "from", from, "to", to)
	}
}

// takePending hands queued transitions to the caller. Caller holds c.mu.
func (c *Connector) takePending() ([]Transition, []func(Transition)) {
	notes := c.pending
	c.pending = nil
	return notes, c.observers
}

func (c *Connector) notify(notes []Transition, observers []func(Transition)) {
	for _, t := range notes {
		for _, fn := range observers {
			fn(t)
		}
	}
}
