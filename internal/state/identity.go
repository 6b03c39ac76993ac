package state

import (
	"fmt"
	"strings"
	"time"
)

// AggregateKey is the record holding the AggregateState document
const AggregateKey = "registry"

// WorkerIdentity is the self-announcement a worker writes at startup.
// Zero PID or Port means the field was absent.
type WorkerIdentity struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version,omitempty"`
}

// Valid reports whether the identity carries the fields needed to reach the worker
func (w WorkerIdentity) Valid() bool {
	return w.PID > 0 && w.Port > 0
}

// Address returns host:port for the worker's control server
func (w WorkerIdentity) Address() string {
	host := w.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, w.Port)
}

// SupervisorInfo identifies the process that owns the aggregate record
type SupervisorInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	HostPID   int       `json:"host_pid,omitempty"`
}

// AggregateState enumerates every known worker identity by name.
// It is eventually consistent with the individual identity records.
type AggregateState struct {
	UpdatedAt  time.Time                 `json:"updated_at"`
	Supervisor *SupervisorInfo           `json:"supervisor,omitempty"`
	Workers    map[string]WorkerIdentity `json:"workers"`
}

// WriteIdentity records the identity of the named worker
func (s *Store) WriteIdentity(name string, id WorkerIdentity) error {
	if name == AggregateKey {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidKey, name)
	}
	return s.Write(name, id)
}

// ReadIdentity returns the identity of the named worker, if recorded
func (s *Store) ReadIdentity(name string) (WorkerIdentity, bool, error) {
	var id WorkerIdentity
	ok, err := s.Read(name, &id)
	return id, ok, err
}

// ListIdentities returns every worker identity record keyed by name
func (s *Store) ListIdentities() (map[string]WorkerIdentity, error) {
	entries, err := s.ListAll("")
	if err != nil {
		return nil, err
	}

	ids := make(map[string]WorkerIdentity, len(entries))
	for _, e := range entries {
		if e.Key == AggregateKey || strings.HasPrefix(e.Key, ".") {
			continue
		}
		var id WorkerIdentity
		if err := e.Decode(&id); err != nil || !id.Valid() {
			continue
		}
		ids[e.Key] = id
	}
	return ids, nil
}

// LiveIdentity returns the named worker's identity if its PID is alive.
// A record whose process is gone is stale and gets deleted.
func (s *Store) LiveIdentity(name string, alive func(pid int) bool) (WorkerIdentity, bool) {
	id, ok, err := s.ReadIdentity(name)
	if err != nil {
		s.logger.Warn("Unreadable worker identity, removing", "worker", name, "error", err)
		s.Delete(name)
		return WorkerIdentity{}, false
	}
	if !ok {
		return WorkerIdentity{}, false
	}

	if id.Valid() && alive(id.PID) {
		return id, true
	}

	s.logger.Info("Removing stale worker identity", "worker", name, "pid", id.PID)
	if err := s.Delete(name); err != nil {
		s.logger.Warn("Failed to remove stale identity", "worker", name, "error", err)
	}
	return WorkerIdentity{}, false
}

// ReadAggregate returns the aggregate document, or nil if absent
func (s *Store) ReadAggregate() (*AggregateState, error) {
	var agg AggregateState
	ok, err := s.Read(AggregateKey, &agg)
	if err != nil || !ok {
		return nil, err
	}
	if agg.Workers == nil {
		agg.Workers = map[string]WorkerIdentity{}
	}
	return &agg, nil
}

// WriteAggregate replaces the aggregate document
func (s *Store) WriteAggregate(agg AggregateState) error {
	if agg.Workers == nil {
		agg.Workers = map[string]WorkerIdentity{}
	}
	return s.Write(AggregateKey, agg)
}
