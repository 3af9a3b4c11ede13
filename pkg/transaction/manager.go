// Package transaction groups approved mutations into reversible units
// using the host's undo/checkpoint service.
//
// States are IDLE and ACTIVE. There is no nesting: Begin while ACTIVE is a
// no-op. While ACTIVE every mutation folds into the checkpoint taken at
// Begin; outside a transaction every mutation gets its own checkpoint so it
// is independently reversible.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UndoService is the host collaborator that snapshots and restores state.
type UndoService interface {
	Checkpoint(ctx context.Context, label string) error
	RevertToLastCheckpoint(ctx context.Context) error
}

// ErrNoActiveTransaction is returned by Commit and Rollback while IDLE.
var ErrNoActiveTransaction = errors.New("no active transaction")

// State names the manager's state.
type State string

const (
	StateIdle   State = "IDLE"
	StateActive State = "ACTIVE"
)

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	State     State     `json:"state"`
	Active    bool      `json:"active"`
	Label     string    `json:"label,omitempty"`
	StepCount int       `json:"step_count"`
	StartedAt time.Time `json:"started_at,omitempty"`
	// Implicit is true while a single-step checkpoint for a mutation
	// outside any transaction is outstanding.
	Implicit bool `json:"implicit,omitempty"`
}

// Manager owns the single transaction slot.
type Manager struct {
	mu       sync.Mutex
	undo     UndoService
	active   bool
	label    string
	steps    int
	started  time.Time
	implicit bool
	clock    func() time.Time
	logger   *slog.Logger
}

// NewManager creates an idle manager over undo.
func NewManager(undo UndoService) *Manager {
	return &Manager{
		undo:   undo,
		clock:  time.Now,
		logger: slog.Default().With("component", "transaction"),
	}
}

// Begin opens a transaction labelled label by taking a checkpoint. It
// returns false without touching the host when one is already active.
func (m *Manager) Begin(ctx context.Context, label string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		m.logger.DebugContext(ctx, "begin ignored, transaction already active", "label", m.label)
		return false, nil
	}
	if label == "" {
		label = "transaction"
	}
	if err := m.undo.Checkpoint(ctx, "BEGIN: "+label); err != nil {
		return false, fmt.Errorf("transaction: checkpoint before begin: %w", err)
	}
	m.active = true
	m.label = label
	m.steps = 0
	m.started = m.clock().UTC()
	m.implicit = false
	m.logger.InfoContext(ctx, "transaction begun", "label", label)
	return true, nil
}

// BeforeMutation is called before every mutating dispatch. Inside a
// transaction it only counts the step. Outside it takes a single-step
// checkpoint labelled with the kind.
func (m *Manager) BeforeMutation(ctx context.Context, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		m.steps++
		return nil
	}
	if err := m.undo.Checkpoint(ctx, "VIBE: "+kind); err != nil {
		return fmt.Errorf("transaction: implicit checkpoint for %s: %w", kind, err)
	}
	m.implicit = true
	return nil
}

// AfterMutation clears the implicit checkpoint marker once a mutation
// outside a transaction has completed.
func (m *Manager) AfterMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.implicit = false
}

// AbortImplicit reverts the single-step checkpoint of a failed mutation
// made outside a transaction. It is a no-op inside a transaction, where the
// caller decides whether to roll back the whole unit.
func (m *Manager) AbortImplicit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active || !m.implicit {
		return nil
	}
	m.implicit = false
	if err := m.undo.RevertToLastCheckpoint(ctx); err != nil {
		return fmt.Errorf("transaction: revert failed mutation: %w", err)
	}
	return nil
}

// Commit finalizes the active transaction as one named unit.
func (m *Manager) Commit(ctx context.Context, rationale string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return m.snapshotLocked(), ErrNoActiveTransaction
	}
	name := "COMMIT: " + m.label
	if rationale != "" {
		name += " (" + rationale + ")"
	}
	if err := m.undo.Checkpoint(ctx, name); err != nil {
		return m.snapshotLocked(), fmt.Errorf("transaction: commit checkpoint: %w", err)
	}
	done := m.snapshotLocked()
	m.logger.InfoContext(ctx, "transaction committed", "label", m.label, "steps", m.steps)
	m.reset()
	return done, nil
}

// Rollback reverts the host to the checkpoint taken at Begin in one step.
// The manager returns to IDLE even when the revert fails, since the host
// state is then unknown and a new transaction must start from a fresh
// checkpoint.
func (m *Manager) Rollback(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return m.snapshotLocked(), ErrNoActiveTransaction
	}
	done := m.snapshotLocked()
	label, steps := m.label, m.steps
	m.reset()
	if err := m.undo.RevertToLastCheckpoint(ctx); err != nil {
		m.logger.ErrorContext(ctx, "rollback failed", "label", label, "steps", steps, "error", err)
		return done, fmt.Errorf("transaction: rollback: %w", err)
	}
	m.logger.InfoContext(ctx, "transaction rolled back", "label", label, "steps", steps)
	return done, nil
}

// Active reports whether a transaction is open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{State: StateIdle, Active: m.active, Implicit: m.implicit}
	if m.active {
		s.State = StateActive
		s.Label = m.label
		s.StepCount = m.steps
		s.StartedAt = m.started
	}
	return s
}

func (m *Manager) reset() {
	m.active = false
	m.label = ""
	m.steps = 0
	m.started = time.Time{}
	m.implicit = false
}
