// Package audit implements the append-only, hash-chained ledger of every
// governance decision and execution outcome.
//
// Each entry's hash is the SHA-256 of the canonical JSON of all its stored
// fields, including the previous entry's hash. The first entry chains from
// GenesisHash. Altering any single stored field of any entry breaks
// verification from that entry onward.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "genesis"

var (
	ErrChainBroken = errors.New("hash chain is broken")
	ErrEmptyKind   = errors.New("audit: command kind must not be empty")
)

// Entry is one immutable ledger record.
type Entry struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"ts"`
	CommandID string           `json:"command_id,omitempty"`
	Kind      string           `json:"command_kind"`
	Status    contracts.Status `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Summary   string           `json:"result_summary,omitempty"`
	Payload   json.RawMessage  `json:"payload"`
	PrevHash  string           `json:"prev_hash"`
	EntryHash string           `json:"entry_hash"`
}

// Record is what the kernel asks the ledger to append.
type Record struct {
	CommandID string
	Kind      string
	Status    contracts.Status
	Reason    string
	Summary   string
	Payload   map[string]any
}

// Storage is the durable append-only backing of a ledger. Entries must be
// returned in append order.
type Storage interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
}

// ComputeHash returns the digest an entry's EntryHash must equal.
func ComputeHash(e Entry) (string, error) {
	hashable := struct {
		PrevHash  string           `json:"prev_hash"`
		Kind      string           `json:"command_kind"`
		Payload   json.RawMessage  `json:"payload"`
		Status    contracts.Status `json:"status"`
		Seq       int64            `json:"seq"`
		Timestamp string           `json:"ts"`
		CommandID string           `json:"command_id"`
		Reason    string           `json:"reason"`
		Summary   string           `json:"result_summary"`
	}{
		PrevHash:  e.PrevHash,
		Kind:      e.Kind,
		Payload:   e.Payload,
		Status:    e.Status,
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		CommandID: e.CommandID,
		Reason:    e.Reason,
		Summary:   e.Summary,
	}
	if len(hashable.Payload) == 0 {
		hashable.Payload = json.RawMessage("null")
	}
	return canonicalize.CanonicalHash(hashable)
}

// Ledger is the single-writer hash chain.
type Ledger struct {
	mu      sync.RWMutex
	storage Storage
	head    string
	seq     int64
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source for entry timestamps.
func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// Open loads the existing chain from storage and verifies it. A broken
// chain is an error: the ledger refuses to append after tampering.
func Open(ctx context.Context, storage Storage, opts ...Option) (*Ledger, error) {
	if storage == nil {
		return nil, errors.New("audit: nil storage")
	}
	l := &Ledger{
		storage: storage,
		head:    GenesisHash,
		clock:   time.Now,
		logger:  slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	entries, err := storage.Entries(ctx)
	if err != nil {
		return nil, &contracts.StorageFailure{Store: "ledger", Err: err}
	}
	if err := VerifyEntries(entries); err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.head = entries[n-1].EntryHash
		l.seq = entries[n-1].Seq
	}
	l.logger.InfoContext(ctx, "ledger opened", "entries", len(entries), "head", l.head)
	return l, nil
}

// Record appends r and returns the new entry hash. The head only moves
// once storage has accepted the entry.
func (l *Ledger) Record(ctx context.Context, r Record) (string, error) {
	if r.Kind == "" {
		return "", ErrEmptyKind
	}
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.clock().UTC(),
		CommandID: r.CommandID,
		Kind:      r.Kind,
		Status:    r.Status,
		Reason:    r.Reason,
		Summary:   r.Summary,
		Payload:   canonical,
		PrevHash:  l.head,
	}
	if e.EntryHash, err = ComputeHash(e); err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	if err := l.storage.Append(ctx, e); err != nil {
		l.logger.ErrorContext(ctx, "ledger append failed", "seq", e.Seq, "kind", e.Kind, "error", err)
		return "", &contracts.StorageFailure{Store: "ledger", Err: err}
	}
	l.seq = e.Seq
	l.head = e.EntryHash
	return e.EntryHash, nil
}

// Head returns the hash of the last entry, or GenesisHash when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Size returns the number of entries.
func (l *Ledger) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Verify replays the stored log from genesis and checks it ends at the
// in-memory head.
func (l *Ledger) Verify(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := l.storage.Entries(ctx)
	if err != nil {
		return &contracts.StorageFailure{Store: "ledger", Err: err}
	}
	if err := VerifyEntries(entries); err != nil {
		return err
	}
	head := GenesisHash
	if n := len(entries); n > 0 {
		head = entries[n-1].EntryHash
	}
	if head != l.head {
		return fmt.Errorf("%w: stored head %s does not match ledger head %s", ErrChainBroken, head, l.head)
	}
	return nil
}

// Entries returns every stored entry in order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	return l.storage.Entries(ctx)
}

// VerifyEntries checks a complete log starting at genesis.
func VerifyEntries(entries []Entry) error {
	return verifyFrom(entries, GenesisHash, 1)
}

func verifyFrom(entries []Entry, prev string, seq int64) error {
	for i, e := range entries {
		if e.Seq != seq+int64(i) {
			return fmt.Errorf("%w: entry %d has seq %d, expected %d", ErrChainBroken, i, e.Seq, seq+int64(i))
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d has prev_hash %s but expected %s", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, e.Seq, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)", ErrChainBroken, e.Seq, computed, e.EntryHash)
		}
		prev = e.EntryHash
	}
	return nil
}

// MemoryStorage keeps entries in process.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStorage) Entries(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}
