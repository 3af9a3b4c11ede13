package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
)

// BundleVersion is the evidence bundle format version.
const BundleVersion = "1.0.0"

// Filter selects a contiguous range of entries by sequence number. Zero
// bounds are open.
type Filter struct {
	StartSeq int64 `json:"start_seq,omitempty"`
	EndSeq   int64 `json:"end_seq,omitempty"`
}

func (f Filter) matches(e Entry) bool {
	if f.StartSeq > 0 && e.Seq < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Seq > f.EndSeq {
		return false
	}
	return true
}

// Bundle is a self-verifying export of a ledger range, suitable for
// archival.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   int64     `json:"start_sequence"`
	EndSeq     int64     `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []Entry   `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ErrEmptyBundle is returned when nothing matches the export filter.
var ErrEmptyBundle = errors.New("audit: no entries match filter")

// ExportBundle verifies the full chain and then packages the entries
// selected by filter.
func (l *Ledger) ExportBundle(ctx context.Context, filter Filter) (*Bundle, error) {
	if err := l.Verify(ctx); err != nil {
		return nil, fmt.Errorf("audit: refusing to export: %w", err)
	}
	all, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var selected []Entry
	for _, e := range all {
		if filter.matches(e) {
			selected = append(selected, e)
		}
	}
	if len(selected) == 0 {
		return nil, ErrEmptyBundle
	}

	b := &Bundle{
		BundleID:   uuid.NewString(),
		Version:    BundleVersion,
		CreatedAt:  l.clock().UTC(),
		StartSeq:   selected[0].Seq,
		EndSeq:     selected[len(selected)-1].Seq,
		EntryCount: len(selected),
		Entries:    selected,
		ChainHead:  selected[len(selected)-1].EntryHash,
	}
	if b.BundleHash, err = canonicalize.CanonicalHash(b.Entries); err != nil {
		return nil, fmt.Errorf("audit: hash bundle: %w", err)
	}
	return b, nil
}

// VerifyBundle checks the bundle hash and that every entry chains to the
// one before it. The first entry must chain from genesis when the bundle
// starts at sequence 1.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyBundle
	}
	computed, err := canonicalize.CanonicalHash(b.Entries)
	if err != nil {
		return fmt.Errorf("audit: hash bundle: %w", err)
	}
	if computed != b.BundleHash {
		return errors.New("audit: bundle hash mismatch")
	}
	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("audit: bundle claims %d entries, has %d", b.EntryCount, len(b.Entries))
	}
	first := b.Entries[0]
	if first.Seq == 1 && first.PrevHash != GenesisHash {
		return fmt.Errorf("%w: first entry does not chain from genesis", ErrChainBroken)
	}
	if err := verifyFrom(b.Entries, first.PrevHash, first.Seq); err != nil {
		return err
	}
	if b.ChainHead != b.Entries[len(b.Entries)-1].EntryHash {
		return fmt.Errorf("%w: bundle chain head mismatch", ErrChainBroken)
	}
	return nil
}
