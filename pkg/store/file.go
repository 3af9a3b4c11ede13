// Package store provides the durable backends for governance state, the
// audit ledger and the script trust cache: plain files, SQL (sqlite or
// postgres) and Redis.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

// ErrChecksumMismatch means a persisted record no longer matches its
// checksum.
var ErrChecksumMismatch = errors.New("store: checksum mismatch")

const policyRecordVersion = 1

type policyRecord struct {
	Version  int                    `json:"version"`
	State    governance.PolicyState `json:"state"`
	Checksum string                 `json:"checksum"`
}

// FilePolicyStore keeps the policy state as one JSON record, replaced
// atomically on every save.
type FilePolicyStore struct {
	mu   sync.Mutex
	path string
}

func NewFilePolicyStore(path string) *FilePolicyStore {
	return &FilePolicyStore{path: path}
}

func (s *FilePolicyStore) Load(_ context.Context) (*governance.PolicyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy store: read %s: %w", s.path, err)
	}
	var rec policyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("policy store: parse %s: %w", s.path, err)
	}
	if rec.Version != policyRecordVersion {
		return nil, fmt.Errorf("policy store: unsupported record version %d", rec.Version)
	}
	sum, err := canonicalize.CanonicalHash(rec.State)
	if err != nil {
		return nil, fmt.Errorf("policy store: checksum compute: %w", err)
	}
	if !strings.EqualFold(sum, rec.Checksum) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, s.path)
	}
	return &rec.State, nil
}

func (s *FilePolicyStore) Save(_ context.Context, st *governance.PolicyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := canonicalize.CanonicalHash(st)
	if err != nil {
		return fmt.Errorf("policy store: checksum compute: %w", err)
	}
	data, err := json.MarshalIndent(policyRecord{Version: policyRecordVersion, State: *st, Checksum: sum}, "", "  ")
	if err != nil {
		return fmt.Errorf("policy store: marshal: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o600)
}

// FileLedgerStorage appends one JSON entry per line and fsyncs each
// append.
type FileLedgerStorage struct {
	mu   sync.Mutex
	path string
}

func NewFileLedgerStorage(path string) *FileLedgerStorage {
	return &FileLedgerStorage{path: path}
}

func (s *FileLedgerStorage) Append(_ context.Context, e audit.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger file: marshal entry %d: %w", e.Seq, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ledger file: ensure dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("ledger file: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("ledger file: append entry %d: %w", e.Seq, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("ledger file: sync: %w", err)
	}
	return f.Close()
}

func (s *FileLedgerStorage) Entries(_ context.Context) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger file: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("ledger file: line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger file: read: %w", err)
	}
	return entries, nil
}

// FileTrustStore keeps approved hashes in one JSON object rewritten
// atomically on each approval.
type FileTrustStore struct {
	mu   sync.Mutex
	path string
}

func NewFileTrustStore(path string) *FileTrustStore {
	return &FileTrustStore{path: path}
}

func (s *FileTrustStore) read() (map[string]securitygate.TrustRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]securitygate.TrustRecord{}, nil
		}
		return nil, fmt.Errorf("trust store: read %s: %w", s.path, err)
	}
	records := map[string]securitygate.TrustRecord{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("trust store: parse %s: %w", s.path, err)
	}
	return records, nil
}

func (s *FileTrustStore) Lookup(_ context.Context, hash string) (securitygate.TrustRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.read()
	if err != nil {
		return securitygate.TrustRecord{}, false, err
	}
	rec, ok := records[hash]
	return rec, ok, nil
}

func (s *FileTrustStore) Put(_ context.Context, hash string, rec securitygate.TrustRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.read()
	if err != nil {
		return err
	}
	records[hash] = rec
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("trust store: marshal: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o600)
}

// writeFileAtomic writes data to a dot-prefixed temp file in the target
// directory, syncs it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
