package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// OpenDB opens and pings a database for the dialect. SQLite is limited to
// a single connection so writes serialize.
func OpenDB(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("store: unknown dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	return db, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLPolicyStore keeps the policy state in a single row.
type SQLPolicyStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLPolicyStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLPolicyStore, error) {
	s := &SQLPolicyStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLPolicyStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_state (
		id INTEGER PRIMARY KEY,
		version BIGINT NOT NULL,
		state TEXT NOT NULL,
		checksum TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("policy store: migrate: %w", err)
	}
	return nil
}

func (s *SQLPolicyStore) Load(ctx context.Context) (*governance.PolicyState, error) {
	var raw, checksum string
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `SELECT state, checksum FROM policy_state WHERE id = ?`), 1).Scan(&raw, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy store: select: %w", err)
	}
	var st governance.PolicyState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("policy store: decode state: %w", err)
	}
	sum, err := canonicalize.CanonicalHash(st)
	if err != nil {
		return nil, fmt.Errorf("policy store: checksum compute: %w", err)
	}
	if sum != checksum {
		return nil, fmt.Errorf("%w: policy_state row", ErrChecksumMismatch)
	}
	return &st, nil
}

func (s *SQLPolicyStore) Save(ctx context.Context, st *governance.PolicyState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("policy store: encode state: %w", err)
	}
	sum, err := canonicalize.CanonicalHash(st)
	if err != nil {
		return fmt.Errorf("policy store: checksum compute: %w", err)
	}
	query := `
	INSERT INTO policy_state (id, version, state, checksum, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		version = excluded.version,
		state = excluded.state,
		checksum = excluded.checksum,
		updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, rebind(s.dialect, query),
		1, st.Version, string(raw), sum, st.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("policy store: upsert: %w", err)
	}
	return nil
}

// SQLLedgerStorage stores ledger entries one per row keyed by sequence.
type SQLLedgerStorage struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLLedgerStorage(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLedgerStorage, error) {
	s := &SQLLedgerStorage{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLLedgerStorage) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_ledger (
		seq BIGINT PRIMARY KEY,
		ts TEXT NOT NULL,
		command_id TEXT NOT NULL DEFAULT '',
		command_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ledger sql: migrate: %w", err)
	}
	return nil
}

func (s *SQLLedgerStorage) Append(ctx context.Context, e audit.Entry) error {
	query := `
	INSERT INTO audit_ledger (seq, ts, command_id, command_kind, status, reason, result_summary, payload, prev_hash, entry_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, query),
		e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano), e.CommandID, e.Kind, string(e.Status),
		e.Reason, e.Summary, string(e.Payload), e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("ledger sql: insert entry %d: %w", e.Seq, err)
	}
	return nil
}

func (s *SQLLedgerStorage) Entries(ctx context.Context) ([]audit.Entry, error) {
	query := `
	SELECT seq, ts, command_id, command_kind, status, reason, result_summary, payload, prev_hash, entry_hash
	FROM audit_ledger
	ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger sql: select: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			ts      string
			status  string
			payload string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.CommandID, &e.Kind, &status, &e.Reason, &e.Summary, &payload, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("ledger sql: scan: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("ledger sql: entry %d timestamp: %w", e.Seq, err)
		}
		e.Status = contracts.Status(status)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger sql: rows: %w", err)
	}
	return entries, nil
}

// SQLTrustStore keeps approved script hashes in a table.
type SQLTrustStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLTrustStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLTrustStore, error) {
	s := &SQLTrustStore{db: db, dialect: dialect}
	query := `
	CREATE TABLE IF NOT EXISTS trusted_signatures (
		hash TEXT PRIMARY KEY,
		approved_at TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	);`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("trust sql: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLTrustStore) Lookup(ctx context.Context, hash string) (securitygate.TrustRecord, bool, error) {
	var ts, reason string
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `SELECT approved_at, reason FROM trusted_signatures WHERE hash = ?`), hash).Scan(&ts, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return securitygate.TrustRecord{}, false, nil
	}
	if err != nil {
		return securitygate.TrustRecord{}, false, fmt.Errorf("trust sql: select: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return securitygate.TrustRecord{}, false, fmt.Errorf("trust sql: timestamp: %w", err)
	}
	return securitygate.TrustRecord{Timestamp: at, Reason: reason}, true, nil
}

func (s *SQLTrustStore) Put(ctx context.Context, hash string, rec securitygate.TrustRecord) error {
	query := `
	INSERT INTO trusted_signatures (hash, approved_at, reason)
	VALUES (?, ?, ?)
	ON CONFLICT (hash) DO UPDATE SET approved_at = excluded.approved_at, reason = excluded.reason`
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, query), hash, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Reason)
	if err != nil {
		return fmt.Errorf("trust sql: upsert: %w", err)
	}
	return nil
}
