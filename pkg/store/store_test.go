package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleState() *governance.PolicyState {
	return &governance.PolicyState{
		Version:         4,
		Tier:            governance.TierReadOnly,
		Budget:          37,
		LastReplenish:   t0,
		FailureCount:    3,
		LastMutation:    t0.Add(-time.Minute),
		HostFingerprint: "host-a",
		SessionID:       "5b0c3c7e-1f0e-4d55-9f38-5e0d43a1b2c4",
		LastReason:      governance.ReasonIntentMismatch,
		UpdatedAt:       t0,
	}
}

func recordThree(t *testing.T, l *audit.Ledger) {
	t.Helper()
	ctx := context.Background()
	for i, kind := range []string{"transform", "modifier_op", "scene_query"} {
		_, err := l.Record(ctx, audit.Record{
			CommandID: "cmd-" + kind,
			Kind:      kind,
			Status:    contracts.StatusSuccess,
			Summary:   "ok",
			Payload:   map[string]any{"step": i, "name": "Cube"},
		})
		require.NoError(t, err)
	}
}

func TestFilePolicyStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "policy_state.json")
	s := NewFilePolicyStore(path)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "missing file means no state yet")

	want := sampleState()
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Budget, got.Budget)
	assert.Equal(t, want.Tier, got.Tier)
	assert.True(t, want.LastMutation.Equal(got.LastMutation))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFilePolicyStore_TamperFailsClosed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy_state.json")
	s := NewFilePolicyStore(path)
	require.NoError(t, s.Save(ctx, sampleState()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := regexp.MustCompile(`"budget": 37`).ReplaceAll(raw, []byte(`"budget": 100`))
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = s.Load(ctx)
	assert.Error(t, err)
}

func TestFileLedgerStorage_ReopenVerifies(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit_ledger.jsonl")

	l, err := audit.Open(ctx, NewFileLedgerStorage(path))
	require.NoError(t, err)
	recordThree(t, l)
	head := l.Head()

	reopened, err := audit.Open(ctx, NewFileLedgerStorage(path))
	require.NoError(t, err)
	assert.Equal(t, head, reopened.Head())
	assert.Equal(t, int64(3), reopened.Size())
	require.NoError(t, reopened.Verify(ctx))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, regexp.MustCompile(`"Cube"`).ReplaceAll(raw, []byte(`"Cone"`)), 0o600))
	_, err = audit.Open(ctx, NewFileLedgerStorage(path))
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}

func TestFileTrustStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trusted_signatures.json")
	s := NewFileTrustStore(path)

	_, ok, err := s.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "abc", securitygate.TrustRecord{Timestamp: t0, Reason: "reviewed"}))
	require.NoError(t, s.Put(ctx, "def", securitygate.TrustRecord{Timestamp: t0, Reason: "second"}))

	rec, ok, err := NewFileTrustStore(path).Lookup(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reviewed", rec.Reason)
	assert.True(t, t0.Equal(rec.Timestamp))
}

func TestFileTrustStore_WithGate(t *testing.T) {
	ctx := context.Background()
	s := NewFileTrustStore(filepath.Join(t.TempDir(), "trust.json"))
	gate := securitygate.New(s)
	script := "import os\nos.system('ls')\n"

	require.False(t, gate.Audit(ctx, script).Safe())
	_, err := gate.Trust(ctx, script, "operator approved")
	require.NoError(t, err)
	assert.True(t, gate.Audit(ctx, script).Safe())
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "vibe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLitePolicyStore(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	s, err := NewSQLPolicyStore(ctx, db, DialectSQLite)
	require.NoError(t, err)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := sampleState()
	require.NoError(t, s.Save(ctx, want))
	want.Budget = 12
	want.Version++
	require.NoError(t, s.Save(ctx, want))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12, got.Budget)
	assert.Equal(t, int64(5), got.Version)

	_, err = db.ExecContext(ctx, `UPDATE policy_state SET state = replace(state, '"budget":12', '"budget":99')`)
	require.NoError(t, err)
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSQLiteLedgerStorage(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	storage, err := NewSQLLedgerStorage(ctx, db, DialectSQLite)
	require.NoError(t, err)

	l, err := audit.Open(ctx, storage)
	require.NoError(t, err)
	recordThree(t, l)

	reopened, err := audit.Open(ctx, storage)
	require.NoError(t, err)
	assert.Equal(t, l.Head(), reopened.Head())

	_, err = db.ExecContext(ctx, `UPDATE audit_ledger SET status = 'BLOCKED' WHERE seq = 2`)
	require.NoError(t, err)
	_, err = audit.Open(ctx, storage)
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}

func TestSQLiteTrustStore(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	s, err := NewSQLTrustStore(ctx, db, DialectSQLite)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "abc", securitygate.TrustRecord{Timestamp: t0, Reason: "first"}))
	require.NoError(t, s.Put(ctx, "abc", securitygate.TrustRecord{Timestamp: t0, Reason: "again"}))
	rec, ok, err := s.Lookup(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "again", rec.Reason)

	_, ok, err = s.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresPolicyStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS policy_state").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLPolicyStore(context.Background(), db, DialectPostgres)
	require.NoError(t, err)

	st := sampleState()
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5)")).
		WithArgs(1, st.Version, sqlmock.AnyArg(), sqlmock.AnyArg(), st.UpdatedAt.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Save(context.Background(), st))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, checksum FROM policy_state WHERE id = $1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"state", "checksum"}))
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerStorage_AppendFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_ledger").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT seq, ts").WillReturnRows(sqlmock.NewRows([]string{
		"seq", "ts", "command_id", "command_kind", "status", "reason", "result_summary", "payload", "prev_hash", "entry_hash",
	}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_ledger")).WillReturnError(assert.AnError)

	storage, err := NewSQLLedgerStorage(context.Background(), db, DialectPostgres)
	require.NoError(t, err)
	l, err := audit.Open(context.Background(), storage)
	require.NoError(t, err)

	_, err = l.Record(context.Background(), audit.Record{Kind: "transform", Status: contracts.StatusSuccess})
	var sf *contracts.StorageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, audit.GenesisHash, l.Head(), "head does not move on a rejected append")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebind(DialectPostgres, q))
}

func TestRedisTrustStore(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	key := "vibebridge:test:" + t.Name()
	defer client.Del(ctx, key)

	s := NewRedisTrustStore(client, key)
	_, ok, err := s.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "abc", securitygate.TrustRecord{Timestamp: t0, Reason: "shared"}))
	rec, ok, err := s.Lookup(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shared", rec.Reason)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	cfg := &config.Config{RootDir: root, StoreBackend: "file", TrustBackend: "file"}
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &FilePolicyStore{}, b.Policy)
	assert.IsType(t, &FileLedgerStorage{}, b.Ledger)
	require.NoError(t, b.Close())

	cfg = &config.Config{RootDir: root, StoreBackend: "sqlite", SQLitePath: filepath.Join(root, "db", "vibe.db"), TrustBackend: "sql"}
	b, err = Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLPolicyStore{}, b.Policy)
	assert.IsType(t, &SQLTrustStore{}, b.Trust)
	require.NoError(t, b.Close())

	_, err = Open(ctx, &config.Config{RootDir: root, StoreBackend: "mongo"})
	assert.Error(t, err)
	_, err = Open(ctx, &config.Config{RootDir: root, StoreBackend: "file", TrustBackend: "sql"})
	assert.Error(t, err)
}
