package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

func ledgerWith(t *testing.T, n int) *audit.Ledger {
	t.Helper()
	ctx := context.Background()
	l, err := audit.Open(ctx, audit.NewMemoryStorage())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Record(ctx, audit.Record{Kind: "transform", Status: contracts.StatusSuccess, Payload: map[string]any{"i": i}})
		require.NoError(t, err)
	}
	return l
}

func TestShip_FileSink(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "archive")
	l := ledgerWith(t, 5)

	loc, b, err := Ship(ctx, l, NewFileSink(dir), audit.Filter{StartSeq: 2, EndSeq: 4})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ObjectName(b)), loc)
	assert.Equal(t, 3, b.EntryCount)

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var back audit.Bundle
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, audit.VerifyBundle(&back))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestShip_EmptyLedger(t *testing.T) {
	_, _, err := Ship(context.Background(), ledgerWith(t, 0), NewFileSink(t.TempDir()), audit.Filter{})
	assert.ErrorIs(t, err, audit.ErrEmptyBundle)
}

func TestFileSink_RejectsTraversal(t *testing.T) {
	_, err := NewFileSink(t.TempDir()).Put(context.Background(), "../escape.json", []byte("{}"))
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := ParseTarget(ctx, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	s, err = ParseTarget(ctx, "file://"+dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.(*FileSink).dir)

	_, err = ParseTarget(ctx, "")
	assert.Error(t, err)
	_, err = ParseTarget(ctx, "ftp://host/x")
	assert.Error(t, err)
	_, err = ParseTarget(ctx, "s3:///prefix")
	assert.Error(t, err)
	_, err = ParseTarget(ctx, "gs:///prefix")
	assert.Error(t, err)
}

func TestParseTarget_S3(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	s, err := ParseTarget(context.Background(), "s3://ledger-archive/vibe?region=eu-west-1&endpoint=http://127.0.0.1:9000")
	require.NoError(t, err)
	sink := s.(*S3Sink)
	assert.Equal(t, "ledger-archive", sink.bucket)
	assert.Equal(t, "vibe/", sink.prefix)
}
