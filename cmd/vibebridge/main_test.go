package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("VIBE_ROOT", root)
	t.Setenv("VIBE_POLL_INTERVAL", "10ms")
	t.Setenv("VIBE_CLIENT_TIMEOUT", "10s")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("VIBE_ADMIN_SECRET", "")
	t.Setenv("VIBE_BRIDGE_TOKEN", "")
	t.Setenv("VIBE_POLICY_PROFILE", "")
	t.Setenv("VIBE_STORE", "file")
	t.Setenv("VIBE_TRUST_STORE", "file")
	return root
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"vibebridge"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	setupEnv(t)

	code, out, _ := runCLI(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "audit-script")

	code, out, _ = runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)

	code, _, errOut := runCLI(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")

	code, _, _ = runCLI(t)
	assert.Equal(t, 2, code)
}

func TestCheckShell(t *testing.T) {
	setupEnv(t)

	code, out, _ := runCLI(t, "check-shell", "ls", "-la")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "allowed")

	code, out, _ = runCLI(t, "check-shell", "curl", "http://example.com")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, strings.TrimSpace(out))

	code, _, _ = runCLI(t, "check-shell")
	assert.Equal(t, 2, code)
}

func TestAuditScript(t *testing.T) {
	root := setupEnv(t)
	path := filepath.Join(root, "evil.py")
	require.NoError(t, os.WriteFile(path, []byte("import os\nos.system('ls')\n"), 0o600))

	code, out, _ := runCLI(t, "audit-script", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "'os'")

	code, out, _ = runCLI(t, "audit-script", "--trust", "--reason", "reviewed", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "trusted")

	code, out, _ = runCLI(t, "audit-script", path)
	assert.Equal(t, 0, code, "approved content skips analysis")
	assert.Contains(t, out, "trusted")

	safe := filepath.Join(root, "safe.py")
	require.NoError(t, os.WriteFile(safe, []byte("x = 1 + 2\n"), 0o600))
	code, out, _ = runCLI(t, "audit-script", safe)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "safe")
}

func TestGovernanceToken(t *testing.T) {
	setupEnv(t)

	code, _, errOut := runCLI(t, "governance", "token")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "VIBE_ADMIN_SECRET")

	t.Setenv("VIBE_ADMIN_SECRET", "cli-tests-admin-secret-0123456789abcdef")
	code, out, _ := runCLI(t, "governance", "token", "--actor", "tester")
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}

func TestHostRefusesWithoutExecutor(t *testing.T) {
	setupEnv(t)
	code, _, errOut := runCLI(t, "host")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--simulate")
}

func TestHostSubmitEndToEnd(t *testing.T) {
	setupEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hostDone := make(chan int, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		hostDone <- run(ctx, []string{"vibebridge", "host", "--simulate", "--api=false"}, &stdout, &stderr)
	}()

	code, out, errOut := runCLI(t, "submit", "--kind", "transform", "--intent", "scene_setup",
		"--payload", `{"target": "Cube", "location": [1, 2, 3]}`)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"SUCCESS"`)

	// stay clear of the mutation rate floor
	time.Sleep(300 * time.Millisecond)
	code, out, _ = runCLI(t, "submit", "--kind", "modifier_op", "--intent", "OPTIMIZE",
		"--payload", `{"mod_type": "SUBSURF", "levels": 5}`)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "SUBDIVISION_CAP")

	cancel()
	select {
	case code := <-hostDone:
		require.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("host did not stop")
	}

	code, out, _ = runCLI(t, "ledger", "verify")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "OK: 2 entries")

	code, out, _ = runCLI(t, "governance", "status")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"budget": 99`)
	assert.Contains(t, out, `"failure_count": 1`)

	bundle := filepath.Join(t.TempDir(), "bundle.json")
	code, _, errOut = runCLI(t, "ledger", "export", "--out", bundle)
	require.Equal(t, 0, code, errOut)
	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entry_count": 2`)

	archiveDir := t.TempDir()
	code, out, errOut = runCLI(t, "ledger", "export", "--archive", archiveDir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "archived 2 entries")
}
