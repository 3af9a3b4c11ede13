package hostsim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/fingerprint"
)

var testInfo = fingerprint.HostInfo{Version: "4.1.0", Platform: "linux", Extensions: []string{"rigify"}}

func TestSim_CheckpointRevertRestoresHash(t *testing.T) {
	ctx := context.Background()
	s := New(testInfo)
	_, err := s.Execute(ctx, "transform", map[string]any{"target": "Cube", "location": []any{0, 0, 1}})
	require.NoError(t, err)
	before := s.StateHash()

	require.NoError(t, s.Checkpoint(ctx, "BEGIN: x"))
	_, err = s.Execute(ctx, "transform", map[string]any{"target": "Cube", "location": []any{5, 5, 5}})
	require.NoError(t, err)
	_, err = s.Execute(ctx, "light_op", map[string]any{"target": "Key", "energy": 100})
	require.NoError(t, err)
	assert.NotEqual(t, before, s.StateHash())

	require.NoError(t, s.RevertToLastCheckpoint(ctx))
	assert.Equal(t, before, s.StateHash())
	_, ok := s.Object("Key")
	assert.False(t, ok)

	assert.ErrorIs(t, s.RevertToLastCheckpoint(ctx), ErrNoCheckpoint)
}

func TestSim_ReadsDoNotMutate(t *testing.T) {
	ctx := context.Background()
	s := New(testInfo)
	before := s.StateHash()
	out, err := s.Execute(ctx, "scene_query", nil)
	require.NoError(t, err)
	assert.Equal(t, before, s.StateHash())
	assert.Equal(t, []string{DefaultTarget}, out.(map[string]any)["objects"])
	assert.Equal(t, before, out.(map[string]any)["scene_hash"])
}

func TestSim_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New(testInfo)
	boom := errors.New("boom")

	s.Inject("mesh_op", Fault{Err: boom, Remaining: 1})
	_, err := s.Execute(ctx, "mesh_op", map[string]any{"x": 1})
	assert.ErrorIs(t, err, boom)
	_, err = s.Execute(ctx, "mesh_op", map[string]any{"x": 1})
	assert.NoError(t, err, "single-shot fault clears itself")

	before := s.StateHash()
	s.Inject("bake_op", Fault{Apply: true})
	_, err = s.Execute(ctx, "bake_op", map[string]any{"resolution": 1024})
	assert.Error(t, err)
	assert.NotEqual(t, before, s.StateHash(), "apply faults leave partial effects")

	s.Inject("render_op", Fault{Panic: true})
	assert.Panics(t, func() { _, _ = s.Execute(ctx, "render_op", nil) })

	s.FailCheckpoints(boom)
	assert.ErrorIs(t, s.Checkpoint(ctx, "x"), boom)
	s.Clear()
	assert.NoError(t, s.Checkpoint(ctx, "x"))
	assert.Equal(t, []string{"mesh_op", "mesh_op", "bake_op", "render_op"}, s.Calls())
}

func TestSim_HostInfoDrift(t *testing.T) {
	ctx := context.Background()
	s := New(testInfo)
	fp := fingerprint.New(s)
	a, err := fp.Fingerprint(ctx)
	require.NoError(t, err)

	s.SetHostInfo(fingerprint.HostInfo{Version: "4.2.0", Platform: "linux", Extensions: []string{"rigify"}})
	b, err := fp.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSim_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testInfo).Execute(ctx, "transform", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
