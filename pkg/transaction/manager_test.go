package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stackUndo snapshots an integer "scene" so reverts can be checked.
type stackUndo struct {
	scene       int
	stack       []int
	labels      []string
	reverts     int
	failRevert  bool
	failCheckpt bool
}

func (u *stackUndo) Checkpoint(_ context.Context, label string) error {
	if u.failCheckpt {
		return errors.New("undo stack unavailable")
	}
	u.stack = append(u.stack, u.scene)
	u.labels = append(u.labels, label)
	return nil
}

func (u *stackUndo) RevertToLastCheckpoint(context.Context) error {
	u.reverts++
	if u.failRevert {
		return errors.New("revert failed")
	}
	if len(u.stack) == 0 {
		return errors.New("nothing to revert")
	}
	u.scene = u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return nil
}

func TestManager_RollbackRestoresPreBeginState(t *testing.T) {
	ctx := context.Background()
	undo := &stackUndo{scene: 7}
	m := NewManager(undo)

	opened, err := m.Begin(ctx, "rig pass")
	require.NoError(t, err)
	require.True(t, opened)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.BeforeMutation(ctx, "modifier_op"))
		undo.scene += 10
		m.AfterMutation()
	}
	assert.Equal(t, 3, m.Snapshot().StepCount)
	assert.Len(t, undo.stack, 1, "mutations inside a transaction share the begin checkpoint")

	done, err := m.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, done.StepCount)
	assert.Equal(t, 7, undo.scene)
	assert.Equal(t, 1, undo.reverts)
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestManager_BeginWhileActiveIsNoop(t *testing.T) {
	ctx := context.Background()
	undo := &stackUndo{}
	m := NewManager(undo)

	_, err := m.Begin(ctx, "outer")
	require.NoError(t, err)
	opened, err := m.Begin(ctx, "inner")
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, "outer", m.Snapshot().Label)
	assert.Len(t, undo.labels, 1)
}

func TestManager_CommitNamesUnit(t *testing.T) {
	ctx := context.Background()
	undo := &stackUndo{}
	m := NewManager(undo)

	_, err := m.Begin(ctx, "lighting")
	require.NoError(t, err)
	require.NoError(t, m.BeforeMutation(ctx, "lighting_op"))

	done, err := m.Commit(ctx, "three-point setup")
	require.NoError(t, err)
	assert.Equal(t, 1, done.StepCount)
	assert.Equal(t, "COMMIT: lighting (three-point setup)", undo.labels[len(undo.labels)-1])
	assert.False(t, m.Active())

	_, err = m.Commit(ctx, "")
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	_, err = m.Rollback(ctx)
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
}

func TestManager_ImplicitCheckpointPerMutation(t *testing.T) {
	ctx := context.Background()
	undo := &stackUndo{scene: 1}
	m := NewManager(undo)

	require.NoError(t, m.BeforeMutation(ctx, "transform"))
	assert.True(t, m.Snapshot().Implicit)
	undo.scene = 2
	m.AfterMutation()
	assert.False(t, m.Snapshot().Implicit)

	require.NoError(t, m.BeforeMutation(ctx, "transform"))
	undo.scene = 99
	require.NoError(t, m.AbortImplicit(ctx))
	assert.Equal(t, 2, undo.scene, "a failed mutation outside a transaction is reverted on its own")
	assert.Equal(t, []string{"VIBE: transform", "VIBE: transform"}, undo.labels)

	require.NoError(t, m.AbortImplicit(ctx))
	assert.Equal(t, 1, undo.reverts, "abort without an outstanding checkpoint does nothing")
}

func TestManager_AbortImplicitInsideTransactionIsNoop(t *testing.T) {
	ctx := context.Background()
	undo := &stackUndo{}
	m := NewManager(undo)
	_, err := m.Begin(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.BeforeMutation(ctx, "mesh_op"))
	require.NoError(t, m.AbortImplicit(ctx))
	assert.Zero(t, undo.reverts)
	assert.Equal(t, "transaction", m.Snapshot().Label)
}

func TestManager_CollaboratorFailures(t *testing.T) {
	ctx := context.Background()
	undo := &stackUndo{failCheckpt: true}
	m := NewManager(undo)

	_, err := m.Begin(ctx, "x")
	assert.Error(t, err)
	assert.False(t, m.Active())
	assert.Error(t, m.BeforeMutation(ctx, "transform"))

	undo.failCheckpt = false
	_, err = m.Begin(ctx, "x")
	require.NoError(t, err)
	undo.failRevert = true
	_, err = m.Rollback(ctx)
	assert.Error(t, err)
	assert.False(t, m.Active(), "a failed rollback still leaves the slot free")
}
