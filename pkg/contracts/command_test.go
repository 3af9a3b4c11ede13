package contracts

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommand_Valid(t *testing.T) {
	cmd := NewCommand("modifier_op", IntentOptimize, map[string]any{"mod_type": "SUBSURF"})
	require.NoError(t, cmd.Validate())
}

func TestCommand_ValidateRejects(t *testing.T) {
	base := func() *Command {
		return NewCommand("transform", IntentSceneSetup, nil)
	}

	cmd := base()
	cmd.ID = "not-a-uuid"
	assert.ErrorIs(t, cmd.Validate(), ErrInvalidID)

	cmd = base()
	cmd.Kind = "Bad-Kind"
	assert.ErrorIs(t, cmd.Validate(), ErrInvalidKind)

	cmd = base()
	cmd.Intent = "DESTROY"
	assert.ErrorIs(t, cmd.Validate(), ErrInvalidIntent)

	cmd = base()
	cmd.SessionID = "nope"
	assert.ErrorIs(t, cmd.Validate(), ErrInvalidSession)

	cmd = base()
	cmd.Payload = map[string]any{"blob": strings.Repeat("x", MaxPayloadBytes)}
	assert.ErrorIs(t, cmd.Validate(), ErrPayloadTooBig)
}

func TestParseIntent(t *testing.T) {
	i, err := ParseIntent("")
	require.NoError(t, err)
	assert.Equal(t, IntentGeneral, i)

	i, err = ParseIntent("RIG")
	require.NoError(t, err)
	assert.Equal(t, IntentRig, i)

	_, err = ParseIntent("rig")
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestCommand_DigestStableAndContentSensitive(t *testing.T) {
	a := NewCommand("transform", IntentSceneSetup, map[string]any{"x": 1.0, "y": 2.0})
	b := *a
	b.Payload = map[string]any{"y": 2.0, "x": 1.0}

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db, "key order must not change the digest")

	b.Payload = map[string]any{"x": 1.0, "y": 3.0}
	db, err = b.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestClassOfAndRetryable(t *testing.T) {
	cases := []struct {
		err       error
		class     ErrorClass
		retryable bool
	}{
		{&PolicyDenied{Reason: "RATE_LIMIT"}, ClassPolicyDenied, false},
		{&SecurityViolation{Violations: []string{"x"}}, ClassSecurityViolation, false},
		{&ExecutionFailure{Kind: "transform", Err: errors.New("boom")}, ClassExecutionFailure, false},
		{fmt.Errorf("await: %w", ErrTimeout), ClassProtocolFailure, true},
		{&ProtocolFailure{Op: "submit", Err: ErrDuplicateID}, ClassProtocolFailure, false},
		{&StorageFailure{Store: "ledger", Err: errors.New("disk full")}, ClassStorageFailure, true},
		{ErrHalted, ClassStorageFailure, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.class, ClassOf(tc.err), tc.err.Error())
		assert.Equal(t, tc.retryable, Retryable(tc.err), tc.err.Error())
	}
	assert.Equal(t, ClassNone, ClassOf(nil))
}

func TestResultSummary(t *testing.T) {
	r := &Result{Reason: "RATE_LIMIT", Message: "too fast"}
	assert.Equal(t, "RATE_LIMIT: too fast", r.Summary())
	r = &Result{Message: "ok"}
	assert.Equal(t, "ok", r.Summary())
}
