package kernel

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/airlock"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/auth"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/fingerprint"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/hostsim"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/transaction"
)

const adminSecret = "kernel-tests-admin-secret-0123456789"

var errDisk = errors.New("disk full")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type flakyPolicyStore struct {
	governance.Store
	fail atomic.Bool
}

func (s *flakyPolicyStore) Save(ctx context.Context, st *governance.PolicyState) error {
	if s.fail.Load() {
		return errDisk
	}
	return s.Store.Save(ctx, st)
}

type flakyStorage struct {
	audit.Storage
	fail atomic.Bool
}

func (s *flakyStorage) Append(ctx context.Context, e audit.Entry) error {
	if s.fail.Load() {
		return errDisk
	}
	return s.Storage.Append(ctx, e)
}

type fixture struct {
	k       *Kernel
	reg     *Registry
	sim     *hostsim.Sim
	policy  *flakyPolicyStore
	storage *flakyStorage
	engine  *governance.Engine
	ledger  *audit.Ledger
	clock   *fakeClock
	admin   *auth.AdminAuthority
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		sim:     hostsim.New(fingerprint.HostInfo{Version: "4.1.0", Platform: "linux", Extensions: []string{"rigify"}}),
		policy:  &flakyPolicyStore{Store: governance.NewMemoryStore()},
		storage: &flakyStorage{Storage: audit.NewMemoryStorage()},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	var err error
	f.reg, err = DefaultRegistry()
	require.NoError(t, err)
	f.engine, err = governance.NewEngine(f.policy,
		governance.WithClock(f.clock.Now),
		governance.WithClassifier(f.reg),
		governance.WithPayloadChecker(f.reg),
		governance.WithFingerprinter(fingerprint.New(f.sim)),
		governance.WithGate(securitygate.New(securitygate.NewMemoryTrustStore())),
	)
	require.NoError(t, err)
	f.ledger, err = audit.Open(ctx, f.storage, audit.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.admin, err = auth.NewAdminAuthority(adminSecret)
	require.NoError(t, err)
	f.k = f.newKernel(t, f.ledger, opts...)
	return f
}

func (f *fixture) newKernel(t *testing.T, ledger *audit.Ledger, opts ...Option) *Kernel {
	t.Helper()
	base := []Option{WithClock(f.clock.Now), WithAdmin(f.admin)}
	k, err := New(context.Background(), Config{
		Registry:     f.reg,
		Engine:       f.engine,
		Transactions: transaction.NewManager(f.sim),
		Ledger:       ledger,
		Executor:     f.sim,
	}, append(base, opts...)...)
	require.NoError(t, err)
	return k
}

// exec steps the clock past the mutation rate floor and runs cmd.
func (f *fixture) exec(t *testing.T, cmd *contracts.Command) *contracts.Result {
	t.Helper()
	f.clock.Advance(time.Second)
	res := f.k.Execute(context.Background(), cmd)
	require.NotNil(t, res)
	return res
}

func (f *fixture) lastEntry(t *testing.T) audit.Entry {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func transform(target string, loc ...float64) *contracts.Command {
	vec := make([]any, len(loc))
	for i, v := range loc {
		vec[i] = v
	}
	return contracts.NewCommand("transform", contracts.IntentSceneSetup, map[string]any{"target": target, "location": vec})
}

func TestExecute_MutationSucceedsAndIsRecorded(t *testing.T) {
	f := newFixture(t)
	cmd := transform("Cube", 1, 2, 3)

	res := f.exec(t, cmd)
	require.Equal(t, contracts.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, cmd.ID, res.ID)
	assert.Equal(t, f.ledger.Head(), res.LedgerHash)
	assert.EqualValues(t, 1, f.ledger.Size())
	assert.False(t, res.CompletedAt.IsZero())

	obj, ok := f.sim.Object("Cube")
	require.True(t, ok)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, obj["location"])
	assert.Equal(t, []string{"VIBE: transform"}, f.sim.CheckpointLabels())

	snap := f.k.Snapshot()
	assert.Equal(t, 99, snap.Policy.Budget)
	assert.Equal(t, governance.TierFull, snap.Policy.Tier)
	assert.EqualValues(t, 1, snap.Processed)
	assert.Equal(t, res.LedgerHash, snap.LedgerHead)
	require.NotNil(t, snap.Last)
	assert.Equal(t, cmd.ID, snap.Last.ID)

	e := f.lastEntry(t)
	assert.Equal(t, contracts.StatusSuccess, e.Status)
	assert.Equal(t, cmd.ID, e.CommandID)
	require.NoError(t, f.ledger.Verify(context.Background()))
}

func TestExecute_ReplaysRedeliveredCommand(t *testing.T) {
	f := newFixture(t)
	cmd := transform("Cube", 1, 1, 1)

	first := f.exec(t, cmd)
	require.Equal(t, contracts.StatusSuccess, first.Status, first.Message)
	second := f.exec(t, cmd)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerHash, second.LedgerHash)
	assert.Equal(t, []string{"transform"}, f.sim.Calls())
	assert.EqualValues(t, 1, f.ledger.Size())
	assert.Equal(t, 99, f.k.Snapshot().Policy.Budget)
}

func TestExecute_ReusedIDWithDifferentContent(t *testing.T) {
	f := newFixture(t)
	cmd := transform("Cube", 1, 1, 1)
	require.Equal(t, contracts.StatusSuccess, f.exec(t, cmd).Status)

	forged := *cmd
	forged.Payload = map[string]any{"target": "Cube", "location": []any{9.0, 9.0, 9.0}}
	res := f.exec(t, &forged)

	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassProtocolFailure, res.ErrorClass)
	assert.Equal(t, string(governance.ReasonProtocolViolation), res.Reason)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, f.k.Snapshot().Policy.FailureCount)
	assert.EqualValues(t, 2, f.ledger.Size())
	assert.Equal(t, []string{"transform"}, f.sim.Calls())

	replay := f.exec(t, cmd)
	assert.True(t, replay.Replayed, "the original content still replays")
}

func TestExecute_RollbackRestoresPreBeginState(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, contracts.StatusSuccess, f.exec(t, transform("Cube", 0, 0, 0)).Status)
	before := f.sim.StateHash()

	begin := f.exec(t, contracts.NewCommand(KindBeginTransaction, contracts.IntentGeneral, map[string]any{"label": "blockout"}))
	require.Equal(t, contracts.StatusSuccess, begin.Status, begin.Message)
	assert.Equal(t, true, begin.Output.(map[string]any)["opened"])

	again := f.exec(t, contracts.NewCommand(KindBeginTransaction, contracts.IntentGeneral, nil))
	assert.Equal(t, false, again.Output.(map[string]any)["opened"], "begin while active is a no-op")

	steps := []*contracts.Command{
		transform("Cube", 5, 5, 5),
		contracts.NewCommand("lighting_op", contracts.IntentLight, map[string]any{"name": "Key", "energy": 100.0}),
		contracts.NewCommand("modifier_op", contracts.IntentOptimize, map[string]any{"name": "Cube", "mod_type": "SUBSURF", "levels": 2}),
	}
	for _, cmd := range steps {
		res := f.exec(t, cmd)
		require.Equal(t, contracts.StatusSuccess, res.Status, res.Message)
	}
	assert.NotEqual(t, before, f.sim.StateHash())
	assert.Equal(t, 3, f.k.Snapshot().Transaction.StepCount)

	rb := f.exec(t, contracts.NewCommand(KindRollbackTransaction, contracts.IntentGeneral, nil))
	require.Equal(t, contracts.StatusSuccess, rb.Status, rb.Message)
	assert.Equal(t, before, f.sim.StateHash())
	assert.False(t, f.k.Snapshot().Transaction.Active)
}

func TestExecute_CommitRequiresCurrentSceneHash(t *testing.T) {
	f := newFixture(t)
	f.k = f.newKernel(t, f.ledger, WithStateHasher(f.sim))
	stale := f.sim.StateHash()

	require.Equal(t, contracts.StatusSuccess, f.exec(t, contracts.NewCommand(KindBeginTransaction, contracts.IntentGeneral, nil)).Status)
	require.Equal(t, contracts.StatusSuccess, f.exec(t, transform("Cube", 2, 2, 2)).Status)

	commit := func(rationale any) *contracts.Result {
		return f.exec(t, contracts.NewCommand(KindCommitTransaction, contracts.IntentGeneral, map[string]any{"rationale": rationale}))
	}

	for name, rationale := range map[string]any{
		"plain text":   "looks right",
		"missing hash": map[string]any{"summary": "looks right"},
		"stale hash":   map[string]any{"summary": "looks right", "scene_hash": stale},
	} {
		res := commit(rationale)
		assert.Equal(t, contracts.StatusBlocked, res.Status, name)
		assert.Equal(t, string(ReasonSceneHashMismatch), res.Reason, name)
		assert.True(t, f.k.Snapshot().Transaction.Active, name)
	}

	read := f.exec(t, contracts.NewCommand("scene_query", contracts.IntentGeneral, nil))
	current := read.Output.(map[string]any)["scene_hash"]
	require.Equal(t, f.sim.StateHash(), current)

	res := commit(map[string]any{"summary": "blockout done", "scene_hash": current})
	require.Equal(t, contracts.StatusSuccess, res.Status, res.Message)
	assert.False(t, f.k.Snapshot().Transaction.Active)
}

func TestExecute_CommitWithoutTransactionFails(t *testing.T) {
	f := newFixture(t)
	res := f.exec(t, contracts.NewCommand(KindCommitTransaction, contracts.IntentGeneral, nil))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassExecutionFailure, res.ErrorClass)
	assert.Contains(t, res.Message, transaction.ErrNoActiveTransaction.Error())
}

func TestExecute_ExecutorFailureRevertsSingleStep(t *testing.T) {
	f := newFixture(t)
	before := f.sim.StateHash()
	f.sim.Inject("mesh_op", hostsim.Fault{Err: errors.New("bmesh exploded"), Apply: true})

	res := f.exec(t, contracts.NewCommand("mesh_op", contracts.IntentOptimize, map[string]any{"action": "triangulate"}))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassExecutionFailure, res.ErrorClass)
	assert.Contains(t, res.Message, "bmesh exploded")
	assert.Equal(t, before, f.sim.StateHash(), "partial effects are reverted")
	assert.False(t, f.k.Snapshot().Transaction.Implicit)
	assert.Equal(t, contracts.StatusError, f.lastEntry(t).Status)
}

func TestExecute_FailureInsideTransactionRollsBack(t *testing.T) {
	f := newFixture(t)
	before := f.sim.StateHash()
	require.Equal(t, contracts.StatusSuccess, f.exec(t, contracts.NewCommand(KindBeginTransaction, contracts.IntentGeneral, nil)).Status)
	require.Equal(t, contracts.StatusSuccess, f.exec(t, transform("Cube", 3, 3, 3)).Status)

	f.sim.Inject("mesh_op", hostsim.Fault{Err: errors.New("non-manifold"), Apply: true})
	res := f.exec(t, contracts.NewCommand("mesh_op", contracts.IntentOptimize, nil))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.False(t, f.k.Snapshot().Transaction.Active)
	assert.Equal(t, before, f.sim.StateHash())
}

func TestExecute_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.sim.Inject("render_op", hostsim.Fault{Panic: true})

	res := f.exec(t, contracts.NewCommand("render_op", contracts.IntentGeneral, nil))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassExecutionFailure, res.ErrorClass)
	assert.Contains(t, res.Message, "panic")

	f.sim.Clear()
	assert.Equal(t, contracts.StatusSuccess, f.exec(t, transform("Cube", 1, 0, 0)).Status)
}

func TestExecute_ScriptViolationHasNoEffects(t *testing.T) {
	f := newFixture(t)
	before := f.sim.StateHash()

	res := f.exec(t, contracts.NewCommand("exec_script", contracts.IntentSceneSetup, map[string]any{"script": "import os\nos.system('ls')"}))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassSecurityViolation, res.ErrorClass)
	assert.Equal(t, string(governance.ReasonSecurityViolation), res.Reason)
	require.NotEmpty(t, res.Violations)
	assert.Contains(t, strings.Join(res.Violations, "\n"), "'os'")

	assert.Empty(t, f.sim.Calls())
	assert.Empty(t, f.sim.CheckpointLabels())
	assert.Equal(t, before, f.sim.StateHash())
	assert.Equal(t, contracts.StatusError, f.lastEntry(t).Status)
}

func TestExecute_SubdivisionCap(t *testing.T) {
	f := newFixture(t)
	res := f.exec(t, contracts.NewCommand("modifier_op", contracts.IntentOptimize, map[string]any{"name": "Cube", "mod_type": "SUBSURF", "levels": 5}))
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.Equal(t, contracts.ClassPolicyDenied, res.ErrorClass)
	assert.Equal(t, "SUBDIVISION_CAP", res.Reason)
	assert.Contains(t, res.Message, "3")
	assert.Equal(t, contracts.StatusBlocked, f.lastEntry(t).Status)
}

func TestExecute_SchemaRejection(t *testing.T) {
	f := newFixture(t)
	res := f.exec(t, contracts.NewCommand("transform", contracts.IntentSceneSetup, map[string]any{"location": []any{1.0, 2.0}}))
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.Equal(t, string(governance.ReasonSemanticRejection), res.Reason)
}

func TestExecute_ReadsSurviveReadOnly(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		res := f.exec(t, contracts.NewCommand("transform", contracts.IntentAnimate, nil))
		require.Equal(t, string(governance.ReasonIntentMismatch), res.Reason)
	}
	assert.Equal(t, governance.TierReadOnly, f.k.Snapshot().Policy.Tier)

	read := f.exec(t, contracts.NewCommand("scene_query", contracts.IntentGeneral, nil))
	require.Equal(t, contracts.StatusSuccess, read.Status, read.Message)
	assert.Contains(t, read.Output.(map[string]any), "objects")

	write := f.exec(t, transform("Cube", 1, 1, 1))
	assert.Equal(t, string(governance.ReasonRevokedReadOnly), write.Reason)

	before := f.sim.StateHash()
	for _, kind := range []string{KindBeginTransaction, KindRollbackTransaction} {
		res := f.exec(t, contracts.NewCommand(kind, contracts.IntentGeneral, nil))
		assert.Equal(t, contracts.StatusBlocked, res.Status, kind)
		assert.Equal(t, string(governance.ReasonRevokedReadOnly), res.Reason, kind)
	}
	assert.False(t, f.k.Snapshot().Transaction.Active)
	assert.Equal(t, before, f.sim.StateHash())
	assert.Empty(t, f.sim.CheckpointLabels())
}

func TestExecute_DryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	cmd := transform("Cube", 1, 1, 1)
	cmd.DryRun = true

	res := f.exec(t, cmd)
	require.Equal(t, contracts.StatusSuccess, res.Status, res.Message)
	out := res.Output.(map[string]any)
	assert.Equal(t, true, out["dry_run"])
	assert.Equal(t, true, out["allowed"])
	assert.Empty(t, f.sim.Calls())
	assert.Equal(t, 100, f.k.Snapshot().Policy.Budget)

	denied := contracts.NewCommand("modifier_op", contracts.IntentOptimize, map[string]any{"mod_type": "SUBSURF", "levels": 9})
	denied.DryRun = true
	res = f.exec(t, denied)
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.Equal(t, 0, f.k.Snapshot().Policy.FailureCount, "previews never count as failures")
}

func TestExecute_HeavyCommandAdmission(t *testing.T) {
	probe := ResourceProbeFunc(func(_ context.Context, kind string, _ map[string]any) error {
		return ErrResourcePressure
	})
	f := newFixture(t, WithResourceProbe(probe))

	res := f.exec(t, contracts.NewCommand("bake_op", contracts.IntentOptimize, map[string]any{"resolution": 1024}))
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.Equal(t, string(ReasonResourcePressure), res.Reason)
	assert.True(t, res.Retryable)
	assert.Empty(t, f.sim.Calls())
	assert.Equal(t, 100, f.k.Snapshot().Policy.Budget)

	light := f.exec(t, transform("Cube", 1, 1, 1))
	assert.Equal(t, contracts.StatusSuccess, light.Status, "light kinds skip the probe")
}

func TestHeapProbe(t *testing.T) {
	assert.NoError(t, HeapProbe{}.Admit(context.Background(), "bake_op", nil))
	assert.ErrorIs(t, HeapProbe{MaxHeapBytes: 1}.Admit(context.Background(), "bake_op", nil), ErrResourcePressure)
}

func TestExecute_LedgerFailureHaltsUntilWritable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storage.fail.Store(true)

	res := f.exec(t, transform("Cube", 1, 1, 1))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassStorageFailure, res.ErrorClass)
	assert.True(t, f.k.Halted())
	assert.True(t, f.k.Snapshot().Halted)

	refused := f.exec(t, transform("Cube", 2, 2, 2))
	assert.Equal(t, contracts.ClassStorageFailure, refused.ErrorClass)
	assert.True(t, refused.Retryable)
	assert.Contains(t, refused.Message, contracts.ErrHalted.Error())
	assert.Len(t, f.sim.Calls(), 1, "nothing is dispatched while halted")

	assert.Error(t, f.k.ResumeIfWritable(ctx))
	assert.True(t, f.k.Halted())

	f.storage.fail.Store(false)
	require.NoError(t, f.k.ResumeIfWritable(ctx))
	assert.False(t, f.k.Halted())
	assert.Equal(t, KindResume, f.lastEntry(t).Kind)

	again := f.exec(t, transform("Cube", 2, 2, 2))
	assert.Equal(t, contracts.StatusSuccess, again.Status, again.Message)
	require.NoError(t, f.ledger.Verify(ctx))
}

func TestExecute_OutcomeHeldDuringHaltIsRecordedOnResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := transform("Cube", 7, 7, 7)

	f.storage.fail.Store(true)
	res := f.exec(t, cmd)
	assert.Equal(t, contracts.ClassStorageFailure, res.ErrorClass)
	assert.True(t, res.Retryable)
	assert.Equal(t, 1, f.k.Snapshot().Unrecorded)
	assert.EqualValues(t, 0, f.ledger.Size())

	f.storage.fail.Store(false)
	require.NoError(t, f.k.ResumeIfWritable(ctx))
	assert.Equal(t, 0, f.k.Snapshot().Unrecorded)

	entries, err := f.ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, cmd.ID, entries[0].CommandID)
	assert.Equal(t, contracts.StatusSuccess, entries[0].Status)
	assert.Equal(t, KindResume, entries[1].Kind)

	retry := f.exec(t, cmd)
	assert.True(t, retry.Replayed)
	assert.Equal(t, contracts.StatusSuccess, retry.Status)
	assert.Equal(t, entries[0].EntryHash, retry.LedgerHash)
	assert.Equal(t, []string{"transform"}, f.sim.Calls(), "the retry does not dispatch twice")
	assert.Equal(t, 99, f.k.Snapshot().Policy.Budget)
	require.NoError(t, f.ledger.Verify(ctx))
}

func TestExecute_PolicyStoreFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.policy.fail.Store(true)

	res := f.exec(t, transform("Cube", 1, 1, 1))
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassStorageFailure, res.ErrorClass)
	assert.True(t, f.k.Halted())
	assert.Empty(t, f.sim.Calls())

	f.policy.fail.Store(false)
	require.NoError(t, f.k.ResumeIfWritable(context.Background()))
	retry := f.exec(t, transform("Cube", 1, 1, 1))
	assert.Equal(t, contracts.StatusSuccess, retry.Status, retry.Message)
}

func TestExecute_ResetGovernance(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.exec(t, contracts.NewCommand("transform", contracts.IntentAnimate, nil))
	}
	require.Equal(t, governance.TierBlocked, f.k.Snapshot().Policy.Tier)

	bad := f.exec(t, contracts.NewCommand(KindResetGovernance, contracts.IntentGeneral, map[string]any{"token": "not-a-jwt"}))
	assert.Equal(t, contracts.StatusBlocked, bad.Status)
	assert.Equal(t, string(ReasonUnauthorized), bad.Reason)
	assert.Equal(t, governance.TierBlocked, f.k.Snapshot().Policy.Tier)

	token, err := f.admin.Issue("operator", time.Minute, auth.ScopeReset)
	require.NoError(t, err)
	res := f.exec(t, contracts.NewCommand(KindResetGovernance, contracts.IntentGeneral, map[string]any{"token": token, "reason": "recovered"}))
	require.Equal(t, contracts.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, string(governance.ReasonAdminReset), res.Reason)

	state := f.k.Snapshot().Policy
	assert.Equal(t, governance.TierFull, state.Tier)
	assert.Equal(t, 100, state.Budget)
	assert.Equal(t, 0, state.FailureCount)

	e := f.lastEntry(t)
	assert.NotContains(t, string(e.Payload), token)
	assert.Contains(t, string(e.Payload), redacted)

	assert.Equal(t, contracts.StatusSuccess, f.exec(t, transform("Cube", 1, 1, 1)).Status)
}

func TestExecute_ResetWithoutAdminIsDenied(t *testing.T) {
	f := newFixture(t, WithAdmin(nil))
	res := f.exec(t, contracts.NewCommand(KindResetGovernance, contracts.IntentGeneral, map[string]any{"token": "x"}))
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.Equal(t, string(ReasonUnauthorized), res.Reason)
}

func TestExecute_FingerprintDrift(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, contracts.StatusSuccess, f.exec(t, transform("Cube", 1, 1, 1)).Status)

	f.sim.SetHostInfo(fingerprint.HostInfo{Version: "4.2.0", Platform: "linux", Extensions: []string{"rigify"}})
	res := f.exec(t, transform("Cube", 2, 2, 2))
	assert.Equal(t, contracts.StatusBlocked, res.Status)
	assert.Equal(t, string(governance.ReasonEnvironmentDrift), res.Reason)
}

func TestExecute_MalformedCommand(t *testing.T) {
	f := newFixture(t)
	res := f.exec(t, &contracts.Command{ID: "nope", Kind: "transform", Intent: contracts.IntentGeneral})
	assert.Equal(t, contracts.StatusError, res.Status)
	assert.Equal(t, contracts.ClassProtocolFailure, res.ErrorClass)
	assert.EqualValues(t, 1, f.ledger.Size())
	assert.Equal(t, res.LedgerHash, f.ledger.Head())

	e := f.lastEntry(t)
	assert.Equal(t, "nope", e.CommandID)
	assert.Equal(t, "transform", e.Kind)
	assert.Equal(t, contracts.StatusError, e.Status)
	assert.Equal(t, string(contracts.ClassProtocolFailure), e.Reason)

	res = f.k.Execute(context.Background(), nil)
	assert.Equal(t, contracts.ClassProtocolFailure, res.ErrorClass)
	assert.EqualValues(t, 2, f.ledger.Size())
	assert.Equal(t, "invalid", f.lastEntry(t).Kind)
	assert.Empty(t, f.sim.Calls())
	require.NoError(t, f.ledger.Verify(context.Background()))
}

func TestNew_SeedsIdempotencyFromLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := transform("Cube", 4, 4, 4)
	first := f.exec(t, cmd)
	require.Equal(t, contracts.StatusSuccess, first.Status)

	reopened, err := audit.Open(ctx, f.storage, audit.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.ledger = reopened
	f.k = f.newKernel(t, reopened)

	res := f.exec(t, cmd)
	assert.True(t, res.Replayed)
	assert.Equal(t, first.LedgerHash, res.LedgerHash)
	assert.Equal(t, []string{"transform"}, f.sim.Calls())

	forged := *cmd
	forged.Payload = map[string]any{"target": "Cube"}
	assert.Equal(t, string(governance.ReasonProtocolViolation), f.exec(t, &forged).Reason)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestTick_ServesAirlock(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	host, err := airlock.NewHost(root)
	require.NoError(t, err)
	client, err := airlock.NewClient(root, airlock.WithPollInterval(5*time.Millisecond), airlock.WithSubmitRate(0))
	require.NoError(t, err)
	f := newFixture(t, WithAirlock(host))

	took, err := f.k.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, took)

	cmd := transform("Cube", 1.5, 0, 2)
	require.NoError(t, client.Submit(ctx, cmd))
	f.clock.Advance(time.Second)
	took, err = f.k.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, took)

	res, err := client.AwaitResult(ctx, cmd.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, f.ledger.Head(), res.LedgerHash)

	entries, err := os.ReadDir(host.Layout().Inbox())
	require.NoError(t, err)
	assert.Empty(t, entries)

	snap := f.k.Snapshot()
	assert.EqualValues(t, 2, snap.Tick)
	assert.EqualValues(t, 1, snap.Processed)
}

func TestTick_RedeliveryWithPublishedResultIsOnlyAcked(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	host, err := airlock.NewHost(root)
	require.NoError(t, err)
	client, err := airlock.NewClient(root, airlock.WithSubmitRate(0))
	require.NoError(t, err)
	f := newFixture(t, WithAirlock(host))

	cmd := transform("Cube", 1, 1, 1)
	require.NoError(t, client.Submit(ctx, cmd))
	require.NoError(t, host.Respond(ctx, cmd.ID, &contracts.Result{Status: contracts.StatusSuccess}))

	took, err := f.k.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Empty(t, f.sim.Calls())
	assert.Equal(t, airlock.StateResultWritten, client.State(cmd.ID))
}

func TestTick_ReusedIDAfterPublishedResultIsRecorded(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	host, err := airlock.NewHost(root)
	require.NoError(t, err)
	client, err := airlock.NewClient(root, airlock.WithPollInterval(5*time.Millisecond), airlock.WithSubmitRate(0))
	require.NoError(t, err)
	f := newFixture(t, WithAirlock(host))

	cmd := transform("Cube", 1, 1, 1)
	require.NoError(t, client.Submit(ctx, cmd))
	f.clock.Advance(time.Second)
	_, err = f.k.Tick(ctx)
	require.NoError(t, err)
	first := f.ledger.Head()

	forged := *cmd
	forged.Payload = map[string]any{"target": "Cube", "location": []any{9.0, 9.0, 9.0}}
	require.NoError(t, client.Submit(ctx, &forged))
	f.clock.Advance(time.Second)
	took, err := f.k.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, took)

	assert.Equal(t, []string{"transform"}, f.sim.Calls())
	assert.EqualValues(t, 2, f.ledger.Size())
	assert.Equal(t, string(governance.ReasonProtocolViolation), f.lastEntry(t).Reason)
	assert.Equal(t, 1, f.k.Snapshot().Policy.FailureCount)

	res, err := client.AwaitResult(ctx, cmd.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, res.Status, "the published result is left in place")
	assert.Equal(t, first, res.LedgerHash)
}

func TestTick_WithoutAirlock(t *testing.T) {
	f := newFixture(t)
	_, err := f.k.Tick(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsWithContext(t *testing.T) {
	root := t.TempDir()
	host, err := airlock.NewHost(root)
	require.NoError(t, err)
	f := newFixture(t, WithAirlock(host))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.k.Run(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, f.k.Snapshot().Tick, uint64(1))
}
