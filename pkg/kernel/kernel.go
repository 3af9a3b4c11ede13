// Package kernel is the governed command-execution kernel. It takes one
// command at a time through governance, transaction bookkeeping, panic-safe
// dispatch to the host executor and the audit ledger, and publishes an
// immutable snapshot for concurrent read-only queries.
//
// The kernel is a single writer. Execute and Tick serialize on one lock;
// the policy lock inside the governance engine is never held across
// dispatch. When the policy store or the ledger rejects a write the kernel
// halts and answers every command with a retryable storage failure until
// ResumeIfWritable succeeds.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/airlock"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/auth"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/observability"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/transaction"
)

const (
	// ReasonResourcePressure is the denial reason of a refused heavy command.
	ReasonResourcePressure governance.ReasonCode = "RESOURCE_PRESSURE"
	// ReasonUnauthorized is the denial reason of a reset without a valid
	// admin token.
	ReasonUnauthorized governance.ReasonCode = "ADMIN_UNAUTHORIZED"
	// ReasonSceneHashMismatch is the denial reason of a commit that does not
	// quote the current scene hash.
	ReasonSceneHashMismatch governance.ReasonCode = "SCENE_HASH_MISMATCH"

	// KindResume is the ledger kind written when the kernel leaves the
	// halted state.
	KindResume = "kernel_resume"

	DefaultCacheSize = 4096

	redacted = "[redacted]"
)

// Executor is the host's scene-mutation collaborator. It is the single
// point of dynamic lookup by kind.
type Executor interface {
	Execute(ctx context.Context, kind string, payload map[string]any) (any, error)
}

// StateHasher reports a digest of the host's current scene. When one is
// configured, commit_transaction must quote it.
type StateHasher interface {
	StateHash() string
}

// Config holds the kernel's required collaborators.
type Config struct {
	Registry     *Registry
	Engine       *governance.Engine
	Transactions *transaction.Manager
	Ledger       *audit.Ledger
	Executor     Executor
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithAdmin enables reset_governance.
func WithAdmin(a *auth.AdminAuthority) Option { return func(k *Kernel) { k.admin = a } }

// WithResourceProbe sets the admission check for heavy kinds.
func WithResourceProbe(p ResourceProbe) Option { return func(k *Kernel) { k.probe = p } }

// WithStateHasher enables the scene-hash check on commit_transaction.
func WithStateHasher(h StateHasher) Option { return func(k *Kernel) { k.hasher = h } }

// WithAirlock attaches the host end of the airlock Tick reads from.
func WithAirlock(h *airlock.Host) Option { return func(k *Kernel) { k.host = h } }

func WithObservability(p *observability.Provider) Option { return func(k *Kernel) { k.obs = p } }
func WithClock(clock func() time.Time) Option             { return func(k *Kernel) { k.clock = clock } }
func WithLogger(l *slog.Logger) Option                    { return func(k *Kernel) { k.logger = l } }

// WithCacheSize bounds the idempotency cache.
func WithCacheSize(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.cacheSize = n
		}
	}
}

// CommandSummary describes the last command the kernel finished.
type CommandSummary struct {
	ID     string           `json:"id"`
	Kind   string           `json:"kind"`
	Status contracts.Status `json:"status"`
	Reason string           `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}

// Snapshot is the immutable view served to read-only queries.
type Snapshot struct {
	Tick        uint64                 `json:"tick"`
	TakenAt     time.Time              `json:"taken_at"`
	Halted      bool                   `json:"halted"`
	HaltReason  string                 `json:"halt_reason,omitempty"`
	Policy      governance.PolicyState `json:"policy"`
	Transaction transaction.Snapshot   `json:"transaction"`
	LedgerHead  string                 `json:"ledger_head"`
	LedgerSize  int64                  `json:"ledger_size"`
	Processed   uint64                 `json:"processed"`
	Unrecorded  int                    `json:"unrecorded,omitempty"`
	Last        *CommandSummary        `json:"last,omitempty"`
}

// cached is a finished command kept for idempotent replay. Entries seeded
// from the ledger have no digest and compare by recorded content only.
type cached struct {
	digest  string
	content string
	res     contracts.Result
}

func (c *cached) matches(digest, content string) bool {
	if c.digest != "" {
		return c.digest == digest
	}
	return c.content == content
}

// Kernel orchestrates command execution.
type Kernel struct {
	mu sync.Mutex

	registry *Registry
	engine   *governance.Engine
	txn      *transaction.Manager
	ledger   *audit.Ledger
	executor Executor
	admin    *auth.AdminAuthority
	probe    ResourceProbe
	host     *airlock.Host
	hasher   StateHasher
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger

	haltMu  sync.RWMutex
	haltErr error

	cache     map[string]*cached
	order     []string
	cacheSize int

	// unrecorded holds outcomes whose ledger write failed after they took
	// effect. They are written first when the kernel resumes.
	unrecorded []audit.Record

	snap      atomic.Pointer[Snapshot]
	ticks     atomic.Uint64
	processed uint64
	last      *CommandSummary
}

// New builds a kernel and seeds its idempotency cache from the ledger, so
// a command redelivered after a restart is replayed instead of re-run.
func New(ctx context.Context, cfg Config, opts ...Option) (*Kernel, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("kernel: registry is required")
	case cfg.Engine == nil:
		return nil, errors.New("kernel: governance engine is required")
	case cfg.Transactions == nil:
		return nil, errors.New("kernel: transaction manager is required")
	case cfg.Ledger == nil:
		return nil, errors.New("kernel: audit ledger is required")
	case cfg.Executor == nil:
		return nil, errors.New("kernel: executor is required")
	}
	k := &Kernel{
		registry:  cfg.Registry,
		engine:    cfg.Engine,
		txn:       cfg.Transactions,
		ledger:    cfg.Ledger,
		executor:  cfg.Executor,
		clock:     time.Now,
		logger:    slog.Default().With("component", "kernel"),
		cache:     make(map[string]*cached),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.obs == nil {
		obs, err := observability.New(ctx, nil)
		if err != nil {
			return nil, err
		}
		k.obs = obs
	}
	if err := k.seed(ctx); err != nil {
		return nil, err
	}
	k.refresh(ctx)
	return k, nil
}

func (k *Kernel) seed(ctx context.Context) error {
	entries, err := k.ledger.Entries(ctx)
	if err != nil {
		return &contracts.StorageFailure{Store: "ledger", Err: err}
	}
	for _, e := range entries {
		if e.CommandID == "" || e.Kind == KindResume {
			continue
		}
		switch e.Reason {
		case string(contracts.ClassStorageFailure), string(contracts.ClassProtocolFailure), string(governance.ReasonProtocolViolation):
			continue
		}
		if _, ok := k.cache[e.CommandID]; ok {
			continue
		}
		k.remember(e.CommandID, &cached{
			content: contentKey(e.Kind, e.Payload),
			res: contracts.Result{
				ID:          e.CommandID,
				Kind:        e.Kind,
				Status:      e.Status,
				Reason:      e.Reason,
				Message:     e.Summary,
				LedgerHash:  e.EntryHash,
				CompletedAt: e.Timestamp,
			},
		})
	}
	if len(k.cache) > 0 {
		k.logger.InfoContext(ctx, "idempotency cache seeded from ledger", "commands", len(k.cache))
	}
	return nil
}

// Execute runs cmd to completion and returns its result. It never panics
// and never returns a nil result.
func (k *Kernel) Execute(ctx context.Context, cmd *contracts.Command) *contracts.Result {
	k.mu.Lock()
	defer k.mu.Unlock()
	res := k.executeLocked(ctx, cmd)
	k.refresh(ctx)
	return res
}

func (k *Kernel) executeLocked(ctx context.Context, cmd *contracts.Command) *contracts.Result {
	kind := "invalid"
	if cmd != nil && cmd.Kind != "" {
		kind = cmd.Kind
	}
	ctx, done := k.obs.TrackOperation(ctx, "kernel.execute", attribute.String("command.kind", kind))

	res := k.process(ctx, cmd)
	if res.CompletedAt.IsZero() {
		res.CompletedAt = k.clock().UTC()
	}

	var err error
	if res.Status == contracts.StatusError {
		err = fmt.Errorf("%s: %s", res.ErrorClass, res.Summary())
	}
	done(err)
	k.obs.RecordDecision(ctx, kind, string(res.Status), res.Reason)

	k.processed++
	k.last = &CommandSummary{ID: res.ID, Kind: kind, Status: res.Status, Reason: res.Reason, At: res.CompletedAt}
	return res
}

func (k *Kernel) process(ctx context.Context, cmd *contracts.Command) *contracts.Result {
	if err := k.haltError(); err != nil {
		return k.fail(k.newResult(cmd), err)
	}
	id, err := identify(cmd)
	if err != nil {
		return k.malformed(ctx, cmd, err)
	}
	digest, content, recorded := id.digest, id.content, id.recorded

	if prior, ok := k.cache[cmd.ID]; ok {
		if prior.matches(digest, content) {
			k.logger.DebugContext(ctx, "replaying result for redelivered command", "id", cmd.ID, "kind", cmd.Kind)
			replay := prior.res
			replay.Replayed = true
			return &replay
		}
		return k.duplicate(ctx, cmd, recorded)
	}

	res := k.run(ctx, cmd)
	outcome := *res
	switch {
	case outcome.ErrorClass == contracts.ClassStorageFailure:
		k.record(ctx, cmd, recorded, res)
	case k.record(ctx, cmd, recorded, res):
		k.remember(cmd.ID, &cached{digest: digest, content: content, res: *res})
	default:
		// The outcome already took effect. Keep it so the id replays, and
		// write it to the ledger on resume.
		k.unrecorded = append(k.unrecorded, ledgerRecord(cmd, recorded, &outcome))
		k.remember(cmd.ID, &cached{digest: digest, content: content, res: outcome})
		res.Retryable = true
	}
	return res
}

// identity is what the idempotency cache compares a command by.
type identity struct {
	digest   string
	content  string
	recorded map[string]any
}

func identify(cmd *contracts.Command) (identity, error) {
	if err := cmd.Validate(); err != nil {
		return identity{}, err
	}
	digest, err := cmd.Digest()
	if err != nil {
		return identity{}, err
	}
	recorded := recordedPayload(cmd)
	canonical, err := canonicalize.JCS(recorded)
	if err != nil {
		return identity{}, err
	}
	return identity{digest: digest, content: contentKey(cmd.Kind, canonical), recorded: recorded}, nil
}

// malformed answers a command that failed validation and records the
// rejection. The payload is not recorded since it may not encode.
func (k *Kernel) malformed(ctx context.Context, cmd *contracts.Command, cause error) *contracts.Result {
	k.logger.WarnContext(ctx, "rejecting malformed command", "error", cause)
	res := k.fail(k.newResult(cmd), &contracts.ProtocolFailure{Op: "execute", Err: fmt.Errorf("%w: %v", contracts.ErrMalformed, cause)})
	kind := res.Kind
	if kind == "" {
		kind = "invalid"
	}
	hash, err := k.ledger.Record(ctx, audit.Record{
		CommandID: res.ID,
		Kind:      kind,
		Status:    res.Status,
		Reason:    res.Reason,
		Summary:   res.Summary(),
	})
	if err != nil {
		k.halt(ctx, err)
		return res
	}
	res.LedgerHash = hash
	return res
}

// reused reports whether cmd carries the id of a finished command but
// different content.
func (k *Kernel) reused(cmd *contracts.Command) bool {
	prior, ok := k.cache[cmd.ID]
	if !ok {
		return false
	}
	id, err := identify(cmd)
	return err == nil && !prior.matches(id.digest, id.content)
}

func (k *Kernel) run(ctx context.Context, cmd *contracts.Command) *contracts.Result {
	if cmd.Kind == KindResetGovernance {
		return k.reset(ctx, cmd)
	}
	spec, _ := k.registry.Lookup(cmd.Kind)

	if spec.Heavy && !cmd.DryRun && k.probe != nil {
		if err := k.probe.Admit(ctx, cmd.Kind, cmd.Payload); err != nil {
			k.logger.InfoContext(ctx, "heavy command refused", "id", cmd.ID, "kind", cmd.Kind, "error", err)
			res := k.fail(k.newResult(cmd), &contracts.PolicyDenied{Reason: string(ReasonResourcePressure), Detail: err.Error()})
			res.Retryable = true
			return res
		}
	}

	if cmd.DryRun {
		return k.preview(ctx, cmd)
	}

	d, err := k.engine.Validate(ctx, cmd)
	if err != nil {
		k.halt(ctx, err)
		return k.fail(k.newResult(cmd), err)
	}
	if !d.Allowed {
		return k.fail(k.newResult(cmd), d.Err())
	}

	switch d.Class {
	case governance.ClassControl:
		return k.control(ctx, cmd, spec)
	case governance.ClassRead:
		res := k.newResult(cmd)
		out, err := k.dispatch(ctx, cmd, spec)
		if err != nil {
			return k.fail(res, err)
		}
		return succeed(res, out)
	default:
		return k.mutate(ctx, cmd, spec)
	}
}

func (k *Kernel) preview(ctx context.Context, cmd *contracts.Command) *contracts.Result {
	d, err := k.engine.Preview(ctx, cmd)
	if err != nil {
		k.halt(ctx, err)
		return k.fail(k.newResult(cmd), err)
	}
	out := map[string]any{
		"dry_run": true,
		"allowed": d.Allowed,
		"class":   d.Class,
		"tier":    d.State.Tier,
		"budget":  d.State.Budget,
	}
	if !d.Allowed {
		res := k.fail(k.newResult(cmd), d.Err())
		res.Output = out
		return res
	}
	res := succeed(k.newResult(cmd), out)
	res.Message = "dry run"
	return res
}

func (k *Kernel) control(ctx context.Context, cmd *contracts.Command, spec KindSpec) *contracts.Result {
	res := k.newResult(cmd)
	switch cmd.Kind {
	case KindBeginTransaction:
		label, _ := cmd.Payload["label"].(string)
		opened, err := k.txn.Begin(ctx, label)
		if err != nil {
			return k.fail(res, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: err})
		}
		return succeed(res, map[string]any{"opened": opened, "transaction": k.txn.Snapshot()})
	case KindCommitTransaction:
		rationale, err := k.commitRationale(cmd)
		if err != nil {
			return k.fail(res, err)
		}
		done, err := k.txn.Commit(ctx, rationale)
		if err != nil {
			return k.fail(res, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: err})
		}
		return succeed(res, map[string]any{"committed": done})
	case KindRollbackTransaction:
		done, err := k.txn.Rollback(ctx)
		if err != nil {
			return k.fail(res, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: err})
		}
		return succeed(res, map[string]any{"rolled_back": done})
	}
	if spec.Handler == nil {
		return k.fail(res, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: fmt.Errorf("%w: %q has no handler", ErrUnknownKind, cmd.Kind)})
	}
	out, err := k.dispatch(ctx, cmd, spec)
	if err != nil {
		return k.fail(res, err)
	}
	return succeed(res, out)
}

// commitRationale extracts the commit rationale. With a StateHasher the
// rationale must be an object whose scene_hash equals the current scene
// hash, proving the caller has seen the state it is committing.
func (k *Kernel) commitRationale(cmd *contracts.Command) (string, error) {
	switch v := cmd.Payload["rationale"].(type) {
	case string:
		if k.hasher == nil {
			return v, nil
		}
	case map[string]any:
		summary, _ := v["summary"].(string)
		if k.hasher == nil {
			return summary, nil
		}
		quoted, _ := v["scene_hash"].(string)
		if quoted == "" {
			break
		}
		if current := k.hasher.StateHash(); quoted != current {
			return "", &contracts.PolicyDenied{Reason: string(ReasonSceneHashMismatch),
				Detail: fmt.Sprintf("scene hash mismatch: expected %s, got %s", current, quoted)}
		}
		return summary, nil
	default:
		if k.hasher == nil {
			return "", nil
		}
	}
	return "", &contracts.PolicyDenied{Reason: string(ReasonSceneHashMismatch), Detail: "rationale.scene_hash is required to commit"}
}

// mutate wraps dispatch in transaction bookkeeping. A failed mutation
// rolls back the active transaction, or its own single-step checkpoint
// outside one.
func (k *Kernel) mutate(ctx context.Context, cmd *contracts.Command, spec KindSpec) *contracts.Result {
	res := k.newResult(cmd)
	if err := k.txn.BeforeMutation(ctx, cmd.Kind); err != nil {
		return k.fail(res, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: err})
	}
	out, err := k.dispatch(ctx, cmd, spec)
	if err != nil {
		if k.txn.Active() {
			if _, rerr := k.txn.Rollback(ctx); rerr != nil {
				k.logger.ErrorContext(ctx, "rollback after failed mutation failed", "id", cmd.ID, "error", rerr)
			}
		} else if rerr := k.txn.AbortImplicit(ctx); rerr != nil {
			k.logger.ErrorContext(ctx, "revert of failed mutation failed", "id", cmd.ID, "error", rerr)
		}
		return k.fail(res, err)
	}
	k.txn.AfterMutation()
	return succeed(res, out)
}

// dispatch calls the kind's handler or the executor. Panics are recovered
// and every error comes back as an ExecutionFailure.
func (k *Kernel) dispatch(ctx context.Context, cmd *contracts.Command, spec KindSpec) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.ErrorContext(ctx, "executor panicked", "id", cmd.ID, "kind", cmd.Kind, "panic", r)
			out, err = nil, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if spec.Handler != nil {
		out, err = spec.Handler(ctx, cmd)
	} else {
		out, err = k.executor.Execute(ctx, cmd.Kind, cmd.Payload)
	}
	if err != nil {
		var sv *contracts.SecurityViolation
		if errors.As(err, &sv) {
			return nil, err
		}
		k.logger.WarnContext(ctx, "execution failed", "id", cmd.ID, "kind", cmd.Kind, "error", err)
		return nil, &contracts.ExecutionFailure{Kind: cmd.Kind, Err: err}
	}
	return out, nil
}

func (k *Kernel) reset(ctx context.Context, cmd *contracts.Command) *contracts.Result {
	res := k.newResult(cmd)
	if k.admin == nil {
		return k.fail(res, &contracts.PolicyDenied{Reason: string(ReasonUnauthorized), Detail: "administrative reset is not configured"})
	}
	token, _ := cmd.Payload["token"].(string)
	reason, _ := cmd.Payload["reason"].(string)
	claims, err := k.admin.Verify(token, auth.ScopeReset)
	if err != nil {
		k.logger.WarnContext(ctx, "unauthorized governance reset", "id", cmd.ID, "error", err)
		if _, verr := k.engine.RecordViolation(ctx, ReasonUnauthorized, err.Error()); verr != nil {
			k.halt(ctx, verr)
			return k.fail(res, verr)
		}
		return k.fail(res, &contracts.PolicyDenied{Reason: string(ReasonUnauthorized), Detail: err.Error()})
	}
	if cmd.DryRun {
		return succeed(res, map[string]any{"dry_run": true, "actor": claims.Subject})
	}
	state, err := k.engine.Reset(ctx, claims.Subject, reason)
	if err != nil {
		var sf *contracts.StorageFailure
		if errors.As(err, &sf) {
			k.halt(ctx, err)
		}
		return k.fail(res, err)
	}
	res = succeed(res, map[string]any{"tier": state.Tier, "budget": state.Budget, "session_id": state.SessionID, "actor": claims.Subject})
	res.Reason = string(governance.ReasonAdminReset)
	return res
}

func (k *Kernel) duplicate(ctx context.Context, cmd *contracts.Command, recorded map[string]any) *contracts.Result {
	k.logger.WarnContext(ctx, "command id re-used with different content", "id", cmd.ID, "kind", cmd.Kind)
	res := k.newResult(cmd)
	if _, err := k.engine.RecordViolation(ctx, governance.ReasonProtocolViolation, "command id "+cmd.ID+" re-used"); err != nil {
		k.halt(ctx, err)
		return k.fail(res, err)
	}
	k.fail(res, &contracts.ProtocolFailure{Op: "execute", Err: fmt.Errorf("%w: %s", contracts.ErrDuplicateID, cmd.ID)})
	res.Reason = string(governance.ReasonProtocolViolation)
	k.record(ctx, cmd, recorded, res)
	return res
}

// record appends the outcome to the ledger. When the ledger refuses the
// write the kernel halts and res becomes a storage failure.
func (k *Kernel) record(ctx context.Context, cmd *contracts.Command, payload map[string]any, res *contracts.Result) bool {
	hash, err := k.ledger.Record(ctx, ledgerRecord(cmd, payload, res))
	if err != nil {
		k.halt(ctx, err)
		res.Status = contracts.StatusError
		res.ErrorClass = contracts.ClassStorageFailure
		res.Reason = string(contracts.ClassStorageFailure)
		res.Message = fmt.Sprintf("outcome could not be recorded: %v", err)
		res.Retryable = false
		return false
	}
	res.LedgerHash = hash
	return true
}

func ledgerRecord(cmd *contracts.Command, payload map[string]any, res *contracts.Result) audit.Record {
	return audit.Record{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Status:    res.Status,
		Reason:    res.Reason,
		Summary:   res.Summary(),
		Payload:   payload,
	}
}

func (k *Kernel) remember(id string, c *cached) {
	if _, ok := k.cache[id]; !ok {
		if len(k.order) >= k.cacheSize {
			delete(k.cache, k.order[0])
			k.order = k.order[1:]
		}
		k.order = append(k.order, id)
	}
	k.cache[id] = c
}

func (k *Kernel) newResult(cmd *contracts.Command) *contracts.Result {
	res := &contracts.Result{}
	if cmd != nil {
		res.ID = cmd.ID
		res.Kind = cmd.Kind
	}
	return res
}

// fail fills res from err using the error taxonomy.
func (k *Kernel) fail(res *contracts.Result, err error) *contracts.Result {
	res.Status = contracts.StatusError
	res.ErrorClass = contracts.ClassOf(err)
	res.Retryable = contracts.Retryable(err)
	res.Message = err.Error()

	var (
		pd *contracts.PolicyDenied
		sv *contracts.SecurityViolation
	)
	switch {
	case errors.As(err, &pd):
		res.Status = contracts.StatusBlocked
		res.Reason = pd.Reason
		res.Message = pd.Detail
	case errors.As(err, &sv):
		res.Reason = string(governance.ReasonSecurityViolation)
		res.Violations = sv.Violations
	default:
		res.Reason = string(res.ErrorClass)
	}
	return res
}

func succeed(res *contracts.Result, out any) *contracts.Result {
	res.Status = contracts.StatusSuccess
	res.Output = out
	return res
}

// recordedPayload is the payload as written to the ledger, with secrets
// removed.
func recordedPayload(cmd *contracts.Command) map[string]any {
	if cmd.Payload == nil {
		return map[string]any{}
	}
	if cmd.Kind != KindResetGovernance {
		return cmd.Payload
	}
	out := make(map[string]any, len(cmd.Payload))
	for key, v := range cmd.Payload {
		out[key] = v
	}
	if _, ok := out["token"]; ok {
		out["token"] = redacted
	}
	return out
}

func contentKey(kind string, canonicalPayload []byte) string {
	if len(canonicalPayload) == 0 {
		canonicalPayload = []byte("{}")
	}
	return canonicalize.HashBytes(append([]byte(kind+"\n"), canonicalPayload...))
}

func (k *Kernel) halt(ctx context.Context, cause error) {
	k.haltMu.Lock()
	defer k.haltMu.Unlock()
	if k.haltErr != nil {
		return
	}
	k.haltErr = cause
	k.logger.ErrorContext(ctx, "kernel halted, storage rejected a write", "error", cause)
}

func (k *Kernel) haltCause() error {
	k.haltMu.RLock()
	defer k.haltMu.RUnlock()
	return k.haltErr
}

func (k *Kernel) haltError() error {
	if cause := k.haltCause(); cause != nil {
		return fmt.Errorf("%w: %v", contracts.ErrHalted, cause)
	}
	return nil
}

// Halted reports whether the kernel is refusing work.
func (k *Kernel) Halted() bool { return k.haltCause() != nil }

// ResumeIfWritable probes both durable stores with a real write and clears
// the halt when both accept it.
func (k *Kernel) ResumeIfWritable(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.resumeLocked(ctx)
	k.refresh(ctx)
	return err
}

func (k *Kernel) resumeLocked(ctx context.Context) error {
	cause := k.haltCause()
	if cause == nil {
		return nil
	}
	if _, err := k.engine.Sync(ctx); err != nil {
		return err
	}
	for len(k.unrecorded) > 0 {
		r := k.unrecorded[0]
		hash, err := k.ledger.Record(ctx, r)
		if err != nil {
			return err
		}
		if c, ok := k.cache[r.CommandID]; ok {
			c.res.LedgerHash = hash
		}
		k.unrecorded = k.unrecorded[1:]
		k.logger.InfoContext(ctx, "recorded outcome held during halt", "id", r.CommandID, "kind", r.Kind)
	}
	if _, err := k.ledger.Record(ctx, audit.Record{
		Kind:    KindResume,
		Status:  contracts.StatusSuccess,
		Summary: "storage writable again after: " + cause.Error(),
	}); err != nil {
		return err
	}
	k.haltMu.Lock()
	k.haltErr = nil
	k.haltMu.Unlock()
	k.logger.InfoContext(ctx, "kernel resumed")
	return nil
}

// Tick serves at most one request from the airlock. It reports whether a
// request was taken. A request is acknowledged only after its result is
// published, so a crash in between leads to redelivery, which the
// idempotency cache answers without re-running the command.
func (k *Kernel) Tick(ctx context.Context) (bool, error) {
	if k.host == nil {
		return false, errors.New("kernel: no airlock attached")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ticks.Add(1)
	defer k.refresh(ctx)

	if k.haltCause() != nil {
		if err := k.resumeLocked(ctx); err != nil {
			k.logger.DebugContext(ctx, "storage still not writable", "error", err)
		}
	}

	req, err := k.host.TakeNext(ctx)
	if err != nil || req == nil {
		return false, err
	}
	id := req.Command.ID
	if k.host.HasResult(id) {
		if k.reused(req.Command) {
			// The published result stays; the new content is only judged.
			res := k.executeLocked(ctx, req.Command)
			k.logger.WarnContext(ctx, "request re-used an answered id", "id", id, "reason", res.Reason)
		} else {
			k.logger.InfoContext(ctx, "redelivered request already answered", "id", id)
		}
		return true, k.host.Ack(id)
	}
	res := k.executeLocked(ctx, req.Command)
	if err := k.host.Respond(ctx, id, res); err != nil {
		return true, fmt.Errorf("kernel: respond %s: %w", id, err)
	}
	return true, k.host.Ack(id)
}

// Run ticks every interval until ctx is done.
func (k *Kernel) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = airlock.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.logger.InfoContext(ctx, "kernel running", "interval", interval)
	for {
		if _, err := k.Tick(ctx); err != nil && ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			k.logger.InfoContext(ctx, "kernel stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot returns the view published at the end of the last tick or
// command. It is safe to call from any goroutine.
func (k *Kernel) Snapshot() Snapshot {
	if s := k.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func (k *Kernel) refresh(ctx context.Context) {
	prev := k.snap.Load()
	s := &Snapshot{
		Tick:        k.ticks.Load(),
		TakenAt:     k.clock().UTC(),
		Transaction: k.txn.Snapshot(),
		LedgerHead:  k.ledger.Head(),
		LedgerSize:  k.ledger.Size(),
		Processed:   k.processed,
		Unrecorded:  len(k.unrecorded),
	}
	if cause := k.haltCause(); cause != nil {
		s.Halted = true
		s.HaltReason = cause.Error()
	}
	if k.last != nil {
		last := *k.last
		s.Last = &last
	}
	if state, err := k.engine.Snapshot(ctx); err == nil {
		s.Policy = state
	} else if prev != nil {
		s.Policy = prev.Policy
	}
	k.snap.Store(s)
}
