// Package governance decides whether a command may run. It owns the
// persisted PolicyState (tier, budget, failure count, rate stamp and host
// fingerprint) and mutates it exactly once per decision.
//
// Checks run in a fixed order, cheapest and most global first, and stop at
// the first failure:
//
//  1. tier BLOCKED
//  2. tier READ_ONLY for anything but pure reads
//  3. budget exhausted (mutating kinds)
//  4. intent does not permit the kind
//  5. mutation rate floor
//  6. host fingerprint drift
//  7. semantic sanity of payload numbers and the kind's payload schema
//  8. kind-specific hard caps
//  9. script gate for script-bearing kinds
//
// Every decision is persisted before Validate returns. A storage error is
// returned to the caller, which must stop dispatching mutations.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

// Fingerprinter recomputes the host fingerprint.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// PayloadChecker validates a payload against the kind's declared schema.
type PayloadChecker interface {
	CheckPayload(kind string, payload map[string]any) error
}

// ScriptAuditor vets scripts. *securitygate.Gate implements it.
type ScriptAuditor interface {
	Audit(ctx context.Context, script string) securitygate.Verdict
}

// Observation is what the engine sees of the world at decision time.
type Observation struct {
	Now            time.Time
	Fingerprint    string
	FingerprintErr error
}

// Engine evaluates commands against the persisted policy state.
type Engine struct {
	mu sync.Mutex

	store       Store
	policy      Policy
	caps        *CapEvaluator
	classifier  Classifier
	fingerprint Fingerprinter
	payloads    PayloadChecker
	gate        ScriptAuditor
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithPolicy(p Policy) Option                 { return func(e *Engine) { e.policy = p } }
func WithCaps(c *CapEvaluator) Option            { return func(e *Engine) { e.caps = c } }
func WithClassifier(c Classifier) Option         { return func(e *Engine) { e.classifier = c } }
func WithFingerprinter(f Fingerprinter) Option   { return func(e *Engine) { e.fingerprint = f } }
func WithPayloadChecker(p PayloadChecker) Option { return func(e *Engine) { e.payloads = p } }
func WithGate(g ScriptAuditor) Option            { return func(e *Engine) { e.gate = g } }
func WithClock(clock func() time.Time) Option    { return func(e *Engine) { e.clock = clock } }
func WithLogger(l *slog.Logger) Option           { return func(e *Engine) { e.logger = l } }

// NewEngine creates an engine over store. Without WithCaps the default cap
// rules are compiled. Without WithClassifier every kind is a mutation.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("governance: nil store")
	}
	e := &Engine{
		store:      store,
		policy:     DefaultPolicy(),
		classifier: ClassifierFunc(func(string) KindClass { return ClassMutate }),
		clock:      time.Now,
		logger:     slog.Default().With("component", "governance"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.caps == nil {
		caps, err := NewCapEvaluator(DefaultCapRules())
		if err != nil {
			return nil, err
		}
		e.caps = caps
	}
	return e, nil
}

// Policy returns the constants the engine enforces.
func (e *Engine) Policy() Policy { return e.policy }

// Classify exposes the engine's classifier.
func (e *Engine) Classify(kind string) KindClass { return e.classify(kind) }

func (e *Engine) classify(kind string) KindClass {
	switch c := e.classifier.Classify(kind); c {
	case ClassRead, ClassControl:
		return c
	default:
		return ClassMutate
	}
}

// Evaluate is the pure decision function. It does not read or write the
// store and does not change state.
func (e *Engine) Evaluate(ctx context.Context, cmd *contracts.Command, state PolicyState, obs Observation) Decision {
	class := e.classify(cmd.Kind)
	mutating := class == ClassMutate

	if state.Tier.rank() >= TierBlocked.rank() {
		return deny(class, ReasonRevokedBlocked, "session is blocked")
	}
	if state.Tier == TierReadOnly && class != ClassRead {
		return deny(class, ReasonRevokedReadOnly, fmt.Sprintf("%s is not a read and the session is read-only", cmd.Kind))
	}
	if mutating && state.Budget <= 0 {
		return deny(class, ReasonBudgetExhausted, "mutation budget exhausted")
	}
	if mutating && !e.policy.Intents.Allows(cmd.Intent, cmd.Kind) {
		return deny(class, ReasonIntentMismatch, fmt.Sprintf("intent %s does not permit %s", cmd.Intent, cmd.Kind))
	}
	if mutating && !state.LastMutation.IsZero() {
		if since := obs.Now.Sub(state.LastMutation); since < e.policy.RateFloor {
			return deny(class, ReasonRateLimit, fmt.Sprintf("%s since last mutation, floor is %s", since, e.policy.RateFloor))
		}
	}
	if obs.FingerprintErr != nil {
		return deny(class, ReasonEnvironmentDrift, "host fingerprint unavailable: "+obs.FingerprintErr.Error())
	}
	if state.HostFingerprint != "" && obs.Fingerprint != "" && obs.Fingerprint != state.HostFingerprint {
		return deny(class, ReasonEnvironmentDrift, "host fingerprint changed since the session was bound")
	}
	if msg, ok := scanPayload(cmd.Payload, e.policy.MagnitudeBound); !ok {
		return deny(class, ReasonSemanticRejection, msg)
	}
	if e.payloads != nil {
		if err := e.payloads.CheckPayload(cmd.Kind, cmd.Payload); err != nil {
			return deny(class, ReasonSemanticRejection, err.Error())
		}
	}
	if rule, msg, ok := e.caps.Check(cmd.Kind, cmd.Payload); !ok {
		return deny(class, rule.Reason, msg)
	}
	if e.policy.isScriptKind(cmd.Kind) {
		script, _ := cmd.Payload[e.policy.ScriptField].(string)
		if script == "" {
			return deny(class, ReasonSemanticRejection, fmt.Sprintf("%s requires a %q string", cmd.Kind, e.policy.ScriptField))
		}
		if e.gate == nil {
			return Decision{Class: class, Reason: ReasonSecurityViolation, Detail: "no script gate configured",
				Violations: []string{"Security Violation: script execution is disabled."}}
		}
		if v := e.gate.Audit(ctx, script); !v.Safe() {
			return Decision{Class: class, Reason: ReasonSecurityViolation, Detail: v.Violations[0], Violations: v.Violations}
		}
	}
	return allow(class)
}

// Validate evaluates cmd against the current state, applies the outcome
// and persists it. A non-nil error means the state could not be read or
// written; the returned decision is then a STORAGE_FAILURE denial.
func (e *Engine) Validate(ctx context.Context, cmd *contracts.Command) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := e.observe(ctx)
	state, err := e.load(ctx, obs)
	if err != nil {
		return e.storageDenial(cmd.Kind, obs.Now, err), err
	}

	d := e.Evaluate(ctx, cmd, state, obs)
	next := e.apply(ctx, state, d, obs.Now)
	if err := e.save(ctx, &next); err != nil {
		return e.storageDenial(cmd.Kind, obs.Now, err), err
	}
	d.State = next
	d.DecidedAt = obs.Now

	switch {
	case d.Allowed:
		e.logger.DebugContext(ctx, "command allowed", "kind", cmd.Kind, "id", cmd.ID, "budget", next.Budget)
	case d.Reason == ReasonSecurityViolation:
		e.logger.WarnContext(ctx, "script rejected", "kind", cmd.Kind, "id", cmd.ID, "violations", len(d.Violations))
	default:
		e.logger.InfoContext(ctx, "command denied", "kind", cmd.Kind, "id", cmd.ID, "reason", d.Reason, "detail", d.Detail)
	}
	return d, nil
}

// Preview evaluates cmd without consuming budget or recording failures.
func (e *Engine) Preview(ctx context.Context, cmd *contracts.Command) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := e.observe(ctx)
	state, err := e.load(ctx, obs)
	if err != nil {
		return e.storageDenial(cmd.Kind, obs.Now, err), err
	}
	d := e.Evaluate(ctx, cmd, state, obs)
	d.State = state
	d.DecidedAt = obs.Now
	return d, nil
}

// Snapshot returns the current state with replenishment applied. It does
// not write.
func (e *Engine) Snapshot(ctx context.Context) (PolicyState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx, e.observe(ctx))
}

// Sync loads the state, applies replenishment and writes it back. It is the
// kernel's probe for whether the store accepts writes again.
func (e *Engine) Sync(ctx context.Context) (PolicyState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := e.observe(ctx)
	state, err := e.load(ctx, obs)
	if err != nil {
		return PolicyState{}, err
	}
	if err := e.save(ctx, &state); err != nil {
		return PolicyState{}, err
	}
	return state, nil
}

// RecordViolation counts an out-of-band violation, such as a re-used
// command id, toward degradation.
func (e *Engine) RecordViolation(ctx context.Context, reason ReasonCode, detail string) (PolicyState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := e.observe(ctx)
	state, err := e.load(ctx, obs)
	if err != nil {
		return PolicyState{}, err
	}
	next := e.apply(ctx, state, deny(ClassMutate, reason, detail), obs.Now)
	if err := e.save(ctx, &next); err != nil {
		return PolicyState{}, err
	}
	e.logger.InfoContext(ctx, "violation recorded", "reason", reason, "detail", detail, "failures", next.FailureCount)
	return next, nil
}

// Reset is the administrative path back to FULL. It clears failures,
// refills the budget, rebinds the fingerprint and starts a new session.
func (e *Engine) Reset(ctx context.Context, actor, reason string) (PolicyState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := e.observe(ctx)
	if obs.FingerprintErr != nil {
		return PolicyState{}, fmt.Errorf("governance: reset: %w", obs.FingerprintErr)
	}
	prev, err := e.store.Load(ctx)
	if err != nil {
		return PolicyState{}, &contracts.StorageFailure{Store: "policy", Err: err}
	}
	next := e.fresh(obs)
	next.LastReason = ReasonAdminReset
	if prev != nil {
		next.Version = prev.Version
	}
	if err := e.save(ctx, &next); err != nil {
		return PolicyState{}, err
	}
	e.logger.WarnContext(ctx, "governance reset", "actor", actor, "reason", reason, "session", next.SessionID)
	return next, nil
}

func (e *Engine) observe(ctx context.Context) Observation {
	obs := Observation{Now: e.clock().UTC()}
	if e.fingerprint != nil {
		obs.Fingerprint, obs.FingerprintErr = e.fingerprint.Fingerprint(ctx)
	}
	return obs
}

// load reads the state, creating and binding it on first use, and applies
// lazy replenishment.
func (e *Engine) load(ctx context.Context, obs Observation) (PolicyState, error) {
	stored, err := e.store.Load(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "policy state read failed", "error", err)
		return PolicyState{}, &contracts.StorageFailure{Store: "policy", Err: err}
	}
	var s PolicyState
	if stored == nil {
		s = e.fresh(obs)
	} else {
		s = *stored
	}
	if !s.Tier.Valid() {
		s.Tier = TierBlocked
	}
	if s.Budget > e.policy.MaxBudget {
		s.Budget = e.policy.MaxBudget
	}
	if s.Budget < 0 {
		s.Budget = 0
	}
	if s.HostFingerprint == "" && obs.FingerprintErr == nil {
		s.HostFingerprint = obs.Fingerprint
	}
	e.policy.replenish(&s, obs.Now)
	return s, nil
}

func (e *Engine) fresh(obs Observation) PolicyState {
	return PolicyState{
		Tier:            TierFull,
		Budget:          e.policy.MaxBudget,
		LastReplenish:   obs.Now,
		HostFingerprint: obs.Fingerprint,
		SessionID:       uuid.NewString(),
	}
}

// apply folds a decision into the state.
func (e *Engine) apply(ctx context.Context, s PolicyState, d Decision, now time.Time) PolicyState {
	if d.Allowed {
		if d.Class == ClassMutate {
			s.Budget--
			s.LastMutation = now
		}
		s.LastReason = ReasonNone
		return s
	}
	s.FailureCount++
	s.LastReason = d.Reason
	if degraded := s.Tier.Degrade(e.policy.tierFor(s.FailureCount)); degraded != s.Tier {
		e.logger.WarnContext(ctx, "tier degraded", "from", s.Tier, "to", degraded, "failures", s.FailureCount)
		s.Tier = degraded
	}
	return s
}

func (e *Engine) save(ctx context.Context, s *PolicyState) error {
	s.Version++
	s.UpdatedAt = e.clock().UTC()
	if err := e.store.Save(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "policy state write failed", "version", s.Version, "error", err)
		return &contracts.StorageFailure{Store: "policy", Err: err}
	}
	return nil
}

func (e *Engine) storageDenial(kind string, now time.Time, err error) Decision {
	d := deny(e.classify(kind), ReasonStorageFailure, err.Error())
	d.DecidedAt = now
	return d
}
