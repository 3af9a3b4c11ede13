package governance

import (
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

// Tier is the coarse authorization level of the session.
type Tier string

const (
	TierFull     Tier = "FULL"
	TierReadOnly Tier = "READ_ONLY"
	TierBlocked  Tier = "BLOCKED"
)

func (t Tier) rank() int {
	switch t {
	case TierFull:
		return 0
	case TierReadOnly:
		return 1
	default:
		// Unknown tiers rank as BLOCKED so a corrupted record fails closed.
		return 2
	}
}

// Degrade returns the more restrictive of t and to. It never upgrades.
func (t Tier) Degrade(to Tier) Tier {
	if to.rank() > t.rank() {
		return to
	}
	return t
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFull || t == TierReadOnly || t == TierBlocked
}

// KindClass groups command kinds by their effect on the host.
type KindClass string

const (
	ClassRead    KindClass = "READ"
	ClassMutate  KindClass = "MUTATE"
	ClassControl KindClass = "CONTROL"
)

// Classifier maps a command kind onto its class. Kinds a classifier does
// not know must be reported as ClassMutate.
type Classifier interface {
	Classify(kind string) KindClass
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(kind string) KindClass

func (f ClassifierFunc) Classify(kind string) KindClass { return f(kind) }

// ReasonCode is the machine-readable reason attached to a denial.
type ReasonCode string

const (
	ReasonNone              ReasonCode = ""
	ReasonRevokedBlocked    ReasonCode = "REVOKED_BLOCKED"
	ReasonRevokedReadOnly   ReasonCode = "REVOKED_READ_ONLY"
	ReasonBudgetExhausted   ReasonCode = "BUDGET_EXHAUSTED"
	ReasonIntentMismatch    ReasonCode = "INTENT_MISMATCH"
	ReasonRateLimit         ReasonCode = "RATE_LIMIT"
	ReasonEnvironmentDrift  ReasonCode = "ENVIRONMENT_DRIFT"
	ReasonSemanticRejection ReasonCode = "SEMANTIC_REJECTION"
	ReasonSecurityViolation ReasonCode = "SECURITY_VIOLATION"
	ReasonProtocolViolation ReasonCode = "PROTOCOL_VIOLATION"
	ReasonStorageFailure    ReasonCode = "STORAGE_FAILURE"
	ReasonAdminReset        ReasonCode = "ADMIN_RESET"
)

// PolicyState is the persisted governance record for the session. It is a
// singleton; only the Engine mutates it.
type PolicyState struct {
	Version         int64      `json:"version"`
	Tier            Tier       `json:"tier"`
	Budget          int        `json:"budget"`
	LastReplenish   time.Time  `json:"last_replenish"`
	FailureCount    int        `json:"failure_count"`
	LastMutation    time.Time  `json:"last_mutation_time"`
	HostFingerprint string     `json:"host_fingerprint"`
	SessionID       string     `json:"session_id"`
	LastReason      ReasonCode `json:"last_reason,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Decision is the outcome of evaluating one command.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Reason     ReasonCode  `json:"reason,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Violations []string    `json:"violations,omitempty"`
	Class      KindClass   `json:"class"`
	State      PolicyState `json:"state"`
	DecidedAt  time.Time   `json:"decided_at"`
}

// Err converts a denial into the matching error from the contracts
// taxonomy. It returns nil for an allowed decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonSecurityViolation:
		return &contracts.SecurityViolation{Violations: d.Violations}
	case ReasonStorageFailure:
		return &contracts.StorageFailure{Store: "policy", Err: errString(d.Detail)}
	default:
		return &contracts.PolicyDenied{Reason: string(d.Reason), Detail: d.Detail}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func allow(class KindClass) Decision {
	return Decision{Allowed: true, Class: class}
}

func deny(class KindClass, reason ReasonCode, detail string) Decision {
	return Decision{Class: class, Reason: reason, Detail: detail}
}
