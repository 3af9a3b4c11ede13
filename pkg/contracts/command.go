// Package contracts defines the wire-level types exchanged between the
// agent-side client and the host-side kernel: commands, results and the
// error taxonomy that classifies every non-success outcome.
package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
)

// MaxPayloadBytes bounds the encoded size of a command payload.
const MaxPayloadBytes = 1 << 20

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

var (
	ErrInvalidID      = errors.New("command id must be a UUID")
	ErrInvalidKind    = errors.New("command kind must match [a-z][a-z0-9_]*")
	ErrInvalidIntent  = errors.New("unknown intent")
	ErrInvalidSession = errors.New("session id must be a UUID")
	ErrPayloadTooBig  = errors.New("payload exceeds size limit")
)

// Intent is the declared purpose of a command. Governance uses it to bound
// which kinds a command may carry.
type Intent string

const (
	IntentOptimize   Intent = "OPTIMIZE"
	IntentRig        Intent = "RIG"
	IntentLight      Intent = "LIGHT"
	IntentAnimate    Intent = "ANIMATE"
	IntentSceneSetup Intent = "SCENE_SETUP"
	IntentGeneral    Intent = "GENERAL"
)

// Intents lists every recognised intent in a stable order.
var Intents = []Intent{IntentOptimize, IntentRig, IntentLight, IntentAnimate, IntentSceneSetup, IntentGeneral}

// Valid reports whether i is one of the recognised intents.
func (i Intent) Valid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// ParseIntent converts s into an Intent. An empty string means GENERAL.
func ParseIntent(s string) (Intent, error) {
	if s == "" {
		return IntentGeneral, nil
	}
	i := Intent(s)
	if !i.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidIntent, s)
	}
	return i, nil
}

// Command is a single request from the agent. It is immutable once
// submitted; ID is both the idempotency key and the correlation key.
type Command struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Intent    Intent         `json:"intent"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
}

// NewCommand builds a command with a fresh UUID.
func NewCommand(kind string, intent Intent, payload map[string]any) *Command {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Command{
		ID:      uuid.NewString(),
		Kind:    kind,
		Intent:  intent,
		Payload: payload,
	}
}

// Validate checks the structural shape of the command. It says nothing
// about whether the command is allowed.
func (c *Command) Validate() error {
	if c == nil {
		return errors.New("nil command")
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, c.ID)
	}
	if !kindPattern.MatchString(c.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, c.Kind)
	}
	if !c.Intent.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidIntent, c.Intent)
	}
	if c.SessionID != "" {
		if _, err := uuid.Parse(c.SessionID); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidSession, c.SessionID)
		}
	}
	raw, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("payload not encodable: %w", err)
	}
	if len(raw) > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, len(raw))
	}
	return nil
}

// Digest returns the canonical content hash of the command. Two commands
// with the same ID but different digests are a protocol violation.
func (c *Command) Digest() (string, error) {
	return canonicalize.CanonicalHash(c)
}

// Status is the terminal status of a command.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusBlocked Status = "BLOCKED"
	StatusError   Status = "ERROR"
)

// Result is what the host publishes back to the client for one command.
type Result struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Message     string     `json:"message,omitempty"`
	Violations  []string   `json:"violations,omitempty"`
	Output      any        `json:"output,omitempty"`
	ErrorClass  ErrorClass `json:"error_class,omitempty"`
	Retryable   bool       `json:"retryable,omitempty"`
	LedgerHash  string     `json:"ledger_hash,omitempty"`
	Replayed    bool       `json:"replayed,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Summary is the short human-readable form stored in the audit ledger.
func (r *Result) Summary() string {
	switch {
	case r.Reason != "" && r.Message != "":
		return r.Reason + ": " + r.Message
	case r.Reason != "":
		return r.Reason
	default:
		return r.Message
	}
}
