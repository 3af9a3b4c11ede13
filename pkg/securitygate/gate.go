// Package securitygate statically vets script payloads before they are
// allowed to run inside the host process.
//
// Analysis is purely syntactic and deterministic: the same script and the
// same trust store always produce the same ordered list of violations.
// Content approved by an operator is recorded in a TrustStore keyed by a
// normalized content hash and bypasses analysis entirely.
package securitygate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate/pyast"
)

// DefaultTrustReason is recorded when an operator approves content without
// giving a reason.
const DefaultTrustReason = "User Approved"

// Limits bounds how much input the gate is willing to analyze.
type Limits struct {
	MaxBytes int `yaml:"max_bytes" json:"max_bytes"`
	MaxNodes int `yaml:"max_nodes" json:"max_nodes"`
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
}

// DefaultLimits mirrors the ceilings the bridge has always enforced.
func DefaultLimits() Limits {
	return Limits{MaxBytes: 50_000, MaxNodes: 5_000, MaxDepth: pyast.DefaultMaxDepth}
}

// Verdict is the outcome of one audit. An empty Violations list means safe.
type Verdict struct {
	Violations []string `json:"violations"`
	Trusted    bool     `json:"trusted,omitempty"`
	Hash       string   `json:"hash"`
}

// Safe reports whether the script may run.
func (v Verdict) Safe() bool { return len(v.Violations) == 0 }

// Gate is the static analyzer plus its trust cache.
type Gate struct {
	rules  Rules
	limits Limits
	trust  TrustStore
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithRules replaces the default rule set.
func WithRules(r Rules) Option { return func(g *Gate) { g.rules = r } }

// WithLimits replaces the default analysis limits.
func WithLimits(l Limits) Option { return func(g *Gate) { g.limits = l } }

// WithClock overrides the time source used for trust records.
func WithClock(clock func() time.Time) Option { return func(g *Gate) { g.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// New creates a gate backed by the given trust store. A nil store means
// nothing is ever trusted.
func New(trust TrustStore, opts ...Option) *Gate {
	g := &Gate{
		rules:  DefaultRules(),
		limits: DefaultLimits(),
		trust:  trust,
		clock:  time.Now,
		logger: slog.Default().With("component", "securitygate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ContentHash is the trust-cache key for a script: the SHA-256 of its
// NFC-normalized, whitespace-trimmed text.
func ContentHash(script string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(strings.TrimSpace(script))))
	return hex.EncodeToString(sum[:])
}

// Audit analyzes script and returns its verdict. Trusted content returns
// no violations without being parsed.
func (g *Gate) Audit(ctx context.Context, script string) Verdict {
	hash := ContentHash(script)
	if g.isTrustedHash(ctx, hash) {
		return Verdict{Trusted: true, Hash: hash}
	}
	v := Verdict{Hash: hash, Violations: g.analyze(script)}
	if !v.Safe() {
		g.logger.WarnContext(ctx, "script rejected", "hash", hash, "violations", len(v.Violations))
	}
	return v
}

func (g *Gate) analyze(script string) []string {
	for i := 0; i < len(script); i++ {
		if script[i] >= 0x80 {
			return []string{"Security Violation: Non-ASCII characters detected."}
		}
	}
	if len(script) > g.limits.MaxBytes {
		return []string{"Security Violation: File too large to safely audit."}
	}
	mod, err := pyast.ParseWithDepth(script, g.limits.MaxDepth)
	if err != nil {
		return []string{"Syntax Error: " + err.Error()}
	}
	violations, tooComplex := newAnalyzer(g.rules, g.limits.MaxNodes).run(mod)
	if tooComplex {
		return []string{"Security Violation: File too complex to safely audit."}
	}
	return violations
}

// IsTrusted reports whether script has been approved. Storage errors are
// logged and treated as untrusted.
func (g *Gate) IsTrusted(ctx context.Context, script string) bool {
	return g.isTrustedHash(ctx, ContentHash(script))
}

func (g *Gate) isTrustedHash(ctx context.Context, hash string) bool {
	if g.trust == nil {
		return false
	}
	_, ok, err := g.trust.Lookup(ctx, hash)
	if err != nil {
		g.logger.ErrorContext(ctx, "trust lookup failed, analyzing instead", "hash", hash, "error", err)
		return false
	}
	return ok
}

// Trust records script as approved. The cache only grows.
func (g *Gate) Trust(ctx context.Context, script, reason string) (string, error) {
	if g.trust == nil {
		return "", errors.New("securitygate: no trust store configured")
	}
	if reason == "" {
		reason = DefaultTrustReason
	}
	hash := ContentHash(script)
	rec := TrustRecord{Timestamp: g.clock().UTC(), Reason: reason}
	if err := g.trust.Put(ctx, hash, rec); err != nil {
		return "", fmt.Errorf("securitygate: trust %s: %w", hash, err)
	}
	g.logger.InfoContext(ctx, "content trusted", "hash", hash, "reason", reason)
	return hash, nil
}
