package governance

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CapRule is a kind-specific hard cap written as a CEL expression over
// `kind` (string) and `payload` (map). The expression must evaluate to
// true for the command to pass. An empty Kind applies the rule to every
// kind.
type CapRule struct {
	Name    string     `yaml:"name" json:"name"`
	Kind    string     `yaml:"kind" json:"kind"`
	Expr    string     `yaml:"expr" json:"expr"`
	Reason  ReasonCode `yaml:"reason" json:"reason"`
	Message string     `yaml:"message" json:"message"`
}

// DefaultCapRules returns the caps the bridge enforces out of the box.
func DefaultCapRules() []CapRule {
	return []CapRule{
		{
			Name: "subdivision-levels",
			Kind: "modifier_op",
			Expr: `!(has(payload.mod_type) && payload.mod_type == "SUBSURF") ||
				((!has(payload.levels) || payload.levels <= 3.0) &&
				 (!has(payload.props) || !has(payload.props.levels) || payload.props.levels <= 3.0))`,
			Reason:  "SUBDIVISION_CAP",
			Message: "subdivision levels are capped at 3",
		},
		{
			Name:    "bake-resolution",
			Kind:    "bake_op",
			Expr:    `!has(payload.resolution) || payload.resolution <= 2048.0`,
			Reason:  "BAKE_RESOLUTION_CAP",
			Message: "bake resolution is capped at 2048",
		},
		{
			Name:    "light-energy",
			Kind:    "lighting_op",
			Expr:    `!has(payload.energy) || payload.energy <= 5000.0`,
			Reason:  "LIGHT_ENERGY_CAP",
			Message: "light energy is capped at 5000",
		},
		{
			Name:    "decimate-ratio",
			Kind:    "unity_op",
			Expr:    `!has(payload.ratio) || (payload.ratio > 0.0 && payload.ratio <= 1.0)`,
			Reason:  "DECIMATE_RATIO_CAP",
			Message: "decimation ratio must be in (0, 1]",
		},
	}
}

type compiledCap struct {
	rule CapRule
	prg  cel.Program
}

// CapEvaluator evaluates compiled cap rules. It is safe for concurrent use.
type CapEvaluator struct {
	caps []compiledCap
}

// NewCapEvaluator compiles rules. Any rule that fails to compile is
// rejected up front.
func NewCapEvaluator(rules []CapRule) (*CapEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: cap environment: %w", err)
	}

	ev := &CapEvaluator{}
	for _, r := range rules {
		if r.Reason == "" {
			return nil, fmt.Errorf("governance: cap %q has no reason code", r.Name)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("governance: cap %q: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("governance: cap %q: program: %w", r.Name, err)
		}
		ev.caps = append(ev.caps, compiledCap{rule: r, prg: prg})
	}
	return ev, nil
}

// Check returns the first rule that kind and payload violate. Evaluation
// errors count as violations.
func (e *CapEvaluator) Check(kind string, payload map[string]any) (CapRule, string, bool) {
	if e == nil || len(e.caps) == 0 {
		return CapRule{}, "", true
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return CapRule{Name: "payload", Reason: ReasonSemanticRejection}, err.Error(), false
	}
	input := map[string]any{"kind": kind, "payload": normalized}
	for _, c := range e.caps {
		if c.rule.Kind != "" && c.rule.Kind != kind {
			continue
		}
		out, _, err := c.prg.Eval(input)
		if err != nil {
			return c.rule, fmt.Sprintf("%s (cap %s could not be evaluated: %v)", c.rule.Message, c.rule.Name, err), false
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			return c.rule, c.rule.Message, false
		}
	}
	return CapRule{}, "", true
}

// normalizePayload round-trips through JSON so every number reaches CEL as
// a double and nested values are plain maps and lists.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload not decodable: %w", err)
	}
	return out, nil
}
