package governance

import (
	"fmt"
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
)

// IntentTable maps each intent to the mutating kinds it permits. Read and
// control kinds are permitted under every intent and need not be listed.
type IntentTable map[contracts.Intent][]string

// Allows reports whether intent permits kind.
func (t IntentTable) Allows(intent contracts.Intent, kind string) bool {
	for _, k := range t[intent] {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultIntentTable is the intent mapping the bridge's tool surface uses.
func DefaultIntentTable() IntentTable {
	return IntentTable{
		contracts.IntentRig:      {"unity_op", "constraint_op", "vg_op"},
		contracts.IntentOptimize: {"unity_op", "modifier_op", "cleanup_op", "bake_op", "mesh_op"},
		contracts.IntentAnimate:  {"viseme_op", "animation_op"},
		contracts.IntentLight:    {"node_op", "lighting_op", "viewport_op", "world_op"},
		contracts.IntentSceneSetup: {
			"transform", "run_op", "physics_op", "link_op", "exec_script",
			"collection_op", "material_op", "camera_op", "curve_op", "lock_op",
			"audio_op", "io_op", "annotation_op", "modifier_op", "sandbox_modify_object",
		},
		contracts.IntentGeneral: {
			"system_op", "render_op", "macro_op", "cleanup_op", "exec_script", "sandbox_modify_object",
		},
	}
}

// Policy holds the tunable governance constants.
type Policy struct {
	// ReadOnlyThreshold (T1) is the failure count that degrades to READ_ONLY.
	ReadOnlyThreshold int `yaml:"read_only_threshold" json:"read_only_threshold"`
	// BlockThreshold (T2) is the failure count that degrades to BLOCKED.
	BlockThreshold int `yaml:"block_threshold" json:"block_threshold"`

	MaxBudget         int           `yaml:"max_budget" json:"max_budget"`
	ReplenishInterval time.Duration `yaml:"replenish_interval" json:"replenish_interval"`
	ReplenishAmount   int           `yaml:"replenish_amount" json:"replenish_amount"`
	RateFloor         time.Duration `yaml:"rate_floor" json:"rate_floor"`
	MagnitudeBound    float64       `yaml:"magnitude_bound" json:"magnitude_bound"`

	Intents IntentTable `yaml:"intents" json:"intents"`

	// ScriptKinds carry a script in ScriptField that must pass the gate.
	ScriptKinds []string `yaml:"script_kinds" json:"script_kinds"`
	ScriptField string   `yaml:"script_field" json:"script_field"`
}

// DefaultPolicy returns the shipped governance constants.
func DefaultPolicy() Policy {
	return Policy{
		ReadOnlyThreshold: 3,
		BlockThreshold:    6,
		MaxBudget:         100,
		ReplenishInterval: 10 * time.Minute,
		ReplenishAmount:   10,
		RateFloor:         200 * time.Millisecond,
		MagnitudeBound:    1e6,
		Intents:           DefaultIntentTable(),
		ScriptKinds:       []string{"exec_script", "sandbox_modify_object"},
		ScriptField:       "script",
	}
}

// Validate rejects policies that cannot be enforced consistently.
func (p Policy) Validate() error {
	switch {
	case p.ReadOnlyThreshold <= 0:
		return fmt.Errorf("governance: read_only_threshold must be positive")
	case p.BlockThreshold < p.ReadOnlyThreshold:
		return fmt.Errorf("governance: block_threshold %d below read_only_threshold %d", p.BlockThreshold, p.ReadOnlyThreshold)
	case p.MaxBudget <= 0:
		return fmt.Errorf("governance: max_budget must be positive")
	case p.ReplenishInterval <= 0:
		return fmt.Errorf("governance: replenish_interval must be positive")
	case p.ReplenishAmount < 0:
		return fmt.Errorf("governance: replenish_amount must not be negative")
	case p.RateFloor < 0:
		return fmt.Errorf("governance: rate_floor must not be negative")
	case p.MagnitudeBound <= 0:
		return fmt.Errorf("governance: magnitude_bound must be positive")
	}
	for intent := range p.Intents {
		if !intent.Valid() {
			return fmt.Errorf("governance: intent table names unknown intent %q", intent)
		}
	}
	return nil
}

func (p Policy) isScriptKind(kind string) bool {
	for _, k := range p.ScriptKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// replenish credits every whole window elapsed since LastReplenish. The
// window start only advances by whole windows, so repeated reads within one
// window leave the state unchanged.
func (p Policy) replenish(s *PolicyState, now time.Time) {
	if s.LastReplenish.IsZero() {
		s.LastReplenish = now
		return
	}
	elapsed := now.Sub(s.LastReplenish)
	if elapsed < p.ReplenishInterval {
		return
	}
	windows := int64(elapsed / p.ReplenishInterval)
	credit := int64(s.Budget) + windows*int64(p.ReplenishAmount)
	if credit > int64(p.MaxBudget) {
		credit = int64(p.MaxBudget)
	}
	if int64(s.Budget) < credit {
		s.Budget = int(credit)
	}
	s.LastReplenish = s.LastReplenish.Add(time.Duration(windows) * p.ReplenishInterval)
}

// tierFor returns the tier the failure count warrants.
func (p Policy) tierFor(failures int) Tier {
	switch {
	case failures >= p.BlockThreshold:
		return TierBlocked
	case failures >= p.ReadOnlyThreshold:
		return TierReadOnly
	default:
		return TierFull
	}
}
