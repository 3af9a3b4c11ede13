package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

// PolicyProfile is a YAML governance profile. Fields omitted from the file
// keep their shipped defaults. Lists given in the file replace the default
// list entirely; the intent table is merged intent by intent.
type PolicyProfile struct {
	Name       string                   `yaml:"name" json:"name"`
	Governance governance.Policy        `yaml:"governance" json:"governance"`
	Caps       []governance.CapRule     `yaml:"caps" json:"caps"`
	Gate       securitygate.Rules       `yaml:"gate" json:"gate"`
	Limits     securitygate.Limits      `yaml:"limits" json:"limits"`
	Shell      securitygate.ShellPolicy `yaml:"shell" json:"shell"`
}

// DefaultPolicyProfile returns the profile used when none is configured.
func DefaultPolicyProfile() *PolicyProfile {
	return &PolicyProfile{
		Name:       "default",
		Governance: governance.DefaultPolicy(),
		Caps:       governance.DefaultCapRules(),
		Gate:       securitygate.DefaultRules(),
		Limits:     securitygate.DefaultLimits(),
		Shell:      securitygate.DefaultShellPolicy(),
	}
}

// LoadPolicyProfile reads the profile at path over the defaults. An empty
// path returns the defaults.
func LoadPolicyProfile(path string) (*PolicyProfile, error) {
	profile := DefaultPolicyProfile()
	if path == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse policy profile %q: %w", path, err)
	}
	if err := profile.Governance.Validate(); err != nil {
		return nil, fmt.Errorf("policy profile %q: %w", path, err)
	}
	if _, err := governance.NewCapEvaluator(profile.Caps); err != nil {
		return nil, fmt.Errorf("policy profile %q: %w", path, err)
	}
	if profile.Limits.MaxBytes <= 0 || profile.Limits.MaxNodes <= 0 || profile.Limits.MaxDepth <= 0 {
		return nil, fmt.Errorf("policy profile %q: gate limits must be positive", path)
	}
	return profile, nil
}
