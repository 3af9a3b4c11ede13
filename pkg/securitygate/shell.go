package securitygate

import (
	"fmt"
	"strings"
)

// ShellPolicy vets shell command lines proposed by the agent. Only the base
// command is whitelisted; the rest of the line is scanned for patterns that
// enable chaining, redirection, exfiltration or environment tampering.
type ShellPolicy struct {
	Whitelist         []string `yaml:"whitelist" json:"whitelist"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns" json:"forbidden_patterns"`
	BridgePort        string   `yaml:"bridge_port" json:"bridge_port"`
	AuthHeader        string   `yaml:"auth_header" json:"auth_header"`
}

// DefaultShellPolicy returns the whitelist the bridge ships with.
func DefaultShellPolicy() ShellPolicy {
	return ShellPolicy{
		Whitelist: []string{
			"git", "python", "python3", "ls", "cat", "mkdir", "rm", "cp", "mv",
			"grep", "find", "pip", "pip3", "cargo", "rustc", "docker",
		},
		ForbiddenPatterns: []string{
			"curl", "wget", "ssh", "nc ", "bash -i", "sh -i", ">", "|", "&&", ";", "`", "$(",
			"API_KEY", "TOKEN", "gcloud", "env", "printenv", ".config",
			"LD_", "PYTHONPATH", "PERL5LIB", "RUBYLIB", "*", "?", "[", "]", "{", "}",
		},
		BridgePort: "22000",
		AuthHeader: "X-Vibe-Token",
	}
}

// CheckShell returns the violations for cmd under the default policy.
func CheckShell(cmd string) []string {
	return DefaultShellPolicy().Check(cmd)
}

// Check returns the violations for cmd in a deterministic order. An empty
// command has none.
func (p ShellPolicy) Check(cmd string) []string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return nil
	}
	var out []string
	if !contains(p.Whitelist, parts[0]) {
		out = append(out, fmt.Sprintf("Security Violation: Shell command '%s' not whitelisted.", parts[0]))
	}
	if (p.BridgePort != "" && strings.Contains(cmd, p.BridgePort)) || strings.Contains(cmd, "localhost") {
		if p.AuthHeader == "" || !strings.Contains(cmd, p.AuthHeader) {
			out = append(out, "Security Violation: Local bridge requests via shell MUST include token.")
		}
	}
	for _, pattern := range p.ForbiddenPatterns {
		if strings.Contains(cmd, pattern) {
			out = append(out, fmt.Sprintf("Security Violation: Forbidden pattern '%s' detected.", pattern))
		}
	}
	if strings.Contains(cmd, "..") {
		out = append(out, "Security Violation: Path traversal detected.")
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
