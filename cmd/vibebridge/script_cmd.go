package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/store"
)

// runAuditScriptCmd implements `vibebridge audit-script [--trust] <file|->`.
// --trust records the script's content hash after human review, so later
// submissions of the same bytes skip analysis.
func runAuditScriptCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit-script", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		trust  bool
		reason string
	)
	cmd.BoolVar(&trust, "trust", false, "Approve the script's content hash")
	cmd.StringVar(&reason, "reason", securitygate.DefaultTrustReason, "Reason recorded with the approval")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: vibebridge audit-script [--trust] [--reason text] <file|->")
		return 2
	}
	script, err := readScript(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	profile, err := config.LoadPolicyProfile(cfg.PolicyProfile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	backends, err := store.Open(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = backends.Close() }()

	gate := securitygate.New(backends.Trust,
		securitygate.WithRules(profile.Gate),
		securitygate.WithLimits(profile.Limits),
	)
	verdict := gate.Audit(ctx, script)
	for _, v := range verdict.Violations {
		_, _ = fmt.Fprintln(stdout, v)
	}

	switch {
	case trust:
		hash, err := gate.Trust(ctx, script, reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "trusted %s\n", hash)
		return 0
	case verdict.Trusted:
		_, _ = fmt.Fprintf(stdout, "trusted %s\n", verdict.Hash)
		return 0
	case verdict.Safe():
		_, _ = fmt.Fprintf(stdout, "safe %s\n", verdict.Hash)
		return 0
	default:
		return 1
	}
}

// runCheckShellCmd implements `vibebridge check-shell <command line>`.
func runCheckShellCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: vibebridge check-shell <command line>")
		return 2
	}
	profile, err := config.LoadPolicyProfile(cfg.PolicyProfile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	violations := profile.Shell.Check(strings.Join(args, " "))
	for _, v := range violations {
		_, _ = fmt.Fprintln(stdout, v)
	}
	if len(violations) > 0 {
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "allowed")
	return 0
}

func readScript(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
