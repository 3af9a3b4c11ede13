package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/auth"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/contracts"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/kernel"
)

// runGovernanceCmd implements `vibebridge governance <status|reset|token>`.
func runGovernanceCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: vibebridge governance <status|reset|token> [flags]")
		return 2
	}
	switch args[0] {
	case "status":
		return runGovernanceStatus(ctx, cfg, stdout, stderr)
	case "reset":
		return runGovernanceReset(ctx, cfg, args[1:], stdout, stderr)
	case "token":
		return runGovernanceToken(cfg, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown governance subcommand: %s\n", args[0])
		return 2
	}
}

func runGovernanceStatus(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	b, err := openBridge(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close(ctx) }()

	state, err := b.engine.Snapshot(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, state); err != nil {
		return 1
	}
	return 0
}

// runGovernanceReset submits reset_governance through the airlock so the
// running kernel performs and records it.
func runGovernanceReset(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("governance reset", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		actor   string
		reason  string
		timeout time.Duration
	)
	cmd.StringVar(&actor, "actor", defaultActor(), "Operator performing the reset")
	cmd.StringVar(&reason, "reason", "operator reset", "Reason recorded in the policy state")
	cmd.DurationVar(&timeout, "timeout", cfg.ClientTimeout, "How long to wait for the result")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	token, code := issueToken(cfg, actor, time.Minute, stderr)
	if code != 0 {
		return code
	}
	c := contracts.NewCommand(kernel.KindResetGovernance, contracts.IntentGeneral, map[string]any{
		"token":  token,
		"reason": reason,
	})
	return call(ctx, cfg, c, timeout, stdout, stderr)
}

// runGovernanceToken prints an admin token for use by other tooling.
func runGovernanceToken(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("governance token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		actor string
		ttl   time.Duration
	)
	cmd.StringVar(&actor, "actor", defaultActor(), "Operator the token is issued to")
	cmd.DurationVar(&ttl, "ttl", 5*time.Minute, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	token, code := issueToken(cfg, actor, ttl, stderr)
	if code != 0 {
		return code
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func issueToken(cfg *config.Config, actor string, ttl time.Duration, stderr io.Writer) (string, int) {
	admin, err := auth.NewAdminAuthority(cfg.AdminSecret)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (set VIBE_ADMIN_SECRET)\n", err)
		return "", 2
	}
	token, err := admin.Issue(actor, ttl, auth.ScopeReset)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return "", 1
	}
	return token, 0
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
