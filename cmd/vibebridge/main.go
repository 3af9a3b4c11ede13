// Command vibebridge runs the governed execution kernel and its operator
// tooling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, stdout, stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	logger, closer := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	switch args[1] {
	case "host":
		return runHostCmd(ctx, cfg, args[2:], stdout, stderr)
	case "submit":
		return runSubmitCmd(ctx, cfg, args[2:], stdout, stderr)
	case "audit-script":
		return runAuditScriptCmd(ctx, cfg, args[2:], stdout, stderr)
	case "check-shell":
		return runCheckShellCmd(cfg, args[2:], stdout, stderr)
	case "ledger":
		return runLedgerCmd(ctx, cfg, args[2:], stdout, stderr)
	case "governance":
		return runGovernanceCmd(ctx, cfg, args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "vibebridge %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "vibebridge - governed command execution for a live 3D host")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  vibebridge <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	printCommand(w, "host", "Run the kernel against the airlock (--simulate, --api, --for)")
	printCommand(w, "submit", "Submit one command and wait for its result (--kind, --intent, --payload)")
	printCommand(w, "audit-script", "Statically audit a script file (--trust to approve it)")
	printCommand(w, "check-shell", "Vet a shell command line against the whitelist")
	printCommand(w, "ledger", "Audit ledger tools (verify | export)")
	printCommand(w, "governance", "Policy state tools (status | reset | token)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from VIBE_* environment variables.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-14s %s\n", name, desc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
