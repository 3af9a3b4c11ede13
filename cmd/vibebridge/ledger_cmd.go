package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/archive"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
)

// runLedgerCmd implements `vibebridge ledger <verify|export>`.
//
// Exit codes:
//
//	0 = chain intact / export written
//	1 = verification failed or runtime error
//	2 = usage error
func runLedgerCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: vibebridge ledger <verify|export> [flags]")
		return 2
	}
	switch args[0] {
	case "verify":
		return runLedgerVerify(ctx, cfg, stdout, stderr)
	case "export":
		return runLedgerExport(ctx, cfg, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown ledger subcommand: %s\n", args[0])
		return 2
	}
}

func runLedgerVerify(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	b, err := openBridge(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close(ctx) }()

	if err := b.ledger.Verify(ctx); err != nil {
		_, _ = fmt.Fprintf(stdout, "FAILED: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d entries, head %s\n", b.ledger.Size(), b.ledger.Head())
	return 0
}

func runLedgerExport(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ledger export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		out    string
		target string
		start  int64
		end    int64
	)
	cmd.StringVar(&out, "out", "", "Write the bundle to this file instead of stdout")
	cmd.StringVar(&target, "archive", cfg.ArchiveTarget, "Ship the bundle to file://, s3:// or gs:// target")
	cmd.Int64Var(&start, "start", 0, "First sequence number (inclusive)")
	cmd.Int64Var(&end, "end", 0, "Last sequence number (inclusive)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	b, err := openBridge(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close(ctx) }()

	filter := audit.Filter{StartSeq: start, EndSeq: end}
	if target != "" {
		sink, err := archive.ParseTarget(ctx, target)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		loc, bundle, err := archive.Ship(ctx, b.ledger, sink, filter)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "archived %d entries to %s\n", bundle.EntryCount, loc)
		return 0
	}

	bundle, err := b.ledger.ExportBundle(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	w := stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := writeJSON(w, bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
