package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/airlock"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/api"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/auth"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/fingerprint"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/hostsim"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/kernel"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/sandbox"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/transaction"
)

// runHostCmd implements `vibebridge host`.
//
// Exit codes:
//
//	0 = stopped cleanly
//	1 = runtime failure
//	2 = usage error
func runHostCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("host", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		simulate    bool
		serveAPI    bool
		runFor      time.Duration
		maxHeapMB   uint64
		hostVersion string
		extensions  string
	)
	cmd.BoolVar(&simulate, "simulate", false, "Drive the in-memory host simulator")
	cmd.BoolVar(&serveAPI, "api", true, "Serve the read-only query channel on VIBE_API_ADDR")
	cmd.DurationVar(&runFor, "for", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Uint64Var(&maxHeapMB, "max-heap-mb", 0, "Refuse heavy commands above this heap size (0 disables)")
	cmd.StringVar(&hostVersion, "host-version", "4.1.0", "Version the simulated host reports")
	cmd.StringVar(&extensions, "extensions", "", "Comma-separated extensions the simulated host reports")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !simulate {
		_, _ = fmt.Fprintln(stderr, "Error: no host executor is linked into this binary; run with --simulate or embed pkg/kernel in the host process")
		return 2
	}
	if err := fingerprint.CheckCompatibility(hostVersion, cfg.HostConstraint); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	info := fingerprint.HostInfo{Version: hostVersion, Platform: runtime.GOOS + "/" + runtime.GOARCH}
	if extensions != "" {
		info.Extensions = strings.Split(extensions, ",")
	}
	sim := hostsim.New(info)

	b, err := openBridge(ctx, cfg, sim)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close(context.Background()) }()

	k, err := buildKernel(ctx, b, sim, maxHeapMB)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	apiErr := make(chan error, 1)
	if serveAPI {
		srv := api.New(k, api.WithToken(cfg.BridgeToken), api.WithRateLimit(cfg.APIRateLimit, int(cfg.APIRateLimit)))
		go func() { apiErr <- srv.ListenAndServe(ctx, cfg.APIAddr) }()
	} else {
		apiErr <- nil
	}

	_, _ = fmt.Fprintf(stdout, "vibebridge host serving %s (simulated %s)\n", cfg.QueueDir, hostVersion)
	runErr := k.Run(ctx, cfg.PollInterval)
	if err := <-apiErr; err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: query channel: %v\n", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}
	snap := k.Snapshot()
	_, _ = fmt.Fprintf(stdout, "stopped after %d ticks, %d commands, ledger head %s\n", snap.Tick, snap.Processed, snap.LedgerHead)
	return 0
}

// buildKernel attaches the airlock, admin authority, admission probe and
// optional script sandbox to a kernel over exec.
func buildKernel(ctx context.Context, b *bridge, exec *hostsim.Sim, maxHeapMB uint64) (*kernel.Kernel, error) {
	host, err := airlock.NewHost(b.cfg.QueueDir, airlock.WithHostToken(b.cfg.BridgeToken))
	if err != nil {
		return nil, err
	}
	opts := []kernel.Option{
		kernel.WithAirlock(host),
		kernel.WithObservability(b.obs),
		kernel.WithResourceProbe(kernel.HeapProbe{MaxHeapBytes: maxHeapMB << 20}),
		kernel.WithStateHasher(exec),
	}
	if b.cfg.AdminSecret != "" {
		admin, err := auth.NewAdminAuthority(b.cfg.AdminSecret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kernel.WithAdmin(admin))
	}
	if b.cfg.SandboxModule != "" {
		runner, err := sandbox.LoadRunner(ctx, b.cfg.SandboxModule, sandbox.Config{})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, runner.Close)
		if err := b.registry.SetHandler("exec_script", runner.Handler(b.profile.Governance.ScriptField)); err != nil {
			return nil, err
		}
	}
	return kernel.New(ctx, kernel.Config{
		Registry:     b.registry,
		Engine:       b.engine,
		Transactions: transaction.NewManager(exec),
		Ledger:       b.ledger,
		Executor:     exec,
	}, opts...)
}
