package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/fingerprint"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/kernel"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/observability"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/store"
)

// bridge holds the durable collaborators every subcommand shares.
type bridge struct {
	cfg      *config.Config
	profile  *config.PolicyProfile
	backends *store.Backends
	registry *kernel.Registry
	gate     *securitygate.Gate
	engine   *governance.Engine
	ledger   *audit.Ledger
	obs      *observability.Provider
	logger   *slog.Logger

	closers []func(context.Context) error
}

// openBridge wires stores, profile, registry, gate, engine and ledger. src
// may be nil for offline tools, which then never bind a fingerprint.
func openBridge(ctx context.Context, cfg *config.Config, src fingerprint.Source) (*bridge, error) {
	b := &bridge{cfg: cfg, logger: slog.Default().With("component", "bridge")}

	var err error
	if b.profile, err = config.LoadPolicyProfile(cfg.PolicyProfile); err != nil {
		return nil, err
	}
	if b.backends, err = store.Open(ctx, cfg); err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func(context.Context) error { return b.backends.Close() })

	if b.registry, err = kernel.DefaultRegistry(); err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	if err := registerProfileKinds(b.registry, b.profile.Governance.Intents); err != nil {
		_ = b.Close(ctx)
		return nil, err
	}

	caps, err := governance.NewCapEvaluator(b.profile.Caps)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.gate = securitygate.New(b.backends.Trust,
		securitygate.WithRules(b.profile.Gate),
		securitygate.WithLimits(b.profile.Limits),
	)
	opts := []governance.Option{
		governance.WithPolicy(b.profile.Governance),
		governance.WithCaps(caps),
		governance.WithClassifier(b.registry),
		governance.WithPayloadChecker(b.registry),
		governance.WithGate(b.gate),
	}
	if src != nil {
		opts = append(opts, governance.WithFingerprinter(fingerprint.New(src)))
	}
	if b.engine, err = governance.NewEngine(b.backends.Policy, opts...); err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	if b.ledger, err = audit.Open(ctx, b.backends.Ledger); err != nil {
		_ = b.Close(ctx)
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	if b.obs, err = observability.New(ctx, obsCfg); err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.closers = append(b.closers, b.obs.Shutdown)

	b.logger.DebugContext(ctx, "bridge opened",
		"profile", b.profile.Name, "store", cfg.StoreBackend, "trust", cfg.TrustBackend, "ledger_size", b.ledger.Size())
	return b, nil
}

// registerProfileKinds adds kinds a profile's intent table names that the
// default catalog does not know, as plain mutations.
func registerProfileKinds(reg *kernel.Registry, intents governance.IntentTable) error {
	for _, kinds := range intents {
		for _, k := range kinds {
			if _, ok := reg.Lookup(k); ok {
				continue
			}
			if err := reg.Register(kernel.KindSpec{Kind: k, Class: governance.ClassMutate}); err != nil {
				return fmt.Errorf("profile kind %q: %w", k, err)
			}
		}
	}
	return nil
}

// Close releases everything in reverse order of acquisition.
func (b *bridge) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
