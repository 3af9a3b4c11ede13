// Package fingerprint identifies the host environment. Governance binds
// its policy state to the fingerprint and denies mutations when it drifts.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
)

// ErrIncompatibleHost is returned when the host version falls outside the
// configured constraint.
var ErrIncompatibleHost = errors.New("fingerprint: incompatible host version")

// HostInfo is what the host reports about itself.
type HostInfo struct {
	Version    string   `json:"version"`
	Platform   string   `json:"platform"`
	Extensions []string `json:"extensions"`
}

// Digest returns the fingerprint of info. Extension order does not matter.
func Digest(info HostInfo) (string, error) {
	exts := append([]string(nil), info.Extensions...)
	sort.Strings(exts)
	if exts == nil {
		exts = []string{}
	}
	return canonicalize.CanonicalHash(HostInfo{
		Version:    strings.TrimSpace(info.Version),
		Platform:   strings.TrimSpace(info.Platform),
		Extensions: exts,
	})
}

// Source reports the current host info.
type Source interface {
	HostInfo(ctx context.Context) (HostInfo, error)
}

// StaticSource always reports the same info.
type StaticSource HostInfo

func (s StaticSource) HostInfo(context.Context) (HostInfo, error) { return HostInfo(s), nil }

// Fingerprinter adapts a Source to the governance engine.
type Fingerprinter struct {
	src Source
}

func New(src Source) *Fingerprinter { return &Fingerprinter{src: src} }

func (f *Fingerprinter) Fingerprint(ctx context.Context) (string, error) {
	info, err := f.src.HostInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: read host info: %w", err)
	}
	return Digest(info)
}

// CheckCompatibility reports whether version satisfies constraint, e.g.
// ">= 3.6.0, < 5". An empty constraint accepts any parseable version.
func CheckCompatibility(version, constraint string) error {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return fmt.Errorf("fingerprint: parse host version %q: %w", version, err)
	}
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("fingerprint: parse constraint %q: %w", constraint, err)
	}
	if ok, reasons := c.Validate(v); !ok {
		msgs := make([]string, 0, len(reasons))
		for _, r := range reasons {
			msgs = append(msgs, r.Error())
		}
		return fmt.Errorf("%w: %s: %s", ErrIncompatibleHost, v, strings.Join(msgs, "; "))
	}
	return nil
}
