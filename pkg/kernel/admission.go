package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrResourcePressure is returned by a probe that refuses a heavy command.
var ErrResourcePressure = errors.New("insufficient resources for heavy operation")

// ResourceProbe admits or refuses a heavy command before dispatch. Once
// admitted an operation runs to completion.
type ResourceProbe interface {
	Admit(ctx context.Context, kind string, payload map[string]any) error
}

// ResourceProbeFunc adapts a function to ResourceProbe.
type ResourceProbeFunc func(ctx context.Context, kind string, payload map[string]any) error

func (f ResourceProbeFunc) Admit(ctx context.Context, kind string, payload map[string]any) error {
	return f(ctx, kind, payload)
}

// HeapProbe refuses heavy commands while the bridge process holds more
// than MaxHeapBytes of live heap.
type HeapProbe struct {
	MaxHeapBytes uint64
}

func (p HeapProbe) Admit(_ context.Context, kind string, _ map[string]any) error {
	if p.MaxHeapBytes == 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > p.MaxHeapBytes {
		return fmt.Errorf("%w: %s needs headroom, heap at %d of %d bytes", ErrResourcePressure, kind, ms.HeapAlloc, p.MaxHeapBytes)
	}
	return nil
}
