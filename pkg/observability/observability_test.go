package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "vibebridge", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationDisabled(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "kernel.execute",
		attribute.String("command.kind", "transform"))
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	_, done = p.TrackOperation(context.Background(), "kernel.execute")
	done(nil)

	p.RecordDecision(context.Background(), "transform", "SUCCESS", "")
	p.RecordError(context.Background(), errors.New("x"))
}
