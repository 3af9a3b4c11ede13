package fingerprint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) HostInfo(context.Context) (HostInfo, error) {
	return HostInfo{}, errors.New("host unreachable")
}

func TestDigest_IgnoresExtensionOrder(t *testing.T) {
	a, err := Digest(HostInfo{Version: "4.1.0", Platform: "linux", Extensions: []string{"rigify", "node_wrangler"}})
	require.NoError(t, err)
	b, err := Digest(HostInfo{Version: "4.1.0 ", Platform: "linux", Extensions: []string{"node_wrangler", "rigify"}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Digest(HostInfo{Version: "4.2.0", Platform: "linux", Extensions: []string{"node_wrangler", "rigify"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDigest_NilAndEmptyExtensionsMatch(t *testing.T) {
	a, err := Digest(HostInfo{Version: "4.1.0", Platform: "linux"})
	require.NoError(t, err)
	b, err := Digest(HostInfo{Version: "4.1.0", Platform: "linux", Extensions: []string{}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprinter(t *testing.T) {
	ctx := context.Background()
	info := HostInfo{Version: "4.1.0", Platform: "darwin"}
	got, err := New(StaticSource(info)).Fingerprint(ctx)
	require.NoError(t, err)
	want, err := Digest(info)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = New(failingSource{}).Fingerprint(ctx)
	assert.Error(t, err)
}

func TestCheckCompatibility(t *testing.T) {
	require.NoError(t, CheckCompatibility("4.1.0", ">= 3.6.0"))
	require.NoError(t, CheckCompatibility("3.6", ">= 3.6.0, < 5"))
	require.NoError(t, CheckCompatibility("2.93.1", ""))

	err := CheckCompatibility("2.93.1", ">= 3.6.0")
	assert.ErrorIs(t, err, ErrIncompatibleHost)

	assert.Error(t, CheckCompatibility("not-a-version", ">= 3.6.0"))
	assert.Error(t, CheckCompatibility("4.1.0", ">=>= 3"))
}
