//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func NewGCSSink(_ context.Context, _ GCSSinkConfig) (Sink, error) {
	return nil, fmt.Errorf("archive: GCS sink is not enabled in this build (use -tags gcp)")
}
