//go:build !cgofuse

package cgofs

import (
	"context"

	"github.com/tuusuario/ftpdrive/internal/bridge"
)

// Serve always fails: this binary carries no cgofuse backend.
func Serve(ctx context.Context, mountpoint string, b *bridge.Bridge, opts Options) error {
	return ErrNotBuilt
}
