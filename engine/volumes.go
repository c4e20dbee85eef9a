package engine

// volumes.go manages the named volumes backing persistent storage.

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
)

// EnsureVolume creates the named volume if it does not already exist.
// VolumeCreate is idempotent for an existing name with no conflicting
// options, so no inspect-first dance is needed.
func (engine *Client) EnsureVolume(ctx context.Context, name string) error {
	if _, err := engine.sdk.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("ensure volume %q: %w", name, err)
	}
	return nil
}

// RemoveVolume force-removes the named volume; missing volumes are not
// an error.
func (engine *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := engine.sdk.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %q: %w", name, err)
	}
	return nil
}
