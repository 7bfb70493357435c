package repository

import "context"

// CheckpointStore persists the height of the last fully-imported block.
type CheckpointStore interface {
	// Load returns the height to resume importing from: one past the last
	// imported height, or the configured start height when no checkpoint
	// exists. Failures wrap entity.ErrCheckpointIO.
	Load(ctx context.Context) (int64, error)

	// Save durably records height as the last fully-imported block. A save
	// either fully persists or leaves the prior record intact.
	Save(ctx context.Context, height int64) error
}
