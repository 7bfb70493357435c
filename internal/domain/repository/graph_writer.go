package repository

import (
	"context"

	"bitcoin-graph-importer/internal/domain/entity"
)

// GraphWriter applies block mutation sets to the persistent graph store.
type GraphWriter interface {
	// ApplyMutationSet applies every mutation in the set atomically with
	// merge semantics. Re-applying the same set must not create duplicate
	// nodes or relationships. Failures wrap entity.ErrWriteFailure.
	ApplyMutationSet(ctx context.Context, set *entity.MutationSet) (*entity.WriteSummary, error)
}
