package service

import "context"

// ImportService drives the fetch-decompose-write-checkpoint cycle.
type ImportService interface {
	// Run imports blocks until the backfill completes (backfill mode),
	// or indefinitely (continuous mode), or the context is canceled.
	// It returns nil only when a backfill reaches the chain head.
	Run(ctx context.Context) error
}
