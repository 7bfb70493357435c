package service

import (
	"context"

	"bitcoin-graph-importer/internal/domain/entity"
)

// LedgerSource is a read-only client for the upstream ledger. It performs
// no retries; the import loop owns the retry policy.
type LedgerSource interface {
	// CurrentHeight returns the height of the chain head.
	// Failures wrap entity.ErrSourceUnavailable.
	CurrentHeight(ctx context.Context) (int64, error)

	// FetchBlock returns the block at the given height with full
	// transaction detail. Heights beyond the head wrap entity.ErrNotFound;
	// undecodable results wrap entity.ErrSourceDataMalformed.
	FetchBlock(ctx context.Context, height int64) (*entity.Block, error)
}
