package entity

import "errors"

// Error kinds inspected by the import loop to select its retry and skip
// policy. Implementations wrap these with fmt.Errorf("%w: ...") so callers
// can classify failures with errors.Is.
var (
	// ErrSourceUnavailable marks a transient connection or auth failure
	// talking to the ledger source. Retried with backoff.
	ErrSourceUnavailable = errors.New("ledger source unavailable")

	// ErrNotFound marks a request for a height beyond the current chain head
	ErrNotFound = errors.New("block not found")

	// ErrSourceDataMalformed marks a block that failed to decode into the
	// expected shape. Retrying cannot help; the unit is skipped or halts
	// the import per configuration.
	ErrSourceDataMalformed = errors.New("ledger data malformed")

	// ErrWriteFailure marks graph store unavailability or an unexpected
	// constraint violation. Retried with backoff.
	ErrWriteFailure = errors.New("graph write failure")

	// ErrCheckpointIO marks a checkpoint read or write failure. Fatal:
	// losing checkpoint durability risks undetected re-import gaps.
	ErrCheckpointIO = errors.New("checkpoint io failure")
)
