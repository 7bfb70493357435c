package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitcoin-graph-importer/internal/domain/entity"
	"bitcoin-graph-importer/internal/domain/repository"
	domain_service "bitcoin-graph-importer/internal/domain/service"
	"bitcoin-graph-importer/internal/infrastructure/config"
	"bitcoin-graph-importer/internal/infrastructure/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ImportApplicationService implements ImportService. It drives the
// fetch → decompose → write → checkpoint cycle sequentially by height,
// owns the retry/backoff policy, and is the single writer of the graph.
type ImportApplicationService struct {
	cfg         *config.ImporterConfig
	source      domain_service.LedgerSource
	writer      repository.GraphWriter
	checkpoints repository.CheckpointStore
	signal      <-chan struct{}
	logger      *logger.Logger

	lastSaved    int64
	lastImported int64
}

// NewImportApplicationService creates the import loop service. signal may
// be nil; it then relies purely on interval polling in continuous mode.
func NewImportApplicationService(
	cfg *config.ImporterConfig,
	source domain_service.LedgerSource,
	writer repository.GraphWriter,
	checkpoints repository.CheckpointStore,
	signal <-chan struct{},
	logger *logger.Logger,
) domain_service.ImportService {
	return &ImportApplicationService{
		cfg:         cfg,
		source:      source,
		writer:      writer,
		checkpoints: checkpoints,
		signal:      signal,
		logger:      logger.WithComponent("import-service"),
	}
}

// Run imports blocks until backfill completes or the context is canceled
func (s *ImportApplicationService) Run(ctx context.Context) error {
	resume, err := s.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	s.lastSaved = resume - 1
	s.lastImported = resume - 1
	next := resume

	s.logger.Info("Starting import",
		zap.Int64("resume_height", next),
		zap.String("mode", string(s.cfg.Mode)))

	// Shutdown mid-batch still persists what was fully imported
	defer func() {
		if err := s.saveCheckpoint(context.WithoutCancel(ctx), s.lastImported); err != nil {
			s.logger.Error("Failed to persist checkpoint on shutdown", zap.Error(err))
		}
	}()

	// Backfill runs against the head observed here; blocks appended while
	// it runs belong to the next invocation.
	backfillHead := int64(-1)
	if s.cfg.Mode == config.ModeBackfill {
		if backfillHead, err = s.currentHead(ctx); err != nil {
			return fmt.Errorf("query chain head: %w", err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		head := backfillHead
		if s.cfg.Mode == config.ModeContinuous {
			if head, err = s.currentHead(ctx); err != nil {
				return fmt.Errorf("query chain head: %w", err)
			}
		}

		if next > head {
			if s.cfg.Mode == config.ModeBackfill {
				s.logger.Info("Backfill complete",
					zap.Int64("head", head),
					zap.Int64("last_imported", s.lastImported))
				return nil
			}

			s.logger.Info("Caught up with chain head, waiting for new blocks",
				zap.Int64("head", head),
				zap.Duration("poll_interval", s.cfg.PollInterval))
			if err := s.waitForNewBlocks(ctx); err != nil {
				return err
			}
			continue
		}

		imported, err := s.importBatch(ctx, next, head)
		next = imported
		if err != nil {
			return err
		}
	}
}

// importBatch imports up to BatchSize blocks starting at next. It returns
// the height the loop should continue from, alongside any terminal error.
func (s *ImportApplicationService) importBatch(ctx context.Context, next, head int64) (int64, error) {
	end := next + int64(s.cfg.BatchSize)
	if end > head+1 {
		end = head + 1
	}

	s.logger.Info("Importing blocks",
		zap.Int64("from", next),
		zap.Int64("to", end-1),
		zap.Int64("head", head))

	for height := next; height < end; height++ {
		if err := ctx.Err(); err != nil {
			return height, err
		}

		if err := s.importBlock(ctx, height); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return height, err
			}
			if s.cfg.OnFailure == config.FailureSkip && !errors.Is(err, entity.ErrCheckpointIO) {
				s.logger.Error("Skipping block after exhausting retries, graph will be missing its data",
					zap.Int64("height", height),
					zap.Error(err))
				continue
			}
			// Halt without advancing the checkpoint past the failed block
			return height, fmt.Errorf("import block %d: %w", height, err)
		}
		s.lastImported = height

		if height%s.cfg.CheckpointInterval == 0 {
			if err := s.saveCheckpoint(ctx, height); err != nil {
				return height + 1, err
			}
		}
	}

	// Checkpoint the last height that actually imported, not the loop
	// position: a skipped block at the batch tail must not be recorded
	// as imported.
	if err := s.saveCheckpoint(ctx, s.lastImported); err != nil {
		return end, err
	}
	return end, nil
}

// importBlock runs one fetch-build-apply cycle under the retry policy
func (s *ImportApplicationService) importBlock(ctx context.Context, height int64) error {
	op := func() error {
		block, err := s.source.FetchBlock(ctx, height)
		if err != nil {
			if errors.Is(err, entity.ErrSourceDataMalformed) {
				// Retrying cannot repair malformed data
				return backoff.Permanent(err)
			}
			return err
		}

		set := domain_service.BuildMutationSet(block)

		// A shutdown signal must not tear a half-applied mutation set;
		// the apply either completes or fails on its own terms.
		summary, err := s.writer.ApplyMutationSet(context.WithoutCancel(ctx), set)
		if err != nil {
			return err
		}

		if summary.SpendEdgesSkipped > 0 {
			s.logger.Warn("Skipped spend edges referencing transactions not in the graph",
				zap.Int64("height", height),
				zap.Int64("count", summary.SpendEdgesSkipped))
		}

		s.logger.Debug("Imported block",
			zap.Int64("height", height),
			zap.String("hash", block.Hash),
			zap.Int("tx_count", len(block.Transactions)))
		return nil
	}

	return s.retry(ctx, fmt.Sprintf("import block %d", height), op)
}

func (s *ImportApplicationService) currentHead(ctx context.Context) (int64, error) {
	var head int64
	op := func() error {
		h, err := s.source.CurrentHeight(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	}
	if err := s.retry(ctx, "query chain head", op); err != nil {
		return 0, err
	}
	return head, nil
}

// retry applies the configured bounded exponential backoff to op
func (s *ImportApplicationService) retry(ctx context.Context, what string, op backoff.Operation) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInitialBackoff
	policy.MaxInterval = s.cfg.RetryMaxBackoff
	policy.MaxElapsedTime = 0

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.RetryMaxAttempts)), ctx)

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Retrying after failure",
			zap.String("operation", what),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(op, bounded, notify)
}

// saveCheckpoint persists height if it advances past the last saved value.
// Checkpoint heights never decrease.
func (s *ImportApplicationService) saveCheckpoint(ctx context.Context, height int64) error {
	if height <= s.lastSaved {
		return nil
	}
	if err := s.checkpoints.Save(ctx, height); err != nil {
		return fmt.Errorf("save checkpoint at %d: %w", height, err)
	}
	s.lastSaved = height
	return nil
}

// waitForNewBlocks sleeps for the poll interval, waking early on a block
// announcement or cancellation
func (s *ImportApplicationService) waitForNewBlocks(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.signal:
		s.logger.Debug("Woken by block announcement")
		return nil
	case <-timer.C:
		return nil
	}
}
