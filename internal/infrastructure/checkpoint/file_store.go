package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bitcoin-graph-importer/internal/domain/entity"
	"bitcoin-graph-importer/internal/domain/repository"
	"bitcoin-graph-importer/internal/infrastructure/logger"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// record is the persisted checkpoint state
type record struct {
	LastImportedHeight int64     `json:"last_imported_height"`
	SavedAt            time.Time `json:"saved_at"`
}

// FileStore implements CheckpointStore on a JSON state file. Saves write a
// temp file and rename it into place so a crash never leaves a torn record.
type FileStore struct {
	fs          afero.Fs
	path        string
	startHeight int64
	logger      *logger.Logger
}

// NewFileStore creates a file-backed checkpoint store. startHeight is
// returned by Load when no checkpoint exists yet.
func NewFileStore(fs afero.Fs, path string, startHeight int64, log *logger.Logger) *FileStore {
	return &FileStore{
		fs:          fs,
		path:        path,
		startHeight: startHeight,
		logger:      log.WithComponent("checkpoint-store"),
	}
}

// Load returns the height to resume importing from
func (s *FileStore) Load(_ context.Context) (int64, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No checkpoint found, starting from configured height",
				zap.Int64("start_height", s.startHeight))
			return s.startHeight, nil
		}
		return 0, fmt.Errorf("%w: read %s: %v", entity.ErrCheckpointIO, s.path, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", entity.ErrCheckpointIO, s.path, err)
	}

	s.logger.Info("Loaded checkpoint",
		zap.Int64("last_imported_height", rec.LastImportedHeight),
		zap.Time("saved_at", rec.SavedAt))

	return rec.LastImportedHeight + 1, nil
}

// Save durably records height as the last fully-imported block
func (s *FileStore) Save(_ context.Context, height int64) error {
	data, err := json.Marshal(record{
		LastImportedHeight: height,
		SavedAt:            time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode checkpoint: %v", entity.ErrCheckpointIO, err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", entity.ErrCheckpointIO, dir, err)
	}

	tmp := s.path + ".tmp"
	if err := s.writeTemp(tmp, data); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", entity.ErrCheckpointIO, tmp, err)
	}

	s.logger.Debug("Saved checkpoint", zap.Int64("last_imported_height", height))
	return nil
}

func (s *FileStore) writeTemp(tmp string, data []byte) error {
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", entity.ErrCheckpointIO, tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", entity.ErrCheckpointIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %v", entity.ErrCheckpointIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", entity.ErrCheckpointIO, tmp, err)
	}
	return nil
}

var _ repository.CheckpointStore = (*FileStore)(nil)
