package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
)

// SchemaVersion is written into every checkpoint. Checkpoints without a
// version predate versioning and are read as version 1.
const SchemaVersion = 1

var (
	// ErrBatchNotFound is returned when no checkpoint exists for a batch id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrCorruptCheckpoint is returned when a checkpoint cannot be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

// checkpointStore persists one JSON file per batch. Files are always fully
// rewritten through a temp file and rename.
type checkpointStore struct {
	dir    string
	logger zerolog.Logger
}

func newCheckpointStore(logger zerolog.Logger, dir string) *checkpointStore {
	return &checkpointStore{dir: dir, logger: logger}
}

func (c *checkpointStore) path(batchID string) string {
	return filepath.Join(c.dir, batchID+".json")
}

func (c *checkpointStore) save(op *models.BatchOperation) error {
	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	op.SchemaVersion = SchemaVersion
	op.CheckpointFile = c.path(op.BatchID)

	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, op.BatchID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), op.CheckpointFile); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	c.logger.Debug().
		Str("batch_id", op.BatchID).
		Str("status", string(op.Status)).
		Int("finished", op.Finished()).
		Msg("checkpoint saved")
	return nil
}

func (c *checkpointStore) load(batchID string) (*models.BatchOperation, error) {
	if batchID == "" || batchID != filepath.Base(batchID) {
		return nil, fmt.Errorf("%w: %q", ErrBatchNotFound, batchID)
	}
	data, err := os.ReadFile(c.path(batchID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", batchID, err)
	}

	var op models.BatchOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptCheckpoint, batchID, err)
	}
	if op.SchemaVersion == 0 {
		op.SchemaVersion = 1
	}
	if op.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("checkpoint %s has schema version %d, newest supported is %d", batchID, op.SchemaVersion, SchemaVersion)
	}
	if op.BatchID == "" {
		return nil, fmt.Errorf("%w %s: missing batch id", ErrCorruptCheckpoint, batchID)
	}
	for i, t := range op.Tasks {
		if t == nil {
			return nil, fmt.Errorf("%w %s: task %d is empty", ErrCorruptCheckpoint, batchID, i)
		}
	}
	op.Recount()
	return &op, nil
}

// list loads every readable checkpoint; unreadable ones count as absent.
func (c *checkpointStore) list() ([]*models.BatchOperation, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var ops []*models.BatchOperation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		op, err := c.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			c.logger.Warn().Err(err).Str("file", e.Name()).Msg("ignoring unreadable checkpoint")
			continue
		}
		ops = append(ops, op)
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreationTime.After(ops[j].CreationTime)
	})
	return ops, nil
}
