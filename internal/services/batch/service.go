// Package batch applies one template to many repositories with bounded
// concurrency, per-repository timeouts and checkpoint-based resume.
package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/fgeck/repo-templater/internal/services/applicator"
	"github.com/fgeck/repo-templater/internal/services/backup"
	"github.com/fgeck/repo-templater/internal/services/telegram"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const notifyTimeout = 30 * time.Second

var (
	// ErrInvalidTransition is returned when an operation does not apply to the batch's current status.
	ErrInvalidTransition = errors.New("invalid batch state transition")
	// ErrBatchRunning is returned when a batch is already executing in this process.
	ErrBatchRunning = errors.New("batch is already running")
)

// ProgressFunc receives a snapshot after every finished repository.
type ProgressFunc func(models.BatchProgress)

// Service defines the interface for batch operations.
type Service interface {
	CreateBatchOperation(templateName string, repos []models.RepositorySpec, variables map[string]string, cfg models.BatchConfig) (string, error)
	ExecuteBatch(ctx context.Context, batchID string) (*models.BatchOperation, error)
	ResumeBatch(ctx context.Context, batchID string) (*models.BatchOperation, error)
	PauseBatch(batchID string) error
	CancelBatch(batchID string) error
	RequestShutdown()
	GetStatus(batchID string) (*models.BatchOperation, error)
	ListBatches() ([]models.BatchSummary, error)
	GenerateReport(batchID string) (*models.BatchReport, error)
	SetProgressCallback(fn ProgressFunc)
}

// Impl implements the batch Service interface.
type Impl struct {
	applicatorSvc applicator.Service
	backupSvc     backup.Service
	telegramSvc   telegram.Service
	telegramCfg   *models.TelegramConfig
	store         *checkpointStore
	validate      *validator.Validate
	logger        zerolog.Logger
	now           func() time.Time

	mu       sync.Mutex
	running  map[string]*runHandle
	progress ProgressFunc
}

// New creates a new batch service without notifications.
func New(logger zerolog.Logger, applicatorSvc applicator.Service, backupSvc backup.Service, checkpointDir string) *Impl {
	return NewWithNotifier(logger, applicatorSvc, backupSvc, checkpointDir, nil, nil)
}

// NewWithNotifier creates a new batch service that reports finished batches
// to Telegram when telegramCfg is set.
func NewWithNotifier(
	logger zerolog.Logger,
	applicatorSvc applicator.Service,
	backupSvc backup.Service,
	checkpointDir string,
	telegramSvc telegram.Service,
	telegramCfg *models.TelegramConfig,
) *Impl {
	return &Impl{
		applicatorSvc: applicatorSvc,
		backupSvc:     backupSvc,
		telegramSvc:   telegramSvc,
		telegramCfg:   telegramCfg,
		store:         newCheckpointStore(logger, checkpointDir),
		validate:      validator.New(),
		logger:        logger,
		now:           time.Now,
		running:       make(map[string]*runHandle),
	}
}

// SetProgressCallback registers fn for batches started after the call.
func (s *Impl) SetProgressCallback(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fn
}

// CreateBatchOperation persists a new PENDING batch and returns its id.
func (s *Impl) CreateBatchOperation(
	templateName string,
	repos []models.RepositorySpec,
	variables map[string]string,
	cfg models.BatchConfig,
) (string, error) {
	if templateName == "" {
		return "", errors.New("template name is required")
	}
	if len(repos) == 0 {
		return "", errors.New("at least one repository is required")
	}
	if err := s.validate.Struct(cfg); err != nil {
		return "", fmt.Errorf("invalid batch config: %w", err)
	}

	now := s.now()
	op := &models.BatchOperation{
		BatchID:      newBatchID(now),
		TemplateName: templateName,
		CreationTime: now,
		Status:       models.BatchPending,
		Config:       cfg,
		Tasks:        make([]*models.RepositoryTask, 0, len(repos)),
	}

	seen := make(map[string]bool, len(repos))
	for i, repo := range repos {
		path, err := filepath.Abs(repo.Path)
		if err != nil {
			return "", fmt.Errorf("invalid repository path %q: %w", repo.Path, err)
		}
		if seen[path] {
			return "", fmt.Errorf("repository %s is listed more than once", path)
		}
		seen[path] = true

		task := &models.RepositoryTask{
			RepositoryPath: path,
			TemplateName:   templateName,
			Variables:      taskVariables(variables, repo.Variables, path, i, len(repos)),
			Priority:       repo.Priority,
			Status:         models.TaskQueued,
			MaxRetries:     cfg.MaxRetries,
		}
		if err := s.validate.Struct(task); err != nil {
			return "", fmt.Errorf("invalid repository %s: %w", path, err)
		}
		op.Tasks = append(op.Tasks, task)
	}
	op.Recount()

	if err := s.store.save(op); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("batch_id", op.BatchID).
		Str("template", templateName).
		Int("repositories", op.TotalRepositories).
		Int("max_workers", cfg.MaxWorkers).
		Msg("batch created")

	return op.BatchID, nil
}

// ExecuteBatch runs every QUEUED task of a pending, paused or interrupted
// batch and blocks until the batch completes, fails, pauses or is cancelled.
func (s *Impl) ExecuteBatch(ctx context.Context, batchID string) (*models.BatchOperation, error) {
	op, err := s.store.load(batchID)
	if err != nil {
		return nil, err
	}
	switch op.Status {
	case models.BatchPending, models.BatchPaused, models.BatchRunning:
	default:
		return nil, fmt.Errorf("%w: cannot execute a %s batch", ErrInvalidTransition, op.Status)
	}
	return s.run(ctx, op)
}

// ResumeBatch re-queues failed tasks that still have retries left and
// continues the batch.
func (s *Impl) ResumeBatch(ctx context.Context, batchID string) (*models.BatchOperation, error) {
	op, err := s.store.load(batchID)
	if err != nil {
		return nil, err
	}
	switch op.Status {
	case models.BatchPending, models.BatchPaused, models.BatchFailed, models.BatchRunning:
	default:
		return nil, fmt.Errorf("%w: cannot resume a %s batch", ErrInvalidTransition, op.Status)
	}

	requeued := 0
	for _, t := range op.Tasks {
		if t.CanRetry() {
			t.RetryCount++
			resetTask(t)
			requeued++
		}
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Str("from_status", string(op.Status)).
		Int("requeued", requeued).
		Msg("resuming batch")

	return s.run(ctx, op)
}

// PauseBatch stops dispatching new tasks. A batch running in this process
// pauses once its in-flight tasks finish; any other batch is paused in its
// checkpoint directly.
func (s *Impl) PauseBatch(batchID string) error {
	if h := s.handle(batchID); h != nil {
		h.send(controlPause)
		return nil
	}

	op, err := s.store.load(batchID)
	if err != nil {
		return err
	}
	switch op.Status {
	case models.BatchPaused:
		return nil
	case models.BatchPending, models.BatchRunning:
	default:
		return fmt.Errorf("%w: cannot pause a %s batch", ErrInvalidTransition, op.Status)
	}
	op.Status = models.BatchPaused
	return s.store.save(op)
}

// CancelBatch stops the batch for good; tasks that have not finished are SKIPPED.
func (s *Impl) CancelBatch(batchID string) error {
	if h := s.handle(batchID); h != nil {
		h.send(controlCancel)
		return nil
	}

	op, err := s.store.load(batchID)
	if err != nil {
		return err
	}
	switch op.Status {
	case models.BatchPending, models.BatchPaused, models.BatchFailed, models.BatchRunning:
	default:
		return fmt.Errorf("%w: cannot cancel a %s batch", ErrInvalidTransition, op.Status)
	}

	end := s.now()
	for _, t := range op.Tasks {
		if !t.Status.Terminal() {
			skipTask(t, end)
		}
	}
	op.Status = models.BatchCancelled
	op.EndTime = &end
	op.Recount()
	return s.store.save(op)
}

// RequestShutdown cancels every batch running in this process. Each one is
// checkpointed as CANCELLED right away; its in-flight tasks end SKIPPED.
func (s *Impl) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.running {
		s.logger.Warn().Str("batch_id", id).Msg("shutdown requested, cancelling batch")
		h.send(controlShutdown)
	}
}

// GetStatus returns the batch as of its last checkpoint.
func (s *Impl) GetStatus(batchID string) (*models.BatchOperation, error) {
	return s.store.load(batchID)
}

// ListBatches summarizes every readable checkpoint, newest first.
func (s *Impl) ListBatches() ([]models.BatchSummary, error) {
	ops, err := s.store.list()
	if err != nil {
		return nil, err
	}
	summaries := make([]models.BatchSummary, 0, len(ops))
	for _, op := range ops {
		summaries = append(summaries, models.BatchSummary{
			BatchID:      op.BatchID,
			TemplateName: op.TemplateName,
			Status:       op.Status,
			CreationTime: op.CreationTime,
			Total:        op.TotalRepositories,
			Finished:     op.Finished(),
			Failed:       op.FailedRepositories,
		})
	}
	return summaries, nil
}

func (s *Impl) handle(batchID string) *runHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[batchID]
}

// run owns op until it returns. Only the scheduler goroutine touches op in between.
func (s *Impl) run(ctx context.Context, op *models.BatchOperation) (*models.BatchOperation, error) {
	h := &runHandle{signals: make(chan control, 8)}

	s.mu.Lock()
	if _, busy := s.running[op.BatchID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBatchRunning, op.BatchID)
	}
	s.running[op.BatchID] = h
	progress := s.progress
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, op.BatchID)
		s.mu.Unlock()
	}()

	for _, t := range op.Tasks {
		if t.Status == models.TaskProcessing {
			resetTask(t)
		}
	}

	start := s.now()
	op.Status = models.BatchRunning
	if op.StartTime == nil {
		op.StartTime = &start
	}
	op.EndTime = nil
	op.Recount()
	if err := s.store.save(op); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("batch_id", op.BatchID).
		Str("template", op.TemplateName).
		Int("repositories", op.TotalRepositories).
		Int("finished", op.Finished()).
		Msg("starting batch")

	sched := newScheduler(s, op, h, progress)
	sched.loop(ctx)

	end := s.now()
	switch {
	case sched.state == stateCancelling:
		op.Status = models.BatchCancelled
		op.EndTime = &end
	case sched.state == statePausing:
		op.Status = models.BatchPaused
	case op.FailedRepositories > 0:
		op.Status = models.BatchFailed
		op.EndTime = &end
	default:
		op.Status = models.BatchCompleted
		op.EndTime = &end
	}
	op.Recount()

	if err := s.store.save(op); err != nil {
		return op, err
	}

	s.logger.Info().
		Str("batch_id", op.BatchID).
		Str("status", string(op.Status)).
		Int("completed", op.CompletedRepositories).
		Int("failed", op.FailedRepositories).
		Int("skipped", op.SkippedRepositories).
		Int("conflicted", op.ConflictedRepositories).
		Dur("duration", end.Sub(*op.StartTime)).
		Msg("batch finished")

	if op.Status != models.BatchPaused {
		s.notify(ctx, op)
	}
	return op, nil
}

func (s *Impl) notify(ctx context.Context, op *models.BatchOperation) {
	if s.telegramSvc == nil || s.telegramCfg == nil {
		return
	}

	// the caller's context may already be cancelled by a shutdown
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	msg := telegram.MessageFromReport(buildReport(op, s.now()))
	result, err := s.telegramSvc.SendNotification(nctx, *s.telegramCfg, msg)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to send batch notification")
		return
	}
	if result.Error != nil {
		s.logger.Warn().Err(result.Error).Msg("failed to send batch notification")
	}
}

func newBatchID(now time.Time) string {
	return fmt.Sprintf("batch_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

// taskVariables layers batch variables, per-repository variables and the
// injected repository variables, later layers winning.
func taskVariables(batch, repo map[string]string, path string, index, total int) map[string]string {
	vars := make(map[string]string, len(batch)+len(repo)+4)
	for k, v := range batch {
		vars[k] = v
	}
	for k, v := range repo {
		vars[k] = v
	}
	vars["projectName"] = filepath.Base(path)
	vars["projectPath"] = path
	vars["repositoryIndex"] = fmt.Sprintf("%d", index)
	vars["totalRepositories"] = fmt.Sprintf("%d", total)
	return vars
}

func resetTask(t *models.RepositoryTask) {
	t.Status = models.TaskQueued
	t.StartTime = nil
	t.EndTime = nil
	t.Result = nil
	t.ErrorMessage = ""
	t.BackupID = ""
	t.BackupSize = 0
	t.Conflicts = nil
}

func skipTask(t *models.RepositoryTask, end time.Time) {
	t.Status = models.TaskSkipped
	t.ErrorMessage = "batch cancelled"
	t.EndTime = &end
}
