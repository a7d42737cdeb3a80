package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/repo-templater/internal/models"
	"golang.org/x/sync/semaphore"
)

type control int

const (
	controlPause control = iota + 1
	controlCancel
	controlShutdown
)

// runHandle is how callers outside the scheduler goroutine reach a running batch.
type runHandle struct {
	signals chan control
}

func (h *runHandle) send(c control) {
	select {
	case h.signals <- c:
	default:
		// a full buffer already holds a stop request
	}
}

type runState int

const (
	stateRunning runState = iota
	statePausing
	stateCancelling
)

// job is everything a worker needs, copied out of the task before dispatch.
type job struct {
	task         *models.RepositoryTask
	batchID      string
	templateName string
	path         string
	variables    map[string]string
	cfg          models.BatchConfig
}

type outcome struct {
	task       *models.RepositoryTask
	result     *models.ApplicationResult
	backupID   string
	backupSize int64
	err        error
}

// scheduler drives one batch. All task and counter mutations happen on the
// goroutine running loop; workers only report outcomes.
type scheduler struct {
	svc      *Impl
	op       *models.BatchOperation
	handle   *runHandle
	progress ProgressFunc

	sem       *semaphore.Weighted
	outcomes  chan outcome
	queue     []*models.RepositoryTask
	inFlight  int
	state     runState
	retry     *time.Timer
	cancelRun context.CancelFunc

	sinceCheckpoint int
}

func newScheduler(svc *Impl, op *models.BatchOperation, h *runHandle, progress ProgressFunc) *scheduler {
	return &scheduler{
		svc:      svc,
		op:       op,
		handle:   h,
		progress: progress,
		sem:      semaphore.NewWeighted(int64(op.Config.MaxWorkers)),
		outcomes: make(chan outcome, len(op.Tasks)),
	}
}

func (r *scheduler) loop(ctx context.Context) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	r.cancelRun = cancelRun
	defer r.stopRetry()

	done := ctx.Done()
	r.queue = queuedByPriority(r.op.Tasks)

	for {
		r.drainSignals()
		r.checkContext(ctx)

		if r.state == stateRunning {
			r.dispatch(runCtx)
			if r.inFlight == 0 && r.retry == nil {
				if !r.scheduleRetry() {
					return
				}
				continue
			}
		} else if r.inFlight == 0 {
			return
		}

		select {
		case o := <-r.outcomes:
			// stop requests issued before this outcome apply to it
			r.drainSignals()
			r.checkContext(ctx)
			r.sem.Release(1)
			r.inFlight--
			r.record(o)
		case c := <-r.handle.signals:
			r.apply(c)
		case <-done:
			done = nil
			r.checkContext(ctx)
		case <-r.retryC():
			r.retry = nil
			r.requeueFailed()
		}
	}
}

func (r *scheduler) drainSignals() {
	for {
		select {
		case c := <-r.handle.signals:
			r.apply(c)
		default:
			return
		}
	}
}

// checkContext treats a cancelled caller context as a shutdown request.
func (r *scheduler) checkContext(ctx context.Context) {
	if r.state != stateCancelling && ctx.Err() != nil {
		r.apply(controlShutdown)
	}
}

func (r *scheduler) apply(c control) {
	switch c {
	case controlPause:
		if r.state != stateRunning {
			return
		}
		r.state = statePausing
		r.stopRetry()
		r.svc.logger.Info().
			Str("batch_id", r.op.BatchID).
			Int("in_flight", r.inFlight).
			Msg("pausing batch")

	case controlCancel, controlShutdown:
		if r.state == stateCancelling {
			return
		}
		r.state = stateCancelling
		r.stopRetry()
		r.cancelRun()

		end := r.svc.now()
		for _, t := range r.queue {
			skipTask(t, end)
		}
		r.queue = nil
		r.op.Recount()

		r.svc.logger.Warn().
			Str("batch_id", r.op.BatchID).
			Int("in_flight", r.inFlight).
			Msg("cancelling batch")

		if c == controlShutdown {
			r.op.Status = models.BatchCancelled
			r.op.EndTime = &end
			r.checkpoint()
		}
	}
}

func (r *scheduler) dispatch(ctx context.Context) {
	for len(r.queue) > 0 && r.sem.TryAcquire(1) {
		task := r.queue[0]
		r.queue = r.queue[1:]

		start := r.svc.now()
		task.Status = models.TaskProcessing
		task.StartTime = &start
		task.EndTime = nil
		r.inFlight++

		r.svc.logger.Debug().
			Str("batch_id", r.op.BatchID).
			Str("repository", task.RepositoryPath).
			Int("priority", task.Priority).
			Int("retry", task.RetryCount).
			Msg("dispatching repository")

		go r.svc.runTask(ctx, job{
			task:         task,
			batchID:      r.op.BatchID,
			templateName: r.op.TemplateName,
			path:         task.RepositoryPath,
			variables:    task.Variables,
			cfg:          r.op.Config,
		}, r.outcomes)
	}
}

func (r *scheduler) record(o outcome) {
	task := o.task
	end := r.svc.now()
	task.EndTime = &end
	task.Result = o.result
	task.BackupID = o.backupID
	task.BackupSize = o.backupSize
	task.Conflicts = nil
	task.ErrorMessage = ""

	switch {
	case r.state == stateCancelling:
		task.Status = models.TaskSkipped
		task.ErrorMessage = "batch cancelled"
	case o.err != nil:
		task.Status = models.TaskFailed
		task.ErrorMessage = o.err.Error()
	case o.result == nil:
		task.Status = models.TaskFailed
		task.ErrorMessage = "template application returned no result"
	case !o.result.Success:
		task.Status = models.TaskFailed
		task.ErrorMessage = strings.Join(o.result.Errors, "; ")
		if task.ErrorMessage == "" {
			task.ErrorMessage = "template application failed"
		}
	default:
		task.Conflicts = unresolvedConflicts(o.result)
		if len(task.Conflicts) > 0 && !r.op.Config.AutoResolveConflicts {
			task.Status = models.TaskConflicted
		} else {
			task.Status = models.TaskCompleted
		}
	}
	r.op.Recount()

	event := r.svc.logger.Info()
	if task.Status == models.TaskFailed {
		event = r.svc.logger.Error()
	}
	event.
		Str("batch_id", r.op.BatchID).
		Str("repository", task.RepositoryPath).
		Str("status", string(task.Status)).
		Str("error", task.ErrorMessage).
		Int("finished", r.op.Finished()).
		Int("total", r.op.TotalRepositories).
		Msg("repository finished")

	r.sinceCheckpoint++
	if r.sinceCheckpoint >= r.op.Config.CheckpointInterval {
		r.checkpoint()
	}

	if r.progress != nil {
		r.progress(models.BatchProgress{
			BatchID:    r.op.BatchID,
			Total:      r.op.TotalRepositories,
			Finished:   r.op.Finished(),
			Completed:  r.op.CompletedRepositories,
			Failed:     r.op.FailedRepositories,
			Skipped:    r.op.SkippedRepositories,
			Conflicted: r.op.ConflictedRepositories,
			Repository: task.RepositoryPath,
			TaskStatus: task.Status,
		})
	}
}

// scheduleRetry starts a retry round once the queue has drained. It reports
// false when no failed task has retries left.
func (r *scheduler) scheduleRetry() bool {
	if !r.op.Config.RetryFailed {
		return false
	}
	retryable := 0
	for _, t := range r.op.Tasks {
		if t.CanRetry() {
			retryable++
		}
	}
	if retryable == 0 {
		return false
	}

	delay := r.op.Config.RetryDelay()
	r.svc.logger.Info().
		Str("batch_id", r.op.BatchID).
		Int("tasks", retryable).
		Dur("delay", delay).
		Msg("scheduling retry round")

	if delay <= 0 {
		r.requeueFailed()
		return true
	}
	r.checkpoint()
	r.retry = time.NewTimer(delay)
	return true
}

func (r *scheduler) requeueFailed() {
	for _, t := range r.op.Tasks {
		if t.CanRetry() {
			t.RetryCount++
			resetTask(t)
		}
	}
	r.op.Recount()
	r.queue = queuedByPriority(r.op.Tasks)
}

func (r *scheduler) retryC() <-chan time.Time {
	if r.retry == nil {
		return nil
	}
	return r.retry.C
}

func (r *scheduler) stopRetry() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

func (r *scheduler) checkpoint() {
	r.sinceCheckpoint = 0
	if err := r.svc.store.save(r.op); err != nil {
		r.svc.logger.Error().Err(err).Str("batch_id", r.op.BatchID).Msg("failed to save checkpoint")
	}
}

// runTask executes one repository under the per-repository timeout. A task
// that overruns is reported as failed while its goroutine is left to observe
// the cancelled context.
func (s *Impl) runTask(ctx context.Context, j job, out chan<- outcome) {
	timeout := j.cfg.TimeoutPerRepo()
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("repository", j.path).
					Msg("repository task panicked")
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		done <- s.process(taskCtx, j)
	}()

	var o outcome
	select {
	case o = <-done:
	case <-taskCtx.Done():
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			o = outcome{err: fmt.Errorf("timed out after %s", timeout)}
		} else {
			o = outcome{err: fmt.Errorf("interrupted: %w", taskCtx.Err())}
		}
	}
	o.task = j.task
	out <- o
}

func (s *Impl) process(ctx context.Context, j job) outcome {
	var o outcome

	if j.cfg.CreateBackups && !j.cfg.DryRun {
		meta, err := s.backupSvc.CreateBackup(ctx, models.BackupOptions{
			RepositoryPath: j.path,
			Type:           models.BackupFull,
			TemplateName:   j.templateName,
			Tags:           []string{"batch", j.batchID},
			Description:    "before batch " + j.batchID,
		})
		if err != nil {
			o.err = fmt.Errorf("backup failed: %w", err)
			return o
		}
		o.backupID, o.backupSize = meta.BackupID, meta.TotalSize
	}

	result, err := s.applicatorSvc.ApplyTemplate(ctx, models.ApplyRequest{
		TemplateName:   j.templateName,
		RepositoryPath: j.path,
		Variables:      j.variables,
		DryRun:         j.cfg.DryRun,
		SkipBackup:     true,
		Interactive:    j.cfg.InteractiveConflicts,
	})
	if err != nil {
		o.err = err
		return o
	}
	if result != nil && result.BackupID == "" {
		result.BackupID = o.backupID
	}
	o.result = result
	return o
}

// queuedByPriority returns the QUEUED tasks, highest priority first.
// Equal priorities keep their original order.
func queuedByPriority(tasks []*models.RepositoryTask) []*models.RepositoryTask {
	var queue []*models.RepositoryTask
	for _, t := range tasks {
		if t.Status == models.TaskQueued {
			queue = append(queue, t)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].Priority > queue[j].Priority
	})
	return queue
}

// unresolvedConflicts returns the detected conflicts without a matching
// resolved entry.
func unresolvedConflicts(result *models.ApplicationResult) []string {
	resolved := make(map[string]int, len(result.ConflictsResolved))
	for _, c := range result.ConflictsResolved {
		resolved[c]++
	}
	var out []string
	for _, c := range result.ConflictsDetected {
		if resolved[c] > 0 {
			resolved[c]--
			continue
		}
		out = append(out, c)
	}
	return out
}
