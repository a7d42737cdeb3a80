package models

import (
	"time"
)

// BatchStatus is the lifecycle state of a BatchOperation.
type BatchStatus string

// Batch statuses.
const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a RepositoryTask.
type TaskStatus string

// Task statuses.
const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskConflicted TaskStatus = "conflicted"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskConflicted:
		return true
	}
	return false
}

// DefaultTaskPriority is used for repositories listed without a priority.
const DefaultTaskPriority = 50

// BatchConfig holds the immutable execution parameters of a batch.
// Durations are persisted as seconds.
type BatchConfig struct {
	MaxWorkers            int     `json:"max_workers" validate:"gte=1,lte=64"`
	DryRun                bool    `json:"dry_run"`
	CreateBackups         bool    `json:"create_backups"`
	AutoResolveConflicts  bool    `json:"auto_resolve_conflicts"`
	InteractiveConflicts  bool    `json:"interactive_conflicts"`
	RetryFailed           bool    `json:"retry_failed"`
	MaxRetries            int     `json:"max_retries" validate:"gte=0"`
	RetryDelaySeconds     float64 `json:"retry_delay" validate:"gte=0"`
	CheckpointInterval    int     `json:"checkpoint_interval" validate:"gte=1"`
	TimeoutPerRepoSeconds float64 `json:"timeout_per_repo" validate:"gt=0"`
}

// RetryDelay returns the delay between retry rounds.
func (c BatchConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// TimeoutPerRepo returns the per-repository timeout.
func (c BatchConfig) TimeoutPerRepo() time.Duration {
	return time.Duration(c.TimeoutPerRepoSeconds * float64(time.Second))
}

// BatchConfigFromDefaults converts application defaults into a batch config.
func BatchConfigFromDefaults(d BatchDefaults) BatchConfig {
	return BatchConfig{
		MaxWorkers:            d.MaxWorkers,
		CreateBackups:         d.CreateBackups,
		AutoResolveConflicts:  d.AutoResolveConflicts,
		InteractiveConflicts:  d.InteractiveConflicts,
		RetryFailed:           d.RetryFailed,
		MaxRetries:            d.MaxRetries,
		RetryDelaySeconds:     d.RetryDelay.Seconds(),
		CheckpointInterval:    d.CheckpointInterval,
		TimeoutPerRepoSeconds: d.TimeoutPerRepo.Seconds(),
	}
}

// RepositorySpec is one repository handed to CreateBatchOperation.
type RepositorySpec struct {
	Path      string
	Priority  int
	Variables map[string]string
}

// RepositoryTask is one unit of batch work.
type RepositoryTask struct {
	RepositoryPath string             `json:"repository_path"`
	TemplateName   string             `json:"template_name"`
	Variables      map[string]string  `json:"variables"`
	Priority       int                `json:"priority" validate:"gte=0,lte=100"`
	Status         TaskStatus         `json:"status"`
	StartTime      *time.Time         `json:"start_time,omitempty"`
	EndTime        *time.Time         `json:"end_time,omitempty"`
	Result         *ApplicationResult `json:"result,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	BackupID       string             `json:"backup_id,omitempty"`
	BackupSize     int64              `json:"backup_size,omitempty"`
	Conflicts      []string           `json:"conflicts,omitempty"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
}

// CanRetry reports whether a failed task still has retries left.
func (t *RepositoryTask) CanRetry() bool {
	return t.Status == TaskFailed && t.RetryCount < t.MaxRetries
}

// BatchOperation is the aggregate state of one batch.
type BatchOperation struct {
	SchemaVersion          int               `json:"schema_version"`
	BatchID                string            `json:"batch_id"`
	TemplateName           string            `json:"template_name"`
	CreationTime           time.Time         `json:"creation_time"`
	Status                 BatchStatus       `json:"status"`
	TotalRepositories      int               `json:"total_repositories"`
	CompletedRepositories  int               `json:"completed_repositories"`
	FailedRepositories     int               `json:"failed_repositories"`
	SkippedRepositories    int               `json:"skipped_repositories"`
	ConflictedRepositories int               `json:"conflicted_repositories"`
	Config                 BatchConfig       `json:"config"`
	Tasks                  []*RepositoryTask `json:"tasks"`
	StartTime              *time.Time        `json:"start_time,omitempty"`
	EndTime                *time.Time        `json:"end_time,omitempty"`
	CheckpointFile         string            `json:"checkpoint_file"`
}

// Recount rebuilds the counters from task statuses.
func (b *BatchOperation) Recount() {
	b.TotalRepositories = len(b.Tasks)
	b.CompletedRepositories, b.FailedRepositories = 0, 0
	b.SkippedRepositories, b.ConflictedRepositories = 0, 0
	for _, t := range b.Tasks {
		switch t.Status {
		case TaskCompleted:
			b.CompletedRepositories++
		case TaskFailed:
			b.FailedRepositories++
		case TaskSkipped:
			b.SkippedRepositories++
		case TaskConflicted:
			b.ConflictedRepositories++
		}
	}
}

// Finished returns the number of tasks in a terminal state.
func (b *BatchOperation) Finished() int {
	return b.CompletedRepositories + b.FailedRepositories + b.SkippedRepositories + b.ConflictedRepositories
}

// ProgressPercent returns finished tasks as a percentage of the total.
func (b *BatchOperation) ProgressPercent() float64 {
	if b.TotalRepositories == 0 {
		return 100
	}
	return float64(b.Finished()) * 100 / float64(b.TotalRepositories)
}

// BatchProgress is handed to progress callbacks after every task completion.
type BatchProgress struct {
	BatchID    string
	Total      int
	Finished   int
	Completed  int
	Failed     int
	Skipped    int
	Conflicted int
	Repository string
	TaskStatus TaskStatus
}

// BatchSummary is one line of a batch listing.
type BatchSummary struct {
	BatchID      string
	TemplateName string
	Status       BatchStatus
	CreationTime time.Time
	Total        int
	Finished     int
	Failed       int
}

// BatchReport is a rendered-agnostic report of a batch.
type BatchReport struct {
	BatchID        string              `json:"batch_id"`
	TemplateName   string              `json:"template_name"`
	Status         BatchStatus         `json:"status"`
	CreationTime   time.Time           `json:"creation_time"`
	StartTime      *time.Time          `json:"start_time,omitempty"`
	Duration       time.Duration       `json:"duration"`
	Total          int                 `json:"total"`
	Completed      int                 `json:"completed"`
	Failed         int                 `json:"failed"`
	Skipped        int                 `json:"skipped"`
	Conflicted     int                 `json:"conflicted"`
	SuccessRate    float64             `json:"success_rate"`
	FilesCreated   int                 `json:"files_created"`
	FilesModified  int                 `json:"files_modified"`
	BackupBytes    int64               `json:"backup_bytes"`
	Repositories   []RepositoryReport  `json:"repositories"`
	FailureReasons map[string][]string `json:"failure_reasons,omitempty"`
}

// RepositoryReport is the per-repository part of a BatchReport.
type RepositoryReport struct {
	RepositoryPath string        `json:"repository_path"`
	Status         TaskStatus    `json:"status"`
	Duration       time.Duration `json:"duration"`
	RetryCount     int           `json:"retry_count"`
	BackupID       string        `json:"backup_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	Conflicts      int           `json:"conflicts"`
}
