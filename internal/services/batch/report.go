package batch

import (
	"time"

	"github.com/fgeck/repo-templater/internal/models"
)

// GenerateReport builds a report from the batch's last checkpoint.
func (s *Impl) GenerateReport(batchID string) (*models.BatchReport, error) {
	op, err := s.store.load(batchID)
	if err != nil {
		return nil, err
	}
	return buildReport(op, s.now()), nil
}

func buildReport(op *models.BatchOperation, now time.Time) *models.BatchReport {
	op.Recount()
	report := &models.BatchReport{
		BatchID:        op.BatchID,
		TemplateName:   op.TemplateName,
		Status:         op.Status,
		CreationTime:   op.CreationTime,
		StartTime:      op.StartTime,
		Total:          op.TotalRepositories,
		Completed:      op.CompletedRepositories,
		Failed:         op.FailedRepositories,
		Skipped:        op.SkippedRepositories,
		Conflicted:     op.ConflictedRepositories,
		Repositories:   make([]models.RepositoryReport, 0, len(op.Tasks)),
		FailureReasons: make(map[string][]string),
	}

	if op.StartTime != nil {
		end := now
		if op.EndTime != nil {
			end = *op.EndTime
		}
		report.Duration = end.Sub(*op.StartTime)
	}
	if report.Total > 0 {
		report.SuccessRate = float64(report.Completed) * 100 / float64(report.Total)
	}

	for _, t := range op.Tasks {
		repo := models.RepositoryReport{
			RepositoryPath: t.RepositoryPath,
			Status:         t.Status,
			RetryCount:     t.RetryCount,
			BackupID:       t.BackupID,
			Error:          t.ErrorMessage,
			Conflicts:      len(t.Conflicts),
		}
		if t.StartTime != nil && t.EndTime != nil {
			repo.Duration = t.EndTime.Sub(*t.StartTime)
		}
		report.Repositories = append(report.Repositories, repo)

		if t.Result != nil {
			report.FilesCreated += len(t.Result.FilesCreated)
			report.FilesModified += len(t.Result.FilesModified)
		}
		report.BackupBytes += t.BackupSize

		if t.Status == models.TaskFailed {
			reason := t.ErrorMessage
			if reason == "" {
				reason = "unknown error"
			}
			report.FailureReasons[reason] = append(report.FailureReasons[reason], t.RepositoryPath)
		}
	}

	return report
}
