package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApplicator struct {
	mu        sync.Mutex
	calls     []string
	applyFunc func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error)
}

func (m *mockApplicator) ApplyTemplate(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, filepath.Base(req.RepositoryPath))
	m.mu.Unlock()
	if m.applyFunc != nil {
		return m.applyFunc(ctx, req)
	}
	return okResult(req), nil
}

func (m *mockApplicator) ListTemplates() ([]models.TemplateInfo, error) {
	return nil, nil
}

func (m *mockApplicator) ValidateTemplate(name string) *models.TemplateValidation {
	return &models.TemplateValidation{Valid: true}
}

func (m *mockApplicator) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockBackupService struct {
	mu         sync.Mutex
	calls      []models.BackupOptions
	createFunc func(ctx context.Context, opts models.BackupOptions) (*models.BackupMetadata, error)
}

func (m *mockBackupService) CreateBackup(ctx context.Context, opts models.BackupOptions) (*models.BackupMetadata, error) {
	m.mu.Lock()
	m.calls = append(m.calls, opts)
	m.mu.Unlock()
	if m.createFunc != nil {
		return m.createFunc(ctx, opts)
	}
	return &models.BackupMetadata{
		BackupID:  filepath.Base(opts.RepositoryPath) + "_backup",
		TotalSize: 1024,
	}, nil
}

func (m *mockBackupService) ListBackups(repoPath string) ([]*models.BackupMetadata, error) {
	return nil, nil
}

func (m *mockBackupService) GetBackup(id string) (*models.BackupMetadata, error) {
	return nil, nil
}

func (m *mockBackupService) ValidateBackup(id string) *models.BackupValidation {
	return &models.BackupValidation{BackupID: id, IsValid: true}
}

func (m *mockBackupService) RestoreBackup(ctx context.Context, opts models.RestoreOptions) (*models.RestoreResult, error) {
	return nil, nil
}

func (m *mockBackupService) DeleteBackup(id string, force bool) error {
	return nil
}

func (m *mockBackupService) CleanupExpiredBackups() (int, error) {
	return 0, nil
}

type mockTelegramService struct {
	mu       sync.Mutex
	messages []models.TelegramMessage
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return &models.TelegramResult{MessageSent: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.BatchConfig {
	return models.BatchConfig{
		MaxWorkers:            2,
		MaxRetries:            2,
		CheckpointInterval:    1,
		TimeoutPerRepoSeconds: 5,
	}
}

func okResult(req models.ApplyRequest) *models.ApplicationResult {
	return &models.ApplicationResult{
		Success:        true,
		TemplateName:   req.TemplateName,
		RepositoryPath: req.RepositoryPath,
		FilesCreated:   []string{"README.md"},
		FilesModified:  []string{".gitignore"},
		Timestamp:      time.Now(),
	}
}

func newTestService(t *testing.T, app *mockApplicator, bk *mockBackupService) *Impl {
	t.Helper()
	if app == nil {
		app = &mockApplicator{}
	}
	if bk == nil {
		bk = &mockBackupService{}
	}
	return New(testLogger(), app, bk, filepath.Join(t.TempDir(), "checkpoints"))
}

// makeRepos creates repo-0 .. repo-(n-1) with the default priority.
func makeRepos(t *testing.T, n int) []models.RepositorySpec {
	t.Helper()
	root := t.TempDir()
	specs := make([]models.RepositorySpec, 0, n)
	for i := 0; i < n; i++ {
		dir := filepath.Join(root, fmt.Sprintf("repo-%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		specs = append(specs, models.RepositorySpec{Path: dir, Priority: models.DefaultTaskPriority})
	}
	return specs
}

func taskByName(t *testing.T, op *models.BatchOperation, name string) *models.RepositoryTask {
	t.Helper()
	for _, task := range op.Tasks {
		if filepath.Base(task.RepositoryPath) == name {
			return task
		}
	}
	t.Fatalf("task %s not found", name)
	return nil
}

func assertCountersConsistent(t *testing.T, op *models.BatchOperation) {
	t.Helper()
	counts := map[models.TaskStatus]int{}
	for _, task := range op.Tasks {
		counts[task.Status]++
	}
	assert.Equal(t, len(op.Tasks), op.TotalRepositories)
	assert.Equal(t, counts[models.TaskCompleted], op.CompletedRepositories)
	assert.Equal(t, counts[models.TaskFailed], op.FailedRepositories)
	assert.Equal(t, counts[models.TaskSkipped], op.SkippedRepositories)
	assert.Equal(t, counts[models.TaskConflicted], op.ConflictedRepositories)
	assert.LessOrEqual(t, op.Finished(), op.TotalRepositories)
}

func TestCreateBatchOperation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	repos := makeRepos(t, 3)
	repos[1].Variables = map[string]string{"team": "platform"}

	id, err := svc.CreateBatchOperation("web", repos, map[string]string{"team": "core", "org": "acme"}, testConfig())
	require.NoError(t, err)
	assert.Regexp(t, `^batch_\d{8}_\d{6}_[0-9a-f]{8}$`, id)

	op, err := svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, op.Status)
	assert.Equal(t, SchemaVersion, op.SchemaVersion)
	assert.Equal(t, "web", op.TemplateName)
	assert.Equal(t, 3, op.TotalRepositories)
	assert.FileExists(t, op.CheckpointFile)
	assertCountersConsistent(t, op)

	task := op.Tasks[1]
	assert.Equal(t, models.TaskQueued, task.Status)
	assert.Equal(t, 2, task.MaxRetries)
	assert.Equal(t, "platform", task.Variables["team"])
	assert.Equal(t, "acme", task.Variables["org"])
	assert.Equal(t, "repo-1", task.Variables["projectName"])
	assert.Equal(t, repos[1].Path, task.Variables["projectPath"])
	assert.Equal(t, "1", task.Variables["repositoryIndex"])
	assert.Equal(t, "3", task.Variables["totalRepositories"])
	assert.Equal(t, "core", op.Tasks[0].Variables["team"])
}

func TestCreateBatchOperation_Invalid(t *testing.T) {
	svc := newTestService(t, nil, nil)
	repos := makeRepos(t, 1)

	_, err := svc.CreateBatchOperation("web", nil, nil, testConfig())
	assert.Error(t, err)

	_, err = svc.CreateBatchOperation("", repos, nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxWorkers = 0
	_, err = svc.CreateBatchOperation("web", repos, nil, cfg)
	assert.ErrorContains(t, err, "invalid batch config")

	_, err = svc.CreateBatchOperation("web", append(repos, repos[0]), nil, testConfig())
	assert.ErrorContains(t, err, "more than once")

	bad := []models.RepositorySpec{{Path: repos[0].Path, Priority: 101}}
	_, err = svc.CreateBatchOperation("web", bad, nil, testConfig())
	assert.ErrorContains(t, err, "invalid repository")

	batches, err := svc.ListBatches()
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestExecuteBatch_AllSucceed(t *testing.T) {
	var mu sync.Mutex
	current, peak := 0, 0
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, nil)

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 5), nil, testConfig())
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, op.Status)
	assert.Equal(t, 5, op.CompletedRepositories)
	assert.NotNil(t, op.StartTime)
	assert.NotNil(t, op.EndTime)
	assert.Len(t, app.called(), 5)
	assert.LessOrEqual(t, peak, 2)
	assertCountersConsistent(t, op)

	for _, task := range op.Tasks {
		assert.Equal(t, models.TaskCompleted, task.Status)
		require.NotNil(t, task.StartTime)
		require.NotNil(t, task.EndTime)
		assert.False(t, task.EndTime.Before(*task.StartTime))
	}

	saved, err := svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, saved.Status)
	assert.Equal(t, 5, saved.CompletedRepositories)
}

func TestExecuteBatch_FailureAndPanic(t *testing.T) {
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			switch filepath.Base(req.RepositoryPath) {
			case "repo-1":
				return nil, errors.New("disk full")
			case "repo-3":
				panic("boom")
			}
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, nil)

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 5), nil, testConfig())
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchFailed, op.Status)
	assert.Equal(t, 3, op.CompletedRepositories)
	assert.Equal(t, 2, op.FailedRepositories)
	assertCountersConsistent(t, op)

	assert.Equal(t, "disk full", taskByName(t, op, "repo-1").ErrorMessage)
	assert.Contains(t, taskByName(t, op, "repo-3").ErrorMessage, "boom")
	assert.Equal(t, models.TaskCompleted, taskByName(t, op, "repo-4").Status)
}

func TestExecuteBatch_UnsuccessfulResult(t *testing.T) {
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			return &models.ApplicationResult{Errors: []string{"required file missing: LICENSE", "x: denied"}}, nil
		},
	}
	svc := newTestService(t, app, nil)

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 1), nil, testConfig())
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchFailed, op.Status)
	assert.Equal(t, "required file missing: LICENSE; x: denied", op.Tasks[0].ErrorMessage)
}

func TestExecuteBatch_Conflicted(t *testing.T) {
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			res := okResult(req)
			res.ConflictsDetected = []string{"a.txt: file exists", "b.txt: file exists"}
			res.ConflictsResolved = []string{"a.txt: file exists"}
			return res, nil
		},
	}

	tests := []struct {
		name        string
		autoResolve bool
		want        models.TaskStatus
	}{
		{"manual", false, models.TaskConflicted},
		{"auto", true, models.TaskCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, app, nil)
			cfg := testConfig()
			cfg.AutoResolveConflicts = tt.autoResolve

			id, err := svc.CreateBatchOperation("web", makeRepos(t, 1), nil, cfg)
			require.NoError(t, err)

			op, err := svc.ExecuteBatch(context.Background(), id)
			require.NoError(t, err)

			assert.Equal(t, models.BatchCompleted, op.Status)
			assert.Equal(t, tt.want, op.Tasks[0].Status)
			assert.Equal(t, []string{"b.txt: file exists"}, op.Tasks[0].Conflicts)
			assertCountersConsistent(t, op)
		})
	}
}

func TestExecuteBatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			if filepath.Base(req.RepositoryPath) == "repo-0" {
				<-release
			}
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.TimeoutPerRepoSeconds = 0.05

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 2), nil, cfg)
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchFailed, op.Status)
	assert.Contains(t, taskByName(t, op, "repo-0").ErrorMessage, "timed out")
	assert.Equal(t, models.TaskCompleted, taskByName(t, op, "repo-1").Status)
}

func TestExecuteBatch_PriorityOrder(t *testing.T) {
	app := &mockApplicator{}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1

	repos := makeRepos(t, 4)
	repos[0].Priority = 10
	repos[1].Priority = 90
	repos[2].Priority = 50
	repos[3].Priority = 90

	id, err := svc.CreateBatchOperation("web", repos, nil, cfg)
	require.NoError(t, err)

	_, err = svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, []string{"repo-1", "repo-3", "repo-2", "repo-0"}, app.called())
}

func TestExecuteBatch_RetryRounds(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			name := filepath.Base(req.RepositoryPath)
			mu.Lock()
			attempts[name]++
			n := attempts[name]
			mu.Unlock()

			switch {
			case name == "repo-0" && n <= 2:
				return nil, errors.New("flaky")
			case name == "repo-1":
				return nil, errors.New("broken")
			}
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.RetryFailed = true
	cfg.RetryDelaySeconds = 0.01

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 3), nil, cfg)
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchFailed, op.Status)
	assertCountersConsistent(t, op)

	flaky := taskByName(t, op, "repo-0")
	assert.Equal(t, models.TaskCompleted, flaky.Status)
	assert.Equal(t, 2, flaky.RetryCount)
	assert.Empty(t, flaky.ErrorMessage)

	broken := taskByName(t, op, "repo-1")
	assert.Equal(t, models.TaskFailed, broken.Status)
	assert.Equal(t, 2, broken.RetryCount)

	assert.Equal(t, 3, attempts["repo-0"])
	assert.Equal(t, 3, attempts["repo-1"])
	assert.Equal(t, 1, attempts["repo-2"])
}

func TestResumeBatch_RetriesFailed(t *testing.T) {
	fail := true
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			if fail && filepath.Base(req.RepositoryPath) == "repo-1" {
				return nil, errors.New("network down")
			}
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxRetries = 1

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 3), nil, cfg)
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.BatchFailed, op.Status)

	fail = false
	op, err = svc.ResumeBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, op.Status)
	assert.Equal(t, 3, op.CompletedRepositories)
	task := taskByName(t, op, "repo-1")
	assert.Equal(t, 1, task.RetryCount)
	assert.Empty(t, task.ErrorMessage)
	assert.Len(t, app.called(), 4)

	_, err = svc.ResumeBatch(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResumeBatch_MaxRetriesReached(t *testing.T) {
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			return nil, errors.New("permanent")
		},
	}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxRetries = 0

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 1), nil, cfg)
	require.NoError(t, err)

	_, err = svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	op, err := svc.ResumeBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchFailed, op.Status)
	assert.Equal(t, models.TaskFailed, op.Tasks[0].Status)
	assert.Equal(t, 0, op.Tasks[0].RetryCount)
	assert.Len(t, app.called(), 1)
}

func TestPauseBatch_WhileRunning(t *testing.T) {
	app := &mockApplicator{}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 3), nil, cfg)
	require.NoError(t, err)

	var once sync.Once
	app.applyFunc = func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
		once.Do(func() { assert.NoError(t, svc.PauseBatch(id)) })
		return okResult(req), nil
	}

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchPaused, op.Status)
	assert.Equal(t, 1, op.CompletedRepositories)
	assert.Nil(t, op.EndTime)
	assertCountersConsistent(t, op)

	saved, err := svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPaused, saved.Status)

	op, err = svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, op.Status)
	assert.Equal(t, 3, op.CompletedRepositories)
	assert.Len(t, app.called(), 3)
}

func TestCancelBatch_WhileRunning(t *testing.T) {
	app := &mockApplicator{}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 3), nil, cfg)
	require.NoError(t, err)

	app.applyFunc = func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
		assert.NoError(t, svc.CancelBatch(id))
		return okResult(req), nil
	}

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCancelled, op.Status)
	assert.Equal(t, 3, op.SkippedRepositories)
	assert.NotNil(t, op.EndTime)
	assert.Len(t, app.called(), 1)
	assertCountersConsistent(t, op)

	assert.ErrorIs(t, svc.CancelBatch(id), ErrInvalidTransition)
	_, err = svc.ExecuteBatch(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRequestShutdown(t *testing.T) {
	app := &mockApplicator{}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 3), nil, cfg)
	require.NoError(t, err)

	app.applyFunc = func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
		svc.RequestShutdown()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCancelled, op.Status)
	assert.Equal(t, 3, op.SkippedRepositories)
	assert.Len(t, app.called(), 1)

	saved, err := svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCancelled, saved.Status)
}

func TestExecuteBatch_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &mockApplicator{
		applyFunc: func(taskCtx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			cancel()
			<-taskCtx.Done()
			return nil, taskCtx.Err()
		},
	}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.MaxWorkers = 1

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 2), nil, cfg)
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCancelled, op.Status)
	assert.Equal(t, 2, op.SkippedRepositories)
}

func TestPauseAndCancel_NotRunning(t *testing.T) {
	svc := newTestService(t, nil, nil)

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 2), nil, testConfig())
	require.NoError(t, err)

	require.NoError(t, svc.PauseBatch(id))
	op, err := svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPaused, op.Status)

	require.NoError(t, svc.PauseBatch(id))

	require.NoError(t, svc.CancelBatch(id))
	op, err = svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCancelled, op.Status)
	assert.Equal(t, 2, op.SkippedRepositories)
	assert.NotNil(t, op.EndTime)

	assert.ErrorIs(t, svc.PauseBatch(id), ErrInvalidTransition)
	_, err = svc.ResumeBatch(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, svc.PauseBatch("batch_missing"), ErrBatchNotFound)
	assert.ErrorIs(t, svc.CancelBatch("batch_missing"), ErrBatchNotFound)
}

func TestExecuteBatch_InterruptedRun(t *testing.T) {
	app := &mockApplicator{}
	svc := newTestService(t, app, nil)

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 2), nil, testConfig())
	require.NoError(t, err)

	op, err := svc.GetStatus(id)
	require.NoError(t, err)
	op.Status = models.BatchRunning
	op.Tasks[0].Status = models.TaskProcessing
	require.NoError(t, svc.store.save(op))

	op, err = svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, op.Status)
	assert.Len(t, app.called(), 2)
}

func TestExecuteBatch_Backups(t *testing.T) {
	bk := &mockBackupService{
		createFunc: func(ctx context.Context, opts models.BackupOptions) (*models.BackupMetadata, error) {
			if filepath.Base(opts.RepositoryPath) == "repo-1" {
				return nil, errors.New("no space left")
			}
			return &models.BackupMetadata{BackupID: "b-" + filepath.Base(opts.RepositoryPath), TotalSize: 4096}, nil
		},
	}
	var mu sync.Mutex
	var requests []models.ApplyRequest
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			mu.Lock()
			requests = append(requests, req)
			mu.Unlock()
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, bk)
	cfg := testConfig()
	cfg.CreateBackups = true

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 2), nil, cfg)
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	ok := taskByName(t, op, "repo-0")
	assert.Equal(t, models.TaskCompleted, ok.Status)
	assert.Equal(t, "b-repo-0", ok.BackupID)
	assert.Equal(t, int64(4096), ok.BackupSize)
	assert.Equal(t, "b-repo-0", ok.Result.BackupID)

	failed := taskByName(t, op, "repo-1")
	assert.Equal(t, models.TaskFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "backup failed")

	require.Len(t, requests, 1)
	assert.True(t, requests[0].SkipBackup)
	for _, opts := range bk.calls {
		assert.Equal(t, "web", opts.TemplateName)
		assert.Equal(t, models.BackupFull, opts.Type)
	}
}

func TestExecuteBatch_DryRunSkipsBackups(t *testing.T) {
	bk := &mockBackupService{}
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			assert.True(t, req.DryRun)
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, bk)
	cfg := testConfig()
	cfg.CreateBackups = true
	cfg.DryRun = true

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 2), nil, cfg)
	require.NoError(t, err)

	op, err := svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchCompleted, op.Status)
	assert.Empty(t, bk.calls)
}

func TestExecuteBatch_ProgressAndNotification(t *testing.T) {
	notifier := &mockTelegramService{}
	svc := NewWithNotifier(testLogger(), &mockApplicator{}, &mockBackupService{},
		filepath.Join(t.TempDir(), "checkpoints"), notifier,
		&models.TelegramConfig{BotToken: "t", ChatID: "c"})

	var progress []models.BatchProgress
	svc.SetProgressCallback(func(p models.BatchProgress) {
		progress = append(progress, p)
	})

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 3), nil, testConfig())
	require.NoError(t, err)

	_, err = svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	require.Len(t, progress, 3)
	last := progress[len(progress)-1]
	assert.Equal(t, id, last.BatchID)
	assert.Equal(t, 3, last.Finished)
	assert.Equal(t, 3, last.Total)

	require.Len(t, notifier.messages, 1)
	msg := notifier.messages[0]
	assert.True(t, msg.Success)
	assert.Equal(t, id, msg.BatchID)
	assert.Equal(t, 3, msg.Completed)
}

func TestGenerateReport(t *testing.T) {
	app := &mockApplicator{
		applyFunc: func(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error) {
			if filepath.Base(req.RepositoryPath) == "repo-2" {
				return nil, errors.New("merge failed")
			}
			return okResult(req), nil
		},
	}
	svc := newTestService(t, app, nil)
	cfg := testConfig()
	cfg.CreateBackups = true

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 4), nil, cfg)
	require.NoError(t, err)
	_, err = svc.ExecuteBatch(context.Background(), id)
	require.NoError(t, err)

	report, err := svc.GenerateReport(id)
	require.NoError(t, err)

	assert.Equal(t, models.BatchFailed, report.Status)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.InDelta(t, 75.0, report.SuccessRate, 0.001)
	assert.Equal(t, 3, report.FilesCreated)
	assert.Equal(t, 3, report.FilesModified)
	assert.Equal(t, int64(4*1024), report.BackupBytes)
	assert.Len(t, report.Repositories, 4)
	require.Contains(t, report.FailureReasons, "merge failed")
	assert.Len(t, report.FailureReasons["merge failed"], 1)
	assert.GreaterOrEqual(t, report.Duration, time.Duration(0))

	_, err = svc.GenerateReport("batch_unknown")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestListBatches_NewestFirst(t *testing.T) {
	svc := newTestService(t, nil, nil)
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		svc.now = func() time.Time { return at }
		id, err := svc.CreateBatchOperation("web", makeRepos(t, 1), nil, testConfig())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	batches, err := svc.ListBatches()
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, ids[2], batches[0].BatchID)
	assert.Equal(t, ids[0], batches[2].BatchID)
	assert.Equal(t, models.BatchPending, batches[0].Status)
	assert.Equal(t, 1, batches[0].Total)
}

func TestCheckpoint_Errors(t *testing.T) {
	svc := newTestService(t, nil, nil)

	_, err := svc.GetStatus("batch_missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = svc.GetStatus("../escape")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	id, err := svc.CreateBatchOperation("web", makeRepos(t, 1), nil, testConfig())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(svc.store.path("batch_corrupt"), []byte("{not json"), 0o600))
	_, err = svc.GetStatus("batch_corrupt")
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	require.NoError(t, os.WriteFile(svc.store.path("batch_future"),
		[]byte(`{"schema_version": 99, "batch_id": "batch_future"}`), 0o600))
	_, err = svc.GetStatus("batch_future")
	assert.ErrorContains(t, err, "schema version 99")

	_, err = svc.ExecuteBatch(context.Background(), "batch_corrupt")
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	batches, err := svc.ListBatches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, id, batches[0].BatchID)
}

func TestCheckpoint_LegacyWithoutVersion(t *testing.T) {
	svc := newTestService(t, nil, nil)
	require.NoError(t, os.MkdirAll(svc.store.dir, 0o750))

	legacy := `{"batch_id": "batch_old", "template_name": "web", "status": "paused",
		"completed_repositories": 7,
		"tasks": [{"repository_path": "/r/a", "status": "completed"}, {"repository_path": "/r/b", "status": "queued"}]}`
	require.NoError(t, os.WriteFile(svc.store.path("batch_old"), []byte(legacy), 0o600))

	op, err := svc.GetStatus("batch_old")
	require.NoError(t, err)
	assert.Equal(t, 1, op.SchemaVersion)
	assert.Equal(t, 1, op.CompletedRepositories)
	assert.Equal(t, 2, op.TotalRepositories)
}

func TestUnresolvedConflicts(t *testing.T) {
	result := &models.ApplicationResult{
		ConflictsDetected: []string{"a: file exists", "a: file exists", "b: critical file"},
		ConflictsResolved: []string{"a: file exists"},
	}

	assert.Equal(t, []string{"a: file exists", "b: critical file"}, unresolvedConflicts(result))
}
