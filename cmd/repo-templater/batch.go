package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/fgeck/repo-templater/internal/services/batch"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	batchID            string
	batchTemplate      string
	batchRepos         []string
	batchReposFile     string
	batchVars          []string
	batchWorkers       int
	batchDryRun        bool
	batchNoBackup      bool
	batchInteractive   bool
	batchNoAutoResolve bool
	batchNoRetry       bool
	batchMaxRetries    int
	batchTimeout       time.Duration
	batchExecute       bool
	batchOutputFmt     string
)

// errBatchUnsuccessful marks a batch that ran to the end but did not succeed.
var errBatchUnsuccessful = errors.New("batch did not complete successfully")

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Apply a template to many repositories",
	Long: `Apply a template to many repositories in parallel.

A batch is created first and persisted as a checkpoint, then executed.
Interrupted batches (SIGINT, SIGTERM, crashes) are resumed from their
last checkpoint; failed repositories are retried on resume.`,
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch operation",
	RunE:  runBatchCreate,
}

var batchExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Execute a pending or paused batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(false)
	},
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted batch, retrying failed repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(true)
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of a batch",
	RunE:  runBatchStatus,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE:  runBatchList,
}

var batchReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the report of a batch",
	RunE:  runBatchReport,
}

var batchPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a batch that is not running",
	RunE:  runBatchPause,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a batch that is not running",
	RunE:  runBatchCancel,
}

func init() {
	f := batchCreateCmd.Flags()
	f.StringVarP(&batchTemplate, "template", "t", "", "template name")
	f.StringArrayVarP(&batchRepos, "repositories", "r", nil, "repository as path or path:priority (repeatable)")
	f.StringVar(&batchReposFile, "repositories-file", "", "file with one repository per line")
	f.StringArrayVar(&batchVars, "variables", nil, "template variable as key=value (repeatable)")
	f.IntVar(&batchWorkers, "workers", 0, "parallel workers (default from config)")
	f.BoolVar(&batchDryRun, "dry-run", false, "report what would change without writing")
	f.BoolVar(&batchNoBackup, "no-backup", false, "skip per-repository backups")
	f.BoolVarP(&batchInteractive, "interactive", "i", false, "prompt for conflicts")
	f.BoolVar(&batchNoAutoResolve, "no-auto-resolve", false, "mark repositories with conflicts as conflicted")
	f.BoolVar(&batchNoRetry, "no-retry", false, "do not retry failed repositories")
	f.IntVar(&batchMaxRetries, "max-retries", 0, "retries per repository (default from config)")
	f.DurationVar(&batchTimeout, "timeout", 0, "timeout per repository (default from config)")
	f.BoolVar(&batchExecute, "execute", false, "execute the batch right after creating it")
	_ = batchCreateCmd.MarkFlagRequired("template")

	for _, c := range []*cobra.Command{batchExecuteCmd, batchResumeCmd, batchStatusCmd, batchReportCmd, batchPauseCmd, batchCancelCmd} {
		c.Flags().StringVar(&batchID, "batch-id", "", "batch identifier")
		_ = c.MarkFlagRequired("batch-id")
	}
	batchReportCmd.Flags().StringVarP(&batchOutputFmt, "output", "o", "text", "output format (text or json)")
	batchListCmd.Flags().StringVarP(&batchOutputFmt, "output", "o", "text", "output format (text or json)")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchExecuteCmd)
	batchCmd.AddCommand(batchResumeCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchReportCmd)
	batchCmd.AddCommand(batchPauseCmd)
	batchCmd.AddCommand(batchCancelCmd)
}

func runBatchCreate(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	repos := make([]models.RepositorySpec, 0, len(batchRepos))
	for _, arg := range batchRepos {
		spec, err := parseRepository(arg)
		if err != nil {
			log.Error().Err(err).Msg("invalid repository")
			return err
		}
		repos = append(repos, spec)
	}
	if batchReposFile != "" {
		fromFile, err := readRepositoryFile(batchReposFile)
		if err != nil {
			log.Error().Err(err).Str("file", batchReposFile).Msg("invalid repository list")
			return err
		}
		repos = append(repos, fromFile...)
	}

	vars, err := parseVariables(batchVars)
	if err != nil {
		log.Error().Err(err).Msg("invalid variables")
		return err
	}

	cfg := batchConfigFromFlags(cmd, svc.cfg.Batch)

	id, err := svc.batch.CreateBatchOperation(batchTemplate, repos, vars, cfg)
	if err != nil {
		log.Error().Err(err).Str("template", batchTemplate).Msg("failed to create batch")
		return err
	}

	pterm.Success.Printf("Created batch %s with %s\n", id, english.Plural(len(repos), "repository", "repositories"))
	fmt.Println(id)

	if !batchExecute {
		return nil
	}
	batchID = id
	return executeBatch(svc, false)
}

// batchConfigFromFlags overlays explicitly set flags on the configured defaults.
func batchConfigFromFlags(cmd *cobra.Command, defaults models.BatchDefaults) models.BatchConfig {
	cfg := models.BatchConfigFromDefaults(defaults)
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.MaxWorkers = batchWorkers
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = batchMaxRetries
	}
	if flags.Changed("timeout") {
		cfg.TimeoutPerRepoSeconds = batchTimeout.Seconds()
	}
	if batchDryRun {
		cfg.DryRun = true
	}
	if batchNoBackup {
		cfg.CreateBackups = false
	}
	if batchNoAutoResolve {
		cfg.AutoResolveConflicts = false
	}
	if batchNoRetry {
		cfg.RetryFailed = false
	}
	cfg.InteractiveConflicts = interactiveAllowed(batchInteractive || cfg.InteractiveConflicts)
	if cfg.InteractiveConflicts && cfg.MaxWorkers > 1 {
		log.Warn().Int("workers", cfg.MaxWorkers).Msg("interactive conflicts need a single worker, using 1")
		cfg.MaxWorkers = 1
	}
	return cfg
}

func runBatch(resume bool) error {
	svc, err := newServices()
	if err != nil {
		return err
	}
	return executeBatch(svc, resume)
}

func executeBatch(svc *services, resume bool) error {
	op, err := svc.batch.GetStatus(batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to load batch")
		return err
	}

	log.Info().
		Str("batch_id", op.BatchID).
		Str("template", op.TemplateName).
		Int("repositories", op.TotalRepositories).
		Int("workers", op.Config.MaxWorkers).
		Bool("dry_run", op.Config.DryRun).
		Msg("batch loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, checkpointing batch and shutting down")
			svc.batch.RequestShutdown()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received second signal, aborting")
			cancel()
		case <-ctx.Done():
		}
	}()

	bar := startProgressBar(op)
	if bar != nil {
		svc.batch.SetProgressCallback(func(p models.BatchProgress) {
			bar.UpdateTitle(fmt.Sprintf("%s  ok %d  failed %d", op.TemplateName, p.Completed, p.Failed))
			bar.Increment()
		})
	}

	if resume {
		op, err = svc.batch.ResumeBatch(ctx, batchID)
	} else {
		op, err = svc.batch.ExecuteBatch(ctx, batchID)
	}
	if bar != nil {
		_, _ = bar.Stop()
	}
	if err != nil {
		if errors.Is(err, batch.ErrInvalidTransition) {
			log.Error().Err(err).Str("batch_id", batchID).Msg("batch cannot be executed in its current state, try resume")
		} else {
			log.Error().Err(err).Str("batch_id", batchID).Msg("batch execution failed")
		}
		return err
	}

	report, err := svc.batch.GenerateReport(op.BatchID)
	if err != nil {
		log.Error().Err(err).Msg("failed to build report")
		return err
	}
	if err := printBatchReport(report); err != nil {
		return err
	}

	switch op.Status {
	case models.BatchCompleted:
		log.Info().Str("batch_id", op.BatchID).Msg("batch completed successfully")
		return nil
	case models.BatchPaused:
		log.Info().Str("batch_id", op.BatchID).Msg("batch paused, resume it to continue")
		return nil
	default:
		log.Error().Str("batch_id", op.BatchID).Str("status", string(op.Status)).Msg("batch did not complete successfully")
		return fmt.Errorf("%w: %s", errBatchUnsuccessful, op.Status)
	}
}

// startProgressBar returns nil when stdout is not a terminal.
func startProgressBar(op *models.BatchOperation) *pterm.ProgressbarPrinter {
	if !isTerminal(os.Stdout) || op.TotalRepositories == 0 {
		return nil
	}
	done := op.CompletedRepositories + op.SkippedRepositories + op.ConflictedRepositories
	bar, err := pterm.DefaultProgressbar.
		WithTotal(op.TotalRepositories).
		WithCurrent(done).
		WithTitle(op.TemplateName).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		log.Debug().Err(err).Msg("progress bar unavailable")
		return nil
	}
	return bar
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	op, err := svc.batch.GetStatus(batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to load batch")
		return err
	}

	fmt.Printf("Batch:      %s\n", op.BatchID)
	fmt.Printf("Template:   %s\n", op.TemplateName)
	fmt.Printf("Status:     %s\n", batchStatusText(op.Status))
	fmt.Printf("Progress:   %d/%d (%.1f%%)\n", op.Finished(), op.TotalRepositories, op.ProgressPercent())
	fmt.Printf("Completed:  %d\n", op.CompletedRepositories)
	fmt.Printf("Failed:     %d\n", op.FailedRepositories)
	fmt.Printf("Skipped:    %d\n", op.SkippedRepositories)
	fmt.Printf("Conflicted: %d\n", op.ConflictedRepositories)
	if op.StartTime != nil {
		fmt.Printf("Started:    %s\n", humanize.Time(*op.StartTime))
	}
	fmt.Printf("Checkpoint: %s\n", op.CheckpointFile)
	return nil
}

func runBatchList(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	batches, err := svc.batch.ListBatches()
	if err != nil {
		log.Error().Err(err).Msg("failed to list batches")
		return err
	}

	if batchOutputFmt == "json" {
		return writeJSON(batches)
	}
	if len(batches) == 0 {
		pterm.Info.Println("No batches found")
		return nil
	}

	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			b.BatchID,
			b.TemplateName,
			batchStatusText(b.Status),
			humanize.Time(b.CreationTime),
			strconv.Itoa(b.Finished) + "/" + strconv.Itoa(b.Total),
			strconv.Itoa(b.Failed),
		})
	}
	return renderTable([]string{"Batch", "Template", "Status", "Created", "Done", "Failed"}, rows)
}

func runBatchReport(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	report, err := svc.batch.GenerateReport(batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to build report")
		return err
	}

	if batchOutputFmt == "json" {
		return writeJSON(report)
	}
	return printBatchReport(report)
}

func runBatchPause(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	if err := svc.batch.PauseBatch(batchID); err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to pause batch")
		return err
	}
	pterm.Success.Printf("Batch %s paused\n", batchID)
	return nil
}

func runBatchCancel(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	if err := svc.batch.CancelBatch(batchID); err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("failed to cancel batch")
		return err
	}
	pterm.Success.Printf("Batch %s cancelled\n", batchID)
	return nil
}
