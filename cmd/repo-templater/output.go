package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// configureOutput drops colors when stdout is piped.
func configureOutput() {
	if !isTerminal(os.Stdout) {
		pterm.DisableStyling()
	}
}

// interactiveAllowed honours an interactive request only on a terminal.
func interactiveAllowed(requested bool) bool {
	if !requested {
		return false
	}
	if !isTerminal(os.Stdin) {
		log.Warn().Msg("stdin is not a terminal, resolving conflicts non-interactively")
		return false
	}
	return true
}

func renderTable(header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseVariables turns repeated key=value flags into a map.
func parseVariables(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, want key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// parseRepository accepts "path" or "path:priority".
func parseRepository(arg string) (models.RepositorySpec, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return models.RepositorySpec{}, fmt.Errorf("empty repository path")
	}
	spec := models.RepositorySpec{Path: arg, Priority: models.DefaultTaskPriority}
	if idx := strings.LastIndex(arg, ":"); idx > 0 {
		if p, err := strconv.Atoi(arg[idx+1:]); err == nil {
			if p < 0 || p > 100 {
				return models.RepositorySpec{}, fmt.Errorf("priority %d of %s is outside 0-100", p, arg[:idx])
			}
			spec.Path, spec.Priority = arg[:idx], p
		}
	}
	return spec, nil
}

// readRepositoryFile reads one repository per line; blank lines and # comments are ignored.
func readRepositoryFile(path string) ([]models.RepositorySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository list: %w", err)
	}
	var specs []models.RepositorySpec
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		spec, err := parseRepository(line)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func printApplicationResult(result *models.ApplicationResult) {
	title := "Template applied"
	switch {
	case !result.Success:
		title = "Template application failed"
	case result.DryRun:
		title = "Dry run, nothing was written"
	}
	pterm.DefaultSection.Println(title)

	fmt.Printf("Template:   %s\n", result.TemplateName)
	fmt.Printf("Repository: %s\n", result.RepositoryPath)
	if result.BackupID != "" {
		fmt.Printf("Backup:     %s\n", result.BackupID)
	}

	printList("Created", result.FilesCreated)
	printList("Modified", result.FilesModified)
	printList("Unchanged", result.FilesSkipped)
	printList("Conflicts", result.ConflictsDetected)
	printList("Resolved", result.ConflictsResolved)
	for _, w := range result.Warnings {
		pterm.Warning.Println(w)
	}
	for _, e := range result.Errors {
		pterm.Error.Println(e)
	}
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s (%d):\n", title, len(items))
	for _, item := range items {
		fmt.Printf("  - %s\n", item)
	}
}

func printBatchReport(report *models.BatchReport) error {
	pterm.DefaultSection.Printf("Batch %s\n", report.BatchID)
	fmt.Printf("Template:     %s\n", report.TemplateName)
	fmt.Printf("Status:       %s\n", batchStatusText(report.Status))
	fmt.Printf("Created:      %s (%s)\n", report.CreationTime.Format(time.DateTime), humanize.Time(report.CreationTime))
	fmt.Printf("Duration:     %s\n", report.Duration.Round(time.Second))
	fmt.Printf("Success rate: %.1f%%\n", report.SuccessRate)
	fmt.Printf("Files:        %d created, %d modified\n", report.FilesCreated, report.FilesModified)
	if report.BackupBytes > 0 {
		fmt.Printf("Backups:      %s\n", humanize.IBytes(uint64(report.BackupBytes)))
	}
	fmt.Println()

	rows := make([][]string, 0, len(report.Repositories))
	for _, r := range report.Repositories {
		rows = append(rows, []string{
			r.RepositoryPath,
			taskStatusText(r.Status),
			r.Duration.Round(time.Millisecond).String(),
			strconv.Itoa(r.RetryCount),
			strconv.Itoa(r.Conflicts),
			r.Error,
		})
	}
	if err := renderTable([]string{"Repository", "Status", "Duration", "Retries", "Conflicts", "Error"}, rows); err != nil {
		return err
	}

	if len(report.FailureReasons) > 0 {
		fmt.Println()
		pterm.DefaultSection.WithLevel(2).Println("Failure reasons")
		reasons := make([]string, 0, len(report.FailureReasons))
		for reason := range report.FailureReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			pterm.Error.Printf("%s: %s\n", english.Plural(len(report.FailureReasons[reason]), "repository", "repositories"), reason)
		}
	}
	return nil
}

func batchStatusText(s models.BatchStatus) string {
	switch s {
	case models.BatchCompleted:
		return pterm.FgGreen.Sprint(s)
	case models.BatchFailed, models.BatchCancelled:
		return pterm.FgRed.Sprint(s)
	case models.BatchPaused:
		return pterm.FgYellow.Sprint(s)
	default:
		return pterm.FgCyan.Sprint(s)
	}
}

func taskStatusText(s models.TaskStatus) string {
	switch s {
	case models.TaskCompleted:
		return pterm.FgGreen.Sprint(s)
	case models.TaskFailed:
		return pterm.FgRed.Sprint(s)
	case models.TaskConflicted, models.TaskSkipped:
		return pterm.FgYellow.Sprint(s)
	default:
		return pterm.FgGray.Sprint(s)
	}
}
