package conflict

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/repo-templater/internal/merge"
	"github.com/fgeck/repo-templater/internal/models"
)

// Actions reported in ResolutionResult.ActionTaken.
const (
	ActionMerged          = "merged"
	ActionReplaced        = "replaced"
	ActionBackedUp        = "backed_up_and_replaced"
	ActionKeptExisting    = "kept_existing"
	ActionSideBySide      = "written_side_by_side"
	ActionSkipped         = "skipped"
	ActionManualRequired  = "manual_review_required"
	ActionResolutionError = "error"
)

// SideBySideSuffix is appended to the existing path for side-by-side copies.
const SideBySideSuffix = ".template"

// ResolveConflict executes a resolution strategy for one conflict. It never
// writes the conflicting file itself; the caller writes MergedContent to
// OutputPath when it is non-nil.
func (s *Impl) ResolveConflict(
	ctx context.Context,
	c *models.ConflictDetail,
	variables map[string]string,
	interactive bool,
) *models.ResolutionResult {
	if err := ctx.Err(); err != nil {
		return failed(c.SuggestedStrategy, err.Error(), false)
	}

	s.logger.Debug().
		Str("type", string(c.Type)).
		Str("severity", string(c.Severity)).
		Str("strategy", string(c.SuggestedStrategy)).
		Bool("interactive", interactive).
		Str("file", c.ExistingFile).
		Msg("resolving conflict")

	if c.AutoResolvable && !interactive {
		return s.autoResolve(c, variables)
	}

	if interactive {
		choice, err := s.prompt(c)
		if err != nil {
			return failed(models.StrategyUserDecision, err.Error(), true)
		}
		return s.execute(c, choice, variables)
	}

	return s.execute(c, c.SuggestedStrategy, variables)
}

func (s *Impl) autoResolve(c *models.ConflictDetail, variables map[string]string) *models.ResolutionResult {
	if c.SuggestedStrategy == models.StrategyTemplateWins {
		return s.execute(c, models.StrategyTemplateWins, variables)
	}
	return s.execute(c, models.StrategyAutoMerge, variables)
}

func (s *Impl) execute(c *models.ConflictDetail, strategy models.ResolutionStrategy, variables map[string]string) *models.ResolutionResult {
	switch strategy {
	case models.StrategyAutoMerge:
		return s.autoMerge(c, variables)

	case models.StrategyTemplateWins:
		content, err := readTemplate(c.TemplateFile, variables)
		if err != nil {
			return failed(strategy, err.Error(), true)
		}
		return &models.ResolutionResult{
			Success:       true,
			StrategyUsed:  strategy,
			ActionTaken:   ActionReplaced,
			Message:       fmt.Sprintf("%s replaced with template version", c.ExistingFile),
			MergedContent: content,
			OutputPath:    c.ExistingFile,
		}

	case models.StrategyBackupAndReplace:
		content, err := readTemplate(c.TemplateFile, variables)
		if err != nil {
			return failed(strategy, err.Error(), true)
		}
		backupPath, err := backupFile(c.ExistingFile)
		if err != nil {
			return failed(strategy, err.Error(), true)
		}
		return &models.ResolutionResult{
			Success:       true,
			StrategyUsed:  strategy,
			ActionTaken:   ActionBackedUp,
			Message:       fmt.Sprintf("existing file saved as %s", backupPath),
			BackupID:      filepath.Base(backupPath),
			MergedContent: content,
			OutputPath:    c.ExistingFile,
		}

	case models.StrategySideBySide:
		content, err := readTemplate(c.TemplateFile, variables)
		if err != nil {
			return failed(strategy, err.Error(), true)
		}
		out := c.ExistingFile + SideBySideSuffix
		return &models.ResolutionResult{
			Success:              true,
			StrategyUsed:         strategy,
			ActionTaken:          ActionSideBySide,
			Message:              fmt.Sprintf("template version written to %s for review", out),
			MergedContent:        content,
			OutputPath:           out,
			RequiresManualReview: true,
		}

	case models.StrategyExistingWins:
		return &models.ResolutionResult{
			Success:      true,
			StrategyUsed: strategy,
			ActionTaken:  ActionKeptExisting,
			Message:      fmt.Sprintf("%s left unchanged", c.ExistingFile),
		}

	case models.StrategySkip:
		return &models.ResolutionResult{
			Success:      true,
			StrategyUsed: strategy,
			ActionTaken:  ActionSkipped,
			Message:      "conflict skipped",
		}

	case models.StrategyManualMerge, models.StrategyUserDecision:
		return failed(strategy, fmt.Sprintf("%s requires a manual decision", c.ExistingFile), true)
	}

	return failed(strategy, fmt.Sprintf("unsupported resolution strategy %q", strategy), true)
}

func (s *Impl) autoMerge(c *models.ConflictDetail, variables map[string]string) *models.ResolutionResult {
	strategy := models.StrategyAutoMerge

	tpl, err := readTemplate(c.TemplateFile, variables)
	if err != nil {
		return failed(strategy, err.Error(), true)
	}
	existing, err := os.ReadFile(c.ExistingFile)
	if err != nil {
		return failed(strategy, fmt.Sprintf("failed to read existing file: %v", err), true)
	}

	result := &models.ResolutionResult{
		Success:      true,
		StrategyUsed: strategy,
		ActionTaken:  ActionMerged,
		OutputPath:   c.ExistingFile,
	}

	mergeType := c.Metadata[models.MetaMergeType]
	switch {
	case c.Type == models.ConflictDependency && mergeType == models.MergeTypePackageJSON:
		merged, soft, err := merge.MergePackageJSON(existing, tpl)
		if err != nil {
			return failed(strategy, err.Error(), true)
		}
		result.MergedContent = merged
		result.SoftConflicts = soft
		result.Message = fmt.Sprintf("package.json merged, %d key(s) overwritten", len(soft))
		return result

	case c.Type == models.ConflictContent:
		merged, err := mergeByType(mergeType, existing, tpl)
		if err != nil {
			return failed(strategy, err.Error(), true)
		}
		result.MergedContent = merged
		result.Message = fmt.Sprintf("%s merged as %s", filepath.Base(c.ExistingFile), displayType(mergeType))
		return result
	}

	return failed(strategy, fmt.Sprintf("no automatic merge for %s conflicts", c.Type), true)
}

func mergeByType(mergeType string, existing, tpl []byte) ([]byte, error) {
	switch mergeType {
	case ".json":
		return merge.MergeJSON(existing, tpl)
	case ".yml", ".yaml":
		return merge.MergeYAML(existing, tpl)
	case ".md":
		return []byte(merge.MergeReadme(string(existing), string(tpl))), nil
	case ".gitignore", ".dockerignore":
		return []byte(merge.MergeLines(string(existing), string(tpl))), nil
	default:
		return []byte(merge.Append(string(existing), string(tpl))), nil
	}
}

func displayType(mergeType string) string {
	if mergeType == "" {
		return "text"
	}
	return mergeType
}

// prompt asks the user to pick one option. Invalid input re-prompts until a
// number in range or "s" is entered; closed input ends the prompt.
func (s *Impl) prompt(c *models.ConflictDetail) (models.ResolutionStrategy, error) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	options := c.Options
	if len(options) == 0 {
		options = defaultOptions(c)
	}

	_, _ = fmt.Fprintf(s.out, "\nConflict [%s/%s]: %s\n", c.Severity, c.Type, c.Description)
	if c.TemplateFile != "" {
		_, _ = fmt.Fprintf(s.out, "  template: %s\n", c.TemplateFile)
	}
	if c.ExistingFile != "" {
		_, _ = fmt.Fprintf(s.out, "  existing: %s\n", c.ExistingFile)
	}
	if c.UserPrompt != "" {
		_, _ = fmt.Fprintln(s.out, c.UserPrompt)
	}
	for i, opt := range options {
		_, _ = fmt.Fprintf(s.out, "  %d) %s\n", i+1, opt.Label())
	}
	_, _ = fmt.Fprintln(s.out, "  s) Skip")

	scanner := bufio.NewScanner(s.in)
	for {
		_, _ = fmt.Fprint(s.out, "Choice: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", fmt.Errorf("failed to read choice: %w", err)
			}
			return "", fmt.Errorf("no choice made for %s: input closed", c.ExistingFile)
		}
		answer := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(answer, "s") {
			return models.StrategySkip, nil
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		_, _ = fmt.Fprintf(s.out, "Please enter a number between 1 and %d, or s to skip.\n", len(options))
	}
}

func defaultOptions(c *models.ConflictDetail) []models.ResolutionStrategy {
	var opts []models.ResolutionStrategy
	if c.Type == models.ConflictContent || c.Type == models.ConflictDependency {
		opts = append(opts, models.StrategyAutoMerge)
	}
	return append(opts,
		models.StrategyTemplateWins,
		models.StrategyExistingWins,
		models.StrategyBackupAndReplace,
		models.StrategySideBySide,
	)
}

func readTemplate(path string, variables map[string]string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the template walk
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return []byte(merge.Substitute(string(data), variables)), nil
}

func backupFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is the conflicting repository file
	if err != nil {
		return "", fmt.Errorf("failed to read %s for backup: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	backupPath := fmt.Sprintf("%s.bak.%s", path, time.Now().Format("20060102_150405"))
	if err := os.WriteFile(backupPath, data, info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}
	return backupPath, nil
}

func failed(strategy models.ResolutionStrategy, msg string, review bool) *models.ResolutionResult {
	action := ActionResolutionError
	if review {
		action = ActionManualRequired
	}
	return &models.ResolutionResult{
		Success:              false,
		StrategyUsed:         strategy,
		ActionTaken:          action,
		Message:              msg,
		RequiresManualReview: review,
	}
}
