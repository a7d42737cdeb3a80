package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	conflictTemplateFile string
	conflictExistingFile string
	conflictVars         []string
	conflictResolve      bool
	conflictInteractive  bool
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect and resolve file conflicts",
}

var conflictAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Compare a template file with an existing file",
	Long: `Compare a template file with an existing file and report the conflict,
its severity and the suggested resolution. With --resolve the suggested
(or, with --interactive, the chosen) strategy is applied to the existing file.`,
	RunE: runConflictAnalyze,
}

func init() {
	conflictAnalyzeCmd.Flags().StringVar(&conflictTemplateFile, "template", "", "template file")
	conflictAnalyzeCmd.Flags().StringVar(&conflictExistingFile, "existing", "", "existing file in the repository")
	conflictAnalyzeCmd.Flags().StringArrayVar(&conflictVars, "variables", nil, "template variable as key=value (repeatable)")
	conflictAnalyzeCmd.Flags().BoolVar(&conflictResolve, "resolve", false, "apply the resolution")
	conflictAnalyzeCmd.Flags().BoolVarP(&conflictInteractive, "interactive", "i", false, "choose the strategy interactively")
	_ = conflictAnalyzeCmd.MarkFlagRequired("template")
	_ = conflictAnalyzeCmd.MarkFlagRequired("existing")

	conflictCmd.AddCommand(conflictAnalyzeCmd)
}

func runConflictAnalyze(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	detail, err := svc.conflicts.AnalyzeFileConflict(conflictTemplateFile, conflictExistingFile)
	if err != nil {
		log.Error().Err(err).Str("template", conflictTemplateFile).Msg("failed to analyze conflict")
		return err
	}
	if detail == nil {
		pterm.Success.Println("No conflict")
		return nil
	}

	printConflict(detail)

	if !conflictResolve && !conflictInteractive {
		return nil
	}

	vars, err := parseVariables(conflictVars)
	if err != nil {
		log.Error().Err(err).Msg("invalid variables")
		return err
	}

	res := svc.conflicts.ResolveConflict(context.Background(), detail, vars, interactiveAllowed(conflictInteractive))
	if res.MergedContent != nil && res.OutputPath != "" {
		if err := writeResolved(res.OutputPath, res.MergedContent); err != nil {
			log.Error().Err(err).Str("file", res.OutputPath).Msg("failed to write resolution")
			return err
		}
	}

	for _, soft := range res.SoftConflicts {
		pterm.Warning.Println(soft)
	}
	if !res.Success {
		err := fmt.Errorf("resolution with %s failed: %s", res.StrategyUsed, res.Message)
		log.Error().Err(err).Bool("manual_review", res.RequiresManualReview).Msg("conflict not resolved")
		return err
	}

	pterm.Success.Printf("%s (%s)\n", res.Message, res.ActionTaken)
	return nil
}

func printConflict(c *models.ConflictDetail) {
	pterm.DefaultSection.Println("Conflict")
	fmt.Printf("Type:       %s\n", c.Type)
	fmt.Printf("Severity:   %s\n", severityText(c.Severity))
	fmt.Printf("Existing:   %s\n", c.ExistingFile)
	fmt.Printf("Template:   %s\n", c.TemplateFile)
	fmt.Printf("Details:    %s\n", c.Description)
	fmt.Printf("Suggested:  %s\n", c.SuggestedStrategy.Label())
	fmt.Printf("Automatic:  %v\n", c.AutoResolvable)

	if len(c.Options) > 0 {
		opts := make([]string, 0, len(c.Options))
		for _, o := range c.Options {
			opts = append(opts, string(o))
		}
		fmt.Printf("Options:    %s\n", strings.Join(opts, ", "))
	}
}

func severityText(s models.Severity) string {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return pterm.FgRed.Sprint(s)
	case models.SeverityMedium:
		return pterm.FgYellow.Sprint(s)
	default:
		return pterm.FgGreen.Sprint(s)
	}
}

func writeResolved(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, content, mode)
}
