package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	templateName      string
	templateRepo      string
	templateVars      []string
	templateDryRun    bool
	templateForce     bool
	templateNoBackup  bool
	templateInteract  bool
	templateOutputFmt string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Apply, list and validate templates",
}

var templateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a template to one repository",
	Long: `Apply a template to one repository:
1. Back up the repository (unless --no-backup or --dry-run)
2. Create missing files and directories
3. Merge existing files with the configured strategy
4. Resolve conflicts automatically or interactively
5. Check the template's validation rules`,
	RunE: runTemplateApply,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed templates",
	RunE:  runTemplateList,
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a template directory for problems",
	RunE:  runTemplateValidate,
}

func init() {
	templateApplyCmd.Flags().StringVarP(&templateName, "template", "t", "", "template name")
	templateApplyCmd.Flags().StringVarP(&templateRepo, "repository", "r", ".", "target repository path")
	templateApplyCmd.Flags().StringArrayVar(&templateVars, "variables", nil, "template variable as key=value (repeatable)")
	templateApplyCmd.Flags().BoolVar(&templateDryRun, "dry-run", false, "report what would change without writing")
	templateApplyCmd.Flags().BoolVar(&templateForce, "force", false, "overwrite existing files instead of merging")
	templateApplyCmd.Flags().BoolVar(&templateNoBackup, "no-backup", false, "skip the pre-apply backup")
	templateApplyCmd.Flags().BoolVarP(&templateInteract, "interactive", "i", false, "prompt for every conflict")
	templateApplyCmd.Flags().StringVarP(&templateOutputFmt, "output", "o", "text", "output format (text or json)")
	_ = templateApplyCmd.MarkFlagRequired("template")

	templateListCmd.Flags().StringVarP(&templateOutputFmt, "output", "o", "text", "output format (text or json)")

	templateValidateCmd.Flags().StringVarP(&templateName, "template", "t", "", "template name")
	_ = templateValidateCmd.MarkFlagRequired("template")

	templateCmd.AddCommand(templateApplyCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateValidateCmd)
}

func runTemplateApply(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	vars, err := parseVariables(templateVars)
	if err != nil {
		log.Error().Err(err).Msg("invalid variables")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	result, _ := svc.applicator.ApplyTemplate(ctx, models.ApplyRequest{
		TemplateName:   templateName,
		RepositoryPath: templateRepo,
		Variables:      vars,
		DryRun:         templateDryRun,
		Force:          templateForce,
		SkipBackup:     templateNoBackup,
		Interactive:    interactiveAllowed(templateInteract || svc.cfg.Conflicts.Interactive),
	})

	if templateOutputFmt == "json" {
		if err := writeJSON(result); err != nil {
			return err
		}
	} else {
		printApplicationResult(result)
	}

	if !result.Success {
		err := fmt.Errorf("applying %s to %s failed", result.TemplateName, result.RepositoryPath)
		log.Error().Err(err).Strs("errors", result.Errors).Msg("template application failed")
		return err
	}

	log.Info().
		Str("template", result.TemplateName).
		Int("created", len(result.FilesCreated)).
		Int("modified", len(result.FilesModified)).
		Msg("template applied successfully")
	return nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	templates, err := svc.applicator.ListTemplates()
	if err != nil {
		log.Error().Err(err).Str("dir", svc.cfg.Paths.Templates).Msg("failed to list templates")
		return err
	}

	if templateOutputFmt == "json" {
		return writeJSON(templates)
	}

	if len(templates) == 0 {
		pterm.Info.Printf("No templates found in %s\n", svc.cfg.Paths.Templates)
		return nil
	}

	rows := make([][]string, 0, len(templates))
	for _, t := range templates {
		rows = append(rows, []string{t.Name, t.Version, strconv.Itoa(t.FileCount), t.Description})
	}
	return renderTable([]string{"Name", "Version", "Files", "Description"}, rows)
}

func runTemplateValidate(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	v := svc.applicator.ValidateTemplate(templateName)
	for _, w := range v.Warnings {
		pterm.Warning.Println(w)
	}
	for _, e := range v.Errors {
		pterm.Error.Println(e)
	}

	if !v.Valid {
		err := fmt.Errorf("template %s is invalid", templateName)
		log.Error().Err(err).Int("errors", len(v.Errors)).Msg("template validation failed")
		return err
	}

	pterm.Success.Printf("Template %s is valid\n", templateName)
	return nil
}
