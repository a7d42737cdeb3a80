package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	backupRepo        string
	backupType        string
	backupCompression string
	backupTemplate    string
	backupRetention   int
	backupPatterns    []string
	backupExclude     []string
	backupTags        []string
	backupDescription string
	backupID          string
	backupTarget      string
	backupFiles       []string
	backupForce       bool
	backupOutputFmt   string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, inspect and restore repository backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up a repository",
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE:  runBackupList,
}

var backupValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Verify a backup's archive and hash",
	RunE:  runBackupValidate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup into a directory",
	RunE:  runBackupRestore,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a backup",
	RunE:  runBackupDelete,
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups past their retention deadline",
	RunE:  runBackupCleanup,
}

func init() {
	backupCreateCmd.Flags().StringVarP(&backupRepo, "repository", "r", ".", "repository to back up")
	backupCreateCmd.Flags().StringVar(&backupType, "type", string(models.BackupFull), "backup type (full, incremental, snapshot, selective)")
	backupCreateCmd.Flags().StringVar(&backupCompression, "compression", "", "archive format (gzip or zip, default from config)")
	backupCreateCmd.Flags().StringVar(&backupTemplate, "template", "", "template name recorded in the metadata")
	backupCreateCmd.Flags().IntVar(&backupRetention, "retention-days", -1, "retention in days (default from config)")
	backupCreateCmd.Flags().StringArrayVar(&backupPatterns, "pattern", nil, "glob for selective backups (repeatable)")
	backupCreateCmd.Flags().StringArrayVar(&backupExclude, "exclude", nil, "extra exclude glob (repeatable)")
	backupCreateCmd.Flags().StringSliceVar(&backupTags, "tags", nil, "tags recorded in the metadata")
	backupCreateCmd.Flags().StringVar(&backupDescription, "description", "", "free-form description")

	backupListCmd.Flags().StringVarP(&backupRepo, "repository", "r", "", "only list backups of this repository")
	backupListCmd.Flags().StringVarP(&backupOutputFmt, "output", "o", "text", "output format (text or json)")

	backupValidateCmd.Flags().StringVar(&backupID, "backup-id", "", "backup to validate")
	_ = backupValidateCmd.MarkFlagRequired("backup-id")

	backupRestoreCmd.Flags().StringVar(&backupID, "backup-id", "", "backup to restore")
	backupRestoreCmd.Flags().StringVar(&backupTarget, "target", "", "restore destination (defaults to the original path)")
	backupRestoreCmd.Flags().StringArrayVar(&backupFiles, "file", nil, "restore only this archive member (repeatable)")
	backupRestoreCmd.Flags().BoolVar(&backupForce, "force", false, "overwrite existing files")
	_ = backupRestoreCmd.MarkFlagRequired("backup-id")

	backupDeleteCmd.Flags().StringVar(&backupID, "backup-id", "", "backup to delete")
	backupDeleteCmd.Flags().BoolVar(&backupForce, "force", false, "delete even if retention has not expired")
	_ = backupDeleteCmd.MarkFlagRequired("backup-id")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupValidateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupCleanupCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	typ, err := models.ParseBackupType(backupType)
	if err != nil {
		log.Error().Err(err).Msg("invalid backup type")
		return err
	}

	opts := models.BackupOptions{
		RepositoryPath: backupRepo,
		Type:           typ,
		TemplateName:   backupTemplate,
		Exclude:        backupExclude,
		Patterns:       backupPatterns,
		Tags:           backupTags,
		Description:    backupDescription,
	}
	if backupCompression != "" {
		if opts.Compression, err = models.ParseCompression(backupCompression); err != nil {
			log.Error().Err(err).Msg("invalid compression")
			return err
		}
	}
	if cmd.Flags().Changed("retention-days") {
		if backupRetention < 0 {
			return fmt.Errorf("retention-days must not be negative")
		}
		opts.RetentionDays = &backupRetention
	}

	spinner, _ := pterm.DefaultSpinner.Start("Creating backup of " + backupRepo)
	meta, err := svc.backups.CreateBackup(context.Background(), opts)
	if err != nil {
		if spinner != nil {
			spinner.Fail("Backup failed")
		}
		log.Error().Err(err).Str("repository", backupRepo).Msg("backup failed")
		return err
	}
	if spinner != nil {
		spinner.Success("Backup created")
	}

	fmt.Printf("ID:        %s\n", meta.BackupID)
	fmt.Printf("Archive:   %s\n", meta.BackupPath)
	fmt.Printf("Type:      %s (%s)\n", meta.BackupType, meta.Compression)
	fmt.Printf("Files:     %s\n", humanize.Comma(int64(meta.FileCount)))
	fmt.Printf("Size:      %s\n", humanize.IBytes(uint64(meta.TotalSize)))
	fmt.Printf("Encrypted: %v\n", meta.Encrypted)
	if meta.RetentionUntil != nil {
		fmt.Printf("Keep until %s\n", meta.RetentionUntil.Format(time.DateOnly))
	}
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	backups, err := svc.backups.ListBackups(backupRepo)
	if err != nil {
		log.Error().Err(err).Msg("failed to list backups")
		return err
	}

	if backupOutputFmt == "json" {
		return writeJSON(backups)
	}
	if len(backups) == 0 {
		pterm.Info.Println("No backups found")
		return nil
	}

	rows := make([][]string, 0, len(backups))
	for _, b := range backups {
		retention := "-"
		if b.RetentionUntil != nil {
			retention = b.RetentionUntil.Format(time.DateOnly)
		}
		rows = append(rows, []string{
			b.BackupID,
			string(b.BackupType),
			humanize.Time(b.CreationTime),
			strconv.Itoa(b.FileCount),
			humanize.IBytes(uint64(b.TotalSize)),
			retention,
			b.TemplateName,
		})
	}
	return renderTable([]string{"ID", "Type", "Created", "Files", "Size", "Keep until", "Template"}, rows)
}

func runBackupValidate(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	v := svc.backups.ValidateBackup(backupID)
	for _, w := range v.Warnings {
		pterm.Warning.Println(w)
	}
	for _, e := range v.Errors {
		pterm.Error.Println(e)
	}

	if !v.IsValid {
		err := fmt.Errorf("backup %s is invalid", backupID)
		log.Error().Err(err).Msg("backup validation failed")
		return err
	}

	pterm.Success.Printf("Backup %s is valid (%d members)\n", backupID, v.MemberCount)
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	res, err := svc.backups.RestoreBackup(context.Background(), models.RestoreOptions{
		BackupID:       backupID,
		TargetPath:     backupTarget,
		Force:          backupForce,
		SelectiveFiles: backupFiles,
	})
	if err != nil {
		log.Error().Err(err).Str("backup_id", backupID).Msg("restore failed")
		return err
	}

	fmt.Printf("Restored %d files into %s\n", len(res.RestoredFiles), res.TargetPath)
	if len(res.SkippedFiles) > 0 {
		fmt.Printf("Skipped %d existing files (use --force to overwrite)\n", len(res.SkippedFiles))
	}
	for _, w := range res.Warnings {
		pterm.Warning.Println(w)
	}

	if !res.Success {
		failed := make([]string, 0, len(res.FailedFiles))
		for name, reason := range res.FailedFiles {
			failed = append(failed, name+": "+reason)
		}
		sort.Strings(failed)
		for _, f := range failed {
			pterm.Error.Println(f)
		}
		for _, e := range res.Errors {
			pterm.Error.Println(e)
		}
		err := fmt.Errorf("restore of %s incomplete: %s", backupID, strings.Join(res.Errors, "; "))
		log.Error().Err(err).Int("failed", len(res.FailedFiles)).Msg("restore failed")
		return err
	}
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	if err := svc.backups.DeleteBackup(backupID, backupForce); err != nil {
		log.Error().Err(err).Str("backup_id", backupID).Msg("failed to delete backup")
		return err
	}
	pterm.Success.Printf("Backup %s deleted\n", backupID)
	return nil
}

func runBackupCleanup(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return err
	}

	deleted, err := svc.backups.CleanupExpiredBackups()
	pterm.Info.Printf("Deleted %s\n", english.Plural(deleted, "expired backup", "expired backups"))
	if err != nil {
		log.Error().Err(err).Msg("some expired backups could not be deleted")
		return err
	}
	return nil
}
