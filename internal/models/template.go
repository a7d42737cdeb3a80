package models

import (
	"fmt"
	"time"
)

// MergeStrategy names how a template file is combined with an existing file.
type MergeStrategy string

// Merge strategies.
const (
	MergeOverwrite   MergeStrategy = "overwrite"
	MergeAppend      MergeStrategy = "append"
	MergeJSON        MergeStrategy = "merge_json"
	MergePackageJSON MergeStrategy = "merge_package_json"
	MergeReadme      MergeStrategy = "merge_readme"
	MergeLines       MergeStrategy = "merge_lines"
	MergeYAML        MergeStrategy = "merge_yaml"
	MergeTOML        MergeStrategy = "merge_toml"
)

// MergeStrategies lists every known strategy.
var MergeStrategies = []MergeStrategy{
	MergeOverwrite, MergeAppend, MergeJSON, MergePackageJSON,
	MergeReadme, MergeLines, MergeYAML, MergeTOML,
}

// ParseMergeStrategy validates a strategy name.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	for _, known := range MergeStrategies {
		if string(known) == s {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// TemplateManifestFile is the manifest file name inside a template directory.
const TemplateManifestFile = "template.json"

// ValidationRules are checked against the repository after application.
type ValidationRules struct {
	RequiredFiles       []string `json:"required_files,omitempty"`
	RequiredDirectories []string `json:"required_directories,omitempty"`
}

// TemplateConfig is the declarative descriptor loaded from template.json.
type TemplateConfig struct {
	Name            string            `json:"name" validate:"required"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Variables       map[string]string `json:"variables"`
	Files           []string          `json:"files"`
	Directories     []string          `json:"directories"`
	MergeStrategies map[string]string `json:"merge_strategies"`
	ValidationRules ValidationRules   `json:"validation_rules"`
}

// ApplyRequest describes one template application.
type ApplyRequest struct {
	TemplateName   string
	RepositoryPath string
	Variables      map[string]string
	DryRun         bool
	Force          bool
	SkipBackup     bool // the caller already took a backup
	Interactive    bool
}

// ApplicationResult is the outcome of applying one template to one repository.
type ApplicationResult struct {
	Success           bool      `json:"success"`
	TemplateName      string    `json:"template_name"`
	RepositoryPath    string    `json:"repository_path"`
	FilesCreated      []string  `json:"files_created"`
	FilesModified     []string  `json:"files_modified"`
	FilesSkipped      []string  `json:"files_skipped,omitempty"`
	ConflictsDetected []string  `json:"conflicts_detected"`
	ConflictsResolved []string  `json:"conflicts_resolved"`
	Errors            []string  `json:"errors"`
	Warnings          []string  `json:"warnings"`
	BackupPath        string    `json:"backup_path,omitempty"`
	BackupID          string    `json:"backup_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	DryRun            bool      `json:"dry_run"`
}

// UnresolvedConflicts returns how many detected conflicts were not resolved.
func (r *ApplicationResult) UnresolvedConflicts() int {
	n := len(r.ConflictsDetected) - len(r.ConflictsResolved)
	if n < 0 {
		return 0
	}
	return n
}

// MergeOutcome reports what a single merge strategy did on disk.
type MergeOutcome struct {
	Created   bool
	Changed   bool
	Conflicts []string
}

// TemplateInfo summarizes an installed template.
type TemplateInfo struct {
	Name        string
	Version     string
	Description string
	Path        string
	FileCount   int
}

// TemplateValidation reports problems found in a template directory.
type TemplateValidation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}
