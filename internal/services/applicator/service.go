// Package applicator applies one template to one repository: it loads the
// manifest, takes a backup, merges every template file and validates the result.
package applicator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/repo-templater/internal/merge"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/fgeck/repo-templater/internal/services/backup"
	"github.com/fgeck/repo-templater/internal/services/conflict"
	"github.com/fgeck/repo-templater/internal/services/gitinfo"
	"github.com/fgeck/repo-templater/internal/services/template"
	"github.com/rs/zerolog"
)

// ErrUnsafePath is reported for validation rules that point outside the repository.
var ErrUnsafePath = errors.New("path escapes the repository")

// standardVariables are always set by the applicator and override any other source.
var standardVariables = []string{"projectName", "projectPath", "timestamp", "templateName", "templateVersion"}

// Service defines the interface for template application.
type Service interface {
	ApplyTemplate(ctx context.Context, req models.ApplyRequest) (*models.ApplicationResult, error)
	ListTemplates() ([]models.TemplateInfo, error)
	ValidateTemplate(name string) *models.TemplateValidation
}

// Impl implements the applicator Service interface.
type Impl struct {
	templates template.Service
	backups   backup.Service
	conflicts conflict.Service
	git       gitinfo.Service
	settings  models.GitSettings
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a new applicator from its collaborators.
func New(
	logger zerolog.Logger,
	templates template.Service,
	backups backup.Service,
	conflicts conflict.Service,
	git gitinfo.Service,
	settings models.GitSettings,
) *Impl {
	return &Impl{
		templates: templates,
		backups:   backups,
		conflicts: conflicts,
		git:       git,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// ApplyTemplate applies req.TemplateName to req.RepositoryPath. Problems are
// collected in the result; the returned error is always nil and exists for
// callers that treat the applicator as a fallible step.
func (s *Impl) ApplyTemplate(ctx context.Context, req models.ApplyRequest) (result *models.ApplicationResult, err error) {
	result = &models.ApplicationResult{
		TemplateName:   req.TemplateName,
		RepositoryPath: req.RepositoryPath,
		Timestamp:      s.now(),
		DryRun:         req.DryRun,
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("repository", req.RepositoryPath).Msg("template application panicked")
			result.Errors = append(result.Errors, fmt.Sprintf("unexpected error: %v", r))
			result.Success = false
			err = nil
		}
	}()

	log := s.logger.With().Str("template", req.TemplateName).Str("repository", req.RepositoryPath).Logger()
	log.Info().Bool("dry_run", req.DryRun).Bool("force", req.Force).Msg("applying template")

	// Step 1: Load template config
	cfg, loadErr := s.templates.LoadTemplateConfig(req.TemplateName)
	if loadErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to load template: %v", loadErr))
		return result, nil
	}

	repoPath, absErr := filepath.Abs(req.RepositoryPath)
	if absErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("invalid repository path: %v", absErr))
		return result, nil
	}
	result.RepositoryPath = repoPath
	if info, statErr := os.Stat(repoPath); statErr != nil || !info.IsDir() {
		result.Errors = append(result.Errors, fmt.Sprintf("repository %s is not a directory", repoPath))
		return result, nil
	}

	// Step 2: Variables
	variables := s.buildVariables(cfg, req, repoPath, result)

	// Step 3: Backup
	if !req.DryRun && !req.SkipBackup {
		meta, backupErr := s.backups.CreateBackup(ctx, models.BackupOptions{
			RepositoryPath: repoPath,
			Type:           models.BackupFull,
			TemplateName:   req.TemplateName,
			Description:    "before applying template " + req.TemplateName,
		})
		if backupErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("backup failed: %v", backupErr))
			return result, nil
		}
		result.BackupID = meta.BackupID
		result.BackupPath = meta.BackupPath
	}

	// Step 4: Walk template files
	files, walkErr := s.templates.TemplateFiles(req.TemplateName)
	if walkErr != nil {
		result.Errors = append(result.Errors, walkErr.Error())
		return result, nil
	}

	planned := map[string]bool{}
	for _, rel := range files {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("application interrupted: %v", ctxErr))
			break
		}
		s.applyFile(ctx, cfg, req, variables, repoPath, rel, result)
		planned[rel] = true
	}

	// Step 5: Validation rules
	s.validate(cfg, repoPath, req.DryRun, planned, result)

	// Step 6: Result
	result.Success = len(result.Errors) == 0

	log.Info().
		Bool("success", result.Success).
		Int("created", len(result.FilesCreated)).
		Int("modified", len(result.FilesModified)).
		Int("skipped", len(result.FilesSkipped)).
		Int("conflicts", len(result.ConflictsDetected)).
		Int("errors", len(result.Errors)).
		Msg("template applied")

	return result, nil
}

// buildVariables layers template defaults < git variables < caller variables < standard variables.
func (s *Impl) buildVariables(cfg *models.TemplateConfig, req models.ApplyRequest, repoPath string, result *models.ApplicationResult) map[string]string {
	vars := make(map[string]string, len(cfg.Variables)+len(req.Variables)+8)
	for k, v := range cfg.Variables {
		vars[k] = v
	}

	info, err := s.git.Inspect(repoPath)
	switch {
	case err == nil:
		setIfNotEmpty(vars, "gitBranch", info.Branch)
		setIfNotEmpty(vars, "gitCommit", info.Commit)
		setIfNotEmpty(vars, "gitRemote", info.RemoteURL)
		if !info.Clean && s.settings.WarnDirty {
			result.Warnings = append(result.Warnings, "repository has uncommitted changes")
		}
	case errors.Is(err, gitinfo.ErrNotRepository):
		s.logger.Debug().Str("repository", repoPath).Msg("not a git repository, skipping git variables")
	default:
		result.Warnings = append(result.Warnings, fmt.Sprintf("git inspection failed: %v", err))
	}

	for k, v := range req.Variables {
		vars[k] = v
	}

	vars["projectName"] = filepath.Base(repoPath)
	vars["projectPath"] = repoPath
	vars["timestamp"] = result.Timestamp.Format(time.RFC3339)
	vars["templateName"] = req.TemplateName
	vars["templateVersion"] = cfg.Version
	return vars
}

func setIfNotEmpty(vars map[string]string, key, value string) {
	if value != "" {
		vars[key] = value
	}
}

func (s *Impl) applyFile(
	ctx context.Context,
	cfg *models.TemplateConfig,
	req models.ApplyRequest,
	variables map[string]string,
	repoPath, rel string,
	result *models.ApplicationResult,
) {
	templateFile := filepath.Join(s.templates.TemplatePath(req.TemplateName), filepath.FromSlash(rel))
	target := filepath.Join(repoPath, filepath.FromSlash(rel))
	strategy := s.templates.ResolveStrategy(cfg, rel)

	var detected []string
	for _, reason := range s.templates.DetectConflicts(templateFile, target) {
		detected = append(detected, rel+": "+reason)
	}
	result.ConflictsDetected = append(result.ConflictsDetected, detected...)
	_, statErr := os.Stat(target)
	exists := statErr == nil

	if req.DryRun {
		if exists {
			result.FilesModified = append(result.FilesModified, rel)
		} else {
			result.FilesCreated = append(result.FilesCreated, rel)
		}
		return
	}

	if exists && strategy == models.MergeOverwrite && !req.Force {
		c, err := s.conflicts.AnalyzeFileConflict(templateFile, target)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			return
		}
		if c != nil && !c.AutoResolvable {
			s.resolve(ctx, c, req, variables, repoPath, rel, detected, result)
			return
		}
	}

	outcome, err := s.templates.ApplyMergeStrategy(templateFile, target, strategy, variables)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
		return
	}

	switch {
	case outcome.Created:
		result.FilesCreated = append(result.FilesCreated, rel)
	case outcome.Changed:
		result.FilesModified = append(result.FilesModified, rel)
	default:
		result.FilesSkipped = append(result.FilesSkipped, rel)
	}
	for _, soft := range outcome.Conflicts {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: overwrote %s", rel, soft))
	}
	result.ConflictsResolved = append(result.ConflictsResolved, detected...)
}

// resolve hands a conflict the merge strategy cannot safely settle to the
// conflict resolver and writes whatever content it produces.
func (s *Impl) resolve(
	ctx context.Context,
	c *models.ConflictDetail,
	req models.ApplyRequest,
	variables map[string]string,
	repoPath, rel string,
	detected []string,
	result *models.ApplicationResult,
) {
	res := s.conflicts.ResolveConflict(ctx, c, variables, req.Interactive)
	if !res.Success {
		result.FilesSkipped = append(result.FilesSkipped, rel)
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: unresolved %s conflict: %s", rel, c.Severity, res.Message))
		return
	}

	if res.MergedContent == nil || res.OutputPath == "" {
		result.FilesSkipped = append(result.FilesSkipped, rel)
	} else {
		if err := writeContent(res.OutputPath, res.MergedContent); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			return
		}
		outRel, err := filepath.Rel(repoPath, res.OutputPath)
		if err != nil {
			outRel = res.OutputPath
		}
		outRel = filepath.ToSlash(outRel)
		if outRel == rel {
			result.FilesModified = append(result.FilesModified, rel)
		} else {
			result.FilesCreated = append(result.FilesCreated, outRel)
		}
	}

	if res.RequiresManualReview {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s, review required", rel, res.Message))
	}
	result.ConflictsResolved = append(result.ConflictsResolved, detected...)
}

func writeContent(path string, content []byte) error {
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("cannot write %s: is a directory", path)
		}
		perm = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// validate checks the manifest's validation rules. In a dry run, files the
// template would create count as present.
func (s *Impl) validate(cfg *models.TemplateConfig, repoPath string, dryRun bool, planned map[string]bool, result *models.ApplicationResult) {
	for _, f := range cfg.ValidationRules.RequiredFiles {
		p, rel, err := within(repoPath, f)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if dryRun && planned[rel] {
			continue
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			result.Errors = append(result.Errors, fmt.Sprintf("required file missing: %s", f))
		}
	}

	for _, d := range cfg.ValidationRules.RequiredDirectories {
		p, rel, err := within(repoPath, d)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if dryRun && plannedUnder(planned, rel) {
			continue
		}
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			result.Errors = append(result.Errors, fmt.Sprintf("required directory missing: %s", d))
		}
	}
}

func within(root, rel string) (string, string, error) {
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	if filepath.IsAbs(rel) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), clean, nil
}

func plannedUnder(planned map[string]bool, dir string) bool {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for rel := range planned {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	return false
}

// ListTemplates returns the installed templates.
func (s *Impl) ListTemplates() ([]models.TemplateInfo, error) {
	return s.templates.ListTemplates()
}

// ValidateTemplate checks a template's manifest against its files.
func (s *Impl) ValidateTemplate(name string) *models.TemplateValidation {
	v := &models.TemplateValidation{}

	cfg, err := s.templates.LoadTemplateConfig(name)
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v
	}

	files, err := s.templates.TemplateFiles(name)
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v
	}
	if len(files) == 0 {
		v.Warnings = append(v.Warnings, "template contains no files")
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	declared := make(map[string]bool, len(cfg.Files))
	for _, f := range cfg.Files {
		declared[filepath.ToSlash(f)] = true
		if !present[filepath.ToSlash(f)] {
			v.Errors = append(v.Errors, fmt.Sprintf("declared file missing from template: %s", f))
		}
	}
	if len(cfg.Files) > 0 {
		for _, f := range files {
			if !declared[f] {
				v.Warnings = append(v.Warnings, fmt.Sprintf("file not listed in manifest: %s", f))
			}
		}
	}

	root := s.templates.TemplatePath(name)
	for _, d := range cfg.Directories {
		if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(d))); err != nil || !info.IsDir() {
			v.Errors = append(v.Errors, fmt.Sprintf("declared directory missing from template: %s", d))
		}
	}

	for key := range cfg.MergeStrategies {
		if strings.Contains(key, "/") && !present[key] {
			v.Warnings = append(v.Warnings, fmt.Sprintf("merge strategy override for %s matches no file", key))
		}
	}

	known := map[string]bool{"gitBranch": true, "gitCommit": true, "gitRemote": true}
	for _, k := range standardVariables {
		known[k] = true
	}
	for k := range cfg.Variables {
		known[k] = true
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f))) //nolint:gosec // path from template walk
		if err != nil {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		for _, name := range merge.Placeholders(string(data)) {
			if !known[name] {
				v.Warnings = append(v.Warnings, fmt.Sprintf("%s uses undeclared variable %q", f, name))
			}
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}
