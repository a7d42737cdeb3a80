// Package conflict classifies and resolves collisions between template files
// and files already present in a repository.
package conflict

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// Service defines the interface for conflict analysis and resolution.
type Service interface {
	AnalyzeFileConflict(templateFile, existingFile string) (*models.ConflictDetail, error)
	DetectScriptConflicts(templateScripts, existingScripts map[string]string) []models.ConflictDetail
	ResolveConflict(ctx context.Context, c *models.ConflictDetail, variables map[string]string, interactive bool) *models.ResolutionResult
}

// criticalFiles may never be overwritten silently. Any name starting with
// ".env" is critical as well.
var criticalFiles = map[string]bool{
	"CLAUDE.md":          true,
	"package.json":       true,
	"requirements.txt":   true,
	"Cargo.toml":         true,
	"docker-compose.yml": true,
	"Dockerfile":         true,
}

// mergeableExtensions can be combined automatically.
var mergeableExtensions = map[string]bool{
	".json":         true,
	".yml":          true,
	".yaml":         true,
	".md":           true,
	".txt":          true,
	".gitignore":    true,
	".dockerignore": true,
}

// IsCriticalFile reports whether name belongs to the critical-file set.
func IsCriticalFile(name string) bool {
	base := filepath.Base(name)
	return criticalFiles[base] || strings.HasPrefix(base, ".env")
}

// Impl implements the conflict Service interface.
type Impl struct {
	logger zerolog.Logger
	in     io.Reader
	out    io.Writer
	// prompts from concurrent batch workers must not interleave
	promptMu sync.Mutex
}

// New creates a new conflict service reading prompts from stdin.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
}

// NewWithIO creates a new conflict service with custom prompt streams (for testing).
func NewWithIO(logger zerolog.Logger, in io.Reader, out io.Writer) *Impl {
	return &Impl{
		logger: logger,
		in:     in,
		out:    out,
	}
}

// AnalyzeFileConflict classifies the collision between a template file and
// an existing file. It returns nil when the existing file is absent or
// byte-identical to the template file.
func (s *Impl) AnalyzeFileConflict(templateFile, existingFile string) (*models.ConflictDetail, error) {
	existingInfo, err := os.Stat(existingFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", existingFile, err)
	}

	templateInfo, err := os.Stat(templateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat template %s: %w", templateFile, err)
	}

	if existingInfo.IsDir() && !templateInfo.IsDir() {
		return &models.ConflictDetail{
			Type:              models.ConflictDirectoryMismatch,
			Severity:          models.SeverityHigh,
			TemplateFile:      templateFile,
			ExistingFile:      existingFile,
			Description:       fmt.Sprintf("template provides a file but %s is a directory", existingFile),
			SuggestedStrategy: models.StrategyUserDecision,
			UserPrompt:        "A directory exists where the template wants to place a file.",
			Options:           []models.ResolutionStrategy{models.StrategySideBySide, models.StrategySkip},
			Metadata:          map[string]string{},
		}, nil
	}

	same, err := sameContent(templateFile, existingFile)
	if err != nil {
		return nil, err
	}
	if same {
		s.logger.Debug().Str("file", existingFile).Msg("files are identical, no conflict")
		return nil, nil
	}

	name := filepath.Base(existingFile)
	if IsCriticalFile(name) {
		return criticalFileConflict(templateFile, existingFile, name), nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	if mergeableExtensions[ext] {
		return &models.ConflictDetail{
			Type:              models.ConflictContent,
			Severity:          models.SeverityLow,
			TemplateFile:      templateFile,
			ExistingFile:      existingFile,
			Description:       fmt.Sprintf("%s differs from the template and can be merged", name),
			SuggestedStrategy: models.StrategyAutoMerge,
			AutoResolvable:    true,
			Metadata:          map[string]string{models.MetaMergeType: ext},
		}, nil
	}

	return &models.ConflictDetail{
		Type:              models.ConflictFileExists,
		Severity:          models.SeverityMedium,
		TemplateFile:      templateFile,
		ExistingFile:      existingFile,
		Description:       fmt.Sprintf("%s differs from the template and cannot be merged", name),
		SuggestedStrategy: models.StrategyTemplateWins,
		AutoResolvable:    true,
		UserPrompt:        "The file cannot be merged. How should it be handled?",
		Options: []models.ResolutionStrategy{
			models.StrategyTemplateWins,
			models.StrategyExistingWins,
			models.StrategyBackupAndReplace,
		},
		Metadata: map[string]string{models.MetaMergeType: ext},
	}, nil
}

func criticalFileConflict(templateFile, existingFile, name string) *models.ConflictDetail {
	c := &models.ConflictDetail{
		Type:         models.ConflictCriticalFileOverwrite,
		TemplateFile: templateFile,
		ExistingFile: existingFile,
		Metadata:     map[string]string{},
	}

	switch {
	case name == "CLAUDE.md":
		c.Severity = models.SeverityCritical
		c.SuggestedStrategy = models.StrategyManualMerge
		c.Description = "CLAUDE.md holds project-specific instructions and must be merged by hand"
		c.UserPrompt = "CLAUDE.md differs from the template."
		c.Options = []models.ResolutionStrategy{
			models.StrategySideBySide,
			models.StrategyExistingWins,
			models.StrategyBackupAndReplace,
		}
	case strings.HasPrefix(name, ".env"):
		c.Severity = models.SeverityHigh
		c.SuggestedStrategy = models.StrategySideBySide
		c.Description = fmt.Sprintf("%s may contain secrets; the template version is written alongside", name)
		c.UserPrompt = fmt.Sprintf("%s differs from the template.", name)
		c.Options = []models.ResolutionStrategy{
			models.StrategySideBySide,
			models.StrategyExistingWins,
		}
	case name == "package.json":
		c.Type = models.ConflictDependency
		c.Severity = models.SeverityMedium
		c.SuggestedStrategy = models.StrategyAutoMerge
		c.AutoResolvable = true
		c.Description = "package.json dependencies and scripts will be merged"
		c.Metadata[models.MetaMergeType] = models.MergeTypePackageJSON
	default:
		c.Severity = models.SeverityHigh
		c.SuggestedStrategy = models.StrategyUserDecision
		c.Description = fmt.Sprintf("%s is a critical project file", name)
		c.UserPrompt = fmt.Sprintf("%s differs from the template.", name)
		c.Options = []models.ResolutionStrategy{
			models.StrategyExistingWins,
			models.StrategyBackupAndReplace,
			models.StrategySideBySide,
		}
	}
	return c
}

// DetectScriptConflicts reports every script defined on both sides with a
// different command.
func (s *Impl) DetectScriptConflicts(templateScripts, existingScripts map[string]string) []models.ConflictDetail {
	names := make([]string, 0, len(templateScripts))
	for name := range templateScripts {
		names = append(names, name)
	}
	sort.Strings(names)

	var conflicts []models.ConflictDetail
	for _, name := range names {
		existing, ok := existingScripts[name]
		if !ok || existing == templateScripts[name] {
			continue
		}
		conflicts = append(conflicts, models.ConflictDetail{
			Type:              models.ConflictScriptNameCollision,
			Severity:          models.SeverityMedium,
			Description:       fmt.Sprintf("script %q: existing %q, template %q", name, existing, templateScripts[name]),
			SuggestedStrategy: models.StrategyUserDecision,
			UserPrompt:        fmt.Sprintf("Script %q is defined differently. Which command should be kept?", name),
			Options:           []models.ResolutionStrategy{models.StrategyTemplateWins, models.StrategyExistingWins},
			Metadata:          map[string]string{models.MetaScript: name},
		})
	}
	return conflicts
}

func sameContent(a, b string) (bool, error) {
	ha, err := fileDigest(a)
	if err != nil {
		return false, err
	}
	hb, err := fileDigest(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func fileDigest(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path) //nolint:gosec // path comes from the template walk
	if err != nil {
		return sum, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
