// Package template loads template manifests and applies per-file merge
// strategies to a target repository.
package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fgeck/repo-templater/internal/merge"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var (
	// ErrTemplateNotFound is returned when a template directory or its manifest is missing.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrUnknownStrategy is returned when a manifest names a merge strategy that does not exist.
	ErrUnknownStrategy = errors.New("unknown merge strategy")
	// ErrInvalidTemplateName is returned for names that are not a single path element.
	ErrInvalidTemplateName = errors.New("invalid template name")
)

// Service defines the interface for template operations.
type Service interface {
	TemplatePath(name string) string
	LoadTemplateConfig(name string) (*models.TemplateConfig, error)
	ListTemplates() ([]models.TemplateInfo, error)
	TemplateFiles(name string) ([]string, error)
	DetectConflicts(templateFile, targetFile string) []string
	ResolveStrategy(cfg *models.TemplateConfig, relPath string) models.MergeStrategy
	ApplyMergeStrategy(templateFile, targetFile string, strategy models.MergeStrategy, variables map[string]string) (*models.MergeOutcome, error)
}

// mergeFunc combines existing content with substituted template content and
// returns the new content plus any soft conflicts.
type mergeFunc func(existing, template []byte) ([]byte, []string, error)

// defaultsByName and defaultsByExt are consulted when the manifest has no override.
var (
	defaultsByName = map[string]models.MergeStrategy{
		"package.json":  models.MergePackageJSON,
		"README.md":     models.MergeReadme,
		".gitignore":    models.MergeLines,
		".dockerignore": models.MergeLines,
	}
	defaultsByExt = map[string]models.MergeStrategy{
		".json": models.MergeJSON,
		".yml":  models.MergeYAML,
		".yaml": models.MergeYAML,
		".toml": models.MergeTOML,
	}
)

// criticalNames mirror the conflict analyzer's critical-file set for the coarse pre-check.
var criticalNames = map[string]bool{
	"CLAUDE.md":          true,
	"package.json":       true,
	"requirements.txt":   true,
	"Cargo.toml":         true,
	"docker-compose.yml": true,
	"Dockerfile":         true,
}

// Impl implements the template Service interface.
type Impl struct {
	logger      zerolog.Logger
	templateDir string
	validate    *validator.Validate
	strategies  map[models.MergeStrategy]mergeFunc
}

// New creates a new template service rooted at templateDir.
func New(logger zerolog.Logger, templateDir string) *Impl {
	return &Impl{
		logger:      logger,
		templateDir: templateDir,
		validate:    validator.New(),
		strategies: map[models.MergeStrategy]mergeFunc{
			models.MergeOverwrite: func(_, tpl []byte) ([]byte, []string, error) {
				return tpl, nil, nil
			},
			models.MergeAppend: func(existing, tpl []byte) ([]byte, []string, error) {
				return []byte(merge.Append(string(existing), string(tpl))), nil, nil
			},
			models.MergeJSON: func(existing, tpl []byte) ([]byte, []string, error) {
				out, err := merge.MergeJSON(existing, tpl)
				return out, nil, err
			},
			models.MergePackageJSON: merge.MergePackageJSON,
			models.MergeReadme: func(existing, tpl []byte) ([]byte, []string, error) {
				return []byte(merge.MergeReadme(string(existing), string(tpl))), nil, nil
			},
			models.MergeLines: func(existing, tpl []byte) ([]byte, []string, error) {
				return []byte(merge.MergeLines(string(existing), string(tpl))), nil, nil
			},
			models.MergeYAML: func(existing, tpl []byte) ([]byte, []string, error) {
				out, err := merge.MergeYAML(existing, tpl)
				return out, nil, err
			},
			models.MergeTOML: func(existing, tpl []byte) ([]byte, []string, error) {
				out, err := merge.MergeTOML(existing, tpl)
				return out, nil, err
			},
		},
	}
}

// TemplatePath returns the directory of the named template.
func (s *Impl) TemplatePath(name string) string {
	return filepath.Join(s.templateDir, name)
}

// LoadTemplateConfig reads and validates <templateDir>/<name>/template.json.
// Merge strategy names are checked here so bad manifests fail before any file is touched.
func (s *Impl) LoadTemplateConfig(name string) (*models.TemplateConfig, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTemplateName, name)
	}

	manifest := filepath.Join(s.TemplatePath(name), models.TemplateManifestFile)
	data, err := os.ReadFile(manifest) //nolint:gosec // manifest path is built from the configured template dir
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", manifest, err)
	}

	var cfg models.TemplateConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", manifest, err)
	}

	if err := s.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid template manifest %s: %w", manifest, err)
	}

	for key, value := range cfg.MergeStrategies {
		if _, err := models.ParseMergeStrategy(value); err != nil {
			return nil, fmt.Errorf("%w: %q for %q in %s", ErrUnknownStrategy, value, key, manifest)
		}
	}

	s.logger.Debug().
		Str("template", cfg.Name).
		Str("version", cfg.Version).
		Int("strategies", len(cfg.MergeStrategies)).
		Msg("loaded template config")

	return &cfg, nil
}

// ListTemplates returns every template directory that holds a loadable manifest, sorted by name.
func (s *Impl) ListTemplates() ([]models.TemplateInfo, error) {
	entries, err := os.ReadDir(s.templateDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var infos []models.TemplateInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cfg, err := s.LoadTemplateConfig(entry.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("template", entry.Name()).Msg("skipping template")
			continue
		}
		files, err := s.TemplateFiles(entry.Name())
		if err != nil {
			return nil, err
		}
		infos = append(infos, models.TemplateInfo{
			Name:        entry.Name(),
			Version:     cfg.Version,
			Description: cfg.Description,
			Path:        s.TemplatePath(entry.Name()),
			FileCount:   len(files),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// TemplateFiles returns the slash-separated relative paths of every regular
// file in the template, excluding the manifest, sorted.
func (s *Impl) TemplateFiles(name string) ([]string, error) {
	root := s.TemplatePath(name)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == models.TemplateManifestFile {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk template %s: %w", name, err)
	}
	sort.Strings(files)
	return files, nil
}

// DetectConflicts is a coarse pre-check used for reporting only. It returns
// one reason per problem found at targetFile.
func (s *Impl) DetectConflicts(templateFile, targetFile string) []string {
	info, err := os.Stat(targetFile)
	if err != nil {
		return nil
	}

	var reasons []string
	if info.IsDir() {
		if tplInfo, err := os.Stat(templateFile); err == nil && !tplInfo.IsDir() {
			reasons = append(reasons, "directory exists where the template has a file")
		}
		return reasons
	}

	reasons = append(reasons, "file exists")
	base := filepath.Base(targetFile)
	if criticalNames[base] || strings.HasPrefix(base, ".env") {
		reasons = append(reasons, "critical file")
	}
	return reasons
}

// ResolveStrategy picks the merge strategy for relPath: exact path override,
// then extension override, then the built-in defaults, then overwrite.
func (s *Impl) ResolveStrategy(cfg *models.TemplateConfig, relPath string) models.MergeStrategy {
	relPath = filepath.ToSlash(relPath)
	base := filepath.Base(relPath)
	ext := filepath.Ext(base)

	if cfg != nil {
		if strategy, ok := lookup(cfg.MergeStrategies, relPath); ok {
			return strategy
		}
		if ext != "" {
			if strategy, ok := lookup(cfg.MergeStrategies, ext); ok {
				return strategy
			}
			if strategy, ok := lookup(cfg.MergeStrategies, "*"+ext); ok {
				return strategy
			}
		}
	}

	if strategy, ok := defaultsByName[base]; ok {
		return strategy
	}
	if strategy, ok := defaultsByExt[strings.ToLower(ext)]; ok {
		return strategy
	}
	return models.MergeOverwrite
}

func lookup(overrides map[string]string, key string) (models.MergeStrategy, bool) {
	value, ok := overrides[key]
	if !ok {
		return "", false
	}
	strategy, err := models.ParseMergeStrategy(value)
	if err != nil {
		return "", false
	}
	return strategy, true
}

// ApplyMergeStrategy writes the substituted template file to targetFile,
// combining it with existing content according to strategy. A missing
// target is created from the template regardless of strategy; the file is
// only rewritten when its content changes.
func (s *Impl) ApplyMergeStrategy(
	templateFile, targetFile string,
	strategy models.MergeStrategy,
	variables map[string]string,
) (*models.MergeOutcome, error) {
	fn, ok := s.strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	tplInfo, err := os.Stat(templateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat template file: %w", err)
	}
	raw, err := os.ReadFile(templateFile) //nolint:gosec // path comes from the template walk
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	content := []byte(merge.Substitute(string(raw), variables))

	existingInfo, err := os.Stat(targetFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(targetFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", targetFile, err)
		}
		if err := os.WriteFile(targetFile, content, tplInfo.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", targetFile, err)
		}
		return &models.MergeOutcome{Created: true, Changed: true}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to stat %s: %w", targetFile, err)
	case existingInfo.IsDir():
		return nil, fmt.Errorf("cannot apply %s to %s: target is a directory", strategy, targetFile)
	}

	existing, err := os.ReadFile(targetFile) //nolint:gosec // target lies inside the repository
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", targetFile, err)
	}

	merged, conflicts, err := fn(existing, content)
	if err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w", strategy, targetFile, err)
	}

	outcome := &models.MergeOutcome{Conflicts: conflicts}
	if bytes.Equal(merged, existing) {
		return outcome, nil
	}
	if err := os.WriteFile(targetFile, merged, existingInfo.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", targetFile, err)
	}
	outcome.Changed = true

	s.logger.Debug().
		Str("file", targetFile).
		Str("strategy", string(strategy)).
		Int("soft_conflicts", len(conflicts)).
		Msg("merged template file")

	return outcome, nil
}
