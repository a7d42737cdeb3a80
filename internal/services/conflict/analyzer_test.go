package conflict

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testService() *Impl {
	return NewWithIO(testLogger(), strings.NewReader(""), &bytes.Buffer{})
}

// pair writes a template file and an existing file with the same base name.
func pair(t *testing.T, name, templateContent, existingContent string) (string, string) {
	t.Helper()
	tplDir := filepath.Join(t.TempDir(), "template")
	repoDir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(tplDir, 0o755))
	require.NoError(t, os.MkdirAll(repoDir, 0o755))

	tpl := filepath.Join(tplDir, name)
	existing := filepath.Join(repoDir, name)
	require.NoError(t, os.WriteFile(tpl, []byte(templateContent), 0o600))
	require.NoError(t, os.WriteFile(existing, []byte(existingContent), 0o600))
	return tpl, existing
}

func TestAnalyzeFileConflict_MissingExisting(t *testing.T) {
	tpl, _ := pair(t, "a.txt", "x", "y")

	c, err := testService().AnalyzeFileConflict(tpl, filepath.Join(t.TempDir(), "nope.txt"))

	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestAnalyzeFileConflict_IdenticalFiles(t *testing.T) {
	for _, name := range []string{"CLAUDE.md", "package.json", "logo.png", "notes.txt", ".env"} {
		t.Run(name, func(t *testing.T) {
			tpl, existing := pair(t, name, "same content\x00\x01", "same content\x00\x01")

			c, err := testService().AnalyzeFileConflict(tpl, existing)

			require.NoError(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestAnalyzeFileConflict_DirectoryMismatch(t *testing.T) {
	tpl, _ := pair(t, "config", "file", "unused")
	dir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	c, err := testService().AnalyzeFileConflict(tpl, dir)

	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.ConflictDirectoryMismatch, c.Type)
	assert.Equal(t, models.SeverityHigh, c.Severity)
	assert.Equal(t, models.StrategyUserDecision, c.SuggestedStrategy)
	assert.False(t, c.AutoResolvable)
}

func TestAnalyzeFileConflict_CriticalFiles(t *testing.T) {
	tests := []struct {
		name     string
		typ      models.ConflictType
		severity models.Severity
		strategy models.ResolutionStrategy
		auto     bool
	}{
		{"CLAUDE.md", models.ConflictCriticalFileOverwrite, models.SeverityCritical, models.StrategyManualMerge, false},
		{".env", models.ConflictCriticalFileOverwrite, models.SeverityHigh, models.StrategySideBySide, false},
		{".env.local", models.ConflictCriticalFileOverwrite, models.SeverityHigh, models.StrategySideBySide, false},
		{"package.json", models.ConflictDependency, models.SeverityMedium, models.StrategyAutoMerge, true},
		{"Dockerfile", models.ConflictCriticalFileOverwrite, models.SeverityHigh, models.StrategyUserDecision, false},
		{"requirements.txt", models.ConflictCriticalFileOverwrite, models.SeverityHigh, models.StrategyUserDecision, false},
		{"docker-compose.yml", models.ConflictCriticalFileOverwrite, models.SeverityHigh, models.StrategyUserDecision, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, existing := pair(t, tt.name, "template", "existing")

			c, err := testService().AnalyzeFileConflict(tpl, existing)

			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, tt.typ, c.Type)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.strategy, c.SuggestedStrategy)
			assert.Equal(t, tt.auto, c.AutoResolvable)
		})
	}
}

func TestAnalyzeFileConflict_PackageJSONMergeType(t *testing.T) {
	tpl, existing := pair(t, "package.json", `{"a":1}`, `{"b":2}`)

	c, err := testService().AnalyzeFileConflict(tpl, existing)

	require.NoError(t, err)
	assert.Equal(t, models.MergeTypePackageJSON, c.Metadata[models.MetaMergeType])
}

func TestAnalyzeFileConflict_Mergeable(t *testing.T) {
	for _, name := range []string{"settings.json", "ci.yml", "ci.yaml", "README.md", "notes.txt", ".gitignore", ".dockerignore"} {
		t.Run(name, func(t *testing.T) {
			tpl, existing := pair(t, name, "template", "existing")

			c, err := testService().AnalyzeFileConflict(tpl, existing)

			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, models.ConflictContent, c.Type)
			assert.Equal(t, models.SeverityLow, c.Severity)
			assert.Equal(t, models.StrategyAutoMerge, c.SuggestedStrategy)
			assert.True(t, c.AutoResolvable)
			assert.Equal(t, filepath.Ext(name), c.Metadata[models.MetaMergeType])
		})
	}
}

func TestAnalyzeFileConflict_BinaryFallsBackToTemplateWins(t *testing.T) {
	tpl, existing := pair(t, "logo.png", "\x89PNG-new", "\x89PNG-old")

	c, err := testService().AnalyzeFileConflict(tpl, existing)

	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.SeverityMedium, c.Severity)
	assert.Equal(t, models.StrategyTemplateWins, c.SuggestedStrategy)
	assert.True(t, c.AutoResolvable)
	assert.Equal(t, []models.ResolutionStrategy{
		models.StrategyTemplateWins,
		models.StrategyExistingWins,
		models.StrategyBackupAndReplace,
	}, c.Options)
}

func TestDetectScriptConflicts(t *testing.T) {
	tpl := map[string]string{"build": "tsc", "lint": "eslint .", "test": "jest", "new": "x"}
	existing := map[string]string{"build": "webpack", "lint": "eslint .", "test": "vitest"}

	conflicts := testService().DetectScriptConflicts(tpl, existing)

	require.Len(t, conflicts, 2)
	assert.Equal(t, "build", conflicts[0].Metadata[models.MetaScript])
	assert.Equal(t, "test", conflicts[1].Metadata[models.MetaScript])
	for _, c := range conflicts {
		assert.Equal(t, models.ConflictScriptNameCollision, c.Type)
		assert.Equal(t, models.SeverityMedium, c.Severity)
		assert.Equal(t, models.StrategyUserDecision, c.SuggestedStrategy)
	}
}

func TestIsCriticalFile(t *testing.T) {
	assert.True(t, IsCriticalFile("/repo/.env.production"))
	assert.True(t, IsCriticalFile("Cargo.toml"))
	assert.False(t, IsCriticalFile("cargo.toml"))
	assert.False(t, IsCriticalFile("main.go"))
}
