package template

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func setupTemplate(t *testing.T, manifest string, files map[string]string) (*Impl, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "web", models.TemplateManifestFile), manifest)
	for rel, content := range files {
		writeFile(t, filepath.Join(root, "web", rel), content)
	}
	return New(testLogger(), root), root
}

func TestLoadTemplateConfig_Success(t *testing.T) {
	svc, _ := setupTemplate(t, `{
		"name": "web",
		"version": "1.0.0",
		"variables": {"license": "MIT"},
		"merge_strategies": {"docs/guide.md": "append", ".cfg": "merge_lines"},
		"validation_rules": {"required_files": ["README.md"], "required_directories": ["docs"]}
	}`, nil)

	cfg, err := svc.LoadTemplateConfig("web")

	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Name)
	assert.Equal(t, "MIT", cfg.Variables["license"])
	assert.Equal(t, []string{"README.md"}, cfg.ValidationRules.RequiredFiles)
	assert.Equal(t, []string{"docs"}, cfg.ValidationRules.RequiredDirectories)
}

func TestLoadTemplateConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		lookup   string
		target   error
	}{
		{name: "missing template", manifest: `{"name":"web"}`, lookup: "absent", target: ErrTemplateNotFound},
		{name: "unknown strategy", manifest: `{"name":"web","merge_strategies":{".json":"smart"}}`, lookup: "web", target: ErrUnknownStrategy},
		{name: "path traversal", manifest: `{"name":"web"}`, lookup: "../web", target: ErrInvalidTemplateName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := setupTemplate(t, tt.manifest, nil)

			_, err := svc.LoadTemplateConfig(tt.lookup)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestLoadTemplateConfig_InvalidManifest(t *testing.T) {
	svc, _ := setupTemplate(t, `{"name": `, nil)
	_, err := svc.LoadTemplateConfig("web")
	assert.Error(t, err)

	svc, _ = setupTemplate(t, `{"version": "1"}`, nil)
	_, err = svc.LoadTemplateConfig("web")
	assert.Error(t, err)
}

func TestListTemplates(t *testing.T) {
	svc, root := setupTemplate(t, `{"name":"web","version":"2.0"}`, map[string]string{
		"README.md":      "x",
		"src/index.js":   "y",
		".github/ci.yml": "z",
	})
	writeFile(t, filepath.Join(root, "broken", models.TemplateManifestFile), "{")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	infos, err := svc.ListTemplates()

	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "web", infos[0].Name)
	assert.Equal(t, "2.0", infos[0].Version)
	assert.Equal(t, 3, infos[0].FileCount)
}

func TestListTemplates_MissingDirectory(t *testing.T) {
	svc := New(testLogger(), filepath.Join(t.TempDir(), "nope"))

	infos, err := svc.ListTemplates()

	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestTemplateFiles_SkipsManifest(t *testing.T) {
	svc, _ := setupTemplate(t, `{"name":"web"}`, map[string]string{
		"b.txt":         "b",
		"a/nested.json": "{}",
	})

	files, err := svc.TemplateFiles("web")

	require.NoError(t, err)
	assert.Equal(t, []string{"a/nested.json", "b.txt"}, files)
}

func TestResolveStrategy_Precedence(t *testing.T) {
	svc := New(testLogger(), t.TempDir())
	cfg := &models.TemplateConfig{
		Name: "web",
		MergeStrategies: map[string]string{
			"config/special.json": "overwrite",
			".json":               "append",
			"*.txt":               "merge_lines",
		},
	}

	tests := []struct {
		path string
		want models.MergeStrategy
	}{
		{"config/special.json", models.MergeOverwrite},
		{"config/other.json", models.MergeAppend},
		{"package.json", models.MergeAppend},
		{"notes.txt", models.MergeLines},
		{"README.md", models.MergeReadme},
		{".gitignore", models.MergeLines},
		{"sub/.dockerignore", models.MergeLines},
		{"ci.yml", models.MergeYAML},
		{"pyproject.toml", models.MergeTOML},
		{"main.go", models.MergeOverwrite},
		{"Makefile", models.MergeOverwrite},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.ResolveStrategy(cfg, tt.path))
		})
	}

	assert.Equal(t, models.MergePackageJSON, svc.ResolveStrategy(nil, "package.json"))
	assert.Equal(t, models.MergeJSON, svc.ResolveStrategy(nil, "tsconfig.json"))
}

func TestDetectConflicts(t *testing.T) {
	svc := New(testLogger(), t.TempDir())
	dir := t.TempDir()
	tpl := filepath.Join(dir, "tpl")
	writeFile(t, tpl, "x")

	assert.Empty(t, svc.DetectConflicts(tpl, filepath.Join(dir, "missing")))

	existing := filepath.Join(dir, "repo", "main.go")
	writeFile(t, existing, "y")
	assert.Equal(t, []string{"file exists"}, svc.DetectConflicts(tpl, existing))

	env := filepath.Join(dir, "repo", ".env.local")
	writeFile(t, env, "A=1")
	assert.Equal(t, []string{"file exists", "critical file"}, svc.DetectConflicts(tpl, env))

	sub := filepath.Join(dir, "repo", "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	assert.Len(t, svc.DetectConflicts(tpl, sub), 1)
}

func TestApplyMergeStrategy_CreatesMissingFile(t *testing.T) {
	svc := New(testLogger(), t.TempDir())
	dir := t.TempDir()
	tpl := filepath.Join(dir, "tpl", "run.sh")
	writeFile(t, tpl, "echo {{projectName}}\n")
	require.NoError(t, os.Chmod(tpl, 0o755))
	target := filepath.Join(dir, "repo", "scripts", "run.sh")

	outcome, err := svc.ApplyMergeStrategy(tpl, target, models.MergeJSON, map[string]string{"projectName": "demo"})

	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.True(t, outcome.Changed)
	assert.Equal(t, "echo demo\n", readFile(t, target))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestApplyMergeStrategy_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy models.MergeStrategy
		existing string
		template string
		want     string
	}{
		{"overwrite", models.MergeOverwrite, "old\n", "new {{v}}\n", "new 1\n"},
		{"append", models.MergeAppend, "old\n", "new\n", "old\n\nnew\n"},
		{"lines", models.MergeLines, "b\na\n", "c\na\n", "a\nb\nc\n"},
		{"readme", models.MergeReadme, "# Title\n", "Block {{v}}", "# Title\n\n## Template Sections\n\nBlock 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(testLogger(), t.TempDir())
			dir := t.TempDir()
			tpl := filepath.Join(dir, "tpl")
			target := filepath.Join(dir, "target")
			writeFile(t, tpl, tt.template)
			writeFile(t, target, tt.existing)

			outcome, err := svc.ApplyMergeStrategy(tpl, target, tt.strategy, map[string]string{"v": "1"})

			require.NoError(t, err)
			assert.False(t, outcome.Created)
			assert.True(t, outcome.Changed)
			assert.Equal(t, tt.want, readFile(t, target))
		})
	}
}

func TestApplyMergeStrategy_PackageJSONScripts(t *testing.T) {
	svc := New(testLogger(), t.TempDir())
	dir := t.TempDir()
	tpl := filepath.Join(dir, "tpl", "package.json")
	target := filepath.Join(dir, "repo", "package.json")
	writeFile(t, tpl, `{"scripts":{"build":"a"}}`)
	writeFile(t, target, `{"scripts":{"build":"b","test":"c"}}`)

	outcome, err := svc.ApplyMergeStrategy(tpl, target, models.MergePackageJSON, nil)

	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Len(t, outcome.Conflicts, 1)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(readFile(t, target)), &out))
	assert.Equal(t, map[string]any{"build": "a", "test": "c"}, out["scripts"])
}

func TestApplyMergeStrategy_UnchangedIsNotRewritten(t *testing.T) {
	svc := New(testLogger(), t.TempDir())
	dir := t.TempDir()
	tpl := filepath.Join(dir, "tpl")
	target := filepath.Join(dir, "target")
	writeFile(t, tpl, "a\n")
	writeFile(t, target, "a\nb\n")

	outcome, err := svc.ApplyMergeStrategy(tpl, target, models.MergeLines, nil)

	require.NoError(t, err)
	assert.False(t, outcome.Changed)
}

func TestApplyMergeStrategy_Errors(t *testing.T) {
	svc := New(testLogger(), t.TempDir())
	dir := t.TempDir()
	tpl := filepath.Join(dir, "tpl.json")
	target := filepath.Join(dir, "target.json")
	writeFile(t, tpl, `{"a":1}`)
	writeFile(t, target, `not json`)

	_, err := svc.ApplyMergeStrategy(tpl, target, models.MergeStrategy("smart"), nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = svc.ApplyMergeStrategy(tpl, target, models.MergeJSON, nil)
	assert.Error(t, err)
	assert.Equal(t, "not json", readFile(t, target))

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	_, err = svc.ApplyMergeStrategy(tpl, sub, models.MergeOverwrite, nil)
	assert.Error(t, err)
}
