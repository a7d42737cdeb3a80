// Package backup creates, validates, restores and expires repository
// snapshots taken before a template is applied.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fgeck/repo-templater/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrBackupNotFound is returned when no metadata exists for a backup id.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrRetentionActive is returned when deleting a backup before its retention deadline without force.
	ErrRetentionActive = errors.New("backup is still under retention")
	// ErrInvalidBackup is returned when a restore is refused because validation failed.
	ErrInvalidBackup = errors.New("backup failed validation")
	// ErrUnsafePath is returned for archive members that would escape the restore target.
	ErrUnsafePath = errors.New("unsafe path")
	// ErrNoIdentity is returned when an encrypted archive must be read without an age identity.
	ErrNoIdentity = errors.New("encrypted backup requires an age identity")
)

// SnapshotManifest is the archive member holding a snapshot's file tree.
const SnapshotManifest = "file_tree.json"

const metadataDir = "metadata"

// DefaultExcludes are never archived.
var DefaultExcludes = []string{
	"*.pyc", "__pycache__", ".git", "node_modules", ".DS_Store", "*.tmp", ".vscode", ".idea",
}

// DefaultSelectivePatterns are used by selective backups without explicit patterns.
var DefaultSelectivePatterns = []string{
	"package.json", "package-lock.json", "requirements.txt", "pyproject.toml",
	"Cargo.toml", "go.mod", "Dockerfile", "docker-compose.yml", "Makefile",
	"tsconfig.json", "*.config.js", ".gitignore", ".dockerignore", ".env.example",
	"README.md", "CLAUDE.md", ".github/**",
}

// Service defines the interface for backup operations.
type Service interface {
	CreateBackup(ctx context.Context, opts models.BackupOptions) (*models.BackupMetadata, error)
	ListBackups(repoPath string) ([]*models.BackupMetadata, error)
	GetBackup(id string) (*models.BackupMetadata, error)
	ValidateBackup(id string) *models.BackupValidation
	RestoreBackup(ctx context.Context, opts models.RestoreOptions) (*models.RestoreResult, error)
	DeleteBackup(id string, force bool) error
	CleanupExpiredBackups() (int, error)
}

// Impl implements the backup Service interface.
type Impl struct {
	logger     zerolog.Logger
	root       string
	settings   models.BackupSettings
	recipients []age.Recipient
	identities []age.Identity
	now        func() time.Time
}

// New creates a new backup service storing archives under root. Age
// recipients and the identity file are parsed up front.
func New(logger zerolog.Logger, root string, settings models.BackupSettings) (*Impl, error) {
	return NewWithClock(logger, root, settings, time.Now)
}

// NewWithClock creates a new backup service with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, root string, settings models.BackupSettings, now func() time.Time) (*Impl, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backup root: %w", err)
	}

	for _, p := range append(append([]string{}, settings.Exclude...), settings.SelectivePatterns...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid backup pattern %q", p)
		}
	}

	s := &Impl{
		logger:   logger,
		root:     absRoot,
		settings: settings,
		now:      now,
	}

	if len(settings.AgeRecipients) > 0 {
		s.recipients, err = age.ParseRecipients(strings.NewReader(strings.Join(settings.AgeRecipients, "\n")))
		if err != nil {
			return nil, fmt.Errorf("failed to parse age recipients: %w", err)
		}
	}

	if settings.AgeIdentityFile != "" {
		f, err := os.Open(settings.AgeIdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open age identity file: %w", err)
		}
		defer func() { _ = f.Close() }()
		s.identities, err = age.ParseIdentities(f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse age identity file: %w", err)
		}
	}

	return s, nil
}

// Root returns the absolute backup root directory.
func (s *Impl) Root() string {
	return s.root
}

// CreateBackup archives the repository and registers the backup's metadata.
// On failure the partially written backup directory is removed.
func (s *Impl) CreateBackup(ctx context.Context, opts models.BackupOptions) (meta *models.BackupMetadata, err error) {
	repoPath, err := filepath.Abs(opts.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	info, err := os.Stat(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path %s is not a directory", repoPath)
	}

	backupType := opts.Type
	if backupType == "" {
		backupType = models.BackupFull
	}
	compression := opts.Compression
	if compression == "" {
		compression = s.settings.Compression
	}
	if compression == "" {
		compression = models.CompressionGzip
	}

	excludes := make([]string, 0, len(DefaultExcludes)+len(s.settings.Exclude)+len(opts.Exclude))
	excludes = append(excludes, DefaultExcludes...)
	excludes = append(excludes, s.settings.Exclude...)
	excludes = append(excludes, opts.Exclude...)
	for _, p := range append(append([]string{}, opts.Exclude...), opts.Patterns...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid backup pattern %q", p)
		}
	}

	now := s.now()
	var parent *models.BackupMetadata
	if backupType == models.BackupIncremental {
		parent, err = s.latestBackup(repoPath)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			s.logger.Info().Str("repository", repoPath).Msg("no previous backup, incremental degrades to full")
			backupType = models.BackupFull
		}
	}

	entries, err := s.collect(ctx, repoPath, excludes, func(e fileEntry) bool {
		switch backupType {
		case models.BackupIncremental:
			return e.info.ModTime().After(parent.CreationTime)
		case models.BackupSelective:
			return matchesAny(s.selectivePatterns(opts.Patterns), e.rel)
		default:
			return true
		}
	})
	if err != nil {
		return nil, err
	}

	var extras []extraMember
	if backupType == models.BackupSnapshot {
		manifest, err := buildFileTree(entries)
		if err != nil {
			return nil, err
		}
		extras = append(extras, extraMember{name: SnapshotManifest, data: manifest})
	}

	id, err := s.newBackupID(filepath.Base(repoPath), now, opts.TemplateName)
	if err != nil {
		return nil, err
	}
	backupDir := filepath.Join(s.root, id)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(backupDir); rmErr != nil {
				s.logger.Warn().Err(rmErr).Str("backup_id", id).Msg("failed to remove partial backup")
			}
		}
	}()

	encrypted := len(s.recipients) > 0
	archivePath := filepath.Join(backupDir, archiveFileName(compression, encrypted))
	count, err := s.writeArchiveFile(archivePath, compression, entries, extras)
	if err != nil {
		return nil, err
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	hash, err := sha256File(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash archive: %w", err)
	}

	meta = &models.BackupMetadata{
		BackupID:         id,
		SourcePath:       repoPath,
		BackupPath:       archivePath,
		CreationTime:     now,
		BackupType:       backupType,
		Compression:      compression,
		Encrypted:        encrypted,
		FileCount:        count,
		TotalSize:        archiveInfo.Size(),
		VerificationHash: hash,
		TemplateName:     opts.TemplateName,
		Tags:             opts.Tags,
		Description:      opts.Description,
	}
	if parent != nil {
		meta.ParentBackupID = parent.BackupID
	}
	days := s.settings.RetentionDays
	if opts.RetentionDays != nil {
		days = *opts.RetentionDays
	}
	if days > 0 {
		until := now.AddDate(0, 0, days)
		meta.RetentionUntil = &until
	}

	if err = s.saveMetadata(meta); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("backup_id", id).
		Str("type", string(backupType)).
		Int("files", count).
		Int64("bytes", meta.TotalSize).
		Bool("encrypted", encrypted).
		Msg("backup created")

	return meta, nil
}

func (s *Impl) writeArchiveFile(archivePath string, c models.Compression, entries []fileEntry, extras []extraMember) (int, error) {
	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) //nolint:gosec // path built under the backup root
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	var dst io.Writer = f
	var enc io.WriteCloser
	if len(s.recipients) > 0 {
		enc, err = age.Encrypt(f, s.recipients...)
		if err != nil {
			return 0, fmt.Errorf("failed to start encryption: %w", err)
		}
		dst = enc
	}

	count, err := writeArchive(dst, c, entries, extras)
	if err != nil {
		return 0, err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return 0, fmt.Errorf("failed to finish encryption: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	return count, nil
}

// collect walks repoPath and returns every regular file that is not excluded and passes include.
func (s *Impl) collect(ctx context.Context, repoPath string, excludes []string, include func(fileEntry) bool) ([]fileEntry, error) {
	var entries []fileEntry
	err := filepath.WalkDir(repoPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == repoPath {
			return nil
		}
		if d.IsDir() && p == s.root {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(repoPath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if excluded(excludes, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		e := fileEntry{rel: rel, abs: p, info: info}
		if include(e) {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	return entries, nil
}

func (s *Impl) selectivePatterns(explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if len(s.settings.SelectivePatterns) > 0 {
		return s.settings.SelectivePatterns
	}
	return DefaultSelectivePatterns
}

// excluded reports whether rel or its base name matches any exclude pattern.
func excluded(patterns []string, rel string) bool {
	base := filepath.Base(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// matchesAny matches patterns containing a slash against the relative path
// and the others against the base name as well.
func matchesAny(patterns []string, rel string) bool {
	base := filepath.Base(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}

func buildFileTree(entries []fileEntry) ([]byte, error) {
	tree := make(map[string]models.FileTreeEntry, len(entries))
	for _, e := range entries {
		sum, err := sha256File(e.abs)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", e.rel, err)
		}
		tree[e.rel] = models.FileTreeEntry{
			Size:   e.info.Size(),
			MTime:  e.info.ModTime(),
			Mode:   e.info.Mode().String(),
			SHA256: sum,
		}
	}
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode file tree: %w", err)
	}
	return data, nil
}

// newBackupID builds <repo>_<YYYYMMDD_HHMMSS>[_<template>] and appends a
// numeric suffix while the id is taken.
func (s *Impl) newBackupID(repoName string, now time.Time, templateName string) (string, error) {
	base := sanitize(repoName) + "_" + now.Format("20060102_150405")
	if templateName != "" {
		base += "_" + sanitize(templateName)
	}

	id := base
	for i := 2; ; i++ {
		_, metaErr := os.Stat(s.metadataPath(id))
		_, dirErr := os.Stat(filepath.Join(s.root, id))
		if errors.Is(metaErr, fs.ErrNotExist) && errors.Is(dirErr, fs.ErrNotExist) {
			return id, nil
		}
		if i > 1000 {
			return "", fmt.Errorf("could not allocate a backup id for %s", base)
		}
		id = base + "_" + strconv.Itoa(i)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' || r == ':' {
			return '-'
		}
		return r
	}, s)
}

func (s *Impl) metadataPath(id string) string {
	return filepath.Join(s.root, metadataDir, id+".json")
}

func (s *Impl) saveMetadata(meta *models.BackupMetadata) error {
	dir := filepath.Join(s.root, metadataDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp := s.metadataPath(meta.BackupID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, s.metadataPath(meta.BackupID)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// GetBackup loads the metadata of one backup.
func (s *Impl) GetBackup(id string) (*models.BackupMetadata, error) {
	if id == "" || id != filepath.Base(id) {
		return nil, fmt.Errorf("%w: %q", ErrBackupNotFound, id)
	}
	data, err := os.ReadFile(s.metadataPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}
	var meta models.BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", id, err)
	}
	return &meta, nil
}

// ListBackups returns the backups of repoPath, or of every repository when
// repoPath is empty, newest first. Unreadable metadata files are skipped.
func (s *Impl) ListBackups(repoPath string) ([]*models.BackupMetadata, error) {
	var source string
	if repoPath != "" {
		abs, err := filepath.Abs(repoPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve repository path: %w", err)
		}
		source = abs
	}

	files, err := os.ReadDir(filepath.Join(s.root, metadataDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}

	var backups []*models.BackupMetadata
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		meta, err := s.GetBackup(strings.TrimSuffix(f.Name(), ".json"))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", f.Name()).Msg("skipping unreadable backup metadata")
			continue
		}
		if source != "" && meta.SourcePath != source {
			continue
		}
		backups = append(backups, meta)
	}

	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].CreationTime.After(backups[j].CreationTime)
	})
	return backups, nil
}

func (s *Impl) latestBackup(repoPath string) (*models.BackupMetadata, error) {
	backups, err := s.ListBackups(repoPath)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, nil
	}
	return backups[0], nil
}

// ValidateBackup checks metadata, archive presence, hash and readability.
// All problems are accumulated except a missing archive, which ends the check.
func (s *Impl) ValidateBackup(id string) *models.BackupValidation {
	v := &models.BackupValidation{BackupID: id}

	meta, err := s.GetBackup(id)
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v
	}

	if _, err := os.Stat(meta.BackupPath); err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("archive file missing: %s", meta.BackupPath))
		return v
	}

	hash, err := sha256File(meta.BackupPath)
	switch {
	case err != nil:
		v.Errors = append(v.Errors, fmt.Sprintf("failed to hash archive: %v", err))
	case hash != meta.VerificationHash:
		v.Errors = append(v.Errors, fmt.Sprintf("hash mismatch: expected %s, got %s", meta.VerificationHash, hash))
	}

	if meta.Encrypted && len(s.identities) == 0 {
		v.Warnings = append(v.Warnings, "archive is encrypted and no identity is configured; contents not checked")
	} else {
		err := walkArchive(meta.BackupPath, meta.Compression, meta.Encrypted, s.identities,
			func(_ string, _ fs.FileMode, _ time.Time, body io.Reader) error {
				if _, err := io.Copy(io.Discard, body); err != nil {
					return err
				}
				v.MemberCount++
				return nil
			})
		switch {
		case err != nil:
			v.Errors = append(v.Errors, fmt.Sprintf("archive is corrupted: %v", err))
		case v.MemberCount != meta.FileCount:
			v.Errors = append(v.Errors, fmt.Sprintf("archive holds %d files, metadata records %d", v.MemberCount, meta.FileCount))
		}
	}

	if meta.Expired(s.now()) {
		v.Warnings = append(v.Warnings, "retention period has passed")
	}

	v.IsValid = len(v.Errors) == 0
	return v
}

// RestoreBackup extracts a validated backup into opts.TargetPath (the
// original repository when empty). Member failures are recorded without
// aborting the rest of the restore.
func (s *Impl) RestoreBackup(ctx context.Context, opts models.RestoreOptions) (*models.RestoreResult, error) {
	result := &models.RestoreResult{
		BackupID:    opts.BackupID,
		FailedFiles: map[string]string{},
	}

	validation := s.ValidateBackup(opts.BackupID)
	if !validation.IsValid {
		result.Errors = append(result.Errors, validation.Errors...)
		return result, fmt.Errorf("%w: %s", ErrInvalidBackup, strings.Join(validation.Errors, "; "))
	}
	result.Warnings = append(result.Warnings, validation.Warnings...)

	meta, err := s.GetBackup(opts.BackupID)
	if err != nil {
		return result, err
	}

	target := opts.TargetPath
	if target == "" {
		target = meta.SourcePath
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return result, fmt.Errorf("failed to resolve restore target: %w", err)
	}
	result.TargetPath = target
	if err := os.MkdirAll(target, 0o750); err != nil {
		return result, fmt.Errorf("failed to create restore target: %w", err)
	}

	var allow map[string]bool
	if len(opts.SelectiveFiles) > 0 {
		allow = make(map[string]bool, len(opts.SelectiveFiles))
		for _, f := range opts.SelectiveFiles {
			allow[filepath.ToSlash(filepath.Clean(f))] = true
		}
	}

	err = walkArchive(meta.BackupPath, meta.Compression, meta.Encrypted, s.identities,
		func(name string, mode fs.FileMode, mtime time.Time, body io.Reader) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if name == SnapshotManifest {
				return nil
			}
			if allow != nil && !allow[name] {
				result.SkippedFiles = append(result.SkippedFiles, name)
				return nil
			}

			dest, err := safeJoin(target, name)
			if err != nil {
				result.FailedFiles[name] = err.Error()
				result.Errors = append(result.Errors, err.Error())
				return nil
			}
			if _, err := os.Lstat(dest); err == nil && !opts.Force {
				result.SkippedFiles = append(result.SkippedFiles, name)
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s exists, not overwritten", name))
				return nil
			}

			if err := extractFile(dest, mode, mtime, body); err != nil {
				result.FailedFiles[name] = err.Error()
				return nil
			}
			result.RestoredFiles = append(result.RestoredFiles, name)
			return nil
		})
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, fmt.Errorf("restore of %s aborted: %w", opts.BackupID, err)
	}

	result.Success = len(result.FailedFiles) == 0

	s.logger.Info().
		Str("backup_id", opts.BackupID).
		Str("target", target).
		Int("restored", len(result.RestoredFiles)).
		Int("skipped", len(result.SkippedFiles)).
		Int("failed", len(result.FailedFiles)).
		Msg("backup restored")

	return result, nil
}

func extractFile(dest string, mode fs.FileMode, mtime time.Time, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) //nolint:gosec // dest checked by safeJoin
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil { //nolint:gosec // archive written by this tool
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if !mtime.IsZero() {
		_ = os.Chtimes(dest, mtime, mtime)
	}
	return nil
}

// DeleteBackup removes a backup's archive directory and metadata. Without
// force, backups still under retention are kept.
func (s *Impl) DeleteBackup(id string, force bool) error {
	meta, err := s.GetBackup(id)
	if err != nil {
		return err
	}
	if !force && meta.RetentionUntil != nil && s.now().Before(*meta.RetentionUntil) {
		return fmt.Errorf("%w until %s", ErrRetentionActive, meta.RetentionUntil.Format(time.RFC3339))
	}

	if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", id, err)
	}
	if err := os.Remove(s.metadataPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove metadata for %s: %w", id, err)
	}

	s.logger.Info().Str("backup_id", id).Bool("force", force).Msg("backup deleted")
	return nil
}

// CleanupExpiredBackups deletes every backup whose retention deadline has passed.
func (s *Impl) CleanupExpiredBackups() (int, error) {
	backups, err := s.ListBackups("")
	if err != nil {
		return 0, err
	}

	now := s.now()
	deleted := 0
	var errs []error
	for _, meta := range backups {
		if !meta.Expired(now) {
			continue
		}
		if err := s.DeleteBackup(meta.BackupID, true); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	s.logger.Info().Int("deleted", deleted).Msg("expired backups cleaned up")
	return deleted, errors.Join(errs...)
}
