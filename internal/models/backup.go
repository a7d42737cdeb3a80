package models

import (
	"fmt"
	"time"
)

// BackupType selects which files go into a backup.
type BackupType string

// Backup types.
const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
	BackupSnapshot    BackupType = "snapshot"
	BackupSelective   BackupType = "selective"
)

// ParseBackupType validates a backup type name.
func ParseBackupType(s string) (BackupType, error) {
	switch BackupType(s) {
	case BackupFull, BackupIncremental, BackupSnapshot, BackupSelective:
		return BackupType(s), nil
	}
	return "", fmt.Errorf("unknown backup type %q (want full, incremental, snapshot or selective)", s)
}

// Compression selects the archive format.
type Compression string

// Archive formats.
const (
	CompressionGzip Compression = "gzip"
	CompressionZip  Compression = "zip"
)

// ParseCompression validates a compression name; "gz" and "tar.gz" are accepted aliases.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "gzip", "gz", "tar.gz":
		return CompressionGzip, nil
	case "zip":
		return CompressionZip, nil
	}
	return "", fmt.Errorf("unknown compression %q (want gzip or zip)", s)
}

// BackupMetadata is the identity record for one backup.
type BackupMetadata struct {
	BackupID         string      `json:"backup_id"`
	SourcePath       string      `json:"source_path"`
	BackupPath       string      `json:"backup_path"`
	CreationTime     time.Time   `json:"creation_time"`
	BackupType       BackupType  `json:"backup_type"`
	Compression      Compression `json:"compression"`
	Encrypted        bool        `json:"encrypted"`
	FileCount        int         `json:"file_count"`
	TotalSize        int64       `json:"total_size"`
	VerificationHash string      `json:"verification_hash"`
	RetentionUntil   *time.Time  `json:"retention_until,omitempty"`
	TemplateName     string      `json:"template_name,omitempty"`
	ParentBackupID   string      `json:"parent_backup_id,omitempty"`
	Tags             []string    `json:"tags,omitempty"`
	Description      string      `json:"description,omitempty"`
}

// Expired reports whether the retention deadline has passed.
func (m *BackupMetadata) Expired(now time.Time) bool {
	return m.RetentionUntil != nil && now.After(*m.RetentionUntil)
}

// BackupOptions configures CreateBackup.
type BackupOptions struct {
	RepositoryPath string
	Type           BackupType
	Compression    Compression
	TemplateName   string
	Exclude        []string
	Patterns       []string // selective backups only
	RetentionDays  *int     // nil uses the configured default
	Tags           []string
	Description    string
}

// FileTreeEntry is one record of a snapshot manifest.
type FileTreeEntry struct {
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
	Mode   string    `json:"mode"`
	SHA256 string    `json:"sha256"`
}

// BackupValidation accumulates every problem found with a backup.
type BackupValidation struct {
	BackupID    string
	IsValid     bool
	Errors      []string
	Warnings    []string
	MemberCount int
}

// RestoreOptions configures RestoreBackup.
type RestoreOptions struct {
	BackupID       string
	TargetPath     string
	Force          bool
	SelectiveFiles []string
}

// RestoreResult reports a restore member by member.
type RestoreResult struct {
	Success       bool
	BackupID      string
	TargetPath    string
	RestoredFiles []string
	SkippedFiles  []string
	FailedFiles   map[string]string
	Warnings      []string
	Errors        []string
}
