package models

// ConflictType classifies a collision between a template file and an existing file.
type ConflictType string

// Conflict types.
const (
	ConflictFileExists            ConflictType = "file_exists"
	ConflictDirectoryMismatch     ConflictType = "directory_mismatch"
	ConflictContent               ConflictType = "content_conflict"
	ConflictDependency            ConflictType = "dependency_conflict"
	ConflictScriptNameCollision   ConflictType = "script_name_collision"
	ConflictCriticalFileOverwrite ConflictType = "critical_file_overwrite"
	ConflictPermission            ConflictType = "permission_conflict"
	ConflictEncoding              ConflictType = "encoding_conflict"
)

// Severity ranks how dangerous a conflict is.
type Severity string

// Severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResolutionStrategy names how a conflict gets resolved.
type ResolutionStrategy string

// Resolution strategies.
const (
	StrategyAutoMerge        ResolutionStrategy = "auto_merge"
	StrategyManualMerge      ResolutionStrategy = "manual_merge"
	StrategyTemplateWins     ResolutionStrategy = "template_wins"
	StrategyExistingWins     ResolutionStrategy = "existing_wins"
	StrategyBackupAndReplace ResolutionStrategy = "backup_and_replace"
	StrategySideBySide       ResolutionStrategy = "side_by_side"
	StrategyUserDecision     ResolutionStrategy = "user_decision"
	StrategySkip             ResolutionStrategy = "skip"
)

// Label returns a short human description used in prompts.
func (s ResolutionStrategy) Label() string {
	switch s {
	case StrategyAutoMerge:
		return "Merge automatically"
	case StrategyManualMerge:
		return "Merge manually"
	case StrategyTemplateWins:
		return "Replace with template version"
	case StrategyExistingWins:
		return "Keep existing file"
	case StrategyBackupAndReplace:
		return "Back up existing file, then replace"
	case StrategySideBySide:
		return "Write template version next to the existing file"
	case StrategySkip:
		return "Skip"
	default:
		return string(s)
	}
}

// Metadata keys used on ConflictDetail.
const (
	MetaMergeType = "merge_type"
	MetaScript    = "script"
)

// MergeTypePackageJSON marks dependency conflicts on package.json.
const MergeTypePackageJSON = "package_json"

// ConflictDetail describes one collision between a template-supplied file
// and an existing file.
type ConflictDetail struct {
	Type              ConflictType
	Severity          Severity
	TemplateFile      string
	ExistingFile      string
	Description       string
	SuggestedStrategy ResolutionStrategy
	AutoResolvable    bool
	UserPrompt        string
	Options           []ResolutionStrategy
	Metadata          map[string]string
}

// ResolutionResult is the outcome of applying a strategy to one conflict.
type ResolutionResult struct {
	Success              bool
	StrategyUsed         ResolutionStrategy
	ActionTaken          string
	Message              string
	BackupID             string // set when the existing file was copied aside
	MergedContent        []byte // nil when nothing needs to be written
	OutputPath           string // where MergedContent belongs
	SoftConflicts        []string
	RequiresManualReview bool
}
