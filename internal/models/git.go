package models

// GitInfo describes the git state of a repository.
type GitInfo struct {
	Branch    string
	Commit    string
	RemoteURL string
	Clean     bool
}
