package database

import "time"

// Scan result statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ScanResult is one (repository, scan) invocation outcome. Documents are
// immutable once written; a rescan supersedes the prior one as "latest" by
// timestamp, never by in-place edit.
type ScanResult struct {
	ID         string         `json:"id"`
	RepoKey    string         `json:"repo_key"`
	Backend    string         `json:"backend"`
	Group      string         `json:"group"`
	RepoName   string         `json:"repo_name"`
	Branch     string         `json:"branch"`
	Status     string         `json:"status"`
	ExitStatus int            `json:"exit_status"`
	Findings   int            `json:"findings"`
	Severities map[string]int `json:"severities,omitempty"`
	ReportPath string         `json:"report_path,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (r *ScanResult) Completed() bool {
	return r.Status == StatusCompleted
}
