package vcs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
)

// ErrBackendUnavailable marks auth/network failures during discovery. A
// backend that fails mid-pagination aborts its contribution for the run;
// other backends continue.
var ErrBackendUnavailable = errors.New("backend unavailable")

type (
	// Group is a backend namespace containing repositories (a project,
	// group, org or workspace depending on the backend's terminology).
	Group struct {
		Key     string `yaml:"key"`
		Name    string `yaml:"name"`
		Backend string `yaml:"backend"`
	}

	// Repo is one scannable code unit, normalized across backends.
	//
	// Stable fields persist until an explicit full refresh. The branch and
	// contact fields are volatile: re-fetched every run for every repo that
	// will be cloned or scanned. The scan bookkeeping fields are owned by
	// the scan orchestrator.
	Repo struct {
		Backend  string `yaml:"type"`
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Group    string `yaml:"group"`
		GroupKey string `yaml:"group_key"`
		RepoKey  string `yaml:"repo_key"`
		HTTPLink string `yaml:"http_link"`
		SSHLink  string `yaml:"ssh_link"`

		ContactName   string `yaml:"contact_name,omitempty"`
		ContactMail   string `yaml:"contact_mail,omitempty"`
		LatestBranch  string `yaml:"latest_branch,omitempty"`
		DefaultBranch string `yaml:"default_branch,omitempty"`

		ScannedBranch string `yaml:"scanned,omitempty"`
		SecretsFound  *int   `yaml:"secrets_found,omitempty"`
		ReportPath    string `yaml:"report_path,omitempty"`
	}

	// Contact is best-effort owner metadata; the zero value means unknown.
	Contact struct {
		Name string
		Mail string
	}

	ConnectionInput struct {
		BaseURL string
		Token   string
	}

	// Backend is the capability contract each VCS variant implements. The
	// orchestration core never branches on backend identity beyond picking
	// which Backend values to invoke. Adapters are stateless with respect
	// to the state store.
	Backend interface {
		Name() string
		ShortName() string
		Connect(input ConnectionInput) error
		ListGroups(ctx context.Context) ([]Group, error)
		ListRepositories(ctx context.Context, group Group) ([]*Repo, error)
		MostRecentBranch(ctx context.Context, repo *Repo) (string, error)
		Contact(ctx context.Context, repo *Repo) (Contact, error)
		GitCredentials() (username, password string)
	}
)

// Key uniquely identifies a repo as (backend, group, name).
func (r *Repo) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.Backend, r.Group, r.Name)
}

func (r *Repo) FullName() string {
	return fmt.Sprintf("%s/%s", r.Group, r.Name)
}

// ClonePath is derived, never persisted.
func (r *Repo) ClonePath(outputDir string) string {
	return filepath.Join(outputDir, "repos", r.Backend, pathSafe(r.Group), r.Name)
}

// ScanReportPath is derived, never persisted.
func (r *Repo) ScanReportPath(outputDir, format string) string {
	return filepath.Join(outputDir, "reports", r.Backend, pathSafe(r.Group), r.Name+"."+format)
}

// TargetBranch picks the branch of interest. The configured default branch
// always wins when useDefault is set, the freshly refreshed most-recent
// branch otherwise.
func (r *Repo) TargetBranch(useDefault bool) string {
	if useDefault || r.LatestBranch == "" {
		return r.DefaultBranch
	}
	return r.LatestBranch
}

func (r *Repo) HasBranch() bool {
	return r.DefaultBranch != "" || r.LatestBranch != ""
}

// ApplyVolatile overwrites the volatile fields from a fresh fetch.
func (r *Repo) ApplyVolatile(latestBranch string, contact Contact) {
	r.LatestBranch = latestBranch
	r.ContactName = contact.Name
	r.ContactMail = contact.Mail
}

// MergeStable merges a freshly fetched record over a persisted one: every
// field comes from fresh except the scan bookkeeping, which only the scan
// orchestrator writes. Implemented as a function over two records rather
// than in-place mutation so state store writes stay atomic and testable.
func MergeStable(old, fresh *Repo) *Repo {
	merged := *fresh
	merged.ScannedBranch = old.ScannedBranch
	merged.SecretsFound = old.SecretsFound
	merged.ReportPath = old.ReportPath
	return &merged
}

// Nested group paths ("team/subteam") become single path elements on disk.
func pathSafe(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}
