package app

import (
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
)

// Options is the fully resolved run configuration, unmarshalled from flags,
// config file and environment by the command layer.
type Options struct {

	// Backend selection
	Gitlab         bool `mapstructure:"gitlab"`
	BitbucketDC    bool `mapstructure:"bitbucket_dc"`
	BitbucketCloud bool `mapstructure:"bitbucket_cloud"`
	Github         bool `mapstructure:"github"`

	// Backend credentials, environment-only
	GitlabURL           string `mapstructure:"gitlab_url"`
	GitlabToken         string `mapstructure:"gitlab_token"`
	BitbucketURL        string `mapstructure:"bitbucket_url"`
	BitbucketToken      string `mapstructure:"bitbucket_token"`
	BitbucketCloudToken string `mapstructure:"bitbucket_cloud_token"`
	GithubURL           string `mapstructure:"github_url"`
	GithubToken         string `mapstructure:"github_token"`

	// Modes
	UpdateInfo      bool `mapstructure:"updateinfo"`
	ExecutiveReport bool `mapstructure:"executive_report"`
	Interactive     bool `mapstructure:"interactive"`

	// Filters
	RepoFilter      string `mapstructure:"repofilter"`
	GroupFilter     string `mapstructure:"groupfilter"`
	GroupRepoFilter string `mapstructure:"group_repo_filter"`
	RulesFilter     string `mapstructure:"rulesfilter"`

	// Clone/scan behavior
	NoScan        bool          `mapstructure:"noscan"`
	DefaultBranch bool          `mapstructure:"defaultbranch"`
	ForceScan     bool          `mapstructure:"force_scan"`
	NoClone       bool          `mapstructure:"no_clone"`
	NoCloneUpdate bool          `mapstructure:"no_clone_update"`
	KeepClones    bool          `mapstructure:"keep_clones"`
	BatchSize     int           `mapstructure:"batch_size"`
	WorkerCount   int           `mapstructure:"worker_count"`
	GitTimeout    time.Duration `mapstructure:"git_timeout"`
	ScanTimeout   time.Duration `mapstructure:"scan_timeout"`

	// Engine
	NoRedacting   bool   `mapstructure:"no_redacting"`
	GitleaksImage string `mapstructure:"gitleaks_image"`
	LocalGitleaks bool   `mapstructure:"localgitleaks"`
	ReportsFormat string `mapstructure:"reports_format"`
	GitleaksConf  string `mapstructure:"gitleaks_conf"`

	// Output
	OutputDir string `mapstructure:"output_folder"`
	Verbose   bool   `mapstructure:"verbose"`
}

// Validate applies the option rules that hold regardless of which backends
// can be reached. All of these are configuration errors.
func (o *Options) Validate() (err error) {
	if !o.ExecutiveReport {
		if !o.Gitlab && !o.BitbucketDC && !o.BitbucketCloud && !o.Github {
			return errors.New("pick at least one backend to use")
		}
	}

	if o.GroupRepoFilter != "" && (o.RepoFilter != "" || o.GroupFilter != "") {
		return errors.New("cannot use group_repo_filter at the same time as repofilter/groupfilter")
	}

	switch o.ReportsFormat {
	case "csv", "json", "junit", "sarif":
	default:
		return errors.Errorv("unsupported reports format", o.ReportsFormat)
	}

	if o.BatchSize < 0 {
		return errors.Errorv("batch size cannot be negative", o.BatchSize)
	}

	// Zero disables the respective timeout
	if o.GitTimeout < 0 {
		return errors.Errorv("git timeout cannot be negative", o.GitTimeout)
	}
	if o.ScanTimeout < 0 {
		return errors.Errorv("scan timeout cannot be negative", o.ScanTimeout)
	}

	return
}
