package app

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/gitman"
	interactpkg "github.com/pantheon-systems/gitleaks-bulk/pkg/interact"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/state"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	branch  string
	contact vcs.Contact
}

func (f *fakeBackend) Name() string                             { return "gitlab" }
func (f *fakeBackend) ShortName() string                        { return "gl" }
func (f *fakeBackend) Connect(vcs.ConnectionInput) error        { return nil }
func (f *fakeBackend) GitCredentials() (username, password string) { return "", "" }

func (f *fakeBackend) ListGroups(context.Context) ([]vcs.Group, error) {
	return nil, nil
}

func (f *fakeBackend) ListRepositories(context.Context, vcs.Group) ([]*vcs.Repo, error) {
	return nil, nil
}

func (f *fakeBackend) MostRecentBranch(context.Context, *vcs.Repo) (string, error) {
	return f.branch, nil
}

func (f *fakeBackend) Contact(context.Context, *vcs.Repo) (vcs.Contact, error) {
	return f.contact, nil
}

func validOptions() *Options {
	return &Options{
		Gitlab:        true,
		ReportsFormat: "csv",
		BatchSize:     20,
	}
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, validOptions().Validate())
}

func TestOptionsValidateNoBackend(t *testing.T) {
	opts := validOptions()
	opts.Gitlab = false
	require.Error(t, opts.Validate())

	// Executive report mode works from state files alone
	opts.ExecutiveReport = true
	require.NoError(t, opts.Validate())
}

func TestOptionsValidateFilterExclusion(t *testing.T) {
	opts := validOptions()
	opts.GroupRepoFilter = "acme"
	require.NoError(t, opts.Validate())

	opts.RepoFilter = "api"
	err := opts.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group_repo_filter")
}

func TestOptionsValidateReportsFormat(t *testing.T) {
	opts := validOptions()
	for _, format := range []string{"csv", "json", "junit", "sarif"} {
		opts.ReportsFormat = format
		require.NoError(t, opts.Validate())
	}

	opts.ReportsFormat = "xml"
	require.Error(t, opts.Validate())
}

func TestOptionsValidateTimeouts(t *testing.T) {
	opts := validOptions()
	opts.GitTimeout = -time.Second
	require.Error(t, opts.Validate())

	opts = validOptions()
	opts.ScanTimeout = -time.Second
	require.Error(t, opts.Validate())

	// Zero disables a timeout and is valid
	opts = validOptions()
	require.NoError(t, opts.Validate())
}

func TestProcessBatchNoScanPersistsState(t *testing.T) {
	dir, err := ioutil.TempDir("", "app-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	log := logrus.NewEntry(logrus.New())
	backend := &fakeBackend{
		branch:  "feature-x",
		contact: vcs.Contact{Name: "Grace Hopper", Mail: "grace@example.com"},
	}

	opts := validOptions()
	opts.NoScan = true
	opts.NoClone = true

	store := state.NewStore(dir, log)
	a := &App{
		opts:     opts,
		backends: []vcs.Backend{backend},
		store:    store,
		git:      gitman.New(dir, 0, log),
		interact: interactpkg.New(false, nil),
		log:      log,
	}

	repo := &vcs.Repo{Backend: "gitlab", Group: "platform", Name: "api", DefaultBranch: "main"}
	models := map[string]state.Model{"gitlab": {repo.Key(): repo}}

	stats := &runStats{}
	stop := make(chan os.Signal, 1)
	fatal := a.processBatch(context.Background(), []*vcs.Repo{repo}, models, stats, stop)
	require.NoError(t, fatal)
	require.Equal(t, 1, stats.prepared)
	require.Equal(t, 0, stats.failed)

	// The refreshed volatile fields land in the state file even though
	// nothing was scanned
	persisted, err := store.Load("gitlab")
	require.NoError(t, err)
	saved := persisted[repo.Key()]
	require.NotNil(t, saved)
	assert.Equal(t, "feature-x", saved.LatestBranch)
	assert.Equal(t, "Grace Hopper", saved.ContactName)
	assert.Equal(t, "grace@example.com", saved.ContactMail)
}

func TestToBatches(t *testing.T) {
	repos := []*vcs.Repo{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"}}

	batches := toBatches(repos, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)

	// Zero disables batching
	batches = toBatches(repos, 0)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 5)

	batches = toBatches(repos, 10)
	require.Len(t, batches, 1)
}
