package gitman

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	gitvendor "gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	gitplumbing "gopkg.in/src-d/go-git.v4/plumbing"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
)

// Local copy statuses
type Status string

const (
	StatusCloned          Status = "cloned"
	StatusUpdated         Status = "updated"
	StatusSkippedNoClone  Status = "skipped-no-clone"
	StatusSkippedUpToDate Status = "skipped-up-to-date"
	StatusFailed          Status = "failed"
)

type (
	// Manager materializes local working copies under outputDir/repos.
	// The copies are orchestrator-owned: uncommitted changes are not
	// expected and are forcibly discarded on branch switches.
	Manager struct {
		outputDir string
		timeout   time.Duration
		log       *logrus.Entry
	}

	Options struct {
		NoClone       bool
		NoCloneUpdate bool
	}

	LocalCopyResult struct {
		Path   string
		Status Status
		Err    error
	}
)

func New(outputDir string, timeout time.Duration, log *logrus.Entry) *Manager {
	return &Manager{
		outputDir: outputDir,
		timeout:   timeout,
		log:       log,
	}
}

// EnsureLocal makes sure a working copy of the repository exists at its
// clone path, checked out at branch. A failure is recorded on the result,
// never returned as a batch-fatal error.
func (m *Manager) EnsureLocal(ctx context.Context, repo *vcs.Repo, branch, username, password string, opts Options) (result LocalCopyResult) {
	result.Path = repo.ClonePath(m.outputDir)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	auth := &githttp.BasicAuth{Username: username, Password: password}
	log := m.log.WithField("repo", repo.FullName()).WithField("branch", branch)

	exists := dirExists(result.Path)

	if !exists {
		if opts.NoClone {
			result.Status = StatusSkippedNoClone
			return
		}

		if err := m.clone(ctx, repo, branch, result.Path, auth, log); err != nil {
			result.Status = StatusFailed
			result.Err = err
			return
		}
		result.Status = StatusCloned
		return
	}

	// Remove the clone and start over if it is corrupt
	if !isCloneValid(result.Path) {
		log.Warn("removing corrupt working copy")
		if err := os.RemoveAll(result.Path); err != nil {
			result.Status = StatusFailed
			result.Err = errors.Wrapv(err, "unable to remove corrupt working copy", result.Path)
			return
		}
		if opts.NoClone {
			result.Status = StatusSkippedNoClone
			return
		}
		if err := m.clone(ctx, repo, branch, result.Path, auth, log); err != nil {
			result.Status = StatusFailed
			result.Err = err
			return
		}
		result.Status = StatusCloned
		return
	}

	status, err := m.update(ctx, repo, branch, result.Path, auth, opts, log)
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
		return
	}
	result.Status = status

	return
}

// RemoveClone deletes a working copy, refusing to touch anything outside
// the managed repos directory.
func (m *Manager) RemoveClone(repo *vcs.Repo) (err error) {
	path := repo.ClonePath(m.outputDir)

	reposRoot, err := filepath.Abs(filepath.Join(m.outputDir, "repos"))
	if err != nil {
		return errors.Wrap(err, "unable to resolve repos dir")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapv(err, "unable to resolve clone path", path)
	}
	if !strings.HasPrefix(abs, reposRoot+string(os.PathSeparator)) {
		return errors.Errorv("refusing to remove path outside the repos dir", abs)
	}

	m.log.WithField("path", path).Debug("removing working copy")
	return os.RemoveAll(path)
}

func (m *Manager) clone(ctx context.Context, repo *vcs.Repo, branch, path string, auth *githttp.BasicAuth, log *logrus.Entry) (err error) {
	log.Debug("cloning repo")

	// Clone into a temp dir first so an interrupted clone never looks like
	// a valid working copy on the next run.
	tmpPath := path + "-CLONING"
	if err = os.RemoveAll(tmpPath); err != nil {
		err = errors.Wrapv(err, "unable to remove temporary clone dir", tmpPath)
		return
	}
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		err = errors.Wrapv(err, "unable to create clone parent dir", path)
		return
	}

	_, err = gitvendor.PlainCloneContext(ctx, tmpPath, false, &gitvendor.CloneOptions{
		URL:           repo.HTTPLink,
		Auth:          auth,
		ReferenceName: gitplumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          gitvendor.NoTags,
	})
	if err != nil {
		_ = os.RemoveAll(tmpPath)
		err = errors.Wrapv(err, "unable to clone repo", repo.HTTPLink, branch)
		return
	}

	if err = os.Rename(tmpPath, path); err != nil {
		err = errors.Wrapv(err, "unable to move clone into place", tmpPath, path)
	}

	return
}

func (m *Manager) update(ctx context.Context, repo *vcs.Repo, branch, path string, auth *githttp.BasicAuth, opts Options, log *logrus.Entry) (status Status, err error) {
	status = StatusFailed

	gitRepo, err := gitvendor.PlainOpen(path)
	if err != nil {
		err = errors.Wrapv(err, "unable to open working copy", path)
		return
	}

	// A working copy with an unexpected origin is not ours to update.
	var originURL string
	if originURL, err = remoteURL(gitRepo); err != nil {
		return
	}
	if originURL != repo.HTTPLink {
		err = errors.Errorv("working copy has unexpected origin url, remove it to proceed", path, originURL)
		return
	}

	currentBranch := ""
	if head, headErr := gitRepo.Head(); headErr == nil && head.Name().IsBranch() {
		currentBranch = head.Name().Short()
	}

	if opts.NoCloneUpdate && currentBranch == branch {
		status = StatusSkippedUpToDate
		return
	}

	log.Debug("updating working copy")

	refSpec := gitconfig.RefSpec("+refs/heads/" + branch + ":refs/remotes/origin/" + branch)
	fetchErr := gitRepo.FetchContext(ctx, &gitvendor.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
		Tags:       gitvendor.NoTags,
	})
	if fetchErr != nil && fetchErr != gitvendor.NoErrAlreadyUpToDate {
		err = errors.Wrapv(fetchErr, "unable to fetch branch", repo.FullName(), branch)
		return
	}

	remoteRef, err := gitRepo.Reference(gitplumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		err = errors.Wrapv(err, "branch not found on origin", branch)
		return
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		err = errors.Wrap(err, "unable to get worktree")
		return
	}

	branchRef := gitplumbing.NewBranchReferenceName(branch)
	_, refErr := gitRepo.Reference(branchRef, false)
	checkoutOpts := &gitvendor.CheckoutOptions{Branch: branchRef, Force: true}
	if refErr != nil {
		checkoutOpts.Create = true
		checkoutOpts.Hash = remoteRef.Hash()
	}
	if err = worktree.Checkout(checkoutOpts); err != nil {
		err = errors.Wrapv(err, "unable to checkout branch", branch)
		return
	}

	// Local changes are discarded; the copies are ours.
	if err = worktree.Reset(&gitvendor.ResetOptions{Mode: gitvendor.HardReset, Commit: remoteRef.Hash()}); err != nil {
		err = errors.Wrapv(err, "unable to reset working copy", branch)
		return
	}

	if fetchErr == gitvendor.NoErrAlreadyUpToDate && currentBranch == branch {
		status = StatusSkippedUpToDate
		return
	}

	status = StatusUpdated

	return
}

func remoteURL(gitRepo *gitvendor.Repository) (result string, err error) {
	remote, err := gitRepo.Remote("origin")
	if err != nil {
		err = errors.Wrap(err, "unable to get origin remote")
		return
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		err = errors.New("origin remote has no url")
		return
	}
	result = urls[0]
	return
}

func isCloneValid(path string) bool {
	gitRepo, err := gitvendor.PlainOpen(path)
	if err != nil {
		return false
	}
	_, err = gitRepo.Head()
	return err == nil
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
