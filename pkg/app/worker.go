package app

import (
	"context"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/gitman"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/interact/progress"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/state"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
)

// prepResult is the outcome of preparing one repo for scanning: volatile
// info refreshed and a local working copy made current.
type prepResult struct {
	Repo   *vcs.Repo
	Branch string
	Copy   gitman.LocalCopyResult
	Err    error
}

// prepareWorker refreshes one repo's volatile info and materializes its
// working copy. Instances run concurrently in the prepare pool and share
// the batch progress bar; collect must be safe for concurrent use.
type prepareWorker struct {
	ctx              context.Context
	backend          vcs.Backend
	repo             *vcs.Repo
	useDefaultBranch bool
	gitOpts          gitman.Options
	store            *state.Store
	git              *gitman.Manager
	bar              *progress.Bar
	collect          func(prepResult)
	log              *logrus.Entry
}

func (w *prepareWorker) Perform() {
	result := w.prepare()
	w.collect(result)
}

func (w *prepareWorker) prepare() (result prepResult) {
	result.Repo = w.repo

	if w.bar != nil {
		defer w.bar.Incr()
	}

	// Branch and contact are volatile: refreshed every run. A refresh
	// failure falls back to whatever the state file already has.
	if err := w.store.TouchVolatile(w.ctx, w.backend, w.repo); err != nil {
		w.warn(err, "unable to refresh branch/contact info")
	}

	if !w.repo.HasBranch() {
		w.log.Debug("repo has no branches, skipping")
		return
	}
	result.Branch = w.repo.TargetBranch(w.useDefaultBranch)

	username, password := w.backend.GitCredentials()
	result.Copy = w.git.EnsureLocal(w.ctx, w.repo, result.Branch, username, password, w.gitOpts)
	if result.Copy.Status == gitman.StatusFailed {
		result.Err = errors.WithMessagev(result.Copy.Err, "unable to prepare working copy", w.repo.FullName())
	}

	return
}

// warn logs through the bar when one is rendering, so the message reaches
// the terminal instead of being muted by the progress display.
func (w *prepareWorker) warn(err error, message string) {
	logWarn := func() { w.log.WithError(err).Warn(message) }
	if w.bar != nil {
		w.bar.BustThrough(logWarn)
		return
	}
	logWarn()
}
