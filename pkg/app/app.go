// Package app wires discovery, state, cloning, scanning and reporting into
// the run pipeline behind the command line.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/database"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	filterpkg "github.com/pantheon-systems/gitleaks-bulk/pkg/filter"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/gitman"
	interactpkg "github.com/pantheon-systems/gitleaks-bulk/pkg/interact"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/interact/progress"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/logwriter"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/report"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/scan"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/state"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs/provider"
	"github.com/sirsean/go-pool"
	"github.com/sirupsen/logrus"
)

// Process exit codes. Configuration errors and total discovery failure are
// fatal; per-repo failures let the run continue and are flagged at the end.
const (
	ExitOK             = 0
	ExitConfigError    = 1
	ExitPartialFailure = 2
)

var knownBackends = []string{"gitlab", "bitbucket_dc", "bitbucket_cloud", "github"}

type (
	App struct {
		opts         *Options
		backends     []vcs.Backend
		store        *state.Store
		git          *gitman.Manager
		db           *database.Database
		orchestrator *scan.Orchestrator
		aggregator   *report.Aggregator
		filter       *filterpkg.Spec
		interact     *interactpkg.Interact
		selector     *interactpkg.Selector
		log          *logrus.Entry
	}

	runStats struct {
		prepared int
		scanned  int
		skipped  int
		failed   int
	}
)

// New builds the pipeline from resolved options. Every error out of here is
// a configuration error.
func New(opts *Options, logWriter *logwriter.LogWriter, log *logrus.Entry) (app *App, err error) {
	if err = opts.Validate(); err != nil {
		return
	}

	filter, err := filterpkg.NewSpec(opts.GroupFilter, opts.RepoFilter, opts.GroupRepoFilter, opts.RulesFilter)
	if err != nil {
		return
	}

	if err = setupTruststore(log); err != nil {
		return
	}

	outputDir, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		err = errors.Wrapv(err, "invalid output dir", opts.OutputDir)
		return
	}
	if err = os.MkdirAll(outputDir, 0755); err != nil {
		err = errors.Wrapv(err, "unable to create output dir", outputDir)
		return
	}

	var engine scan.Engine
	if opts.LocalGitleaks {
		engine = scan.NewLocalEngine(log)
	} else {
		engine = scan.NewDockerEngine(opts.GitleaksImage, log)
	}
	if err = engine.Check(); err != nil {
		return
	}

	configFiles, scanConfig, err := scan.ResolveConfigs(opts.GitleaksConf, log)
	if err != nil {
		return
	}
	enableRules, err := scan.AllowedRuleIDs(configFiles, filter.RulesPattern())
	if err != nil {
		return
	}

	db, err := database.New(filepath.Join(outputDir, "db"))
	if err != nil {
		err = errors.WithMessage(err, "unable to create database")
		return
	}

	// Interactive runs always rescan what the user picks.
	forceScan := opts.ForceScan
	if opts.Interactive && !forceScan {
		log.Info("interactive mode, assuming force_scan")
		forceScan = true
	}

	app = &App{
		opts:     opts,
		store:    state.NewStore(outputDir, log),
		git:      gitman.New(outputDir, opts.GitTimeout, log),
		db:       db,
		filter:   filter,
		interact: interactpkg.New(!opts.Verbose && !opts.Interactive, logWriter),
		selector: interactpkg.NewSelector(log),
		orchestrator: scan.NewOrchestrator(engine, db, outputDir, opts.ReportsFormat, scanConfig,
			enableRules, !opts.NoRedacting, forceScan, opts.ScanTimeout, log),
		aggregator: report.NewAggregator(db, outputDir, log),
		log:        log,
	}

	if !opts.ExecutiveReport {
		if app.backends, err = app.connectBackends(); err != nil {
			app = nil
			return
		}
	}

	return
}

// Run executes the pipeline and returns the process exit code.
func (a *App) Run() (exitCode int, err error) {
	start := time.Now()

	if a.opts.ExecutiveReport {
		return a.runExecutiveReport()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop between repos on interrupt, never mid-repo.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	models, discoveryFailures, err := a.discover(ctx)
	if err != nil {
		exitCode = ExitConfigError
		return
	}

	combined := state.Model{}
	for _, model := range models {
		for key, repo := range model {
			combined[key] = repo
		}
	}

	selection := a.filter.Apply(combined)
	if len(selection) == 0 {
		a.log.Warn("no repositories selected, might be due to filters set")
		exitCode = a.finalCode(discoveryFailures)
		return
	}

	if a.opts.Interactive {
		if err = a.runInteractive(ctx, selection, models); err != nil {
			exitCode = ExitConfigError
			return
		}
		exitCode = a.finalCode(discoveryFailures)
		return
	}

	if !a.opts.NoScan && !a.opts.ForceScan {
		a.log.Info("only scanning unscanned repos, use force_scan to scan everything")
	}

	if !a.confirm(len(selection)) {
		a.log.Info("exiting")
		return
	}

	stats := &runStats{}
	batches := toBatches(selection, a.opts.BatchSize)
	for i, batch := range batches {
		if interrupted(stop) {
			a.log.Warn("interrupted, stopping before next batch. Rerun to resume.")
			break
		}
		if len(batches) > 1 {
			a.log.Debugf("processing batch %d/%d", i+1, len(batches))
		}

		var fatal error
		if fatal = a.processBatch(ctx, batch, models, stats, stop); fatal != nil {
			err = fatal
			exitCode = ExitConfigError
			return
		}
	}

	summary, err := a.aggregator.Build(selection)
	if err != nil {
		exitCode = ExitConfigError
		return
	}
	a.aggregator.LogSummary(summary, time.Since(start), "")
	if stats.failed > 0 {
		a.log.Warnf("%d repositories failed, see the log for details", stats.failed)
	}

	if discoveryFailures > 0 || stats.failed > 0 {
		exitCode = ExitPartialFailure
	}

	return
}

// discover refreshes each backend's repo model. One unreachable backend
// does not stop the run; all of them unreachable does.
func (a *App) discover(ctx context.Context) (models map[string]state.Model, failures int, err error) {
	models = map[string]state.Model{}

	for _, backend := range a.backends {
		var model state.Model

		a.interact.SpinWhile(fmt.Sprintf("discovering %s repositories", backend.Name()), func() {
			model, err = a.store.Refresh(ctx, backend, a.opts.UpdateInfo)
		})
		if err != nil {
			a.log.WithError(err).Errorf("unable to discover %s repositories", backend.Name())
			failures++
			err = nil
			continue
		}

		a.log.Infof("%s: %d repositories known", backend.Name(), len(model))
		models[backend.Name()] = model
	}

	if failures == len(a.backends) {
		models = nil
		err = errors.New("all backends failed discovery")
	}

	return
}

func (a *App) processBatch(ctx context.Context, batch []*vcs.Repo, models map[string]state.Model,
	stats *runStats, stop <-chan os.Signal) (fatal error) {

	results := a.prepareBatch(ctx, batch, models)

	for _, result := range results {
		if interrupted(stop) {
			a.log.Warn("interrupted, stopping before next repo. Rerun to resume.")
			return
		}

		log := a.log.WithField("repo", result.Repo.FullName())

		if result.Err != nil {
			log.WithError(result.Err).Error("unable to prepare repo, skipping")
			stats.failed++
			continue
		}
		if result.Branch == "" {
			log.Debug("repo has no branches, skipping")
			stats.skipped++
			continue
		}
		stats.prepared++

		if a.opts.NoScan {
			// The refreshed branch/contact info is still worth keeping
			if err := a.saveRepo(result.Repo, models); err != nil {
				log.WithError(err).Error("unable to persist repo state")
				stats.failed++
			}
			continue
		}
		if !dirExists(result.Copy.Path) {
			log.Warn("working copy not available, skipping scan")
			stats.skipped++
			continue
		}

		outcome := a.orchestrator.ScanRepo(ctx, result.Repo, result.Branch)
		switch outcome.State {
		case scan.StateCompleted:
			stats.scanned++
			if outcome.Result.Findings > 0 {
				log.Warnf("found %d secrets on branch %s, report: %s",
					outcome.Result.Findings, result.Branch, outcome.Result.ReportPath)
			}
			a.removeCloneMaybe(result.Repo)
		case scan.StateSkipped:
			log.Debugf("already scanned branch %s, skipping", result.Branch)
			stats.skipped++
		case scan.StateFailed:
			if scan.IsConfigError(outcome.Err) {
				// A bad engine config fails every repo the same way.
				fatal = errors.WithMessage(outcome.Err, "scan engine configuration is broken, aborting")
				return
			}
			log.WithError(outcome.Err).Error("scan failed")
			stats.failed++
		}

		if err := a.saveRepo(result.Repo, models); err != nil {
			log.WithError(err).Error("unable to persist repo state")
			stats.failed++
		}
	}

	return
}

// prepareBatch refreshes volatile info and working copies concurrently.
func (a *App) prepareBatch(ctx context.Context, batch []*vcs.Repo, models map[string]state.Model) (results []prepResult) {
	workerCount := a.opts.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	p := pool.NewPool(len(batch), workerCount)
	p.Start()

	prog := a.interact.NewProgress()
	var bar *progress.Bar
	if prog != nil {
		bar = prog.AddBar("preparing repositories", len(batch))
	}

	resultCh := make(chan prepResult, len(batch))
	for _, repo := range batch {
		backend := a.backendFor(repo.Backend)
		if backend == nil {
			resultCh <- prepResult{Repo: repo, Err: errors.Errorv("no backend connected for repo", repo.Backend)}
			if bar != nil {
				bar.Incr()
			}
			continue
		}

		p.Add(&prepareWorker{
			ctx:              ctx,
			backend:          backend,
			repo:             repo,
			useDefaultBranch: a.opts.DefaultBranch,
			gitOpts:          gitman.Options{NoClone: a.opts.NoClone, NoCloneUpdate: a.opts.NoCloneUpdate},
			store:            a.store,
			git:              a.git,
			bar:              bar,
			collect:          func(result prepResult) { resultCh <- result },
			log:              a.log.WithField("repo", repo.FullName()),
		})
	}

	p.Close()
	if prog != nil {
		bar.Finished("prepared")
		prog.Wait()
	}

	close(resultCh)
	for result := range resultCh {
		results = append(results, result)
	}

	return
}

func (a *App) runInteractive(ctx context.Context, selection []*vcs.Repo, models map[string]state.Model) (err error) {
	for {
		var repo *vcs.Repo
		var quit bool
		if repo, quit, err = a.selector.PickRepo(selection); err != nil || quit {
			return
		}

		log := a.log.WithField("repo", repo.FullName())

		backend := a.backendFor(repo.Backend)
		if backend == nil {
			log.Error("no backend connected for repo")
			continue
		}

		if touchErr := a.store.TouchVolatile(ctx, backend, repo); touchErr != nil {
			log.WithError(touchErr).Warn("unable to refresh branch/contact info")
		}

		branch, branchErr := a.selector.PickBranch(repo)
		if branchErr != nil {
			log.WithError(branchErr).Error("unable to pick a branch")
			continue
		}

		username, password := backend.GitCredentials()
		copyResult := a.git.EnsureLocal(ctx, repo, branch, username, password,
			gitman.Options{NoClone: a.opts.NoClone, NoCloneUpdate: a.opts.NoCloneUpdate})
		if copyResult.Status == gitman.StatusFailed {
			log.WithError(copyResult.Err).Error("unable to prepare working copy")
			continue
		}

		outcome := a.orchestrator.ScanRepo(ctx, repo, branch)
		switch outcome.State {
		case scan.StateCompleted:
			log.Infof("scan completed, %d findings", outcome.Result.Findings)
			if outcome.Result.ReportPath != "" {
				log.Infof("report: %s", outcome.Result.ReportPath)
			}
		case scan.StateFailed:
			log.WithError(outcome.Err).Error("scan failed")
		}

		if saveErr := a.saveRepo(repo, models); saveErr != nil {
			log.WithError(saveErr).Error("unable to persist repo state")
		}
	}
}

func (a *App) runExecutiveReport() (exitCode int, err error) {
	combined := state.Model{}
	for _, backend := range knownBackends {
		var model state.Model
		if model, err = a.store.Load(backend); err != nil {
			exitCode = ExitConfigError
			return
		}
		for key, repo := range model {
			combined[key] = repo
		}
	}

	selection := a.filter.Apply(combined)
	if len(selection) == 0 {
		a.log.Warn("no repositories left for report, might be due to filters set")
		return
	}

	summary, err := a.aggregator.Build(selection)
	if err != nil {
		exitCode = ExitConfigError
		return
	}

	var path string
	if path, err = a.aggregator.WriteCSV(summary); err != nil {
		exitCode = ExitConfigError
		return
	}
	a.aggregator.LogSummary(summary, 0, path)

	return
}

func (a *App) connectBackends() (result []vcs.Backend, err error) {
	type candidate struct {
		chosen bool
		build  func() (vcs.Backend, vcs.ConnectionInput, error)
	}

	candidates := []candidate{
		{a.opts.Gitlab, func() (vcs.Backend, vcs.ConnectionInput, error) {
			if a.opts.GitlabURL == "" || a.opts.GitlabToken == "" {
				return nil, vcs.ConnectionInput{}, errors.New("provide GITLAB_URL/GITLAB_TOKEN in the environment or config file")
			}
			return provider.NewGitlabBackend(a.log), vcs.ConnectionInput{BaseURL: a.opts.GitlabURL, Token: a.opts.GitlabToken}, nil
		}},
		{a.opts.BitbucketDC, func() (vcs.Backend, vcs.ConnectionInput, error) {
			if a.opts.BitbucketURL == "" || a.opts.BitbucketToken == "" {
				return nil, vcs.ConnectionInput{}, errors.New("provide BITBUCKET_URL/BITBUCKET_TOKEN in the environment or config file")
			}
			return provider.NewBitbucketBackend(nil, a.log), vcs.ConnectionInput{BaseURL: a.opts.BitbucketURL, Token: a.opts.BitbucketToken}, nil
		}},
		{a.opts.BitbucketCloud, func() (vcs.Backend, vcs.ConnectionInput, error) {
			if a.opts.BitbucketCloudToken == "" {
				return nil, vcs.ConnectionInput{}, errors.New("provide BITBUCKET_CLOUD_TOKEN in the environment or config file")
			}
			return provider.NewBitbucketCloudBackend(nil, a.log), vcs.ConnectionInput{Token: a.opts.BitbucketCloudToken}, nil
		}},
		{a.opts.Github, func() (vcs.Backend, vcs.ConnectionInput, error) {
			if a.opts.GithubToken == "" {
				return nil, vcs.ConnectionInput{}, errors.New("provide GITHUB_TOKEN in the environment or config file")
			}
			return provider.NewGithubBackend(a.log), vcs.ConnectionInput{BaseURL: a.opts.GithubURL, Token: a.opts.GithubToken}, nil
		}},
	}

	for _, c := range candidates {
		if !c.chosen {
			continue
		}

		var backend vcs.Backend
		var input vcs.ConnectionInput
		if backend, input, err = c.build(); err != nil {
			result = nil
			return
		}
		if err = backend.Connect(input); err != nil {
			err = errors.WithMessagev(err, "unable to connect backend", backend.Name())
			result = nil
			return
		}

		a.log.Infof("connected to %s", backend.Name())
		result = append(result, backend)
	}

	return
}

func (a *App) backendFor(name string) vcs.Backend {
	for _, backend := range a.backends {
		if backend.Name() == name {
			return backend
		}
	}
	return nil
}

func (a *App) saveRepo(repo *vcs.Repo, models map[string]state.Model) error {
	model, ok := models[repo.Backend]
	if !ok {
		return errors.Errorv("no state model for backend", repo.Backend)
	}
	return a.store.SaveRepo(repo, model)
}

func (a *App) removeCloneMaybe(repo *vcs.Repo) {
	if a.opts.KeepClones || a.opts.Interactive || a.opts.NoClone {
		return
	}
	if err := a.git.RemoveClone(repo); err != nil {
		a.log.WithError(err).Warn("unable to remove working copy")
	}
}

// confirm asks before a batch run starts. The state file makes runs
// resumable, so bailing out is always safe.
func (a *App) confirm(count int) bool {
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("Continue processing %d repositories? You can stop/resume any time", count),
		IsConfirm: true,
		Default:   "y",
	}
	_, err := prompt.Run()
	return err == nil
}

func (a *App) finalCode(discoveryFailures int) int {
	if discoveryFailures > 0 {
		return ExitPartialFailure
	}
	return ExitOK
}

func toBatches(repos []*vcs.Repo, size int) (result [][]*vcs.Repo) {
	if size <= 0 {
		return [][]*vcs.Repo{repos}
	}
	for size < len(repos) {
		result = append(result, repos[:size])
		repos = repos[size:]
	}
	return append(result, repos)
}

func interrupted(stop <-chan os.Signal) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
