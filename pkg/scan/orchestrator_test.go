package scan

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/database"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	exitCode   int
	stderr     string
	err        error
	reportBody string
	calls      int
}

func (e *fakeEngine) Check() error { return nil }

func (e *fakeEngine) Scan(ctx context.Context, inv Invocation) (int, string, error) {
	e.calls++
	if e.reportBody != "" {
		if err := ioutil.WriteFile(inv.ReportPath, []byte(e.reportBody), 0644); err != nil {
			return 0, "", err
		}
	}
	return e.exitCode, e.stderr, e.err
}

func newTestOrchestrator(t *testing.T, engine Engine, forceScan bool) (*Orchestrator, *database.Database, string, func()) {
	dir, err := ioutil.TempDir("", "scan-test")
	require.NoError(t, err)

	db, err := database.New(filepath.Join(dir, "db"))
	require.NoError(t, err)

	log := logrus.NewEntry(logrus.New())
	orch := NewOrchestrator(engine, db, dir, "csv", "gitleaks.toml", nil, true, forceScan, time.Minute, log)

	return orch, db, dir, func() { os.RemoveAll(dir) }
}

func testRepo() *vcs.Repo {
	return &vcs.Repo{
		Backend:       "gitlab",
		Group:         "platform",
		Name:          "api",
		DefaultBranch: "main",
	}
}

func TestScanRepoCleanExit(t *testing.T) {
	engine := &fakeEngine{exitCode: 0, reportBody: "RuleID,File\n"}
	orch, db, dir, cleanup := newTestOrchestrator(t, engine, false)
	defer cleanup()
	repo := testRepo()

	outcome := orch.ScanRepo(context.Background(), repo, "main")

	require.Equal(t, StateCompleted, outcome.State)
	require.NoError(t, outcome.Err)
	require.Equal(t, 0, outcome.Result.Findings)
	require.Empty(t, outcome.Result.ReportPath)

	// Empty reports do not survive a clean scan
	_, statErr := os.Stat(repo.ScanReportPath(dir, "csv"))
	require.True(t, os.IsNotExist(statErr))

	require.Equal(t, "main", repo.ScannedBranch)
	require.NotNil(t, repo.SecretsFound)
	require.Equal(t, 0, *repo.SecretsFound)

	stored, err := db.LatestScanResult(repo.Key(), "main")
	require.NoError(t, err)
	require.Equal(t, database.StatusCompleted, stored.Status)
}

func TestScanRepoFindings(t *testing.T) {
	report := "RuleID,File,Secret\naws-access-key,config.py,REDACTED\ngeneric-password,settings.py,REDACTED\nprivate-key,id_rsa,REDACTED\n"
	engine := &fakeEngine{exitCode: 1, stderr: "WRN leaks found: 3", reportBody: report}
	orch, db, _, cleanup := newTestOrchestrator(t, engine, false)
	defer cleanup()
	repo := testRepo()

	outcome := orch.ScanRepo(context.Background(), repo, "main")

	require.Equal(t, StateCompleted, outcome.State)
	require.Equal(t, 3, outcome.Result.Findings)
	require.NotEmpty(t, outcome.Result.ReportPath)
	require.Equal(t, map[string]int{
		SeverityCritical: 1,
		SeverityHigh:     1,
		SeverityMedium:   1,
	}, outcome.Result.Severities)

	require.Equal(t, 3, *repo.SecretsFound)
	require.Equal(t, outcome.Result.ReportPath, repo.ReportPath)

	stored, err := db.LatestScanResult(repo.Key(), "main")
	require.NoError(t, err)
	require.Equal(t, 3, stored.Findings)
}

func TestScanRepoEngineFailure(t *testing.T) {
	engine := &fakeEngine{exitCode: 126, stderr: "some engine\nexplosion\nwith a stack trace"}
	orch, db, _, cleanup := newTestOrchestrator(t, engine, false)
	defer cleanup()
	repo := testRepo()

	outcome := orch.ScanRepo(context.Background(), repo, "main")

	require.Equal(t, StateFailed, outcome.State)
	require.Error(t, outcome.Err)
	require.Nil(t, repo.SecretsFound)

	// Stderr is flattened into the single-line error value
	require.Contains(t, outcome.Err.Error(), "some engine explosion with a stack trace")
	require.NotContains(t, outcome.Err.Error(), "\n")

	// The failure is recorded so a later run can retry it
	stored, err := db.LatestScanResult(repo.Key(), "main")
	require.NoError(t, err)
	require.Equal(t, database.StatusFailed, stored.Status)
	require.Equal(t, 126, stored.ExitStatus)
}

func TestScanRepoSkipsPriorCompleted(t *testing.T) {
	engine := &fakeEngine{exitCode: 0}
	orch, _, _, cleanup := newTestOrchestrator(t, engine, false)
	defer cleanup()
	repo := testRepo()

	first := orch.ScanRepo(context.Background(), repo, "main")
	require.Equal(t, StateCompleted, first.State)

	second := orch.ScanRepo(context.Background(), repo, "main")
	require.Equal(t, StateSkipped, second.State)
	require.Equal(t, 1, engine.calls)
}

func TestScanRepoRetriesPriorFailure(t *testing.T) {
	engine := &fakeEngine{exitCode: 126}
	orch, _, _, cleanup := newTestOrchestrator(t, engine, false)
	defer cleanup()
	repo := testRepo()

	first := orch.ScanRepo(context.Background(), repo, "main")
	require.Equal(t, StateFailed, first.State)

	engine.exitCode = 0
	second := orch.ScanRepo(context.Background(), repo, "main")
	require.Equal(t, StateCompleted, second.State)
	require.Equal(t, 2, engine.calls)
}

func TestScanRepoForceRescans(t *testing.T) {
	engine := &fakeEngine{exitCode: 0}
	orch, _, _, cleanup := newTestOrchestrator(t, engine, true)
	defer cleanup()
	repo := testRepo()

	orch.ScanRepo(context.Background(), repo, "main")
	orch.ScanRepo(context.Background(), repo, "main")
	require.Equal(t, 2, engine.calls)
}

func TestScanRepoDifferentBranchNotSkipped(t *testing.T) {
	engine := &fakeEngine{exitCode: 0}
	orch, _, _, cleanup := newTestOrchestrator(t, engine, false)
	defer cleanup()
	repo := testRepo()

	orch.ScanRepo(context.Background(), repo, "main")
	outcome := orch.ScanRepo(context.Background(), repo, "develop")

	require.Equal(t, StateCompleted, outcome.State)
	require.Equal(t, 2, engine.calls)
}

func TestFindingCount(t *testing.T) {
	require.Equal(t, 12, findingCount("4:20PM WRN leaks found: 12\n"))
	require.Equal(t, 0, findingCount("no leaks found\n"))
	require.Equal(t, 0, findingCount(""))
}

func TestIsConfigError(t *testing.T) {
	require.True(t, IsConfigError(errors.New("Failed to load config: toml: line 4")))
	require.True(t, IsConfigError(errors.New("invalid config near [rules]")))
	require.False(t, IsConfigError(errors.New("connection reset by peer")))
	require.False(t, IsConfigError(nil))
}
