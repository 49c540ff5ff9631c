package scan

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/database"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/manip"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
)

// Per-repository scan states
type State string

const (
	StatePending   State = "PENDING"
	StateSkipped   State = "SKIPPED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

var (
	leaksFoundRegex  = regexp.MustCompile(`leaks found: (\d+)`)
	configErrorRegex = regexp.MustCompile(`(?i)(failed to load config|invalid config|unable to load.*config)`)
)

type (
	// Orchestrator drives the external engine per repository and records
	// immutable scan results. Scans run sequentially: one engine
	// invocation owns the working directory at a time.
	Orchestrator struct {
		engine       Engine
		db           *database.Database
		outputDir    string
		reportFormat string
		configPath   string
		enableRules  []string
		redact       bool
		forceScan    bool
		timeout      time.Duration
		log          *logrus.Entry
	}

	// Outcome is the terminal state of one repository's scan step.
	Outcome struct {
		State  State
		Result *database.ScanResult
		Err    error
	}
)

func NewOrchestrator(engine Engine, db *database.Database, outputDir, reportFormat, configPath string,
	enableRules []string, redact, forceScan bool, timeout time.Duration, log *logrus.Entry) *Orchestrator {

	return &Orchestrator{
		engine:       engine,
		db:           db,
		outputDir:    outputDir,
		reportFormat: reportFormat,
		configPath:   configPath,
		enableRules:  enableRules,
		redact:       redact,
		forceScan:    forceScan,
		timeout:      timeout,
		log:          log,
	}
}

// ScanRepo takes one repository through PENDING -> (SKIPPED | RUNNING) ->
// (COMPLETED | FAILED). A result is either fully recorded or not started;
// nothing partial is ever persisted.
func (o *Orchestrator) ScanRepo(ctx context.Context, repo *vcs.Repo, branch string) (outcome Outcome) {
	log := o.log.WithField("repo", repo.FullName()).WithField("branch", branch)

	if !o.forceScan {
		prior, err := o.db.LatestScanResult(repo.Key(), branch)
		if err != nil {
			outcome = Outcome{State: StateFailed, Err: errors.WithMessage(err, "unable to check prior scan results")}
			return
		}
		if prior != nil && prior.Completed() {
			log.Debug("already scanned, skipping")
			outcome = Outcome{State: StateSkipped, Result: prior}
			return
		}
	}

	reportPath := repo.ScanReportPath(o.outputDir, o.reportFormat)
	if err := os.MkdirAll(filepath.Dir(reportPath), 0755); err != nil {
		outcome = Outcome{State: StateFailed, Err: errors.Wrapv(err, "unable to create reports dir", reportPath)}
		return
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	log.Debug("scanning repo")

	exitCode, stderr, err := o.engine.Scan(ctx, Invocation{
		RepoPath:     repo.ClonePath(o.outputDir),
		ReportPath:   reportPath,
		ReportFormat: o.reportFormat,
		ConfigPath:   o.configPath,
		Redact:       o.redact,
		EnableRules:  o.enableRules,
	})

	result := &database.ScanResult{
		RepoKey:    repo.Key(),
		Backend:    repo.Backend,
		Group:      repo.Group,
		RepoName:   repo.Name,
		Branch:     branch,
		ExitStatus: exitCode,
		Timestamp:  time.Now(),
	}

	switch {
	case err != nil:
		result.Status = database.StatusFailed
		result.ExitStatus = -1
		outcome = Outcome{State: StateFailed, Result: result, Err: err}

	case exitCode == 0:
		// Clean: findings are zero, the empty report artifact goes away.
		_ = os.Remove(reportPath)
		result.Status = database.StatusCompleted
		outcome = Outcome{State: StateCompleted, Result: result}

	case exitCode == 1:
		// Findings present. This is data, not a pipeline failure.
		result.Status = database.StatusCompleted
		result.Findings = findingCount(stderr)
		result.ReportPath = reportPath
		result.Severities = o.severityBreakdown(reportPath, log)
		outcome = Outcome{State: StateCompleted, Result: result}

	default:
		result.Status = database.StatusFailed
		outcome = Outcome{State: StateFailed, Result: result,
			Err: errors.Errorv("scan engine failed", exitCode, manip.MakeOneLine(trimStderr(stderr), " "))}
	}

	if writeErr := o.db.WriteScanResult(result); writeErr != nil {
		outcome = Outcome{State: StateFailed, Err: errors.WithMessage(writeErr, "unable to record scan result")}
		return
	}

	// Summarize onto the repo's state bookkeeping.
	if outcome.State == StateCompleted {
		findings := result.Findings
		repo.ScannedBranch = branch
		repo.SecretsFound = &findings
		repo.ReportPath = result.ReportPath
	}

	return
}

// IsConfigError reports whether a failure looks like a malformed engine
// config. Those will recur for every repository, so the batch fails fast
// on the first occurrence instead of repeating the error per repo.
func IsConfigError(err error) bool {
	return err != nil && configErrorRegex.MatchString(err.Error())
}

func findingCount(stderr string) (result int) {
	match := leaksFoundRegex.FindStringSubmatch(stderr)
	if match == nil {
		return
	}
	result, _ = strconv.Atoi(match[1])
	return
}

func trimStderr(stderr string) string {
	const max = 400
	if len(stderr) > max {
		return stderr[len(stderr)-max:]
	}
	return stderr
}

// severityBreakdown counts findings per severity class by reading the rule
// IDs out of the report artifact. Formats other than csv/json yield no
// breakdown, which the aggregator tolerates.
func (o *Orchestrator) severityBreakdown(reportPath string, log *logrus.Entry) (result map[string]int) {
	ruleIDs, err := reportRuleIDs(reportPath, o.reportFormat)
	if err != nil {
		log.WithError(err).Debug("unable to read rule ids from report")
		return
	}
	if len(ruleIDs) == 0 {
		return
	}

	result = map[string]int{}
	for _, ruleID := range ruleIDs {
		result[SeverityForRule(ruleID)]++
	}
	return
}

func reportRuleIDs(reportPath, format string) (result []string, err error) {
	switch format {
	case "csv":
		return csvRuleIDs(reportPath)
	case "json":
		return jsonRuleIDs(reportPath)
	}
	return
}

func csvRuleIDs(reportPath string) (result []string, err error) {
	file, err := os.Open(reportPath)
	if err != nil {
		err = errors.Wrapv(err, "unable to open report", reportPath)
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		err = errors.Wrap(err, "unable to read report header")
		return
	}

	ruleIDColumn := -1
	for i, name := range header {
		if name == "RuleID" {
			ruleIDColumn = i
			break
		}
	}
	if ruleIDColumn == -1 {
		err = errors.New("report has no RuleID column")
		return
	}

	for {
		row, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			err = errors.Wrap(readErr, "unable to read report row")
			return
		}
		result = append(result, row[ruleIDColumn])
	}

	return
}

func jsonRuleIDs(reportPath string) (result []string, err error) {
	raw, err := ioutil.ReadFile(reportPath)
	if err != nil {
		err = errors.Wrapv(err, "unable to read report", reportPath)
		return
	}

	var findings []struct {
		RuleID string `json:"RuleID"`
	}
	if err = json.Unmarshal(raw, &findings); err != nil {
		err = errors.Wrap(err, "unable to parse report")
		return
	}

	for _, finding := range findings {
		result = append(result, finding.RuleID)
	}

	return
}
