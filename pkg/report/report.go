package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hako/durafmt"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/database"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
)

const notYetScanned = "not yet scanned"

type (
	// Aggregator rolls per-repo scan bookkeeping up into the executive
	// report. It reads, never writes, repo and scan state.
	Aggregator struct {
		db        *database.Database
		outputDir string
		log       *logrus.Entry
	}

	// Row is one repository line in the executive report.
	Row struct {
		Name         string
		Group        string
		Backend      string
		Branch       string
		SecretsFound *int
		ReportPath   string
		ContactName  string
		ContactMail  string
		Severities   map[string]int
	}

	// GroupSummary rolls the rows of one group up, with a per-contact
	// breakdown so findings can be routed to owners.
	GroupSummary struct {
		Name              string
		TotalRepos        int
		ReposWithFindings int
		Findings          int
		NotScanned        int
		Severities        map[string]int
		Contacts          []ContactSummary
	}

	ContactSummary struct {
		Name     string
		Mail     string
		Repos    int
		Findings int
	}

	// Summary is the aggregate over all selected repositories.
	Summary struct {
		Rows              []Row
		Groups            []GroupSummary
		TotalRepos        int
		ScannedRepos      int
		ReposWithFindings int
		TotalFindings     int
		Severities        map[string]int
	}
)

func NewAggregator(db *database.Database, outputDir string, log *logrus.Entry) *Aggregator {
	return &Aggregator{
		db:        db,
		outputDir: outputDir,
		log:       log,
	}
}

// Build aggregates the current scan bookkeeping of the given repositories.
// Repos without a recorded scan land in the report too, flagged as not yet
// scanned, so the report always accounts for the full selection.
func (a *Aggregator) Build(repos []*vcs.Repo) (summary Summary, err error) {
	latest, err := a.db.LatestScanResults()
	if err != nil {
		err = errors.WithMessage(err, "unable to load scan results")
		return
	}

	summary.Severities = map[string]int{}
	summary.TotalRepos = len(repos)

	for _, repo := range repos {
		row := Row{
			Name:         repo.Name,
			Group:        repo.Group,
			Backend:      repo.Backend,
			Branch:       repo.ScannedBranch,
			SecretsFound: repo.SecretsFound,
			ReportPath:   repo.ReportPath,
			ContactName:  repo.ContactName,
			ContactMail:  repo.ContactMail,
		}

		if result, ok := latest[repo.Key()]; ok && result.Completed() {
			row.Severities = result.Severities
		}

		if row.SecretsFound != nil {
			summary.ScannedRepos++
			summary.TotalFindings += *row.SecretsFound
			if *row.SecretsFound > 0 {
				summary.ReposWithFindings++
			}
			for severity, count := range row.Severities {
				summary.Severities[severity] += count
			}
		}

		summary.Rows = append(summary.Rows, row)
	}

	sort.Slice(summary.Rows, func(i, j int) bool {
		if summary.Rows[i].Group != summary.Rows[j].Group {
			return summary.Rows[i].Group < summary.Rows[j].Group
		}
		return summary.Rows[i].Name < summary.Rows[j].Name
	})

	summary.Groups = groupRows(summary.Rows)

	return
}

// groupRows rolls the sorted rows up per group, with a contact breakdown
// inside each group. Rows come in sorted by group then name, so groups come
// out in name order.
func groupRows(rows []Row) (result []GroupSummary) {
	for _, row := range rows {
		if len(result) == 0 || result[len(result)-1].Name != row.Group {
			result = append(result, GroupSummary{Name: row.Group, Severities: map[string]int{}})
		}
		group := &result[len(result)-1]

		group.TotalRepos++
		if row.SecretsFound == nil {
			group.NotScanned++
			continue
		}

		group.Findings += *row.SecretsFound
		if *row.SecretsFound > 0 {
			group.ReposWithFindings++
		}
		for severity, count := range row.Severities {
			group.Severities[severity] += count
		}

		contactIndex := -1
		for i, contact := range group.Contacts {
			if contact.Name == row.ContactName && contact.Mail == row.ContactMail {
				contactIndex = i
				break
			}
		}
		if contactIndex == -1 {
			group.Contacts = append(group.Contacts, ContactSummary{Name: row.ContactName, Mail: row.ContactMail})
			contactIndex = len(group.Contacts) - 1
		}
		group.Contacts[contactIndex].Repos++
		group.Contacts[contactIndex].Findings += *row.SecretsFound
	}

	for i := range result {
		sort.Slice(result[i].Contacts, func(a, b int) bool {
			return result[i].Contacts[a].Name < result[i].Contacts[b].Name
		})
	}

	return
}

// WriteCSV writes the executive report file and returns its path.
func (a *Aggregator) WriteCSV(summary Summary) (path string, err error) {
	if err = os.MkdirAll(a.outputDir, 0755); err != nil {
		err = errors.Wrapv(err, "unable to create output dir", a.outputDir)
		return
	}

	filename := fmt.Sprintf("executive_report_%s.csv", time.Now().Format("2006-01-02_150405"))
	path = filepath.Join(a.outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		err = errors.Wrapv(err, "unable to create executive report", path)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err = writer.Write([]string{"name", "group", "type", "branch", "secrets_found", "report", "contact", "mail"}); err != nil {
		err = errors.Wrap(err, "unable to write executive report header")
		return
	}

	for _, row := range summary.Rows {
		secretsFound := notYetScanned
		if row.SecretsFound != nil {
			secretsFound = strconv.Itoa(*row.SecretsFound)
		}

		record := []string{
			row.Name,
			row.Group,
			row.Backend,
			row.Branch,
			secretsFound,
			row.ReportPath,
			row.ContactName,
			row.ContactMail,
		}
		if err = writer.Write(record); err != nil {
			err = errors.Wrapv(err, "unable to write executive report row", row.Name)
			return
		}
	}

	writer.Flush()
	if err = writer.Error(); err != nil {
		err = errors.Wrap(err, "unable to flush executive report")
	}

	return
}

// LogSummary prints the run roll-up the way operators read it: totals
// first, then the severity spread, then where the full report landed.
func (a *Aggregator) LogSummary(summary Summary, elapsed time.Duration, reportPath string) {
	if elapsed > 0 {
		a.log.Infof("scanned %d of %d repos in %s",
			summary.ScannedRepos, summary.TotalRepos, durafmt.ParseShort(elapsed))
	} else {
		a.log.Infof("scanned %d of %d repos", summary.ScannedRepos, summary.TotalRepos)
	}
	a.log.Infof("%d repos with findings, %d findings total",
		summary.ReposWithFindings, summary.TotalFindings)

	for _, severity := range []string{"critical", "high", "medium", "low"} {
		if count := summary.Severities[severity]; count > 0 {
			a.log.Infof("  %s: %d", severity, count)
		}
	}

	for _, group := range summary.Groups {
		if group.Findings == 0 {
			continue
		}
		a.log.Infof("  %s: %d findings in %d of %d repos",
			group.Name, group.Findings, group.ReposWithFindings, group.TotalRepos)
		for _, contact := range group.Contacts {
			if contact.Findings == 0 || contact.Name == "" {
				continue
			}
			a.log.Infof("    contact %s <%s>: %d findings in %d repos",
				contact.Name, contact.Mail, contact.Findings, contact.Repos)
		}
	}

	if notScanned := summary.TotalRepos - summary.ScannedRepos; notScanned > 0 {
		a.log.Infof("%d repos not yet scanned", notScanned)
	}
	if reportPath != "" {
		a.log.Infof("executive report written to %s", reportPath)
	}
}
