package interact

import (
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
)

const quitLabel = "quit"

// Selector is the interactive repo picker. It loops outside this type:
// each PickRepo call presents the current selection once.
type Selector struct {
	log *logrus.Entry
}

func NewSelector(log *logrus.Entry) *Selector {
	return &Selector{log: log}
}

// PickRepo presents a fuzzy-searchable list of repos. A quit choice or
// ctrl-c ends the session without error.
func (s *Selector) PickRepo(repos []*vcs.Repo) (repo *vcs.Repo, quit bool, err error) {
	items := make([]string, 0, len(repos)+1)
	for _, candidate := range repos {
		items = append(items, repoLabel(candidate))
	}
	items = append(items, quitLabel)

	prompt := promptui.Select{
		Label:             "Select a repo to scan",
		Items:             items,
		Size:              15,
		StartInSearchMode: true,
		Searcher: func(input string, index int) bool {
			return strings.Contains(strings.ToLower(items[index]), strings.ToLower(input))
		},
	}

	index, _, err := prompt.Run()
	if err == promptui.ErrInterrupt {
		quit = true
		err = nil
		return
	}
	if err != nil {
		err = errors.Wrap(err, "repo selection failed")
		return
	}

	if index == len(repos) {
		quit = true
		return
	}
	repo = repos[index]

	return
}

// PickBranch lets the user choose between the repo's most recently active
// branch and its default branch. With only one known branch there is
// nothing to ask.
func (s *Selector) PickBranch(repo *vcs.Repo) (branch string, err error) {
	var choices []string
	if repo.LatestBranch != "" {
		choices = append(choices, repo.LatestBranch)
	}
	if repo.DefaultBranch != "" && repo.DefaultBranch != repo.LatestBranch {
		choices = append(choices, repo.DefaultBranch)
	}

	if len(choices) == 0 {
		err = errors.Errorv("repo has no known branches", repo.FullName())
		return
	}
	if len(choices) == 1 {
		branch = choices[0]
		return
	}

	prompt := promptui.Select{
		Label: fmt.Sprintf("Select a branch of %s", repo.FullName()),
		Items: choices,
	}

	_, branch, err = prompt.Run()
	if err == promptui.ErrInterrupt {
		branch = choices[0]
		err = nil
		return
	}
	if err != nil {
		err = errors.Wrap(err, "branch selection failed")
	}

	return
}

func repoLabel(repo *vcs.Repo) string {
	if repo.SecretsFound == nil {
		return fmt.Sprintf("%s (not yet scanned)", repo.FullName())
	}
	return fmt.Sprintf("%s (%d found on %s)", repo.FullName(), *repo.SecretsFound, repo.ScannedBranch)
}
