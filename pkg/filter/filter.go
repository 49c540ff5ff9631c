package filter

import (
	"regexp"
	"sort"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/manip"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/state"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
)

// Spec is the transient filter specification derived once per invocation
// from CLI input. The combined group-or-repo pattern is mutually exclusive
// with the two separate patterns; supplying both is a configuration error,
// rejected before any network or file I/O.
type Spec struct {
	group     *regexp.Regexp
	repo      *regexp.Regexp
	groupRepo *regexp.Regexp
	rules     *regexp.Regexp
}

func NewSpec(groupPattern, repoPattern, groupRepoPattern, rulesPattern string) (result *Spec, err error) {
	if groupRepoPattern != "" && (groupPattern != "" || repoPattern != "") {
		err = errors.New("cannot use the combined group/repo filter together with the separate group or repo filters")
		return
	}

	result = &Spec{}

	if result.group, err = compile(groupPattern, "group filter"); err != nil {
		return
	}
	if result.repo, err = compile(repoPattern, "repo filter"); err != nil {
		return
	}
	if result.groupRepo, err = compile(groupRepoPattern, "group/repo filter"); err != nil {
		return
	}
	if result.rules, err = compile(rulesPattern, "rules filter"); err != nil {
		return
	}

	return
}

// RulesPattern returns the rule-ID regex, or nil when unset. It is passed
// through to the scan engine's rule selection, never evaluated here.
func (s *Spec) RulesPattern() *regexp.Regexp {
	return s.rules
}

// Includes tests one repository against the spec. All matching is
// unanchored, case-insensitive search semantics.
func (s *Spec) Includes(repo *vcs.Repo) bool {
	if s.groupRepo != nil {
		return s.groupRepo.MatchString(repo.Group) || s.groupRepo.MatchString(repo.Name)
	}
	if s.group != nil && !s.group.MatchString(repo.Group) {
		return false
	}
	if s.repo != nil && !s.repo.MatchString(repo.Name) {
		return false
	}
	return true
}

// Apply selects the working set from the model. An empty result is not an
// error; the pipeline reports "nothing to do" and exits cleanly. Output
// order is deterministic: group name, then repo name.
func (s *Spec) Apply(model state.Model) (result []*vcs.Repo) {
	for _, repo := range model {
		if s.Includes(repo) {
			result = append(result, repo)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Group != result[j].Group {
			return result[i].Group < result[j].Group
		}
		return result[i].Name < result[j].Name
	})

	return
}

func compile(pattern, what string) (result *regexp.Regexp, err error) {
	if pattern == "" {
		return
	}
	if result, err = manip.CompileSearch(pattern); err != nil {
		err = errors.Wrapv(err, "invalid regex", what, pattern)
	}
	return
}
