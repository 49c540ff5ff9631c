package provider

import (
	"context"
	"strconv"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	gitlab "github.com/xanzy/go-gitlab"
)

// GitlabBackend discovers repos through the GitLab API. Projects in user
// namespaces, archived projects and empty repos are left out.
type GitlabBackend struct {
	client *gitlab.Client
	token  string
	cache  contactCache
	log    *logrus.Entry
}

func NewGitlabBackend(log *logrus.Entry) *GitlabBackend {
	return &GitlabBackend{log: log}
}

func (b *GitlabBackend) Name() string      { return "gitlab" }
func (b *GitlabBackend) ShortName() string { return "gl" }

func (b *GitlabBackend) GitCredentials() (username, password string) {
	return "oauth2", b.token
}

func (b *GitlabBackend) Connect(input vcs.ConnectionInput) (err error) {
	b.token = input.Token

	b.client, err = gitlab.NewClient(input.Token, gitlab.WithBaseURL(input.BaseURL))
	if err != nil {
		return errors.Wrapv(err, "unable to create gitlab client", input.BaseURL)
	}

	b.log.WithField("url", input.BaseURL).Debug("connecting to gitlab")

	if _, _, err = b.client.Users.CurrentUser(); err != nil {
		return errors.WithMessagev(vcs.ErrBackendUnavailable, "gitlab authentication failed, check your token", input.BaseURL, err)
	}

	return
}

func (b *GitlabBackend) ListGroups(ctx context.Context) (result []vcs.Group, err error) {
	opt := &gitlab.ListGroupsOptions{
		ListOptions:  gitlab.ListOptions{PerPage: perPage},
		AllAvailable: gitlab.Bool(true),
	}

	for {
		var groups []*gitlab.Group
		var resp *gitlab.Response
		groups, resp, err = b.client.Groups.ListGroups(opt, gitlab.WithContext(ctx))
		if err != nil {
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list gitlab groups", err)
			return
		}

		for _, group := range groups {
			result = append(result, vcs.Group{
				Key:     group.FullPath,
				Name:    group.FullPath,
				Backend: b.Name(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	return
}

func (b *GitlabBackend) ListRepositories(ctx context.Context, group vcs.Group) (result []*vcs.Repo, err error) {
	opt := &gitlab.ListGroupProjectsOptions{
		ListOptions:      gitlab.ListOptions{PerPage: perPage},
		Archived:         gitlab.Bool(false),
		IncludeSubgroups: gitlab.Bool(false),
	}

	for {
		var projects []*gitlab.Project
		var resp *gitlab.Response
		projects, resp, err = b.client.Groups.ListGroupProjects(group.Key, opt, gitlab.WithContext(ctx))
		if err != nil {
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list gitlab projects", group.Key, err)
			return
		}

		for _, project := range projects {
			if project.Archived || project.EmptyRepo {
				continue
			}
			if project.Namespace != nil && project.Namespace.Kind == "user" {
				continue
			}

			result = append(result, &vcs.Repo{
				Backend:       b.Name(),
				ID:            strconv.Itoa(project.ID),
				Name:          project.Name,
				Group:         group.Name,
				GroupKey:      group.Key,
				RepoKey:       strconv.Itoa(project.ID),
				HTTPLink:      project.HTTPURLToRepo,
				SSHLink:       project.SSHURLToRepo,
				DefaultBranch: project.DefaultBranch,
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	return
}

// MostRecentBranch walks the project's branches and picks the one with the
// newest commit. The commit's author doubles as the repo contact.
func (b *GitlabBackend) MostRecentBranch(ctx context.Context, repo *vcs.Repo) (result string, err error) {
	projectID, err := strconv.Atoi(repo.RepoKey)
	if err != nil {
		err = errors.Wrapv(err, "invalid gitlab project id", repo.RepoKey)
		return
	}

	opt := &gitlab.ListBranchesOptions{ListOptions: gitlab.ListOptions{PerPage: perPage}}

	var latest time.Time
	var contact vcs.Contact

	for {
		var branches []*gitlab.Branch
		var resp *gitlab.Response
		branches, resp, err = b.client.Branches.ListBranches(projectID, opt, gitlab.WithContext(ctx))
		if err != nil {
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list gitlab branches", repo.FullName(), err)
			return
		}

		for _, branch := range branches {
			if branch.Commit == nil || branch.Commit.CommittedDate == nil {
				continue
			}
			if result == "" || branch.Commit.CommittedDate.After(latest) {
				latest = *branch.Commit.CommittedDate
				result = branch.Name
				contact = vcs.Contact{
					Name: branch.Commit.AuthorName,
					Mail: branch.Commit.AuthorEmail,
				}
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	b.cache.put(repo.Key(), contact)

	return
}

func (b *GitlabBackend) Contact(ctx context.Context, repo *vcs.Repo) (result vcs.Contact, err error) {
	if cached, ok := b.cache.get(repo.Key()); ok {
		result = cached
		return
	}

	if _, err = b.MostRecentBranch(ctx, repo); err != nil {
		return
	}
	result, _ = b.cache.get(repo.Key())

	return
}
