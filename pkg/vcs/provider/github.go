package provider

import (
	"context"
	"strconv"
	"time"

	"github.com/google/go-github/v29/github"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// GithubBackend discovers repos through the GitHub API: the token user's
// own repositories plus every organization they belong to. Forks and
// archived repos are left out. A base URL switches it to GitHub Enterprise.
type GithubBackend struct {
	client *github.Client
	token  string
	login  string
	cache  contactCache
	log    *logrus.Entry
}

func NewGithubBackend(log *logrus.Entry) *GithubBackend {
	return &GithubBackend{log: log}
}

func (b *GithubBackend) Name() string      { return "github" }
func (b *GithubBackend) ShortName() string { return "gh" }

func (b *GithubBackend) GitCredentials() (username, password string) {
	return "x-access-token", b.token
}

func (b *GithubBackend) Connect(input vcs.ConnectionInput) (err error) {
	b.token = input.Token

	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: input.Token},
	))

	if input.BaseURL != "" {
		b.client, err = github.NewEnterpriseClient(input.BaseURL, input.BaseURL, httpClient)
		if err != nil {
			return errors.Wrapv(err, "unable to create github enterprise client", input.BaseURL)
		}
		b.log.WithField("url", input.BaseURL).Debug("connecting to github enterprise")
	} else {
		b.client = github.NewClient(httpClient)
		b.log.Debug("connecting to github")
	}

	user, _, err := b.client.Users.Get(context.Background(), "")
	if err != nil {
		return errors.WithMessagev(vcs.ErrBackendUnavailable, "github authentication failed, check your token", err)
	}
	b.login = user.GetLogin()

	return nil
}

// ListGroups returns the token user's namespace plus their organizations.
func (b *GithubBackend) ListGroups(ctx context.Context) (result []vcs.Group, err error) {
	result = append(result, vcs.Group{Key: b.login, Name: b.login, Backend: b.Name()})

	opt := &github.ListOptions{PerPage: perPage}
	for {
		var orgs []*github.Organization
		var resp *github.Response
		orgs, resp, err = b.client.Organizations.List(ctx, "", opt)
		if err != nil {
			result = nil
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list github organizations", err)
			return
		}

		for _, org := range orgs {
			result = append(result, vcs.Group{
				Key:     org.GetLogin(),
				Name:    org.GetLogin(),
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

func (b *GithubBackend) ListRepositories(ctx context.Context, group vcs.Group) (result []*vcs.Repo, err error) {
	var ghRepos []*github.Repository
	if group.Key == b.login {
		ghRepos, err = b.queryOwnRepos(ctx)
	} else {
		ghRepos, err = b.queryReposByOrg(ctx, group.Key)
	}
	if err != nil {
		return
	}

	for _, ghRepo := range ghRepos {
		if ghRepo.GetFork() || ghRepo.GetArchived() {
			continue
		}
		// No default branch means an empty repo
		if ghRepo.GetDefaultBranch() == "" {
			continue
		}

		result = append(result, &vcs.Repo{
			Backend:       b.Name(),
			ID:            strconv.FormatInt(ghRepo.GetID(), 10),
			Name:          ghRepo.GetName(),
			Group:         group.Name,
			GroupKey:      group.Key,
			RepoKey:       ghRepo.GetName(),
			HTTPLink:      ghRepo.GetCloneURL(),
			SSHLink:       ghRepo.GetSSHURL(),
			DefaultBranch: ghRepo.GetDefaultBranch(),
		})
	}

	return
}

func (b *GithubBackend) queryOwnRepos(ctx context.Context) (result []*github.Repository, err error) {
	opt := &github.RepositoryListOptions{
		Affiliation: "owner",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		var repos []*github.Repository
		var resp *github.Response
		repos, resp, err = b.client.Repositories.List(ctx, "", opt)
		if err != nil {
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list github repos", b.login, err)
			return
		}
		result = append(result, repos...)
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return
}

func (b *GithubBackend) queryReposByOrg(ctx context.Context, organization string) (result []*github.Repository, err error) {
	opt := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		var repos []*github.Repository
		var resp *github.Response
		repos, resp, err = b.client.Repositories.ListByOrg(ctx, organization, opt)
		if err != nil {
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list github org repos", organization, err)
			return
		}
		result = append(result, repos...)
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return
}

// MostRecentBranch walks all branches, resolving each head commit to find
// the newest one. The head commit's author doubles as the repo contact.
func (b *GithubBackend) MostRecentBranch(ctx context.Context, repo *vcs.Repo) (result string, err error) {
	opt := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: perPage}}

	var latest time.Time
	var contact vcs.Contact

	for {
		var branches []*github.Branch
		var resp *github.Response
		branches, resp, err = b.client.Repositories.ListBranches(ctx, repo.GroupKey, repo.RepoKey, opt)
		if err != nil {
			err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list github branches", repo.FullName(), err)
			return
		}

		for _, branch := range branches {
			commit, _, commitErr := b.client.Repositories.GetCommit(ctx, repo.GroupKey, repo.RepoKey, branch.GetCommit().GetSHA())
			if commitErr != nil {
				b.log.WithField("branch", branch.GetName()).WithError(commitErr).Debug("unable to fetch branch head commit")
				continue
			}

			author := commit.GetCommit().GetAuthor()
			if result == "" || author.GetDate().After(latest) {
				latest = author.GetDate()
				result = branch.GetName()
				contact = vcs.Contact{
					Name: author.GetName(),
					Mail: author.GetEmail(),
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

func (b *GithubBackend) Contact(ctx context.Context, repo *vcs.Repo) (result vcs.Contact, err error) {
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
