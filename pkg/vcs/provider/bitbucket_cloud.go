package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
)

const bitbucketCloudAPIURL = "https://api.bitbucket.org/2.0"

// BitbucketCloudBackend discovers repos through the Bitbucket Cloud 2.0
// REST API. The token is "username:app-password"; a token without the
// username part is a configuration error, not a connectivity one.
type BitbucketCloudBackend struct {
	apiURL     string
	username   string
	password   string
	httpClient *http.Client
	cache      contactCache
	log        *logrus.Entry
}

type (
	bcPage struct {
		Next   string          `json:"next"`
		Values json.RawMessage `json:"values"`
	}
	bcWorkspace struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	bcRepo struct {
		Type       string `json:"type"`
		UUID       string `json:"uuid"`
		Slug       string `json:"slug"`
		Name       string `json:"name"`
		MainBranch *struct {
			Name string `json:"name"`
		} `json:"mainbranch"`
		Links struct {
			Clone []bbLink `json:"clone"`
		} `json:"links"`
	}
	bcCommit struct {
		Hash   string `json:"hash"`
		Date   string `json:"date"`
		Author struct {
			Raw  string `json:"raw"`
			User struct {
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"author"`
	}
	bcBranch struct {
		Name   string `json:"name"`
		Target struct {
			Hash string `json:"hash"`
		} `json:"target"`
	}
)

func NewBitbucketCloudBackend(httpClient *http.Client, log *logrus.Entry) *BitbucketCloudBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BitbucketCloudBackend{
		apiURL:     bitbucketCloudAPIURL,
		httpClient: httpClient,
		log:        log,
	}
}

func (b *BitbucketCloudBackend) Name() string      { return "bitbucket_cloud" }
func (b *BitbucketCloudBackend) ShortName() string { return "bc" }

func (b *BitbucketCloudBackend) GitCredentials() (username, password string) {
	return b.username, b.password
}

func (b *BitbucketCloudBackend) Connect(input vcs.ConnectionInput) (err error) {
	parts := strings.SplitN(input.Token, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.New("username missing from token, format it like 'username:token'")
	}
	b.username = parts[0]
	b.password = parts[1]

	b.log.WithField("url", b.apiURL).Debug("connecting to bitbucket cloud")

	var page bcPage
	if err = b.get(context.Background(), b.apiURL+"/workspaces", &page); err != nil {
		return errors.WithMessagev(vcs.ErrBackendUnavailable, "bitbucket cloud authentication failed, check your credentials", err)
	}

	return
}

func (b *BitbucketCloudBackend) ListGroups(ctx context.Context) (result []vcs.Group, err error) {
	err = b.getPaged(ctx, b.apiURL+"/workspaces", func(values json.RawMessage) error {
		var workspaces []bcWorkspace
		if unmarshalErr := json.Unmarshal(values, &workspaces); unmarshalErr != nil {
			return errors.Wrap(unmarshalErr, "unable to parse bitbucket cloud workspaces")
		}
		for _, workspace := range workspaces {
			result = append(result, vcs.Group{
				Key:     workspace.Slug,
				Name:    workspace.Name,
				Backend: b.Name(),
			})
		}
		return nil
	})
	if err != nil {
		result = nil
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket cloud workspaces", err)
	}
	return
}

func (b *BitbucketCloudBackend) ListRepositories(ctx context.Context, group vcs.Group) (result []*vcs.Repo, err error) {
	listURL := fmt.Sprintf("%s/repositories/%s", b.apiURL, url.PathEscape(group.Key))

	err = b.getPaged(ctx, listURL, func(values json.RawMessage) error {
		var repos []bcRepo
		if unmarshalErr := json.Unmarshal(values, &repos); unmarshalErr != nil {
			return errors.Wrap(unmarshalErr, "unable to parse bitbucket cloud repos")
		}
		for _, repoItem := range repos {
			if repoItem.Type != "repository" {
				continue
			}

			repo := &vcs.Repo{
				Backend:  b.Name(),
				ID:       repoItem.UUID,
				Name:     repoItem.Name,
				Group:    group.Name,
				GroupKey: group.Key,
				RepoKey:  repoItem.Slug,
			}
			if repoItem.MainBranch != nil {
				repo.DefaultBranch = repoItem.MainBranch.Name
			}
			for _, link := range repoItem.Links.Clone {
				switch link.Name {
				case "https":
					repo.HTTPLink = link.Href
				case "ssh":
					repo.SSHLink = link.Href
				}
			}

			result = append(result, repo)
		}
		return nil
	})
	if err != nil {
		result = nil
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket cloud repos", group.Key, err)
	}
	return
}

// MostRecentBranch resolves the repo's newest commit and matches it back to
// the branch it heads. The commit author doubles as the repo contact.
func (b *BitbucketCloudBackend) MostRecentBranch(ctx context.Context, repo *vcs.Repo) (result string, err error) {
	repoURL := fmt.Sprintf("%s/repositories/%s/%s", b.apiURL, url.PathEscape(repo.GroupKey), url.PathEscape(repo.RepoKey))

	var commitsPage bcPage
	if err = b.get(ctx, repoURL+"/commits", &commitsPage); err != nil {
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket cloud commits", repo.FullName(), err)
		return
	}

	var commits []bcCommit
	if err = json.Unmarshal(commitsPage.Values, &commits); err != nil {
		err = errors.Wrap(err, "unable to parse bitbucket cloud commits")
		return
	}
	if len(commits) == 0 {
		b.cache.put(repo.Key(), vcs.Contact{})
		return
	}

	// The commits listing is newest-first
	latest := commits[0]
	contact := vcs.Contact{
		Name: latest.Author.User.DisplayName,
		Mail: mailFromRaw(latest.Author.Raw),
	}

	var branchesPage bcPage
	if err = b.get(ctx, repoURL+"/refs/branches", &branchesPage); err != nil {
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket cloud branches", repo.FullName(), err)
		return
	}

	var branches []bcBranch
	if err = json.Unmarshal(branchesPage.Values, &branches); err != nil {
		err = errors.Wrap(err, "unable to parse bitbucket cloud branches")
		return
	}
	for _, branch := range branches {
		if branch.Target.Hash == latest.Hash {
			result = branch.Name
			break
		}
	}

	b.cache.put(repo.Key(), contact)

	return
}

func (b *BitbucketCloudBackend) Contact(ctx context.Context, repo *vcs.Repo) (result vcs.Contact, err error) {
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

// mailFromRaw extracts the address from a raw "Name <mail>" author string.
func mailFromRaw(raw string) string {
	open := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if open == -1 || end == -1 || end < open {
		return ""
	}
	return raw[open+1 : end]
}

// getPaged follows the 2.0 API's "next" URL paging protocol.
func (b *BitbucketCloudBackend) getPaged(ctx context.Context, pageURL string, collect func(json.RawMessage) error) (err error) {
	for pageURL != "" {
		var page bcPage
		if err = b.get(ctx, pageURL, &page); err != nil {
			return
		}
		if err = collect(page.Values); err != nil {
			return
		}
		pageURL = page.Next
	}
	return
}

func (b *BitbucketCloudBackend) get(ctx context.Context, requestURL string, out interface{}) (err error) {
	req, err := http.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		return errors.Wrapv(err, "unable to build request", requestURL)
	}
	req = req.WithContext(ctx)
	req.SetBasicAuth(b.username, b.password)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrapv(err, "request failed", requestURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorv("unexpected response status", resp.StatusCode, string(body))
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapv(err, "unable to parse response", requestURL)
	}

	return
}
