package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
)

const latestCommitMetadataKey = "com.atlassian.bitbucket.server.bitbucket-branch:latest-commit-metadata"

// BitbucketBackend discovers repos through the Bitbucket Data Center 1.0
// REST API with bearer token auth. Personal projects and unavailable or
// archived repos are left out.
type BitbucketBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      contactCache
	log        *logrus.Entry
}

type (
	bbPage struct {
		IsLastPage    bool            `json:"isLastPage"`
		NextPageStart int             `json:"nextPageStart"`
		Values        json.RawMessage `json:"values"`
	}
	bbProject struct {
		Key  string `json:"key"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	bbRepo struct {
		ID            int    `json:"id"`
		Slug          string `json:"slug"`
		Name          string `json:"name"`
		Archived      bool   `json:"archived"`
		State         string `json:"state"`
		DefaultBranch *struct {
			DisplayID string `json:"displayId"`
		} `json:"defaultBranch"`
		Links struct {
			Clone []bbLink `json:"clone"`
		} `json:"links"`
	}
	bbLink struct {
		Href string `json:"href"`
		Name string `json:"name"`
	}
	bbBranch struct {
		DisplayID string `json:"displayId"`
		IsDefault bool   `json:"isDefault"`
		Metadata  map[string]struct {
			AuthorTimestamp int64 `json:"authorTimestamp"`
			Author          struct {
				DisplayName  string `json:"displayName"`
				Name         string `json:"name"`
				EmailAddress string `json:"emailAddress"`
			} `json:"author"`
		} `json:"metadata"`
	}
)

func NewBitbucketBackend(httpClient *http.Client, log *logrus.Entry) *BitbucketBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BitbucketBackend{httpClient: httpClient, log: log}
}

func (b *BitbucketBackend) Name() string      { return "bitbucket_dc" }
func (b *BitbucketBackend) ShortName() string { return "bb" }

func (b *BitbucketBackend) GitCredentials() (username, password string) {
	return "x-token-auth", b.token
}

func (b *BitbucketBackend) Connect(input vcs.ConnectionInput) (err error) {
	b.baseURL = input.BaseURL
	b.token = input.Token

	b.log.WithField("url", input.BaseURL).Debug("connecting to bitbucket")

	// One-project probe to validate the token before discovery starts
	var page bbPage
	query := url.Values{"limit": {"1"}}
	if err = b.get(context.Background(), "/rest/api/1.0/projects", query, &page); err != nil {
		return errors.WithMessagev(vcs.ErrBackendUnavailable, "bitbucket authentication failed, check your token and url", input.BaseURL, err)
	}

	return
}

func (b *BitbucketBackend) ListGroups(ctx context.Context) (result []vcs.Group, err error) {
	err = b.getPaged(ctx, "/rest/api/1.0/projects", nil, func(values json.RawMessage) error {
		var projects []bbProject
		if unmarshalErr := json.Unmarshal(values, &projects); unmarshalErr != nil {
			return errors.Wrap(unmarshalErr, "unable to parse bitbucket projects")
		}
		for _, project := range projects {
			if project.Type != "NORMAL" {
				continue
			}
			result = append(result, vcs.Group{
				Key:     project.Key,
				Name:    project.Name,
				Backend: b.Name(),
			})
		}
		return nil
	})
	if err != nil {
		result = nil
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket projects", err)
	}
	return
}

func (b *BitbucketBackend) ListRepositories(ctx context.Context, group vcs.Group) (result []*vcs.Repo, err error) {
	path := fmt.Sprintf("/rest/api/1.0/projects/%s/repos", url.PathEscape(group.Key))

	err = b.getPaged(ctx, path, nil, func(values json.RawMessage) error {
		var repos []bbRepo
		if unmarshalErr := json.Unmarshal(values, &repos); unmarshalErr != nil {
			return errors.Wrap(unmarshalErr, "unable to parse bitbucket repos")
		}
		for _, repoItem := range repos {
			if repoItem.Archived || repoItem.State != "AVAILABLE" {
				continue
			}

			repo := &vcs.Repo{
				Backend:  b.Name(),
				ID:       strconv.Itoa(repoItem.ID),
				Name:     repoItem.Name,
				Group:    group.Name,
				GroupKey: group.Key,
				RepoKey:  repoItem.Slug,
			}
			if repoItem.DefaultBranch != nil {
				repo.DefaultBranch = repoItem.DefaultBranch.DisplayID
			}
			for _, link := range repoItem.Links.Clone {
				switch link.Name {
				case "http":
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
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket repos", group.Key, err)
	}
	return
}

// MostRecentBranch walks the branch listing's commit metadata to find the
// branch with the newest commit; its author doubles as the repo contact.
func (b *BitbucketBackend) MostRecentBranch(ctx context.Context, repo *vcs.Repo) (result string, err error) {
	path := fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/branches",
		url.PathEscape(repo.GroupKey), url.PathEscape(repo.RepoKey))
	query := url.Values{"details": {"true"}}

	var latest time.Time
	var contact vcs.Contact

	err = b.getPaged(ctx, path, query, func(values json.RawMessage) error {
		var branches []bbBranch
		if unmarshalErr := json.Unmarshal(values, &branches); unmarshalErr != nil {
			return errors.Wrap(unmarshalErr, "unable to parse bitbucket branches")
		}
		for _, branch := range branches {
			metadata, ok := branch.Metadata[latestCommitMetadataKey]
			if !ok {
				continue
			}
			commitDate := time.Unix(0, metadata.AuthorTimestamp*int64(time.Millisecond))
			if result == "" || commitDate.After(latest) {
				latest = commitDate
				result = branch.DisplayID
				contact = vcs.Contact{
					Name: metadata.Author.DisplayName,
					Mail: metadata.Author.EmailAddress,
				}
				if contact.Name == "" {
					contact.Name = metadata.Author.Name
				}
			}
		}
		return nil
	})
	if err != nil {
		err = errors.WithMessagev(vcs.ErrBackendUnavailable, "unable to list bitbucket branches", repo.FullName(), err)
		return
	}

	b.cache.put(repo.Key(), contact)

	return
}

func (b *BitbucketBackend) Contact(ctx context.Context, repo *vcs.Repo) (result vcs.Contact, err error) {
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

// getPaged follows the 1.0 API's start/nextPageStart paging protocol,
// handing each page's raw values to collect.
func (b *BitbucketBackend) getPaged(ctx context.Context, path string, query url.Values, collect func(json.RawMessage) error) (err error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("limit", strconv.Itoa(perPage))

	start := 0
	for {
		query.Set("start", strconv.Itoa(start))

		var page bbPage
		if err = b.get(ctx, path, query, &page); err != nil {
			return
		}
		if err = collect(page.Values); err != nil {
			return
		}

		if page.IsLastPage {
			return
		}
		start = page.NextPageStart
	}
}

func (b *BitbucketBackend) get(ctx context.Context, path string, query url.Values, out interface{}) (err error) {
	requestURL := b.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		return errors.Wrapv(err, "unable to build request", requestURL)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+b.token)

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
