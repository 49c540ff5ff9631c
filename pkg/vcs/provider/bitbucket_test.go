package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func newBitbucketServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/rest/api/1.0/projects", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		if r.URL.Query().Get("start") == "1" {
			fmt.Fprint(w, `{"isLastPage":true,"values":[{"key":"OPS","name":"Operations","type":"NORMAL"}]}`)
			return
		}
		fmt.Fprint(w, `{"isLastPage":false,"nextPageStart":1,"values":[
			{"key":"PLT","name":"Platform","type":"NORMAL"},
			{"key":"~jdoe","name":"jdoe","type":"PERSONAL"}]}`)
	})

	mux.HandleFunc("/rest/api/1.0/projects/PLT/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"isLastPage":true,"values":[
			{"id":11,"slug":"api","name":"api","archived":false,"state":"AVAILABLE",
			 "defaultBranch":{"displayId":"main"},
			 "links":{"clone":[{"name":"http","href":"https://bb.example.com/scm/plt/api.git"},
			                   {"name":"ssh","href":"ssh://git@bb.example.com/plt/api.git"}]}},
			{"id":12,"slug":"old","name":"old","archived":true,"state":"AVAILABLE","links":{"clone":[]}},
			{"id":13,"slug":"half","name":"half","archived":false,"state":"INITIALISING","links":{"clone":[]}}]}`)
	})

	mux.HandleFunc("/rest/api/1.0/projects/PLT/repos/api/branches", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("details"))
		fmt.Fprint(w, `{"isLastPage":true,"values":[
			{"displayId":"main","isDefault":true,"latestCommit":"aaa","metadata":{
			 "com.atlassian.bitbucket.server.bitbucket-branch:latest-commit-metadata":{
			   "authorTimestamp":1700000000000,
			   "author":{"displayName":"Ada Lovelace","emailAddress":"ada@example.com"}}}},
			{"displayId":"feature","isDefault":false,"latestCommit":"bbb","metadata":{
			 "com.atlassian.bitbucket.server.bitbucket-branch:latest-commit-metadata":{
			   "authorTimestamp":1710000000000,
			   "author":{"displayName":"Grace Hopper","emailAddress":"grace@example.com"}}}}]}`)
	})

	return httptest.NewServer(mux)
}

func connectedBitbucket(t *testing.T, server *httptest.Server) *BitbucketBackend {
	backend := NewBitbucketBackend(server.Client(), testLog())
	require.NoError(t, backend.Connect(vcs.ConnectionInput{BaseURL: server.URL, Token: "test-token"}))
	return backend
}

func TestBitbucketListGroups(t *testing.T) {
	server := newBitbucketServer(t)
	defer server.Close()
	backend := connectedBitbucket(t, server)

	groups, err := backend.ListGroups(context.Background())
	require.NoError(t, err)

	// Personal projects are excluded, pagination is followed
	require.Equal(t, []vcs.Group{
		{Key: "PLT", Name: "Platform", Backend: "bitbucket_dc"},
		{Key: "OPS", Name: "Operations", Backend: "bitbucket_dc"},
	}, groups)
}

func TestBitbucketListRepositories(t *testing.T) {
	server := newBitbucketServer(t)
	defer server.Close()
	backend := connectedBitbucket(t, server)

	repos, err := backend.ListRepositories(context.Background(), vcs.Group{Key: "PLT", Name: "Platform"})
	require.NoError(t, err)
	require.Len(t, repos, 1)

	repo := repos[0]
	require.Equal(t, "api", repo.Name)
	require.Equal(t, "Platform", repo.Group)
	require.Equal(t, "PLT", repo.GroupKey)
	require.Equal(t, "main", repo.DefaultBranch)
	require.Equal(t, "https://bb.example.com/scm/plt/api.git", repo.HTTPLink)
	require.Equal(t, "ssh://git@bb.example.com/plt/api.git", repo.SSHLink)
}

func TestBitbucketMostRecentBranchAndContact(t *testing.T) {
	server := newBitbucketServer(t)
	defer server.Close()
	backend := connectedBitbucket(t, server)

	repo := &vcs.Repo{Backend: "bitbucket_dc", Group: "Platform", GroupKey: "PLT", Name: "api", RepoKey: "api"}

	branch, err := backend.MostRecentBranch(context.Background(), repo)
	require.NoError(t, err)
	require.Equal(t, "feature", branch)

	contact, err := backend.Contact(context.Background(), repo)
	require.NoError(t, err)
	require.Equal(t, vcs.Contact{Name: "Grace Hopper", Mail: "grace@example.com"}, contact)
}

func TestBitbucketConnectBadToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"Authentication failed"}]}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	backend := NewBitbucketBackend(server.Client(), testLog())
	err := backend.Connect(vcs.ConnectionInput{BaseURL: server.URL, Token: "bad"})
	require.Error(t, err)
	require.True(t, errors.WasCausedBy(err, vcs.ErrBackendUnavailable))
}

func TestBitbucketGitCredentials(t *testing.T) {
	server := newBitbucketServer(t)
	defer server.Close()
	backend := connectedBitbucket(t, server)

	username, password := backend.GitCredentials()
	require.Equal(t, "x-token-auth", username)
	require.Equal(t, "test-token", password)
}
