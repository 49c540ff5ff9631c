package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/vcs"
	"github.com/stretchr/testify/require"
)

func newGitlabServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-token", r.Header.Get("Private-Token"))
		fmt.Fprint(w, `{"id":1,"username":"jdoe"}`)
	})

	mux.HandleFunc("/api/v4/groups", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":10,"full_path":"platform"},{"id":11,"full_path":"platform/infra"}]`)
	})

	mux.HandleFunc("/api/v4/groups/platform/projects", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id":100,"name":"api","archived":false,"empty_repo":false,
			 "namespace":{"kind":"group","full_path":"platform"},
			 "ssh_url_to_repo":"git@gitlab.example.com:platform/api.git",
			 "http_url_to_repo":"https://gitlab.example.com/platform/api.git",
			 "default_branch":"main"},
			{"id":101,"name":"empty","archived":false,"empty_repo":true,
			 "namespace":{"kind":"group","full_path":"platform"}}]`)
	})

	mux.HandleFunc("/api/v4/projects/100/repository/branches", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"name":"main","commit":{"author_name":"Ada Lovelace","author_email":"ada@example.com",
			 "committed_date":"2024-01-01T10:00:00.000Z"}},
			{"name":"develop","commit":{"author_name":"Grace Hopper","author_email":"grace@example.com",
			 "committed_date":"2024-03-01T10:00:00.000Z"}}]`)
	})

	return httptest.NewServer(mux)
}

func connectedGitlab(t *testing.T, server *httptest.Server) *GitlabBackend {
	backend := NewGitlabBackend(testLog())
	require.NoError(t, backend.Connect(vcs.ConnectionInput{BaseURL: server.URL, Token: "test-token"}))
	return backend
}

func TestGitlabListGroups(t *testing.T) {
	server := newGitlabServer(t)
	defer server.Close()
	backend := connectedGitlab(t, server)

	groups, err := backend.ListGroups(context.Background())
	require.NoError(t, err)
	require.Equal(t, []vcs.Group{
		{Key: "platform", Name: "platform", Backend: "gitlab"},
		{Key: "platform/infra", Name: "platform/infra", Backend: "gitlab"},
	}, groups)
}

func TestGitlabListRepositories(t *testing.T) {
	server := newGitlabServer(t)
	defer server.Close()
	backend := connectedGitlab(t, server)

	repos, err := backend.ListRepositories(context.Background(), vcs.Group{Key: "platform", Name: "platform"})
	require.NoError(t, err)
	require.Len(t, repos, 1)

	repo := repos[0]
	require.Equal(t, "api", repo.Name)
	require.Equal(t, "100", repo.RepoKey)
	require.Equal(t, "main", repo.DefaultBranch)
	require.Equal(t, "https://gitlab.example.com/platform/api.git", repo.HTTPLink)
}

func TestGitlabMostRecentBranchAndContact(t *testing.T) {
	server := newGitlabServer(t)
	defer server.Close()
	backend := connectedGitlab(t, server)

	repo := &vcs.Repo{Backend: "gitlab", Group: "platform", GroupKey: "platform", Name: "api", RepoKey: "100"}

	branch, err := backend.MostRecentBranch(context.Background(), repo)
	require.NoError(t, err)
	require.Equal(t, "develop", branch)

	contact, err := backend.Contact(context.Background(), repo)
	require.NoError(t, err)
	require.Equal(t, vcs.Contact{Name: "Grace Hopper", Mail: "grace@example.com"}, contact)
}

func TestGitlabGitCredentials(t *testing.T) {
	backend := NewGitlabBackend(testLog())
	backend.token = "tok"

	username, password := backend.GitCredentials()
	require.Equal(t, "oauth2", username)
	require.Equal(t, "tok", password)
}
