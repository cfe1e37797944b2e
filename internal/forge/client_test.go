package forge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	accept string
	body   map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var requests []recorded
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			accept: r.Header.Get("Accept"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		requests = append(requests, rec)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Owner:      "holochain",
		Repo:       "holochain",
		Token:      "secret",
		HTTPClient: server.Client(),
	})
	require.NoError(t, err)
	return client, &requests
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"plain http", Config{BaseURL: "http://api", Owner: "o", Repo: "r", Token: "t"}, "HTTPS"},
		{"no owner", Config{Repo: "r", Token: "t"}, "owner and repo"},
		{"no token", Config{Owner: "o", Repo: "r"}, "token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	client, err := NewClient(Config{Owner: "o", Repo: "r", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)
	assert.Equal(t, "o/r", client.Repository())
}

func TestCreatePullRequest(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 17, "state": "open", "html_url": "https://github.com/holochain/holochain/pull/17"}`))
	})

	pr, err := client.CreatePullRequest(t.Context(), CreatePullRequestRequest{
		Title: "Release 0.4.0", Head: "release-20260301", Base: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 17, pr.Number)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/repos/holochain/holochain/pulls", req.path)
	assert.Equal(t, "Bearer secret", req.auth)
	assert.Equal(t, "application/vnd.github+json", req.accept)
	assert.Equal(t, "release-20260301", req.body["head"])
	assert.Equal(t, "main", req.body["base"])
}

func TestEnsurePullRequest_ReusesOpen(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"number": 9, "state": "open"}]`))
	})

	pr, err := client.EnsurePullRequest(t.Context(), CreatePullRequestRequest{Head: "release", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Number)

	require.Len(t, *requests, 1, "no create call when a PR is already open")
	assert.Equal(t, http.MethodGet, (*requests)[0].method)
	assert.Contains(t, (*requests)[0].query, "head=holochain%3Arelease")
}

func TestEnsurePullRequest_CreatesWhenNoneOpen(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 10}`))
	})

	pr, err := client.EnsurePullRequest(t.Context(), CreatePullRequestRequest{Head: "release", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 10, pr.Number)
	assert.Len(t, *requests, 2)
}

func TestApproveAndMerge(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, client.Approve(t.Context(), 17, "automated release"))
	require.NoError(t, client.Merge(t.Context(), 17, "merge"))

	require.Len(t, *requests, 2)
	assert.Equal(t, "/repos/holochain/holochain/pulls/17/reviews", (*requests)[0].path)
	assert.Equal(t, "APPROVE", (*requests)[0].body["event"])
	assert.Equal(t, http.MethodPut, (*requests)[1].method)
	assert.Equal(t, "/repos/holochain/holochain/pulls/17/merge", (*requests)[1].path)
	assert.Equal(t, "merge", (*requests)[1].body["merge_method"])
}

func TestCreateRelease(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 3, "tag_name": "holochain-0.4.0"}`))
	})

	release, err := client.CreateRelease(t.Context(), CreateReleaseRequest{TagName: "holochain-0.4.0", Name: "holochain 0.4.0"})
	require.NoError(t, err)
	assert.Equal(t, "holochain-0.4.0", release.TagName)
	assert.Equal(t, "/repos/holochain/holochain/releases", (*requests)[0].path)
	assert.Equal(t, false, (*requests)[0].body["prerelease"])
}

func TestCreateCommitStatus(t *testing.T) {
	client, requests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	err := client.CreateCommitStatus(t.Context(), "abc123def456", StatusRequest{
		State: "failure", Description: "release failed", Context: "shipyard/release",
	})
	require.NoError(t, err)
	assert.Equal(t, "/repos/holochain/holochain/statuses/abc123def456", (*requests)[0].path)
	assert.Equal(t, "failure", (*requests)[0].body["state"])
}

func TestAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed", "errors": [{"resource": "PullRequest", "field": "head", "code": "invalid"}]}`))
	})

	_, err := client.CreatePullRequest(t.Context(), CreatePullRequestRequest{Head: "x", Base: "main"})
	require.Error(t, err)
	assert.True(t, IsValidationFailed(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "HTTP 422: Validation Failed; PullRequest.head: invalid")
}

func TestParseAPIError_NonJSON(t *testing.T) {
	err := parseAPIError(http.StatusBadGateway, []byte("<html>"))
	assert.Equal(t, "forge: HTTP 502: Bad Gateway", err.Error())
}
