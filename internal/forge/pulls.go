package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// PullRequest is the subset of the pull request resource shipyard reads.
type PullRequest struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// CreatePullRequestRequest contains the fields for opening a pull request.
type CreatePullRequestRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body,omitempty"`
}

// CreatePullRequest opens a pull request from Head into Base.
func (client *Client) CreatePullRequest(ctx context.Context, request CreatePullRequestRequest) (*PullRequest, error) {
	var pr PullRequest
	if err := client.do(ctx, http.MethodPost, client.repoPath("/pulls"), request, &pr); err != nil {
		return nil, fmt.Errorf("creating PR %s -> %s: %w", request.Head, request.Base, err)
	}
	return &pr, nil
}

// FindOpenPullRequest returns the open pull request from head into base,
// or nil when there is none.
func (client *Client) FindOpenPullRequest(ctx context.Context, head, base string) (*PullRequest, error) {
	query := url.Values{}
	query.Set("state", "open")
	query.Set("head", client.owner+":"+head)
	query.Set("base", base)

	var prs []PullRequest
	if err := client.do(ctx, http.MethodGet, client.repoPath("/pulls?%s", query.Encode()), nil, &prs); err != nil {
		return nil, fmt.Errorf("listing PRs %s -> %s: %w", head, base, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// EnsurePullRequest opens a pull request or returns the one already open
// for the same head and base.
func (client *Client) EnsurePullRequest(ctx context.Context, request CreatePullRequestRequest) (*PullRequest, error) {
	existing, err := client.FindOpenPullRequest(ctx, request.Head, request.Base)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		client.logger.Info("pull request already open", "number", existing.Number, "head", request.Head, "base", request.Base)
		return existing, nil
	}
	return client.CreatePullRequest(ctx, request)
}

// Approve submits an approving review.
func (client *Client) Approve(ctx context.Context, number int, body string) error {
	request := struct {
		Body  string `json:"body,omitempty"`
		Event string `json:"event"`
	}{Body: body, Event: "APPROVE"}
	if err := client.do(ctx, http.MethodPost, client.repoPath("/pulls/%d/reviews", number), request, nil); err != nil {
		return fmt.Errorf("approving PR #%d: %w", number, err)
	}
	return nil
}

// Merge merges a pull request with the given method ("merge", "squash" or
// "rebase").
func (client *Client) Merge(ctx context.Context, number int, method string) error {
	request := struct {
		MergeMethod string `json:"merge_method,omitempty"`
	}{MergeMethod: method}
	if err := client.do(ctx, http.MethodPut, client.repoPath("/pulls/%d/merge", number), request, nil); err != nil {
		return fmt.Errorf("merging PR #%d: %w", number, err)
	}
	return nil
}
