package forge

import (
	"context"
	"fmt"
	"net/http"
)

// Release is the subset of the release resource shipyard reads.
type Release struct {
	ID      int64  `json:"id"`
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

// CreateReleaseRequest contains the fields for publishing a release entry.
type CreateReleaseRequest struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name,omitempty"`
	Body       string `json:"body,omitempty"`
	Prerelease bool   `json:"prerelease"`
}

// CreateRelease publishes a release for an existing tag.
func (client *Client) CreateRelease(ctx context.Context, request CreateReleaseRequest) (*Release, error) {
	var release Release
	if err := client.do(ctx, http.MethodPost, client.repoPath("/releases"), request, &release); err != nil {
		return nil, fmt.Errorf("creating release %s: %w", request.TagName, err)
	}
	return &release, nil
}

// StatusRequest is the machine-readable status payload.
type StatusRequest struct {
	// State is "error", "failure", "pending" or "success".
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context,omitempty"`
}

// CreateCommitStatus sets a status on a commit.
func (client *Client) CreateCommitStatus(ctx context.Context, sha string, request StatusRequest) error {
	if err := client.do(ctx, http.MethodPost, client.repoPath("/statuses/%s", sha), request, nil); err != nil {
		return fmt.Errorf("creating status on %s: %w", sha[:min(len(sha), 8)], err)
	}
	return nil
}
