// Package forge is a small GitHub REST client covering the calls a release
// needs: pull requests, reviews, merges, releases and commit statuses.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/AndreyAkinshin/shipyard/internal/logging"
)

// apiVersion pins the GitHub REST API version header.
const apiVersion = "2022-11-28"

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL. Must use HTTPS.
	BaseURL string
	Owner   string
	Repo    string
	Token   string

	// HTTPClient is the transport underneath token authentication.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a GitHub REST client bound to one repository.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. The token is attached to every request by an
// oauth2 transport.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("forge: API client requires HTTPS (got %q)", baseURL)
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("forge: owner and repo are required")
	}
	if cfg.Token == "" {
		return nil, errors.New("forge: token is required")
	}

	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.Token,
		TokenType:   "Bearer",
	}))

	return &Client{
		baseURL:    baseURL,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		httpClient: httpClient,
		logger:     logging.OrDiscard(cfg.Logger),
	}, nil
}

// Repository returns "owner/repo".
func (client *Client) Repository() string {
	return client.owner + "/" + client.repo
}

func (client *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", client.owner, client.repo) + fmt.Sprintf(format, args...)
}

// do executes a request and decodes a JSON response into result when
// result is non-nil. Non-2xx responses become *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody, result any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("forge: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("forge: creating request: %w", err)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("forge: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("forge: reading response body: %w", err)
	}
	client.logger.Debug("forge request", "method", method, "path", path, "status", response.StatusCode)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseAPIError(response.StatusCode, body)
	}
	if result == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("forge: decoding response: %w", err)
	}
	return nil
}
