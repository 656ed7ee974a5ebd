package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIURL is the public GitHub REST API
const DefaultAPIURL = "https://api.github.com"

const (
	userAgent       = "depsyncd"
	apiRetryCount   = 1
	apiRetryBackoff = 250 * time.Millisecond
)

// Repo identifies a GitHub repository
type Repo struct {
	Owner string
	Name  string
}

// FullName returns owner/name as used in webhook payloads
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepo extracts owner and name from the repository URL forms found in
// manifests: https://github.com/o/r(.git), github.com/o/r, git@github.com:o/r.git
// and the bare o/r shorthand.
func ParseRepo(raw string) (Repo, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Repo{}, fmt.Errorf("repository url is empty")
	}

	switch {
	case strings.HasPrefix(s, "git@"):
		_, rest, ok := strings.Cut(s, ":")
		if !ok {
			return Repo{}, fmt.Errorf("invalid ssh repository url %q", raw)
		}
		s = rest
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return Repo{}, fmt.Errorf("invalid repository url %q: %w", raw, err)
		}
		s = u.Path
	default:
		if host, rest, ok := strings.Cut(s, "/"); ok && strings.Contains(host, ".") {
			s = rest
		}
	}

	s = strings.Trim(s, "/")
	s = strings.TrimSuffix(s, ".git")

	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repository url %q does not name owner/repo", raw)
	}

	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// APICommitURL returns the endpoint yielding the default branch head commit
func APICommitURL(apiURL, repoURL string) (string, error) {
	repo, err := ParseRepo(repoURL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/repos/%s/%s/commits/HEAD", strings.TrimRight(apiURL, "/"), repo.Owner, repo.Name), nil
}

// ZipballURL returns the archive URL of the default branch
func ZipballURL(apiURL, repoURL string) (string, error) {
	repo, err := ParseRepo(repoURL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/repos/%s/%s/zipball", strings.TrimRight(apiURL, "/"), repo.Owner, repo.Name), nil
}

// RateLimitError indicates GitHub's API rate limit was hit.
type RateLimitError struct {
	StatusCode int
	Status     string
	Remaining  *int
}

func (e *RateLimitError) Error() string {
	remainingText := "unknown"
	if e.Remaining != nil {
		remainingText = strconv.Itoa(*e.Remaining)
	}
	return fmt.Sprintf("github api rate limit exceeded (%s, remaining=%s)", e.Status, remainingText)
}

// IsRateLimitError reports whether err represents a GitHub API rate-limit condition.
func IsRateLimitError(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Client talks to the GitHub REST API
type Client struct {
	apiURL string
	token  string
	http   *http.Client
	sleep  func(time.Duration)
}

// NewClient creates a GitHub API client. An empty apiURL selects the public API.
func NewClient(apiURL, token string, httpClient *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		http:   httpClient,
		sleep:  time.Sleep,
	}
}

type commitResponse struct {
	SHA string `json:"sha"`
}

// LatestCommit returns the SHA of the default branch head of repoURL
func (c *Client) LatestCommit(ctx context.Context, repoURL string) (string, error) {
	endpoint, err := APICommitURL(c.apiURL, repoURL)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt <= apiRetryCount; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		c.Authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if shouldRetry(err, 0, attempt) {
				c.sleep(apiRetryBackoff)
				continue
			}
			return "", fmt.Errorf("failed to query %s: %w", endpoint, err)
		}

		if resp.StatusCode != http.StatusOK {
			if rl := rateLimitErrorFromResponse(resp); rl != nil {
				_ = resp.Body.Close()
				return "", rl
			}
			status := resp.StatusCode
			statusText := resp.Status
			_ = resp.Body.Close()
			if shouldRetry(nil, status, attempt) {
				c.sleep(apiRetryBackoff)
				continue
			}
			return "", fmt.Errorf("unexpected status from %s: %s", endpoint, statusText)
		}

		var payload commitResponse
		err = json.NewDecoder(resp.Body).Decode(&payload)
		_ = resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("failed to decode commit response: %w", err)
		}
		if strings.TrimSpace(payload.SHA) == "" {
			return "", fmt.Errorf("commit response from %s has no sha", endpoint)
		}
		return payload.SHA, nil
	}

	return "", fmt.Errorf("failed to query %s: retry budget exhausted", endpoint)
}

// ArchiveURL returns the zipball URL of repoURL on this client's API
func (c *Client) ArchiveURL(repoURL string) (string, error) {
	return ZipballURL(c.apiURL, repoURL)
}

// Authorize sets the User-Agent and, for requests to the API host, the token.
func (c *Client) Authorize(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token == "" {
		return
	}
	api, err := url.Parse(c.apiURL)
	if err != nil || !strings.EqualFold(api.Host, req.URL.Host) {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func rateLimitErrorFromResponse(resp *http.Response) *RateLimitError {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	// 403 alone may be a permissions problem; only the header confirms exhaustion.
	if resp.StatusCode == http.StatusForbidden {
		remaining, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("X-RateLimit-Remaining")))
		if err == nil && remaining == 0 {
			return &RateLimitError{StatusCode: resp.StatusCode, Status: resp.Status, Remaining: &remaining}
		}
	}
	return nil
}

func shouldRetry(err error, statusCode int, attempt int) bool {
	if attempt >= apiRetryCount {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr)
	}
	return statusCode >= 500 && statusCode <= 599
}
