package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client pushes a file to a repository through the Contents API. Used to
// mirror database snapshots to a private backup repo.
type Client struct {
	baseURL string
	token   string
	repo    string
	branch  string
	client  *http.Client
}

func NewClient(baseURL, token, repo, branch string) *Client {
	cleanBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if cleanBase == "" {
		cleanBase = "https://api.github.com"
	}
	cleanBranch := strings.TrimSpace(branch)
	if cleanBranch == "" {
		cleanBranch = "main"
	}
	return &Client{
		baseURL: cleanBase,
		token:   strings.TrimSpace(token),
		repo:    strings.TrimSpace(repo),
		branch:  cleanBranch,
		client: &http.Client{
			Timeout: 45 * time.Second,
		},
	}
}

func (c *Client) Configured() bool {
	return c.token != "" && strings.Count(c.repo, "/") == 1
}

func (c *Client) Repo() string   { return c.repo }
func (c *Client) Branch() string { return c.branch }

type contentsResponse struct {
	SHA string `json:"sha"`
}

type putContentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

type putContentsResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// GetFileSHA returns the blob SHA of path on the configured branch, or
// "" when the file does not exist yet.
func (c *Client) GetFileSHA(ctx context.Context, path string) (string, error) {
	if !c.Configured() {
		return "", errors.New("github sync is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentsURL(path)+"?ref="+url.QueryEscape(c.branch), nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeAPIError("get contents", resp)
	}

	var parsed contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.SHA, nil
}

// PutFile creates or updates path with data. A 409 means the cached SHA
// went stale; the SHA is refreshed once and the write retried.
func (c *Client) PutFile(ctx context.Context, path string, data []byte, commitMessage string) (string, error) {
	if !c.Configured() {
		return "", errors.New("github sync is not configured")
	}
	if commitMessage == "" {
		commitMessage = "update " + path
	}

	sha, err := c.GetFileSHA(ctx, path)
	if err != nil {
		return "", err
	}

	commitSHA, conflict, err := c.putOnce(ctx, path, data, commitMessage, sha)
	if err != nil {
		return "", err
	}
	if conflict {
		sha, err = c.GetFileSHA(ctx, path)
		if err != nil {
			return "", err
		}
		commitSHA, conflict, err = c.putOnce(ctx, path, data, commitMessage, sha)
		if err != nil {
			return "", err
		}
		if conflict {
			return "", errors.New("github contents conflict persisted after sha refresh")
		}
	}
	return commitSHA, nil
}

func (c *Client) putOnce(ctx context.Context, path string, data []byte, commitMessage, sha string) (string, bool, error) {
	body := putContentsRequest{
		Message: commitMessage,
		Content: base64.StdEncoding.EncodeToString(data),
		Branch:  c.branch,
		SHA:     sha,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentsURL(path), bytes.NewReader(encoded))
	if err != nil {
		return "", false, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, decodeAPIError("put contents", resp)
	}

	var parsed putContentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, err
	}
	return parsed.Commit.SHA, false, nil
}

func (c *Client) contentsURL(path string) string {
	return c.baseURL + "/repos/" + c.repo + "/contents/" + strings.TrimLeft(path, "/")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

func decodeAPIError(op string, resp *http.Response) error {
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return fmt.Errorf("github %s failed: status=%d body=%v", op, resp.StatusCode, payload)
}
