package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const githubAPIBase = "https://api.github.com"

// GitHubPRCreator opens draft pull requests via the GitHub REST API.
type GitHubPRCreator struct {
	token   string
	baseURL string
	base    string // target branch
	client  *http.Client
}

// NewGitHubPRCreator builds the creator. baseURL overrides api.github.com
// for tests and GHE installs.
func NewGitHubPRCreator(token, baseURL string) *GitHubPRCreator {
	if baseURL == "" {
		baseURL = githubAPIBase
	}
	return &GitHubPRCreator{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    "main",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateDraftPR opens a draft pull request from branch into main (the
// repository's actual default branch is not looked up). Draft is non-negotiable: the autonomous pipeline never produces
// anything mergeable without a human in the loop.
func (g *GitHubPRCreator) CreateDraftPR(ctx context.Context, repo, branch, title, body string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"title": title,
		"head":  branch,
		"base":  g.base,
		"body":  body,
		"draft": true,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/repos/%s/pulls", g.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: create PR: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("github: create PR: http %d: %s", resp.StatusCode, slurp)
	}

	var created struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("github: decode PR response: %w", err)
	}
	return created.HTMLURL, nil
}
