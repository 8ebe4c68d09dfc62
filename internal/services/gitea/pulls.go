package gitea

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MergeMethod is the strategy used to merge a pull request.
type MergeMethod string

const (
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
	MergeSquash MergeMethod = "squash"
)

func ParseMergeMethod(s string) (MergeMethod, error) {
	switch m := MergeMethod(strings.ToLower(s)); m {
	case MergeMerge, MergeRebase, MergeSquash:
		return m, nil
	case "":
		return MergeMerge, nil
	}
	return "", fmt.Errorf("unsupported merge method %q", s)
}

type PRBranch struct {
	Label string `json:"label"`
	Ref   string `json:"ref"`
	SHA   string `json:"sha"`
}

type PullRequest struct {
	ID      int64    `json:"id"`
	Number  int64    `json:"number"`
	Title   string   `json:"title"`
	State   string   `json:"state"`
	HTMLURL string   `json:"html_url"`
	Merged  bool     `json:"merged"`
	Head    PRBranch `json:"head"`
	Base    PRBranch `json:"base"`
}

type CreatePullRequestOption struct {
	Head  string `json:"head"`
	Base  string `json:"base"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type MergePullRequestOption struct {
	Do                     MergeMethod `json:"Do"`
	MergeTitleField        string      `json:"MergeTitleField,omitempty"`
	MergeMessageField      string      `json:"MergeMessageField,omitempty"`
	DeleteBranchAfterMerge bool        `json:"delete_branch_after_merge"`
}

// CreatePullRequest opens a pull request on owner/repo. It is not retried:
// a lost response followed by a retry could open a second pull request.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, opt CreatePullRequestOption) (*PullRequest, error) {
	var pr PullRequest
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   repoPath(owner, repo) + "/pulls",
		body:   opt,
	}, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// MergePullRequest merges pull request number. It is never retried; a
// transient error means the outcome is unknown.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int64, opt MergePullRequestOption) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("%s/pulls/%d/merge", repoPath(owner, repo), number),
		body:   opt,
		heavy:  true,
	}, nil)
}

// GetPullRequest fetches one pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int64) (*PullRequest, error) {
	var pr PullRequest
	if err := c.idempotent(ctx, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number),
	}, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ClosePullRequest closes an open pull request without merging it. Closing
// an already closed or missing pull request succeeds.
func (c *Client) ClosePullRequest(ctx context.Context, owner, repo string, number int64) error {
	err := c.idempotent(ctx, request{
		method: http.MethodPatch,
		path:   fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number),
		body:   map[string]string{"state": "closed"},
	}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
