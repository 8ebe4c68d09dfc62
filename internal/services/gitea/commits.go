package gitea

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type CommitUser struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type CommitStats struct {
	Total     int `json:"total"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

type CommitFile struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type Commit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string     `json:"message"`
		Author  CommitUser `json:"author"`
	} `json:"commit"`
	Stats *CommitStats `json:"stats"`
	Files []CommitFile `json:"files"`
}

// Title is the first line of the commit message.
func (c *Commit) Title() string {
	title, _, _ := strings.Cut(c.Commit.Message, "\n")
	return strings.TrimSpace(title)
}

type ListCommitsOptions struct {
	Branch string // sha or branch to start listing from
	Page   int
	Limit  int
	Stat   bool
}

// ListCommits returns one page of commits, newest first.
func (c *Client) ListCommits(ctx context.Context, owner, repo string, opt ListCommitsOptions) ([]Commit, error) {
	q := url.Values{}
	if opt.Branch != "" {
		q.Set("sha", opt.Branch)
	}
	if opt.Page > 0 {
		q.Set("page", strconv.Itoa(opt.Page))
	}
	if opt.Limit > 0 {
		q.Set("limit", strconv.Itoa(opt.Limit))
	}
	q.Set("stat", strconv.FormatBool(opt.Stat))
	q.Set("files", "false")
	q.Set("verification", "false")

	var commits []Commit
	if err := c.idempotent(ctx, request{method: http.MethodGet, path: repoPath(owner, repo) + "/commits", query: q}, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// GetCommit fetches one commit with its diff stats and file list.
func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) (*Commit, error) {
	var commit Commit
	if err := c.idempotent(ctx, request{method: http.MethodGet, path: repoPath(owner, repo) + "/git/commits/" + escape(sha)}, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}
