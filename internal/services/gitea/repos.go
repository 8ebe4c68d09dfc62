package gitea

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Permission is a remote collaborator access level.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

type Repository struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	FullName      string      `json:"full_name"`
	Owner         User        `json:"owner"`
	Description   string      `json:"description"`
	Private       bool        `json:"private"`
	Fork          bool        `json:"fork"`
	Parent        *Repository `json:"parent,omitempty"`
	Empty         bool        `json:"empty"`
	DefaultBranch string      `json:"default_branch"`
	HTMLURL       string      `json:"html_url"`
	CloneURL      string      `json:"clone_url"`
}

type CreateRepoOption struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Private       bool   `json:"private"`
	AutoInit      bool   `json:"auto_init"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

type EditRepoOption struct {
	Description   *string `json:"description,omitempty"`
	Private       *bool   `json:"private,omitempty"`
	DefaultBranch *string `json:"default_branch,omitempty"`
}

// GetRepo fetches a repository descriptor.
func (c *Client) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var r Repository
	if err := c.idempotent(ctx, request{method: http.MethodGet, path: repoPath(owner, repo)}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRepo creates owner/opt.Name. An existing repository with the same
// visibility is returned as is; one with a different visibility is a conflict.
func (c *Client) CreateRepo(ctx context.Context, owner string, kind OwnerKind, opt CreateRepoOption) (*Repository, error) {
	r := request{method: http.MethodPost, body: opt, heavy: true}
	switch kind {
	case OwnerOrg:
		r.path = "/orgs/" + escape(owner) + "/repos"
	default:
		r.path = "/user/repos"
		r.sudo = owner
	}

	var repo Repository
	err := c.idempotent(ctx, r, &repo)
	if err == nil {
		return &repo, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	existing, getErr := c.GetRepo(ctx, owner, opt.Name)
	if getErr != nil {
		return nil, err
	}
	if existing.Private != opt.Private {
		return nil, &APIError{
			Kind:       KindConflict,
			StatusCode: http.StatusConflict,
			Method:     r.method,
			Path:       r.path,
			Message:    fmt.Sprintf("repository %s already exists with private=%t", existing.FullName, existing.Private),
		}
	}
	return existing, nil
}

// EditRepo applies a partial settings update.
func (c *Client) EditRepo(ctx context.Context, owner, repo string, opt EditRepoOption) (*Repository, error) {
	var r Repository
	if err := c.idempotent(ctx, request{method: http.MethodPatch, path: repoPath(owner, repo), body: opt}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRepo removes a repository; a missing repository counts as deleted.
func (c *Client) DeleteRepo(ctx context.Context, owner, repo string) error {
	err := c.idempotent(ctx, request{method: http.MethodDelete, path: repoPath(owner, repo), heavy: true}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// AddCollaborator grants or overwrites a collaborator's permission.
func (c *Client) AddCollaborator(ctx context.Context, owner, repo, user string, perm Permission) error {
	body := map[string]Permission{"permission": perm}
	return c.idempotent(ctx, request{
		method: http.MethodPut,
		path:   repoPath(owner, repo) + "/collaborators/" + escape(user),
		body:   body,
	}, nil)
}

// RemoveCollaborator revokes access; a missing collaborator counts as removed.
func (c *Client) RemoveCollaborator(ctx context.Context, owner, repo, user string) error {
	err := c.idempotent(ctx, request{
		method: http.MethodDelete,
		path:   repoPath(owner, repo) + "/collaborators/" + escape(user),
	}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ForkRepo forks owner/repo into newOwner's namespace as name. An existing
// fork of owner/repo with that name is returned; any other repository in the
// way is a conflict.
func (c *Client) ForkRepo(ctx context.Context, owner, repo, newOwner, name string) (*Repository, error) {
	body := map[string]string{"name": name}
	var fork Repository
	err := c.idempotent(ctx, request{
		method: http.MethodPost,
		path:   repoPath(owner, repo) + "/forks",
		sudo:   newOwner,
		body:   body,
		heavy:  true,
	}, &fork)
	if err == nil {
		return &fork, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}
	existing, getErr := c.GetRepo(ctx, newOwner, name)
	if getErr != nil {
		return nil, err
	}
	source := owner + "/" + repo
	if !existing.Fork || (existing.Parent != nil && !strings.EqualFold(existing.Parent.FullName, source)) {
		return nil, &APIError{
			Kind:       KindConflict,
			StatusCode: http.StatusConflict,
			Method:     http.MethodPost,
			Path:       repoPath(owner, repo) + "/forks",
			Message:    fmt.Sprintf("%s already exists and is not a fork of %s", existing.FullName, source),
		}
	}
	return existing, nil
}
