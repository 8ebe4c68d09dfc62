package gitea

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
	IsAdmin   bool   `json:"is_admin"`
	Active    bool   `json:"active"`
}

type CreateUserOption struct {
	Username           string `json:"username"`
	Email              string `json:"email"`
	FullName           string `json:"full_name,omitempty"`
	Password           string `json:"password"`
	MustChangePassword bool   `json:"must_change_password"`
	SendNotify         bool   `json:"send_notify"`
	LoginName          string `json:"login_name,omitempty"`
	SourceID           int64  `json:"source_id"`
}

// EditUserOption is a partial update; nil fields are left untouched.
// LoginName and SourceID are required by the admin endpoint.
type EditUserOption struct {
	LoginName          string  `json:"login_name"`
	SourceID           int64   `json:"source_id"`
	Email              *string `json:"email,omitempty"`
	FullName           *string `json:"full_name,omitempty"`
	Password           string  `json:"password,omitempty"`
	MustChangePassword *bool   `json:"must_change_password,omitempty"`
	Active             *bool   `json:"active,omitempty"`
	Admin              *bool   `json:"admin,omitempty"`
}

// OwnerKind tells whether a namespace is a user or an organization.
type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerOrg  OwnerKind = "org"
)

func (c *Client) withURL(u *User) *User {
	if u != nil && u.HTMLURL == "" && u.Login != "" {
		u.HTMLURL = c.baseURL + "/" + u.Login
	}
	return u
}

// GetUser fetches a user by login.
func (c *Client) GetUser(ctx context.Context, login string) (*User, error) {
	var u User
	if err := c.idempotent(ctx, request{method: http.MethodGet, path: "/users/" + escape(login)}, &u); err != nil {
		return nil, err
	}
	return c.withURL(&u), nil
}

// EnsureOwnerExists checks that a user or organization namespace exists.
// It never creates one.
func (c *Client) EnsureOwnerExists(ctx context.Context, owner string) (OwnerKind, error) {
	var org struct {
		ID int64 `json:"id"`
	}
	err := c.idempotent(ctx, request{method: http.MethodGet, path: "/orgs/" + escape(owner)}, &org)
	if err == nil {
		return OwnerOrg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if _, err := c.GetUser(ctx, owner); err != nil {
		return "", err
	}
	return OwnerUser, nil
}

// CreateUser creates a remote account. When the login already exists the
// existing account is returned instead of an error.
func (c *Client) CreateUser(ctx context.Context, opt CreateUserOption) (*User, error) {
	if opt.LoginName == "" {
		opt.LoginName = opt.Username
	}

	var u User
	err := c.idempotent(ctx, request{method: http.MethodPost, path: "/admin/users", body: opt}, &u)
	if err == nil {
		return c.withURL(&u), nil
	}
	if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrValidation) {
		return nil, err
	}

	existing, getErr := c.GetUser(ctx, opt.Username)
	if getErr != nil {
		// Validation failed for another reason, e.g. the e-mail is taken.
		return nil, err
	}
	return existing, nil
}

// UpdateUser patches an existing account addressed by its current login.
func (c *Client) UpdateUser(ctx context.Context, login string, opt EditUserOption) (*User, error) {
	if opt.LoginName == "" {
		opt.LoginName = login
	}
	var u User
	if err := c.idempotent(ctx, request{method: http.MethodPatch, path: "/admin/users/" + escape(login), body: opt}, &u); err != nil {
		return nil, err
	}
	return c.withURL(&u), nil
}

// RenameUser changes a login. Renaming to the current name is a no-op, and
// a missing old login with an existing new login counts as already renamed.
func (c *Client) RenameUser(ctx context.Context, oldLogin, newLogin string) error {
	if oldLogin == newLogin {
		return nil
	}
	body := map[string]string{"new_username": newLogin}
	err := c.idempotent(ctx, request{method: http.MethodPost, path: "/admin/users/" + escape(oldLogin) + "/rename", body: body}, nil)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, getErr := c.GetUser(ctx, newLogin); getErr == nil {
		return nil
	}
	return err
}

// DeleteUser removes an account; a missing account counts as deleted.
func (c *Client) DeleteUser(ctx context.Context, login string, purge bool) error {
	var q url.Values
	if purge {
		q = url.Values{"purge": {"true"}}
	}
	err := c.idempotent(ctx, request{method: http.MethodDelete, path: "/admin/users/" + escape(login), query: q}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
