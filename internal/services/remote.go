package services

import (
	"context"

	"github.com/FernandoVinha/TheManager/internal/services/gitea"
)

// RemoteClient is the part of the Git-hosting API the engine depends on.
// *gitea.Client implements it; tests substitute an in-memory fake.
type RemoteClient interface {
	BaseURL() string

	EnsureOwnerExists(ctx context.Context, owner string) (gitea.OwnerKind, error)
	GetUser(ctx context.Context, login string) (*gitea.User, error)
	CreateUser(ctx context.Context, opt gitea.CreateUserOption) (*gitea.User, error)
	UpdateUser(ctx context.Context, login string, opt gitea.EditUserOption) (*gitea.User, error)
	RenameUser(ctx context.Context, oldLogin, newLogin string) error
	DeleteUser(ctx context.Context, login string, purge bool) error

	GetRepo(ctx context.Context, owner, repo string) (*gitea.Repository, error)
	CreateRepo(ctx context.Context, owner string, kind gitea.OwnerKind, opt gitea.CreateRepoOption) (*gitea.Repository, error)
	EditRepo(ctx context.Context, owner, repo string, opt gitea.EditRepoOption) (*gitea.Repository, error)
	DeleteRepo(ctx context.Context, owner, repo string) error
	AddCollaborator(ctx context.Context, owner, repo, user string, perm gitea.Permission) error
	RemoveCollaborator(ctx context.Context, owner, repo, user string) error
	ForkRepo(ctx context.Context, owner, repo, newOwner, name string) (*gitea.Repository, error)

	CreatePullRequest(ctx context.Context, owner, repo string, opt gitea.CreatePullRequestOption) (*gitea.PullRequest, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int64, opt gitea.MergePullRequestOption) error
	ClosePullRequest(ctx context.Context, owner, repo string, number int64) error

	ListCommits(ctx context.Context, owner, repo string, opt gitea.ListCommitsOptions) ([]gitea.Commit, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (*gitea.Commit, error)
}

var _ RemoteClient = (*gitea.Client)(nil)
