package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	commitPageSize = 50
	commitMaxPages = 5
)

// CommitSync imports the commits of each task's fork so reviewers can see
// what a verification would merge.
type CommitSync struct {
	db     *gorm.DB
	remote RemoteClient
	log    zerolog.Logger
}

func NewCommitSync(db *gorm.DB, remote RemoteClient) *CommitSync {
	return &CommitSync{db: db, remote: remote, log: logger.With("commit-sync")}
}

// SyncResult reports one task import.
type SyncResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// SyncTask imports new commits for one task. Tasks without a fork read the
// project repository.
func (s *CommitSync) SyncTask(ctx context.Context, taskID uint) (*SyncResult, error) {
	if s.remote == nil {
		return nil, configErr("task", taskID, "remote service is not configured")
	}
	var task models.Task
	if err := s.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		return nil, notFound(err, "task", taskID)
	}
	var project models.Project
	if err := s.db.WithContext(ctx).First(&project, task.ProjectID).Error; err != nil {
		return nil, notFound(err, "project", task.ProjectID)
	}

	owner, repo := project.RepoOwner, project.RepoName
	if task.HasFork() {
		owner, repo = task.ForkOwner, task.ForkName
	} else if !project.RepoReady() {
		return nil, fmt.Errorf("project %d repository: %w", project.ID, ErrNotReady)
	}

	res := &SyncResult{}
	for page := 1; page <= commitMaxPages; page++ {
		commits, err := s.remote.ListCommits(ctx, owner, repo, gitea.ListCommitsOptions{Page: page, Limit: commitPageSize})
		if err != nil {
			return res, err
		}

		for i := range commits {
			c := &commits[i]
			exists, err := s.exists(ctx, task.ID, c.SHA)
			if err != nil {
				return res, err
			}
			if exists {
				res.Skipped++
				continue
			}
			if err := s.store(ctx, task.ID, owner, repo, c); err != nil {
				return res, err
			}
			res.Imported++
		}

		if len(commits) < commitPageSize {
			break
		}
	}

	s.log.Info().Uint("task_id", task.ID).Str("repo", owner+"/"+repo).
		Int("imported", res.Imported).Int("skipped", res.Skipped).Msg("commits synced")
	return res, nil
}

// SyncAll imports commits for every open task with a fork and returns how
// many commits were added. A failing task does not stop the others.
func (s *CommitSync) SyncAll(ctx context.Context) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("fork_owner <> '' AND fork_name <> '' AND status NOT IN ?", []models.TaskStatus{models.TaskDone}).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.SyncTask(ctx, id)
		if res != nil {
			total += res.Imported
		}
		if err != nil {
			s.log.Warn().Err(err).Uint("task_id", id).Msg("commit sync failed")
			errs = append(errs, fmt.Errorf("task %d: %w", id, err))
		}
	}
	return total, errors.Join(errs...)
}

// List returns the stored commits of a task, newest first.
func (s *CommitSync) List(ctx context.Context, taskID uint) ([]models.TaskCommit, error) {
	var commits []models.TaskCommit
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("committed_at DESC, id DESC").
		Find(&commits).Error
	return commits, err
}

func (s *CommitSync) exists(ctx context.Context, taskID uint, sha string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.TaskCommit{}).
		Where("task_id = ? AND sha = ?", taskID, sha).
		Count(&count).Error
	return count > 0, err
}

// store saves one commit. The list endpoint omits stats, so each new commit
// is fetched once; a failed detail fetch keeps the commit without stats.
func (s *CommitSync) store(ctx context.Context, taskID uint, owner, repo string, c *gitea.Commit) error {
	additions, deletions, files := 0, 0, 0
	if detail, err := s.remote.GetCommit(ctx, owner, repo, c.SHA); err == nil {
		if detail.Stats != nil {
			additions, deletions = detail.Stats.Additions, detail.Stats.Deletions
		}
		files = len(detail.Files)
	} else {
		s.log.Debug().Err(err).Str("sha", c.SHA).Msg("commit stats unavailable")
	}

	var committedAt *time.Time
	if !c.Commit.Author.Date.IsZero() {
		at := c.Commit.Author.Date
		committedAt = &at
	}

	row := models.TaskCommit{
		TaskID:       taskID,
		SHA:          c.SHA,
		Title:        truncate(c.Title(), 500),
		Message:      c.Commit.Message,
		HTMLURL:      c.HTMLURL,
		AuthorName:   c.Commit.Author.Name,
		AuthorEmail:  c.Commit.Author.Email,
		CommittedAt:  committedAt,
		Additions:    additions,
		Deletions:    deletions,
		FilesChanged: files,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
