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
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// AutomationOptions configures how verified tasks are merged.
type AutomationOptions struct {
	MergeMethod            gitea.MergeMethod
	DeleteBranchAfterMerge bool
	DefaultBranch          string
}

// Automation opens and merges a pull request from a task's fork when the
// task becomes verified. It consumes task events, so runs for one task are
// serialized by the task's key.
type Automation struct {
	db       *gorm.DB
	remote   RemoteClient
	tasks    *TaskService
	messages *MessageLog
	opts     AutomationOptions
	log      zerolog.Logger
}

func NewAutomation(db *gorm.DB, remote RemoteClient, tasks *TaskService, messages *MessageLog, opts AutomationOptions) *Automation {
	if opts.MergeMethod == "" {
		opts.MergeMethod = gitea.MergeMerge
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	return &Automation{
		db:       db,
		remote:   remote,
		tasks:    tasks,
		messages: messages,
		opts:     opts,
		log:      logger.With("automation"),
	}
}

// Handle reacts to the transition into verified and ignores everything else.
func (a *Automation) Handle(ctx context.Context, ev *models.OutboxEvent) error {
	if ev.Op != models.OpUpdate {
		return nil
	}
	var before, after TaskSnapshot
	if _, err := decodeSnapshot(ev.Before, &before); err != nil {
		return err
	}
	if _, err := decodeSnapshot(ev.After, &after); err != nil {
		return err
	}
	if before.Status == models.TaskVerified || after.Status != models.TaskVerified {
		return nil
	}

	var run models.AutomationRun
	err := a.db.Where("trigger_event_id = ?", ev.ID).First(&run).Error
	switch {
	case err == nil:
		return a.resume(ctx, &run)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	run = models.AutomationRun{
		TaskID:         ev.EntityID,
		TriggerEventID: ev.ID,
		State:          models.RunIdle,
		StartedAt:      time.Now(),
	}
	if err := a.db.Create(&run).Error; err != nil {
		return err
	}
	return a.execute(ctx, &run)
}

// resume handles a redelivered trigger. A run that never reached the remote
// service starts again; one that stopped after opening its pull request
// cannot know whether the merge happened.
func (a *Automation) resume(ctx context.Context, run *models.AutomationRun) error {
	switch {
	case run.State.Terminal():
		return nil
	case run.State == models.RunIdle:
		return a.execute(ctx, run)
	}

	number := int64(0)
	if run.PRNumber != nil {
		number = *run.PRNumber
	}
	if err := a.say(ctx, run.TaskID, models.AgentSystem,
		fmt.Sprintf("Automation was interrupted after PR #%d was created; merge outcome unknown.", number),
		map[string]interface{}{"run_id": run.ID, "state": run.State}); err != nil {
		return err
	}
	return a.fail(ctx, run, "interrupted", true)
}

func (a *Automation) execute(ctx context.Context, run *models.AutomationRun) error {
	var task models.Task
	if err := a.db.First(&task, run.TaskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return a.finish(run, models.RunFailed, "task deleted")
		}
		return err
	}

	if task.Status != models.TaskVerified {
		if err := a.say(ctx, task.ID, models.AgentSystem,
			fmt.Sprintf("Automation skipped: task is %s, no longer verified.", task.Status), nil); err != nil {
			return err
		}
		return a.fail(ctx, run, "task no longer verified", false)
	}

	if !task.HasFork() {
		if err := a.say(ctx, task.ID, models.AgentRemote, "No fork metadata found on task; skipping PR/merge.", nil); err != nil {
			return err
		}
		return a.fail(ctx, run, "missing fork", true)
	}

	var project models.Project
	if err := a.db.First(&project, task.ProjectID).Error; err != nil {
		return err
	}
	if !project.RepoReady() {
		if err := a.say(ctx, task.ID, models.AgentSystem,
			"Project repository is not synchronised; cannot open a pull request.", nil); err != nil {
			return err
		}
		return a.fail(ctx, run, "project repository not ready", true)
	}

	src, dst, err := a.resolveRepos(ctx, &task, &project)
	if err != nil {
		if err := a.say(ctx, task.ID, models.AgentRemote,
			fmt.Sprintf("Could not resolve repositories: %v", err), remotePayload(err)); err != nil {
			return err
		}
		return a.fail(ctx, run, err.Error(), true)
	}

	headBranch := firstNonEmpty(src.DefaultBranch, project.DefaultBranch, a.opts.DefaultBranch)
	baseBranch := firstNonEmpty(dst.DefaultBranch, project.DefaultBranch, a.opts.DefaultBranch)
	head := task.ForkOwner + ":" + headBranch
	title := fmt.Sprintf("Task %s-%s - merge to %s", project.Key, task.Key, baseBranch)

	run.HeadRef, run.BaseRef = head, baseBranch
	if err := a.db.Model(run).UpdateColumns(map[string]interface{}{"head_ref": head, "base_ref": baseBranch}).Error; err != nil {
		return err
	}

	if err := a.closeStale(ctx, &task, &project, run); err != nil {
		return err
	}

	pr, err := a.remote.CreatePullRequest(ctx, project.RepoOwner, project.RepoName, gitea.CreatePullRequestOption{
		Head:  head,
		Base:  baseBranch,
		Title: title,
		Body:  fmt.Sprintf("Automated merge for task %s-%s.", project.Key, task.Key),
	})
	if err != nil {
		if err := a.say(ctx, task.ID, models.AgentRemote,
			fmt.Sprintf("PR creation failed: %v", err), remotePayload(err)); err != nil {
			return err
		}
		return a.fail(ctx, run, err.Error(), true)
	}

	number := pr.Number
	run.State, run.PRNumber, run.PRURL = models.RunPRCreated, &number, pr.HTMLURL
	if err := a.db.Model(run).UpdateColumns(map[string]interface{}{
		"state":     run.State,
		"pr_number": number,
		"pr_url":    pr.HTMLURL,
	}).Error; err != nil {
		return err
	}
	if err := a.db.Model(&models.Task{}).Where("id = ?", task.ID).UpdateColumns(map[string]interface{}{
		"pr_number": number,
		"pr_url":    pr.HTMLURL,
	}).Error; err != nil {
		return err
	}
	if err := a.say(ctx, task.ID, models.AgentRemote, fmt.Sprintf("PR created: #%d", number),
		map[string]interface{}{"pr": pr}); err != nil {
		return err
	}

	err = a.remote.MergePullRequest(ctx, project.RepoOwner, project.RepoName, number, gitea.MergePullRequestOption{
		Do:                     a.opts.MergeMethod,
		MergeTitleField:        "Merge " + title,
		MergeMessageField:      "Auto-merge from task " + task.Key,
		DeleteBranchAfterMerge: a.opts.DeleteBranchAfterMerge,
	})
	if err != nil {
		text := fmt.Sprintf("Merge of PR #%d failed: %v", number, err)
		if gitea.IsRetryable(err) {
			text = fmt.Sprintf("Merge of PR #%d did not complete, outcome unknown: %v", number, err)
		}
		if err := a.say(ctx, task.ID, models.AgentRemote, text, remotePayload(err)); err != nil {
			return err
		}
		return a.fail(ctx, run, err.Error(), true)
	}

	if err := a.say(ctx, task.ID, models.AgentRemote, fmt.Sprintf("PR #%d merged successfully.", number),
		map[string]interface{}{"pr_number": number, "method": a.opts.MergeMethod}); err != nil {
		return err
	}
	if err := a.finish(run, models.RunMerged, ""); err != nil {
		return err
	}
	return a.setStatus(ctx, task.ID, models.TaskDone)
}

// resolveRepos fetches the fork and the destination concurrently.
func (a *Automation) resolveRepos(ctx context.Context, task *models.Task, project *models.Project) (*gitea.Repository, *gitea.Repository, error) {
	var src, dst *gitea.Repository
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := a.remote.GetRepo(gctx, task.ForkOwner, task.ForkName)
		if err != nil {
			return fmt.Errorf("fork %s/%s: %w", task.ForkOwner, task.ForkName, err)
		}
		src = r
		return nil
	})
	g.Go(func() error {
		r, err := a.remote.GetRepo(gctx, project.RepoOwner, project.RepoName)
		if err != nil {
			return fmt.Errorf("repository %s/%s: %w", project.RepoOwner, project.RepoName, err)
		}
		dst = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// closeStale closes the pull request left open by the previous failed run so
// a re-verified task gets a fresh one.
func (a *Automation) closeStale(ctx context.Context, task *models.Task, project *models.Project, run *models.AutomationRun) error {
	if task.PRNumber == nil {
		return nil
	}
	var prev models.AutomationRun
	err := a.db.Where("task_id = ? AND id <> ? AND pr_number = ?", task.ID, run.ID, *task.PRNumber).
		Order("id DESC").First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.State != models.RunFailed {
		return nil
	}

	if err := a.remote.ClosePullRequest(ctx, project.RepoOwner, project.RepoName, *task.PRNumber); err != nil {
		a.log.Warn().Err(err).Uint("task_id", task.ID).Int64("pr", *task.PRNumber).Msg("close stale pull request")
		return nil
	}
	return a.say(ctx, task.ID, models.AgentRemote, fmt.Sprintf("Closed stale PR #%d.", *task.PRNumber), nil)
}

func (a *Automation) say(ctx context.Context, taskID uint, agent models.MessageAgent, text string, payload interface{}) error {
	_, err := a.messages.Append(ctx, taskID, agent, nil, text, payload)
	return err
}

func (a *Automation) finish(run *models.AutomationRun, state models.RunState, reason string) error {
	now := time.Now()
	run.State, run.Error, run.FinishedAt = state, reason, &now
	return a.db.Model(run).UpdateColumns(map[string]interface{}{
		"state":       state,
		"error":       reason,
		"finished_at": &now,
	}).Error
}

// fail closes the run and, when markTask is set, moves the task to failed.
func (a *Automation) fail(ctx context.Context, run *models.AutomationRun, reason string, markTask bool) error {
	if err := a.finish(run, models.RunFailed, reason); err != nil {
		return err
	}
	if !markTask {
		return nil
	}
	return a.setStatus(ctx, run.TaskID, models.TaskFailed)
}

func (a *Automation) setStatus(ctx context.Context, taskID uint, status models.TaskStatus) error {
	_, err := a.tasks.ApplyAutomationStatus(ctx, taskID, status)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		// Someone moved or removed the task while the run was in flight.
		a.log.Info().Uint("task_id", taskID).Str("status", string(status)).Err(err).Msg("automation status not applied")
		return nil
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
