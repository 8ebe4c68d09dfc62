package services

import (
	"context"
	"testing"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskService_CreateAssignsSequentialKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	outsider := env.createUser("zed")
	p := env.createProject("ACME", alice)

	first, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "One"}, alice.ID)
	require.NoError(t, err)
	second, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "Two", Priority: "high"}, alice.ID)
	require.NoError(t, err)

	assert.Equal(t, "1", first.Key)
	assert.Equal(t, "2", second.Key)
	assert.Equal(t, models.TaskTodo, first.Status)
	assert.Equal(t, models.PriorityMedium, first.Priority)
	assert.Equal(t, models.PriorityHigh, second.Priority)

	_, err = env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "Three", AssigneeID: &outsider.ID}, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "Four", Priority: "whenever"}, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.tasks.Create(ctx, 999, &CreateTaskRequest{Title: "Five"}, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := env.tasks.List(p.ID, &TaskListRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)
}

func TestTaskService_StatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	p := env.createProject("ACME", alice)
	task, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "One"}, alice.ID)
	require.NoError(t, err)

	_, err = env.tasks.ChangeStatus(ctx, task.ID, models.TaskDone)
	assert.ErrorIs(t, err, ErrInvalidTransition, "people cannot finish a task directly")
	_, err = env.tasks.ChangeStatus(ctx, task.ID, models.TaskTodo)
	assert.ErrorIs(t, err, ErrInvalidTransition, "same status")
	_, err = env.tasks.ApplyAutomationStatus(ctx, task.ID, models.TaskDone)
	assert.ErrorIs(t, err, ErrInvalidTransition, "automation only resolves verified tasks")

	updated, err := env.tasks.ChangeStatus(ctx, task.ID, models.TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, updated.Status)

	_, err = env.tasks.ChangeStatus(ctx, 999, models.TaskReview)
	assert.ErrorIs(t, err, ErrNotFound)

	evs := env.events(models.EventKey(models.EntityTask, task.ID))
	require.Len(t, evs, 2)
	assert.Equal(t, models.OpUpdate, evs[1].Op)
	assert.Contains(t, evs[1].Before, `"status":"todo"`)
	assert.Contains(t, evs[1].After, `"status":"in_progress"`)
}

func TestTaskService_StatusChangePublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	p := env.createProject("ACME", alice)
	task, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "One"}, alice.ID)
	require.NoError(t, err)

	ch := env.hub.Subscribe("watcher")
	defer env.hub.Unsubscribe("watcher")

	_, err = env.tasks.ChangeStatus(ctx, task.ID, models.TaskReview)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "status", ev.Type)
		assert.Equal(t, task.ID, ev.TaskID)
		assert.Equal(t, p.ID, ev.ProjectID)
		assert.Equal(t, models.TaskReview, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}

func TestTaskService_UpdateForkURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	p := env.createProject("ACME", alice)
	task, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "One"}, alice.ID)
	require.NoError(t, err)

	fork := "https://git.example.test/bob/acme.git"
	updated, err := env.tasks.Update(ctx, task.ID, &UpdateTaskRequest{ForkURL: &fork})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.ForkOwner)
	assert.Equal(t, "acme", updated.ForkName)
	assert.True(t, updated.HasFork())

	bad := "not a url"
	_, err = env.tasks.Update(ctx, task.ID, &UpdateTaskRequest{ForkURL: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Title only: no remote-facing change, no event.
	n := len(env.events(models.EventKey(models.EntityTask, task.ID)))
	_, err = env.tasks.Update(ctx, task.ID, &UpdateTaskRequest{Title: "Renamed"})
	require.NoError(t, err)
	assert.Len(t, env.events(models.EventKey(models.EntityTask, task.ID)), n)
}

func TestTaskService_ProvisionFork(t *testing.T) {
	f := newAutomationFixture(t, false)
	ctx := context.Background()

	updated, err := f.tasks.ProvisionFork(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.ForkOwner)
	assert.Equal(t, "acme", updated.ForkName)
	assert.NotEmpty(t, updated.ForkURL)
	assert.True(t, f.remote.repo("bob", "acme").Fork)

	msgs := f.taskMessages(f.task.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Fork ready: bob/acme", msgs[0].Text)

	require.NoError(t, f.drain(f.taskKey))
	f.verify()
	assert.Equal(t, models.TaskDone, f.reloadTask(f.task.ID).Status)

	// No assignee, nothing to fork for.
	other, err := f.tasks.Create(ctx, f.project.ID, &CreateTaskRequest{Title: "Two"}, f.alice.ID)
	require.NoError(t, err)
	_, err = f.tasks.ProvisionFork(ctx, other.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTaskService_CommentsAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	p := env.createProject("ACME", alice)
	task, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "One"}, alice.ID)
	require.NoError(t, err)

	msg, err := env.tasks.AddComment(ctx, task.ID, alice.ID, "  looks good  ")
	require.NoError(t, err)
	assert.Equal(t, models.AgentUser, msg.Agent)
	assert.Equal(t, "looks good", msg.Text)
	require.NotNil(t, msg.AuthorID)
	assert.Equal(t, alice.ID, *msg.AuthorID)

	_, err = env.tasks.AddComment(ctx, task.ID, alice.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Messages are append-only.
	err = env.db.Model(msg).Update("text", "edited").Error
	assert.ErrorIs(t, err, models.ErrMessageImmutable)

	require.NoError(t, env.tasks.Delete(ctx, task.ID))
	assert.Empty(t, env.taskMessages(task.ID))
	_, err = env.tasks.GetByID(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	evs := env.events(models.EventKey(models.EntityTask, task.ID))
	assert.Equal(t, models.OpDelete, evs[len(evs)-1].Op)
}

func TestProjectService_DeleteRemovesTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	p := env.createProject("ACME", alice)
	env.drainAll()
	task, err := env.tasks.Create(ctx, p.ID, &CreateTaskRequest{Title: "One"}, alice.ID)
	require.NoError(t, err)
	_, err = env.tasks.AddComment(ctx, task.ID, alice.ID, "hi")
	require.NoError(t, err)

	require.NoError(t, env.projects.Delete(ctx, p.ID))
	env.drainAll()

	var count int64
	require.NoError(t, env.db.Model(&models.Task{}).Where("project_id = ?", p.ID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, env.db.Model(&models.TaskMessage{}).Where("task_id = ?", task.ID).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, env.db.Model(&models.ProjectMember{}).Where("project_id = ?", p.ID).Count(&count).Error)
	assert.Zero(t, count)

	// Repositories are kept unless deletion is enabled.
	assert.Zero(t, env.remote.countCalls("DeleteRepo"))
	assert.NotNil(t, env.remote.repo("acme", "acme"))
}

func TestCommitSync_ImportsForkCommits(t *testing.T) {
	f := newAutomationFixture(t, true)
	ctx := context.Background()
	f.remote.addCommits("bob", "acme", 60)

	res, err := f.commits.SyncTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, res.Imported)
	assert.Zero(t, res.Skipped)

	stored, err := f.commits.List(ctx, f.task.ID)
	require.NoError(t, err)
	require.Len(t, stored, 60)
	assert.Equal(t, 10, stored[0].Additions)
	assert.Equal(t, 1, stored[0].FilesChanged)
	assert.NotContains(t, stored[0].Title, "\n")

	f.remote.addCommits("bob", "acme", 2)
	n, err := f.commits.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err = f.commits.SyncTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 62, res.Skipped)
}

func TestCommitSync_FallsBackToProjectRepository(t *testing.T) {
	f := newAutomationFixture(t, false)
	f.remote.addCommits("acme", "acme", 3)

	res, err := f.commits.SyncTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)

	// Tasks without forks are not part of the periodic sync.
	n, err := f.commits.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
