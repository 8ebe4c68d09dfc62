package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type engineFixture struct {
	db     *gorm.DB
	queue  *recordingQueue
	outbox *Outbox
	engine *Engine

	mu      sync.Mutex
	handled []uint
	results map[uint][]error
}

func newEngineFixture(t *testing.T, maxDeliveries int) *engineFixture {
	db := newTestDB(t)
	queue := &recordingQueue{}
	outbox := NewOutbox(queue, nil)
	f := &engineFixture{
		db:      db,
		queue:   queue,
		outbox:  outbox,
		engine:  NewEngine(db, outbox, config.WorkerConfig{LeaseTTL: time.Minute, MaxDeliveries: maxDeliveries}),
		results: map[uint][]error{},
	}
	f.engine.Register(models.EntityTask, HandlerFunc(f.handle))
	f.engine.Register(models.EntityUser, HandlerFunc(f.handle))
	return f
}

func (f *engineFixture) handle(ctx context.Context, ev *models.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, ev.ID)
	if q := f.results[ev.ID]; len(q) > 0 {
		f.results[ev.ID] = q[1:]
		return q[0]
	}
	return nil
}

func (f *engineFixture) failWith(id uint, errs ...error) {
	f.mu.Lock()
	f.results[id] = append(f.results[id], errs...)
	f.mu.Unlock()
}

func (f *engineFixture) record(t *testing.T, entity models.EntityType, id uint, key string) *models.OutboxEvent {
	t.Helper()
	var ev *models.OutboxEvent
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		ev, err = f.outbox.Record(tx, entity, id, key, models.OpUpdate,
			map[string]interface{}{"id": id, "n": 1}, map[string]interface{}{"id": id, "n": 2})
		return err
	}))
	return ev
}

func (f *engineFixture) reload(t *testing.T, id uint) *models.OutboxEvent {
	t.Helper()
	var ev models.OutboxEvent
	require.NoError(t, f.db.First(&ev, id).Error)
	return &ev
}

func TestEngine_DrainKeyDeliversInCommitOrder(t *testing.T) {
	f := newEngineFixture(t, 3)
	e1 := f.record(t, models.EntityTask, 1, "task:1")
	other := f.record(t, models.EntityTask, 2, "task:2")
	e2 := f.record(t, models.EntityTask, 1, "task:1")
	e3 := f.record(t, models.EntityTask, 1, "task:1")

	require.NoError(t, f.engine.DrainKey(context.Background(), "task:1"))

	assert.Equal(t, []uint{e1.ID, e2.ID, e3.ID}, f.handled)
	for _, id := range []uint{e1.ID, e2.ID, e3.ID} {
		ev := f.reload(t, id)
		assert.Equal(t, models.OutboxDelivered, ev.Status)
		assert.Equal(t, 1, ev.Attempts)
		assert.NotNil(t, ev.DeliveredAt)
	}
	assert.Equal(t, models.OutboxPending, f.reload(t, other.ID).Status, "other keys are untouched")

	// Nothing left: a second drain is a no-op.
	require.NoError(t, f.engine.DrainKey(context.Background(), "task:1"))
	assert.Len(t, f.handled, 3)
}

func TestEngine_TransientFailureBlocksLaterEvents(t *testing.T) {
	f := newEngineFixture(t, 5)
	e1 := f.record(t, models.EntityTask, 1, "task:1")
	e2 := f.record(t, models.EntityTask, 1, "task:1")
	f.failWith(e1.ID, transientErr("PATCH", "/repos/acme/x"))

	err := f.engine.DrainKey(context.Background(), "task:1")
	require.Error(t, err)
	assert.True(t, gitea.IsRetryable(err))

	ev1 := f.reload(t, e1.ID)
	assert.Equal(t, models.OutboxPending, ev1.Status)
	assert.Equal(t, 1, ev1.Attempts)
	assert.Contains(t, ev1.LastError, "service unavailable")
	assert.Equal(t, models.OutboxPending, f.reload(t, e2.ID).Status)
	assert.Equal(t, []uint{e1.ID}, f.handled, "the second event must wait for the first")

	require.NoError(t, f.engine.DrainKey(context.Background(), "task:1"))
	ev1 = f.reload(t, e1.ID)
	assert.Equal(t, models.OutboxDelivered, ev1.Status)
	assert.Equal(t, 2, ev1.Attempts)
	assert.Empty(t, ev1.LastError)
	assert.Equal(t, models.OutboxDelivered, f.reload(t, e2.ID).Status)
	assert.Equal(t, []uint{e1.ID, e1.ID, e2.ID}, f.handled)
}

func TestEngine_MaxDeliveriesMarksFailedAndMovesOn(t *testing.T) {
	f := newEngineFixture(t, 2)
	u := models.User{Username: "alice", Email: "alice@example.test", Role: models.UserRoleRegular, IsActive: true, SyncState: models.SyncPending}
	require.NoError(t, f.db.Create(&u).Error)

	e1 := f.record(t, models.EntityUser, u.ID, "user:1")
	e2 := f.record(t, models.EntityUser, u.ID, "user:1")
	f.failWith(e1.ID, transientErr("POST", "/admin/users"), transientErr("POST", "/admin/users"))

	require.Error(t, f.engine.DrainKey(context.Background(), "user:1"))
	require.NoError(t, f.engine.DrainKey(context.Background(), "user:1"))

	ev1 := f.reload(t, e1.ID)
	assert.Equal(t, models.OutboxFailed, ev1.Status)
	assert.Equal(t, 2, ev1.Attempts)
	assert.Equal(t, models.OutboxDelivered, f.reload(t, e2.ID).Status)

	var reloaded models.User
	require.NoError(t, f.db.First(&reloaded, u.ID).Error)
	assert.Equal(t, models.SyncFailed, reloaded.SyncState)
	assert.Contains(t, reloaded.SyncError, "service unavailable")

	var logs []models.SystemLog
	require.NoError(t, f.db.Where("entity_type = ? AND entity_id = ?", "user", u.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Level)
	assert.Equal(t, "sync_failed", logs[0].Action)
}

func TestEngine_FatalFailureIsNotRetried(t *testing.T) {
	f := newEngineFixture(t, 5)
	e1 := f.record(t, models.EntityTask, 1, "task:1")
	e2 := f.record(t, models.EntityTask, 1, "task:1")
	f.failWith(e1.ID, apiErr(gitea.KindValidation, 422, "name is reserved"))

	require.NoError(t, f.engine.DrainKey(context.Background(), "task:1"))

	ev1 := f.reload(t, e1.ID)
	assert.Equal(t, models.OutboxFailed, ev1.Status)
	assert.Equal(t, 1, ev1.Attempts)
	assert.Contains(t, ev1.LastError, "name is reserved")
	assert.Equal(t, models.OutboxDelivered, f.reload(t, e2.ID).Status)
}

func TestEngine_HandlerPanicAndMissingHandlerFail(t *testing.T) {
	f := newEngineFixture(t, 5)
	f.engine.Register(models.EntityProject, HandlerFunc(func(ctx context.Context, ev *models.OutboxEvent) error {
		panic("boom")
	}))
	panicky := f.record(t, models.EntityProject, 1, "project:1")
	orphan := f.record(t, models.EntityProjectMember, 9, "project:1")

	require.NoError(t, f.engine.DrainKey(context.Background(), "project:1"))

	ev := f.reload(t, panicky.ID)
	assert.Equal(t, models.OutboxFailed, ev.Status)
	assert.Contains(t, ev.LastError, "handler panic: boom")

	ev = f.reload(t, orphan.ID)
	assert.Equal(t, models.OutboxFailed, ev.Status)
	assert.Contains(t, ev.LastError, "no handler")
}

func TestEngine_BusyKey(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.record(t, models.EntityTask, 1, "task:1")

	ok, err := models.AcquireLease(f.db, leaseOutbox, "task:1", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.engine.DrainKey(context.Background(), "task:1")
	assert.ErrorIs(t, err, ErrKeyBusy)
	assert.Empty(t, f.handled)

	require.NoError(t, models.ReleaseLease(f.db, leaseOutbox, "task:1", "someone-else"))
	require.NoError(t, f.engine.DrainKey(context.Background(), "task:1"))
	assert.Len(t, f.handled, 1)

	var leases int64
	require.NoError(t, f.db.Model(&models.Lease{}).Count(&leases).Error)
	assert.Zero(t, leases, "drain releases its lease")
}

func TestEngine_CanceledContextDoesNotCountAttempt(t *testing.T) {
	f := newEngineFixture(t, 3)
	ev := f.record(t, models.EntityTask, 1, "task:1")

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.Register(models.EntityTask, HandlerFunc(func(context.Context, *models.OutboxEvent) error {
		cancel()
		return context.Canceled
	}))

	err := f.engine.DrainKey(ctx, "task:1")
	assert.ErrorIs(t, err, context.Canceled)

	reloaded := f.reload(t, ev.ID)
	assert.Equal(t, models.OutboxPending, reloaded.Status)
	assert.Zero(t, reloaded.Attempts)
}

func TestEngine_OnEntityCommitted(t *testing.T) {
	f := newEngineFixture(t, 3)
	ctx := context.Background()

	ev, err := f.engine.OnEntityCommitted(ctx, ChangeNotice{
		EntityType: models.EntityUser,
		EntityID:   7,
		After:      json.RawMessage(`{"id":7,"username":"carol"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OpCreate, ev.Op)
	assert.Equal(t, "user:7", ev.Key)
	assert.False(t, ev.CommittedAt.IsZero())

	ev, err = f.engine.OnEntityCommitted(ctx, ChangeNotice{
		EntityType: models.EntityProjectMember,
		EntityID:   3,
		Before:     json.RawMessage(`{"id":3,"project_id":12,"user_id":7,"role":"developer"}`),
		After:      json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OpDelete, ev.Op)
	assert.Equal(t, "project:12", ev.Key, "membership changes follow their project")

	ev, err = f.engine.OnEntityCommitted(ctx, ChangeNotice{
		EntityType: models.EntityTask,
		EntityID:   4,
		Before:     json.RawMessage(`{"id":4,"status":"review"}`),
		After:      json.RawMessage(`{"id":4,"status":"verified"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OpUpdate, ev.Op)

	assert.Equal(t, []string{"user:7", "project:12", "task:4"}, f.queue.Keys())

	_, err = f.engine.OnEntityCommitted(ctx, ChangeNotice{EntityType: models.EntityUser, EntityID: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.engine.OnEntityCommitted(ctx, ChangeNotice{
		EntityType: "sprint",
		EntityID:   1,
		After:      json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.engine.OnEntityCommitted(ctx, ChangeNotice{
		EntityType: models.EntityProjectMember,
		EntityID:   1,
		After:      json.RawMessage(`{"user_id":2}`),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"configuration", configErr("project", 1, "owner missing"), true},
		{"last owner", ErrLastOwner, true},
		{"invalid input", ErrInvalidInput, true},
		{"auth", apiErr(gitea.KindAuth, 401, "bad token"), true},
		{"validation", apiErr(gitea.KindValidation, 422, "invalid"), true},
		{"not found", apiErr(gitea.KindNotFound, 404, "missing"), true},
		{"conflict", apiErr(gitea.KindConflict, 409, "exists"), true},
		{"transient", transientErr("GET", "/x"), false},
		{"not ready", ErrNotReady, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestConfigurationError_Message(t *testing.T) {
	err := configErr("project", 4, "repository owner %q does not exist", "ghost")
	assert.Equal(t, `project 4: repository owner "ghost" does not exist`, err.Error())
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = PermissionFor("superuser")
	require.Error(t, err)
	assert.Equal(t, "member role: no remote permission for role superuser", err.Error())
}

func TestEngine_DrainWithoutReconcilers(t *testing.T) {
	db := newTestDB(t)
	outbox := NewOutbox(&recordingQueue{}, nil)
	engine := NewEngine(db, outbox, config.WorkerConfig{MaxDeliveries: 3})

	var ev *models.OutboxEvent
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		ev, err = outbox.Record(tx, models.EntityUser, 1, "user:1", models.OpCreate, nil, map[string]interface{}{"id": 1})
		return err
	}))

	err := engine.DrainKey(context.Background(), "user:1")
	require.ErrorIs(t, err, ErrConfiguration)

	var got models.OutboxEvent
	require.NoError(t, db.First(&got, ev.ID).Error)
	assert.Equal(t, models.OutboxPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestEngine_SlowHandlerKeepsLease(t *testing.T) {
	db := newTestDB(t)
	outbox := NewOutbox(&recordingQueue{}, nil)
	cfg := config.WorkerConfig{LeaseTTL: 100 * time.Millisecond, MaxDeliveries: 3}

	var calls atomic.Int32
	slow := HandlerFunc(func(ctx context.Context, ev *models.OutboxEvent) error {
		calls.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	first := NewEngine(db, outbox, cfg)
	first.Register(models.EntityTask, slow)
	second := NewEngine(db, outbox, cfg)
	second.Register(models.EntityTask, slow)

	var ev *models.OutboxEvent
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		ev, err = outbox.Record(tx, models.EntityTask, 1, "task:1", models.OpUpdate,
			map[string]interface{}{"id": 1}, map[string]interface{}{"id": 1})
		return err
	}))

	firstErr := make(chan error, 1)
	go func() { firstErr <- first.DrainKey(context.Background(), "task:1") }()

	time.Sleep(150 * time.Millisecond)
	err := second.DrainKey(context.Background(), "task:1")
	assert.ErrorIs(t, err, ErrKeyBusy)

	require.NoError(t, <-firstErr)
	assert.Equal(t, int32(1), calls.Load())

	var got models.OutboxEvent
	require.NoError(t, db.First(&got, ev.ID).Error)
	assert.Equal(t, models.OutboxDelivered, got.Status)
}

func TestEngine_LostLeaseCancelsHandler(t *testing.T) {
	db := newTestDB(t)
	outbox := NewOutbox(&recordingQueue{}, nil)
	engine := NewEngine(db, outbox, config.WorkerConfig{LeaseTTL: 60 * time.Millisecond, MaxDeliveries: 3})

	started := make(chan struct{})
	engine.Register(models.EntityTask, HandlerFunc(func(ctx context.Context, ev *models.OutboxEvent) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	var ev *models.OutboxEvent
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		ev, err = outbox.Record(tx, models.EntityTask, 1, "task:1", models.OpUpdate,
			map[string]interface{}{"id": 1}, map[string]interface{}{"id": 1})
		return err
	}))

	errc := make(chan error, 1)
	go func() { errc <- engine.DrainKey(context.Background(), "task:1") }()
	<-started

	// another holder takes the key over
	require.NoError(t, db.Model(&models.Lease{}).
		Where("name = ? AND lease_key = ?", leaseOutbox, "task:1").
		Update("holder_id", "someone-else").Error)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrLeaseLost)
		assert.ErrorIs(t, err, ErrKeyBusy)
	case <-time.After(2 * time.Second):
		t.Fatal("drain kept running after losing its lease")
	}

	var got models.OutboxEvent
	require.NoError(t, db.First(&got, ev.ID).Error)
	assert.Equal(t, models.OutboxPending, got.Status)
	assert.Zero(t, got.Attempts)
}
