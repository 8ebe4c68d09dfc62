package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services/gitea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestOutbox_RecordInsideTransaction(t *testing.T) {
	db := newTestDB(t)
	queue := &recordingQueue{}
	outbox := NewOutbox(queue, NewSealer("k"))

	// A rolled back change leaves no event behind.
	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := outbox.Record(tx, models.EntityUser, 1, "user:1", models.OpCreate, nil, &UserSnapshot{ID: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)

	var ev *models.OutboxEvent
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		var none *UserSnapshot
		ev, err = outbox.RecordSealed(tx, models.EntityUser, 1, "user:1", models.OpCreate, none, &UserSnapshot{ID: 1, Username: "alice"}, "hunter22")
		return err
	}))
	assert.Empty(t, ev.Before, "typed nil snapshot is stored empty")
	assert.JSONEq(t, `{"id":1,"username":"alice","email":"","first_name":"","last_name":"","role":"","is_active":false}`, ev.After)
	assert.Equal(t, models.OutboxPending, ev.Status)
	assert.False(t, ev.CommittedAt.IsZero())

	secret, err := outbox.Unseal(ev)
	require.NoError(t, err)
	assert.Equal(t, "hunter22", secret)

	assert.Empty(t, queue.Keys(), "recording does not wake the queue")
}

func TestOutbox_NotifyDedupesKeys(t *testing.T) {
	queue := &recordingQueue{}
	outbox := NewOutbox(queue, nil)

	outbox.Notify("project:1", "", "user:2", "project:1")
	assert.Equal(t, []string{"project:1", "user:2"}, queue.Keys())

	replacement := &recordingQueue{}
	outbox.SetQueue(replacement)
	outbox.Notify("task:3")
	assert.Equal(t, []string{"task:3"}, replacement.Keys())

	outbox.SetQueue(nil)
	outbox.Notify("task:4")
}

func TestSealer(t *testing.T) {
	s := NewSealer("secret-key")

	sealed, err := s.Seal("p@ssw0rd")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "p@ssw0rd")

	again, err := s.Seal("p@ssw0rd")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each seal uses a fresh nonce")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "p@ssw0rd", plain)

	_, err = NewSealer("other-key").Open(sealed)
	assert.Error(t, err)
	_, err = s.Open("not-base64!")
	assert.Error(t, err)
	_, err = s.Open("c2hvcnQ=")
	assert.Error(t, err)
}

func TestRandomPassword(t *testing.T) {
	a, err := randomPassword(24)
	require.NoError(t, err)
	b, err := randomPassword(24)
	require.NoError(t, err)
	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)
}

func TestRelay_SweepRetryReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.createUser("alice")
	bob := env.createUser("bob")

	n, err := env.relay.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.relay.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "young events are left to the regular notify")

	env.remote.failNext("CreateUser", apiErrValidation("alice"), apiErrValidation("bob"))
	require.NoError(t, env.drain(models.EventKey(models.EntityUser, alice.ID)))
	require.NoError(t, env.drain(models.EventKey(models.EntityUser, bob.ID)))

	failed, err := env.relay.List(&OutboxListRequest{Status: string(models.OutboxFailed)})
	require.NoError(t, err)
	require.Equal(t, int64(2), failed.Total)

	_, err = env.relay.Retry(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	ev, err := env.relay.Retry(ctx, failed.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, ev.Status)
	assert.Zero(t, ev.Attempts)

	_, err = env.relay.Retry(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrInvalidInput, "only failed events can be retried")

	replayed, err := env.relay.ReplayFailed(ctx, models.EntityProject)
	require.NoError(t, err)
	assert.Zero(t, replayed)
	replayed, err = env.relay.ReplayFailed(ctx, models.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), replayed)

	env.drainAll()
	assert.NotNil(t, env.remote.user("alice"))
	assert.NotNil(t, env.remote.user("bob"))
	assert.NotNil(t, env.reloadUser(alice.ID).GiteaID)

	// Delivered rows are purged once they age out.
	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, env.db.Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxDelivered).
		Update("delivered_at", old).Error)
	purged, err := env.relay.PurgeDelivered(30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}

func apiErrValidation(login string) error {
	return apiErr(gitea.KindValidation, 422, "user "+login+" is invalid")
}

func TestLocalQueue_DrainsAndRetries(t *testing.T) {
	q := NewLocalQueue(4)
	defer q.Close()
	q.SetRetryDelay(10 * time.Millisecond)

	var mu sync.Mutex
	calls := map[string]int{}
	done := make(chan string, 16)
	q.SetDrainer(func(ctx context.Context, key string) error {
		mu.Lock()
		calls[key]++
		n := calls[key]
		mu.Unlock()
		if key == "user:2" && n == 1 {
			return errors.New("remote down")
		}
		done <- key
		return nil
	})

	require.NoError(t, q.Enqueue("user:1"))
	require.NoError(t, q.Enqueue("user:2"))

	got := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case k := <-done:
			got[k] = true
		case <-timeout:
			t.Fatalf("drains did not finish, got %v", got)
		}
	}

	mu.Lock()
	assert.Equal(t, 1, calls["user:1"])
	assert.Equal(t, 2, calls["user:2"], "failed key is woken again")
	mu.Unlock()
	assert.False(t, q.IsAsync())
}

func TestLocalQueue_Close(t *testing.T) {
	q := NewLocalQueue(2)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue("user:1"), ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestShardFor_Stable(t *testing.T) {
	for _, key := range []string{"user:1", "project:42", "task:7"} {
		s := shardFor(key, 8)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
		assert.Equal(t, s, shardFor(key, 8))
	}
	assert.Zero(t, shardFor("anything", 1))
}
