package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const leaseOutbox = "outbox"

// Handler applies one outbox event to the remote service.
type Handler interface {
	Handle(ctx context.Context, ev *models.OutboxEvent) error
}

type HandlerFunc func(ctx context.Context, ev *models.OutboxEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev *models.OutboxEvent) error { return f(ctx, ev) }

// Engine delivers outbox events key by key, oldest first.
type Engine struct {
	db            *gorm.DB
	outbox        *Outbox
	handlers      map[models.EntityType]Handler
	holder        string
	leaseTTL      time.Duration
	maxDeliveries int
	log           zerolog.Logger
}

func NewEngine(db *gorm.DB, outbox *Outbox, cfg config.WorkerConfig) *Engine {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	max := cfg.MaxDeliveries
	if max < 1 {
		max = 1
	}
	return &Engine{
		db:            db,
		outbox:        outbox,
		handlers:      make(map[models.EntityType]Handler),
		holder:        uuid.NewString(),
		leaseTTL:      ttl,
		maxDeliveries: max,
		log:           logger.With("engine"),
	}
}

// Register routes events of entity to h. Register before draining starts.
func (e *Engine) Register(entity models.EntityType, h Handler) {
	e.handlers[entity] = h
}

// DrainKey delivers pending events of key in commit order. It stops at the
// first event that fails transiently and returns that error, leaving the
// event and everything behind it pending. Events that fail fatally, or run
// out of attempts, are marked failed and the drain moves on.
func (e *Engine) DrainKey(ctx context.Context, key string) error {
	if len(e.handlers) == 0 {
		return configErr("outbox key", 0, "no reconcilers registered for %s; is the remote service enabled?", key)
	}
	ok, err := models.AcquireLease(e.db, leaseOutbox, key, e.holder, e.leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyBusy
	}
	defer func() {
		if err := models.ReleaseLease(e.db, leaseOutbox, key, e.holder); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("release lease")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var ev models.OutboxEvent
		err := e.db.Where("event_key = ? AND status = ?", key, models.OutboxPending).
			Order("id ASC").
			First(&ev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := e.deliverLeased(ctx, key, &ev); err != nil {
			return err
		}

		// Renew; losing the lease means another worker took over the key.
		ok, err := models.AcquireLease(e.db, leaseOutbox, key, e.holder, e.leaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			return ErrKeyBusy
		}
	}
}

// deliverLeased runs deliver while a heartbeat renews the key's lease every
// third of its TTL. A failed renewal cancels the handler: someone else may
// own the key by the time the lease runs out.
func (e *Engine) deliverLeased(ctx context.Context, key string, ev *models.OutboxEvent) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				ok, err := models.AcquireLease(e.db, leaseOutbox, key, e.holder, e.leaseTTL)
				if err == nil && ok {
					continue
				}
				e.log.Warn().Err(err).Str("key", key).Uint("event_id", ev.ID).Msg("lease renewal failed, cancelling delivery")
				lost.Store(true)
				cancel()
				return
			}
		}
	}()

	err := e.deliver(hctx, ev)
	cancel()
	<-done
	if lost.Load() {
		return ErrLeaseLost
	}
	return err
}

func (e *Engine) heartbeatInterval() time.Duration {
	d := e.leaseTTL / 3
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (e *Engine) deliver(ctx context.Context, ev *models.OutboxEvent) error {
	log := e.log.With().Uint("event_id", ev.ID).Str("key", ev.Key).Str("op", string(ev.Op)).Logger()

	herr := e.handle(ctx, ev)
	if herr == nil {
		now := time.Now()
		log.Debug().Msg("event delivered")
		return e.db.Model(&models.OutboxEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
			"status":       models.OutboxDelivered,
			"attempts":     ev.Attempts + 1,
			"delivered_at": &now,
			"last_error":   "",
			"sealed":       "",
		}).Error
	}

	// Shutdown is not the event's fault.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	attempts := ev.Attempts + 1
	if IsFatal(herr) || attempts >= e.maxDeliveries {
		log.Error().Err(herr).Int("attempts", attempts).Msg("event failed")
		return e.fail(ev, attempts, herr)
	}

	log.Warn().Err(herr).Int("attempts", attempts).Msg("event will be retried")
	if err := e.db.Model(&models.OutboxEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
		"attempts":   attempts,
		"last_error": herr.Error(),
	}).Error; err != nil {
		return err
	}
	return fmt.Errorf("event %d: %w", ev.ID, herr)
}

func (e *Engine) handle(ctx context.Context, ev *models.OutboxEvent) (err error) {
	h, ok := e.handlers[ev.EntityType]
	if !ok {
		return configErr("outbox event", ev.ID, "no handler for entity type %q", ev.EntityType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = configErr("outbox event", ev.ID, "handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

func (e *Engine) fail(ev *models.OutboxEvent, attempts int, cause error) error {
	msg := cause.Error()
	if err := e.db.Model(&models.OutboxEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
		"status":     models.OutboxFailed,
		"attempts":   attempts,
		"last_error": msg,
		"sealed":     "",
	}).Error; err != nil {
		return err
	}

	LogEntityError("Reconciler", "sync_failed", ev.EntityType, ev.EntityID, msg, map[string]interface{}{
		"event_id": ev.ID,
		"key":      ev.Key,
		"op":       ev.Op,
		"attempts": attempts,
		"payload":  remotePayload(cause),
	})
	markSyncFailed(e.db, ev.EntityType, ev.EntityID, msg)
	return nil
}

// markSyncFailed flags the local entity. Tasks record failures in their
// message log instead.
func markSyncFailed(db *gorm.DB, entity models.EntityType, id uint, msg string) {
	var model interface{}
	switch entity {
	case models.EntityUser:
		model = &models.User{}
	case models.EntityProject:
		model = &models.Project{}
	case models.EntityProjectMember:
		model = &models.ProjectMember{}
	default:
		return
	}
	if err := db.Model(model).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"sync_state": models.SyncFailed,
		"sync_error": msg,
	}).Error; err != nil {
		logger.Warn().Err(err).Str("entity", string(entity)).Uint("id", id).Msg("mark sync failed")
	}
}

func markSynced(db *gorm.DB, model interface{}, id uint) error {
	now := time.Now()
	return db.Model(model).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"sync_state": models.SyncSynced,
		"sync_error": "",
		"synced_at":  &now,
	}).Error
}

// ChangeNotice is a committed change reported by a CRUD layer that does not
// write the outbox itself.
type ChangeNotice struct {
	EntityType  models.EntityType `json:"entity_type" binding:"required"`
	EntityID    uint              `json:"entity_id" binding:"required"`
	Before      json.RawMessage   `json:"before"`
	After       json.RawMessage   `json:"after"`
	CommittedAt time.Time         `json:"committed_at"`
}

// OnEntityCommitted records a change notice and wakes its key.
func (e *Engine) OnEntityCommitted(ctx context.Context, n ChangeNotice) (*models.OutboxEvent, error) {
	before, after := rawOrEmpty(n.Before), rawOrEmpty(n.After)
	var op models.EventOp
	switch {
	case before == "" && after == "":
		return nil, fmt.Errorf("%w: before and after are both empty", ErrInvalidInput)
	case before == "":
		op = models.OpCreate
	case after == "":
		op = models.OpDelete
	default:
		op = models.OpUpdate
	}

	key, err := routingKey(n.EntityType, n.EntityID, before, after)
	if err != nil {
		return nil, err
	}

	committedAt := n.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}
	ev := &models.OutboxEvent{
		EntityType:  n.EntityType,
		EntityID:    n.EntityID,
		Key:         key,
		Op:          op,
		Before:      before,
		After:       after,
		CommittedAt: committedAt,
		Status:      models.OutboxPending,
	}
	if err := e.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	e.outbox.Notify(key)
	return ev, nil
}

// routingKey maps an entity to its serialization key. Membership changes
// share the project's key so they apply after the repository exists.
func routingKey(entity models.EntityType, id uint, before, after string) (string, error) {
	switch entity {
	case models.EntityUser, models.EntityProject, models.EntityTask:
		return models.EventKey(entity, id), nil
	case models.EntityProjectMember:
		var snap MemberSnapshot
		raw := after
		if raw == "" {
			raw = before
		}
		if _, err := decodeSnapshot(raw, &snap); err != nil {
			return "", err
		}
		if snap.ProjectID == 0 {
			return "", fmt.Errorf("%w: membership change without project_id", ErrInvalidInput)
		}
		return models.EventKey(models.EntityProject, snap.ProjectID), nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, entity)
}

func rawOrEmpty(raw json.RawMessage) string {
	s := string(raw)
	if s == "null" {
		return ""
	}
	return s
}
