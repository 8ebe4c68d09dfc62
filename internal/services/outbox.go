package services

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Outbox writes change events next to the entity change that caused them
// and wakes the drain queue once the transaction has committed.
type Outbox struct {
	mu     sync.RWMutex
	queue  EventQueue
	sealer *Sealer
	log    zerolog.Logger
}

func NewOutbox(queue EventQueue, sealer *Sealer) *Outbox {
	return &Outbox{queue: queue, sealer: sealer, log: logger.With("outbox")}
}

// SetQueue swaps the queue woken by Notify.
func (o *Outbox) SetQueue(q EventQueue) {
	o.mu.Lock()
	o.queue = q
	o.mu.Unlock()
}

// Record appends an event inside tx. before is nil for create and after is
// nil for delete.
func (o *Outbox) Record(tx *gorm.DB, entity models.EntityType, id uint, key string, op models.EventOp, before, after interface{}) (*models.OutboxEvent, error) {
	return o.record(tx, entity, id, key, op, before, after, "")
}

// RecordSealed is Record with a secret that travels encrypted alongside the
// event and is wiped once the event is delivered.
func (o *Outbox) RecordSealed(tx *gorm.DB, entity models.EntityType, id uint, key string, op models.EventOp, before, after interface{}, secret string) (*models.OutboxEvent, error) {
	if o.sealer == nil || secret == "" {
		return o.record(tx, entity, id, key, op, before, after, "")
	}
	sealed, err := o.sealer.Seal(secret)
	if err != nil {
		return nil, err
	}
	return o.record(tx, entity, id, key, op, before, after, sealed)
}

func (o *Outbox) record(tx *gorm.DB, entity models.EntityType, id uint, key string, op models.EventOp, before, after interface{}, sealed string) (*models.OutboxEvent, error) {
	b, err := marshalSnapshot(before)
	if err != nil {
		return nil, err
	}
	a, err := marshalSnapshot(after)
	if err != nil {
		return nil, err
	}
	ev := &models.OutboxEvent{
		EntityType:  entity,
		EntityID:    id,
		Key:         key,
		Op:          op,
		Before:      b,
		After:       a,
		Sealed:      sealed,
		CommittedAt: time.Now(),
		Status:      models.OutboxPending,
	}
	if err := tx.Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// Unseal returns the secret attached to ev, if any.
func (o *Outbox) Unseal(ev *models.OutboxEvent) (string, error) {
	if ev.Sealed == "" || o.sealer == nil {
		return "", nil
	}
	return o.sealer.Open(ev.Sealed)
}

// Notify wakes the drain for each key. Call it only after commit. A failed
// wakeup is logged and left to the relay sweep.
func (o *Outbox) Notify(keys ...string) {
	o.mu.RLock()
	q := o.queue
	o.mu.RUnlock()
	if q == nil {
		return
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		if err := q.Enqueue(key); err != nil {
			o.log.Warn().Err(err).Str("key", key).Msg("enqueue failed, relay will pick the key up")
		}
	}
}

func marshalSnapshot(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return "", nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
