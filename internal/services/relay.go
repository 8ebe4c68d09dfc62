package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"gorm.io/gorm"
)

// Relay re-wakes keys whose events are still pending, for example after a
// crash between commit and notify, and lets operators retry failed events.
type Relay struct {
	db     *gorm.DB
	outbox *Outbox
}

func NewRelay(db *gorm.DB, outbox *Outbox) *Relay {
	return &Relay{db: db, outbox: outbox}
}

// Sweep notifies every key holding a pending event older than minAge and
// returns how many keys were woken.
func (r *Relay) Sweep(ctx context.Context, minAge time.Duration) (int, error) {
	var keys []string
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND created_at <= ?", models.OutboxPending, time.Now().Add(-minAge)).
		Distinct("event_key").
		Pluck("event_key", &keys).Error
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		logger.Infof("[Relay] Waking %d keys with pending events", len(keys))
		r.outbox.Notify(keys...)
	}
	return len(keys), nil
}

// Retry puts a failed event back in the queue with a fresh attempt budget.
func (r *Relay) Retry(ctx context.Context, eventID uint) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	if err := r.db.WithContext(ctx).First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("outbox event %d: %w", eventID, ErrNotFound)
		}
		return nil, err
	}
	if ev.Status != models.OutboxFailed {
		return nil, fmt.Errorf("%w: outbox event %d is %s, only failed events can be retried", ErrInvalidInput, eventID, ev.Status)
	}

	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", eventID, models.OutboxFailed).
		Updates(map[string]interface{}{
			"status":     models.OutboxPending,
			"attempts":   0,
			"last_error": "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	ev.Status = models.OutboxPending
	ev.Attempts = 0
	ev.LastError = ""

	LogInfo("Outbox", "retry", fmt.Sprintf("event %d re-queued", ev.ID), nil, "", "", map[string]interface{}{"key": ev.Key})
	r.outbox.Notify(ev.Key)
	return &ev, nil
}

// ReplayFailed re-queues every failed event, optionally limited to one
// entity type, and returns how many were re-queued.
func (r *Relay) ReplayFailed(ctx context.Context, entity models.EntityType) (int64, error) {
	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxFailed)
		if entity != "" {
			q = q.Where("entity_type = ?", entity)
		}
		return q
	}

	var keys []string
	if err := scope().Distinct("event_key").Pluck("event_key", &keys).Error; err != nil {
		return 0, err
	}

	res := scope().Updates(map[string]interface{}{
		"status":     models.OutboxPending,
		"attempts":   0,
		"last_error": "",
	})
	if res.Error != nil {
		return 0, res.Error
	}
	r.outbox.Notify(keys...)
	return res.RowsAffected, nil
}

type OutboxListRequest struct {
	Page       int    `form:"page" binding:"omitempty,min=1"`
	PageSize   int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Status     string `form:"status"`
	EntityType string `form:"entity_type"`
	Key        string `form:"key"`
}

type OutboxListResponse struct {
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	Items    []models.OutboxEvent `json:"items"`
}

func (r *Relay) List(req *OutboxListRequest) (*OutboxListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	query := r.db.Model(&models.OutboxEvent{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.EntityType != "" {
		query = query.Where("entity_type = ?", req.EntityType)
	}
	if req.Key != "" {
		query = query.Where("event_key = ?", req.Key)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []models.OutboxEvent
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("id DESC").Find(&items).Error; err != nil {
		return nil, err
	}

	return &OutboxListResponse{Total: total, Page: req.Page, PageSize: req.PageSize, Items: items}, nil
}

// PurgeDelivered removes delivered events older than retentionDays.
func (r *Relay) PurgeDelivered(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res := r.db.Where("status = ? AND delivered_at < ?", models.OutboxDelivered, cutoff).Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}
