package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"gorm.io/gorm"
)

// MessageLog is the append-only audit trail of a task.
type MessageLog struct {
	db  *gorm.DB
	hub *SSEHub
}

func NewMessageLog(db *gorm.DB, hub *SSEHub) *MessageLog {
	return &MessageLog{db: db, hub: hub}
}

// Append stores one message. payload, when non-nil, is kept as JSON for
// diagnostics.
func (l *MessageLog) Append(ctx context.Context, taskID uint, agent models.MessageAgent, authorID *uint, text string, payload interface{}) (*models.TaskMessage, error) {
	msg := &models.TaskMessage{
		TaskID:    taskID,
		Agent:     agent,
		AuthorID:  authorID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = string(data)
	}
	if err := l.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}

	if l.hub != nil {
		l.hub.Publish(TaskEvent{
			TaskID: taskID,
			Type:   "message",
			Agent:  agent,
			Text:   text,
			At:     msg.CreatedAt,
		})
	}
	return msg, nil
}

// List returns the messages of a task in display order.
func (l *MessageLog) List(ctx context.Context, taskID uint) ([]models.TaskMessage, error) {
	var msgs []models.TaskMessage
	err := l.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}
