package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// MessageAgent tags who produced an audit message.
type MessageAgent string

const (
	AgentUser   MessageAgent = "user"
	AgentRemote MessageAgent = "remote"
	AgentSystem MessageAgent = "system"
)

var ErrMessageImmutable = errors.New("task messages are append-only")

// TaskMessage is one entry in a task's audit trail.
type TaskMessage struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	TaskID    uint         `gorm:"index:idx_task_message_order,priority:1;not null" json:"task_id"`
	Agent     MessageAgent `gorm:"size:20;not null" json:"agent"`
	AuthorID  *uint        `json:"author_id"`
	Text      string       `gorm:"type:text;not null" json:"text"`
	Payload   string       `gorm:"type:text" json:"payload,omitempty"` // JSON
	CreatedAt time.Time    `gorm:"index:idx_task_message_order,priority:2" json:"created_at"`
}

func (TaskMessage) TableName() string { return "task_messages" }

func (m *TaskMessage) BeforeUpdate(tx *gorm.DB) error {
	return ErrMessageImmutable
}
