package models

import (
	"fmt"
	"time"
)

type EntityType string

const (
	EntityUser          EntityType = "user"
	EntityProject       EntityType = "project"
	EntityProjectMember EntityType = "project_member"
	EntityTask          EntityType = "task"
)

// ParseEntityType accepts the entity names used in keys and on the API.
func ParseEntityType(s string) (EntityType, error) {
	switch e := EntityType(s); e {
	case EntityUser, EntityProject, EntityProjectMember, EntityTask:
		return e, nil
	}
	return "", fmt.Errorf("unknown entity_type %q", s)
}

type EventOp string

const (
	OpCreate EventOp = "create"
	OpUpdate EventOp = "update"
	OpDelete EventOp = "delete"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is a committed entity change waiting to be applied remotely.
// Rows are written in the same transaction as the change; ID order is the
// commit order within a key.
type OutboxEvent struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	EntityType  EntityType   `gorm:"size:30;not null" json:"entity_type"`
	EntityID    uint         `gorm:"not null" json:"entity_id"`
	Key         string       `gorm:"column:event_key;size:100;not null;index:idx_outbox_key_status,priority:1" json:"key"`
	Op          EventOp      `gorm:"size:10;not null" json:"op"`
	Before      string       `gorm:"type:text" json:"before,omitempty"`
	After       string       `gorm:"type:text" json:"after,omitempty"`
	Sealed      string       `gorm:"type:text" json:"-"`
	CommittedAt time.Time    `json:"committed_at"`
	Status      OutboxStatus `gorm:"size:20;default:pending;index:idx_outbox_key_status,priority:2" json:"status"`
	Attempts    int          `gorm:"default:0" json:"attempts"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	DeliveredAt *time.Time   `json:"delivered_at"`
	CreatedAt   time.Time    `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// EventKey is the serialization key for an entity.
func EventKey(entity EntityType, id uint) string {
	return fmt.Sprintf("%s:%d", entity, id)
}
