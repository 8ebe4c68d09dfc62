package models

import "time"

type RunState string

const (
	RunIdle      RunState = "idle"
	RunPRCreated RunState = "pr_created"
	RunMerged    RunState = "merged"
	RunFailed    RunState = "failed"
)

// Terminal reports whether the run has resolved.
func (s RunState) Terminal() bool {
	return s == RunMerged || s == RunFailed
}

// AutomationRun is one fork -> pull request -> merge attempt for a task.
// TriggerEventID makes a redelivered verification event a no-op.
type AutomationRun struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TaskID         uint       `gorm:"index;not null" json:"task_id"`
	TriggerEventID uint       `gorm:"uniqueIndex;not null" json:"trigger_event_id"`
	State          RunState   `gorm:"size:20;default:idle" json:"state"`
	HeadRef        string     `gorm:"size:300" json:"head_ref"`
	BaseRef        string     `gorm:"size:200" json:"base_ref"`
	PRNumber       *int64     `json:"pr_number"`
	PRURL          string     `gorm:"size:500" json:"pr_url"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

func (AutomationRun) TableName() string { return "automation_runs" }
