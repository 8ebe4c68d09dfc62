package models

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskVerified   TaskStatus = "verified"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Actor identifies who asks for a status change.
type Actor int

const (
	ActorUser Actor = iota
	ActorAutomation
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TaskTodo, TaskInProgress, TaskReview, TaskVerified, TaskDone, TaskFailed:
		return st, nil
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

// manual reports whether people may put a task into this status directly.
func (s TaskStatus) manual() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskReview, TaskVerified:
		return true
	}
	return false
}

// CanMoveTo reports whether the transition s -> next is allowed for actor.
// done and failed are terminal results of automation and are only entered
// from verified; people can reopen them into any manual status.
func (s TaskStatus) CanMoveTo(next TaskStatus, actor Actor) bool {
	if s == next {
		return false
	}
	switch actor {
	case ActorAutomation:
		return s == TaskVerified && (next == TaskDone || next == TaskFailed)
	case ActorUser:
		return next.manual()
	}
	return false
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func ParseTaskPriority(s string) (TaskPriority, error) {
	switch p := TaskPriority(strings.ToLower(s)); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	case "":
		return PriorityMedium, nil
	}
	return "", fmt.Errorf("invalid task priority %q", s)
}

// Task is a work item. Verification triggers the pull-request automation
// which merges the fork into the project repository.
type Task struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	ProjectID   uint         `gorm:"uniqueIndex:idx_project_task_key;not null" json:"project_id"`
	Project     *Project     `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"project,omitempty"`
	Key         string       `gorm:"column:task_key;uniqueIndex:idx_project_task_key;size:20;not null" json:"key"`
	Title       string       `gorm:"size:300;not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	Status      TaskStatus   `gorm:"size:20;default:todo;index" json:"status"`
	Priority    TaskPriority `gorm:"size:20;default:medium" json:"priority"`
	ReporterID  *uint        `json:"reporter_id"`
	AssigneeID  *uint        `json:"assignee_id"`
	Assignee    *User        `gorm:"foreignKey:AssigneeID" json:"assignee,omitempty"`

	ForkOwner string `gorm:"size:100" json:"fork_owner"`
	ForkName  string `gorm:"size:200" json:"fork_name"`
	ForkURL   string `gorm:"size:500" json:"fork_url"`

	PRNumber    *int64     `json:"pr_number"`
	PRURL       string     `gorm:"size:500" json:"pr_url"`
	CompletedAt *time.Time `json:"completed_at"`

	Messages []TaskMessage `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
	Commits  []TaskCommit  `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// HasFork reports whether the fork descriptor needed for automation is set.
func (t *Task) HasFork() bool {
	return strings.TrimSpace(t.ForkOwner) != "" && strings.TrimSpace(t.ForkName) != ""
}
