package models

import "time"

// TaskCommit is a remote commit attached to a task for review.
type TaskCommit struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TaskID       uint       `gorm:"uniqueIndex:idx_task_commit_sha;not null" json:"task_id"`
	SHA          string     `gorm:"uniqueIndex:idx_task_commit_sha;size:64;not null" json:"sha"`
	Title        string     `gorm:"size:500" json:"title"`
	Message      string     `gorm:"type:text" json:"message"`
	HTMLURL      string     `gorm:"size:500" json:"html_url"`
	AuthorName   string     `gorm:"size:200" json:"author_name"`
	AuthorEmail  string     `gorm:"size:255" json:"author_email"`
	CommittedAt  *time.Time `gorm:"index" json:"committed_at"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	FilesChanged int        `json:"files_changed"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (TaskCommit) TableName() string { return "task_commits" }
