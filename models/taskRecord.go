package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type TaskStatus string

const (
	TaskStatusReceived  TaskStatus = "RECEIVED"
	TaskStatusSkipped   TaskStatus = "SKIPPED"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusExhausted TaskStatus = "EXHAUSTED"
	// Abandoned marks a delivery cancelled mid-backoff with attempts still
	// remaining; the queue redelivers it.
	TaskStatusAbandoned TaskStatus = "ABANDONED"
)

// TaskRecord is the durable audit row for one consumed queue task. It is
// written best-effort on terminal state transitions; the Redis idempotency
// record remains the source of truth for deduplication.
type TaskRecord struct {
	ID          int        `gorm:"primary_key" json:"id"`
	EventId     string     `gorm:"size:255;not null;index:uniq_task_event,unique" json:"event_id"`
	TeamId      string     `gorm:"size:64;index" json:"team_id"`
	Channel     string     `gorm:"size:64" json:"channel"`
	Status      TaskStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	IssueId     *int64     `json:"issue_id"`
	IssueKey    *string    `gorm:"size:64" json:"issue_key"`
	LastError   *string    `gorm:"type:text" json:"last_error"`
	EnqueuedAt  *time.Time `json:"enqueued_at"`
	ProcessedAt *time.Time `gorm:"index" json:"processed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// UpsertTaskRecord inserts the record, or updates the existing row for the
// same event id when a redelivery lands after a previous terminal state.
func UpsertTaskRecord(ctx context.Context, db *gorm.DB, rec *TaskRecord) error {
	if db == nil {
		return nil
	}

	err := db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return nil
	}
	if !isDuplicateKeyErr(err) {
		return err
	}

	return db.WithContext(ctx).
		Model(&TaskRecord{}).
		Where("event_id = ?", rec.EventId).
		Updates(taskRecordUpdates(rec)).Error
}

// taskRecordUpdates leaves out unset fields so a later redelivery without an
// issue reference (a Skipped pass, for example) cannot blank out the values
// from the earlier terminal row.
func taskRecordUpdates(rec *TaskRecord) map[string]interface{} {
	updates := map[string]interface{}{
		"status":       rec.Status,
		"processed_at": rec.ProcessedAt,
	}
	if rec.Attempts > 0 {
		updates["attempts"] = rec.Attempts
	}
	if rec.IssueId != nil {
		updates["issue_id"] = rec.IssueId
	}
	if rec.IssueKey != nil {
		updates["issue_key"] = rec.IssueKey
	}
	if rec.LastError != nil {
		updates["last_error"] = rec.LastError
	}
	return updates
}

func MigrateTaskRecords(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(&TaskRecord{})
}
