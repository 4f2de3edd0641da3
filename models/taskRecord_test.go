package models

import (
	"errors"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

func TestTaskRecordUpdatesKeepsEarlierIssueReference(t *testing.T) {
	now := time.Now().UTC()
	skipped := &TaskRecord{
		EventId:     "E1",
		Status:      TaskStatusSkipped,
		ProcessedAt: &now,
	}

	updates := taskRecordUpdates(skipped)
	for _, col := range []string{"issue_id", "issue_key", "last_error", "attempts"} {
		if _, ok := updates[col]; ok {
			t.Fatalf("skipped redelivery must not overwrite %s", col)
		}
	}
	if updates["status"] != TaskStatusSkipped {
		t.Fatalf("unexpected status %v", updates["status"])
	}
}

func TestTaskRecordUpdatesIncludesSetFields(t *testing.T) {
	now := time.Now().UTC()
	issueID := int64(42)
	issueKey := "PROJ-42"
	lastErr := "backlog api error 500"
	rec := &TaskRecord{
		EventId:     "E1",
		Status:      TaskStatusSucceeded,
		Attempts:    2,
		IssueId:     &issueID,
		IssueKey:    &issueKey,
		LastError:   &lastErr,
		ProcessedAt: &now,
	}

	updates := taskRecordUpdates(rec)
	if updates["attempts"] != 2 {
		t.Fatalf("unexpected attempts %v", updates["attempts"])
	}
	if got := updates["issue_id"].(*int64); *got != 42 {
		t.Fatalf("unexpected issue_id %v", *got)
	}
	if got := updates["issue_key"].(*string); *got != "PROJ-42" {
		t.Fatalf("unexpected issue_key %v", *got)
	}
	if got := updates["last_error"].(*string); *got != lastErr {
		t.Fatalf("unexpected last_error %v", *got)
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	if !isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062}) {
		t.Fatal("expected 1062 to be a duplicate key error")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1045}) {
		t.Fatal("1045 is not a duplicate key error")
	}
	if isDuplicateKeyErr(errors.New("plain error")) {
		t.Fatal("plain errors are not duplicate key errors")
	}
}
