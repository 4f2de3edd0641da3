package backlogworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/slack2backlog_backend/appctx"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/config"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/models"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/slackevent"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrInvalidTask marks a message the engine can never process (missing event
// id, empty payload). Callers ack these so the queue does not redeliver them
// forever.
var ErrInvalidTask = errors.New("invalid task payload")

const lockKeyPrefix = "backlog:lock:"

// Result is the terminal state of one task delivery.
type Result struct {
	Status   models.TaskStatus
	Issue    *Issue
	Attempts int
}

// IssueLinker augments IssueCreator with the link posted to the thread.
// BacklogClient satisfies both.
type IssueLinker interface {
	IssueURL(issueKey string) string
}

// Engine drains queue tasks: idempotency check, then the create+reply pair
// with bounded in-process retries. All collaborators are injected.
type Engine struct {
	Store   Store
	Backlog IssueCreator
	Links   IssueLinker
	Slack   ThreadPoster
	DB      *gorm.DB
	Locker  *redislock.Client
	Logger  *logrus.Logger

	// MaxAttempts caps the attempts within one delivery; the backoff
	// between them is BaseBackoff doubled each time (1s, 2s, 4s). Neither
	// spans separate queue redeliveries.
	MaxAttempts int
	BaseBackoff time.Duration
	Workers     int

	// Sleep is injectable so tests run without real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return 3
	}
	return e.MaxAttempts
}

func (e *Engine) baseBackoff() time.Duration {
	if e.BaseBackoff <= 0 {
		return time.Second
	}
	return e.BaseBackoff
}

func (e *Engine) workers() int {
	if e.Workers <= 0 {
		return 4
	}
	return e.Workers
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Process runs one task to a terminal state. A non-nil error means the
// message must stay on the queue (Nack / push 5xx), except ErrInvalidTask
// which callers ack as poison.
func (e *Engine) Process(ctx context.Context, task *slackevent.QueuedTask) (*Result, error) {
	eventID := task.Data.Metadata.EventId
	if eventID == "" {
		return nil, ErrInvalidTask
	}
	ctx = appctx.Set(ctx, appctx.ContextKeyEventId, eventID)

	// Best-effort lock to narrow the window where two overlapping
	// deliveries of the same event both pass the idempotency check.
	// Reliability must not depend on it; the idempotency record is the
	// real guard.
	if e.Locker != nil {
		if lock, err := e.Locker.Obtain(ctx, lockKeyPrefix+eventID, 30*time.Second, nil); err == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		}
	}

	fields := logrus.Fields{
		"module":   "backlogworker",
		"event_id": eventID,
	}
	if cid, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok {
		fields["correlation_id"] = cid
	}

	processed, err := e.Store.Exists(ctx, eventID)
	if err != nil {
		// Fail open toward reprocessing: a duplicate issue is less harmful
		// than a lost task.
		e.Logger.WithFields(fields).Warn("idempotency check failed, proceeding as unprocessed: " + err.Error())
	}
	if processed {
		e.Logger.WithFields(fields).Info("event already processed, skipping")
		e.audit(ctx, task, &Result{Status: models.TaskStatusSkipped}, nil)
		return &Result{Status: models.TaskStatusSkipped}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		issue, attemptErr := e.attempt(ctx, &task.Data.Event)
		if attemptErr == nil {
			res := &Result{Status: models.TaskStatusSucceeded, Issue: issue, Attempts: attempt}
			e.recordOutcome(ctx, eventID, res)
			e.audit(ctx, task, res, nil)
			e.Logger.WithFields(fields).WithFields(logrus.Fields{
				"issue_key": issue.IssueKey,
				"attempt":   attempt,
			}).Info("backlog issue created")
			return res, nil
		}

		lastErr = attemptErr
		e.Logger.WithFields(fields).WithField("attempt", attempt).Warn("attempt failed: " + attemptErr.Error())

		if attempt < e.maxAttempts() {
			delay := e.baseBackoff() << (attempt - 1)
			if err := e.sleep(ctx, delay); err != nil {
				// Cancelled mid-backoff with attempts remaining: leave the
				// message for redelivery.
				res := &Result{Status: models.TaskStatusAbandoned, Attempts: attempt}
				e.audit(ctx, task, res, lastErr)
				return res, fmt.Errorf("task abandoned: %w", err)
			}
		}
	}

	res := &Result{Status: models.TaskStatusExhausted, Attempts: e.maxAttempts()}
	e.audit(ctx, task, res, lastErr)
	return res, fmt.Errorf("all %d attempts failed: %w", e.maxAttempts(), lastErr)
}

// attempt runs the create+reply pair. Both must succeed; a reply failure
// fails the whole attempt even though the issue already exists, which is why
// the adapter pair is wrapped in the idempotency record rather than being
// transactional.
func (e *Engine) attempt(ctx context.Context, msg *slackevent.MessageEvent) (*Issue, error) {
	issue, err := e.Backlog.CreateIssue(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	text := fmt.Sprintf("課題を登録しました: <%s|%s>", e.Links.IssueURL(issue.IssueKey), issue.IssueKey)
	if err := e.Slack.PostToThread(ctx, msg.Channel, msg.Ts, text); err != nil {
		return nil, fmt.Errorf("post to thread: %w", err)
	}
	return issue, nil
}

func (e *Engine) recordOutcome(ctx context.Context, eventID string, res *Result) {
	err := e.Store.Record(ctx, eventID, Outcome{
		IssueId:  res.Issue.ID,
		IssueKey: res.Issue.IssueKey,
		Attempts: res.Attempts,
	})
	if err != nil {
		// The task is already logically complete; the record is best-effort
		// deduplication, not a transactional guard.
		config.LogError(e.Logger, "consumer.go", "recordOutcome", "Store.Record event_id="+eventID, nil, err)
	}
}

func (e *Engine) audit(ctx context.Context, task *slackevent.QueuedTask, res *Result, taskErr error) {
	if e.DB == nil {
		return
	}

	now := time.Now().UTC()
	rec := &models.TaskRecord{
		EventId:     task.Data.Metadata.EventId,
		TeamId:      task.Data.Metadata.TeamId,
		Channel:     task.Data.Event.Channel,
		Status:      res.Status,
		Attempts:    res.Attempts,
		ProcessedAt: &now,
	}
	if enq, err := time.Parse(time.RFC3339, task.Timestamp); err == nil {
		rec.EnqueuedAt = &enq
	}
	if res.Issue != nil {
		rec.IssueId = &res.Issue.ID
		rec.IssueKey = &res.Issue.IssueKey
	}
	if taskErr != nil {
		msg := taskErr.Error()
		rec.LastError = &msg
	}

	if err := models.UpsertTaskRecord(ctx, e.DB, rec); err != nil {
		config.LogError(e.Logger, "consumer.go", "audit", "UpsertTaskRecord event_id="+rec.EventId, nil, err)
	}
}

// ProcessBatch handles independently-keyed tasks with a bounded worker pool
// and returns the message ids that must be redelivered. One task's failure
// never aborts the others.
func (e *Engine) ProcessBatch(ctx context.Context, tasks []*slackevent.QueuedTask) []string {
	sem := make(chan struct{}, e.workers())
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			// Batch deadline hit: everything not yet started is reported as
			// failed so the queue redelivers it.
			mu.Lock()
			failed = append(failed, task.MessageId)
			mu.Unlock()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t *slackevent.QueuedTask) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := e.Process(ctx, t); err != nil && !errors.Is(err, ErrInvalidTask) {
				mu.Lock()
				failed = append(failed, t.MessageId)
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return failed
}
