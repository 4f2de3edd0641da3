package backlogworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/slack2backlog_backend/models"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/slackevent"
	"github.com/sirupsen/logrus"
)

type fakeStore struct {
	mu        sync.Mutex
	existing  map[string]bool
	recorded  map[string]Outcome
	existsErr error
	recordErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: map[string]bool{},
		recorded: map[string]Outcome{},
	}
}

func (s *fakeStore) Exists(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.existing[eventID], nil
}

func (s *fakeStore) Record(ctx context.Context, eventID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.recorded[eventID] = outcome
	return nil
}

type fakeBacklog struct {
	mu       sync.Mutex
	calls    int
	failText string
	nextID   int64
}

func (b *fakeBacklog) CreateIssue(ctx context.Context, msg *slackevent.MessageEvent) (*Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failText != "" && strings.Contains(msg.Text, b.failText) {
		return nil, errors.New("backlog api error 500: boom")
	}
	b.nextID++
	return &Issue{ID: b.nextID, IssueKey: fmt.Sprintf("PROJ-%d", b.nextID), Summary: msg.Text}, nil
}

func (b *fakeBacklog) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeSlack struct {
	mu    sync.Mutex
	posts []string
	err   error
}

func (s *fakeSlack) PostToThread(ctx context.Context, channel, threadTs, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.posts = append(s.posts, channel+"|"+threadTs+"|"+text)
	return nil
}

type fakeLinks struct{}

func (fakeLinks) IssueURL(issueKey string) string {
	return "https://example.backlog.jp/view/" + issueKey
}

func newTestEngine(store Store, backlog IssueCreator, slack ThreadPoster, delays *[]time.Duration) *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Engine{
		Store:   store,
		Backlog: backlog,
		Links:   fakeLinks{},
		Slack:   slack,
		Logger:  logger,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return ctx.Err()
		},
	}
}

func testTask(eventID, text string) *slackevent.QueuedTask {
	return &slackevent.QueuedTask{
		MessageId: eventID + "-m1",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    "slack-event-ingest",
		EventType: slackevent.EventTypeBacklogRequest,
		Data: slackevent.TaskData{
			Event: slackevent.MessageEvent{
				Type:    "message",
				Text:    text,
				User:    "U1",
				Channel: "C1",
				Ts:      "1700000000.000100",
			},
			Metadata: slackevent.TaskMetadata{EventId: eventID, TeamId: "T1", EventTime: 1700000000},
		},
	}
}

func TestProcessCreatesIssueAndReplies(t *testing.T) {
	store := newFakeStore()
	backlog := &fakeBacklog{}
	slack := &fakeSlack{}
	engine := newTestEngine(store, backlog, slack, nil)

	res, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 do the thing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != models.TaskStatusSucceeded || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if got := backlog.callCount(); got != 1 {
		t.Fatalf("expected 1 create call, got %d", got)
	}
	if len(slack.posts) != 1 {
		t.Fatalf("expected 1 thread reply, got %d", len(slack.posts))
	}
	want := "C1|1700000000.000100|課題を登録しました: <https://example.backlog.jp/view/PROJ-1|PROJ-1>"
	if slack.posts[0] != want {
		t.Fatalf("unexpected reply:\n got %q\nwant %q", slack.posts[0], want)
	}

	outcome, ok := store.recorded["E1"]
	if !ok {
		t.Fatal("expected idempotency record for E1")
	}
	if outcome.IssueKey != "PROJ-1" || outcome.Attempts != 1 {
		t.Fatalf("unexpected recorded outcome: %+v", outcome)
	}
}

func TestProcessSkipsAlreadyProcessedEvent(t *testing.T) {
	store := newFakeStore()
	store.existing["E1"] = true
	backlog := &fakeBacklog{}
	slack := &fakeSlack{}
	engine := newTestEngine(store, backlog, slack, nil)

	res, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 again"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != models.TaskStatusSkipped {
		t.Fatalf("expected skipped status, got %v", res.Status)
	}
	if backlog.callCount() != 0 || len(slack.posts) != 0 {
		t.Fatal("skipped event must not touch external APIs")
	}
}

func TestProcessRetriesWithDoublingBackoff(t *testing.T) {
	store := newFakeStore()
	backlog := &fakeBacklog{failText: "Backlog登録希望"}
	slack := &fakeSlack{}
	var delays []time.Duration
	engine := newTestEngine(store, backlog, slack, &delays)

	res, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 doomed"))
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "all 3 attempts failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != models.TaskStatusExhausted || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if got := backlog.callCount(); got != 3 {
		t.Fatalf("expected exactly 3 create calls, got %d", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), delays)
	}
	for i, d := range want {
		if delays[i] != d {
			t.Fatalf("sleep %d: expected %v, got %v", i, d, delays[i])
		}
	}
	if len(store.recorded) != 0 {
		t.Fatal("failed task must not be recorded as processed")
	}
}

func TestProcessReplyFailureFailsAttempt(t *testing.T) {
	store := newFakeStore()
	backlog := &fakeBacklog{}
	slack := &fakeSlack{err: errors.New("slack api error: channel_not_found")}
	var delays []time.Duration
	engine := newTestEngine(store, backlog, slack, &delays)

	_, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 x"))
	if err == nil {
		t.Fatal("expected error when thread reply keeps failing")
	}
	if !strings.Contains(err.Error(), "post to thread") {
		t.Fatalf("unexpected error: %v", err)
	}
	// The issue create succeeds each attempt; only the reply fails.
	if got := backlog.callCount(); got != 3 {
		t.Fatalf("expected 3 create calls, got %d", got)
	}
	if len(store.recorded) != 0 {
		t.Fatal("incomplete create+reply pair must not be recorded")
	}
}

func TestProcessFailsOpenOnIdempotencyReadError(t *testing.T) {
	store := newFakeStore()
	store.existsErr = errors.New("redis: connection refused")
	backlog := &fakeBacklog{}
	slack := &fakeSlack{}
	engine := newTestEngine(store, backlog, slack, nil)

	res, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 x"))
	if err != nil {
		t.Fatalf("expected fail-open processing, got %v", err)
	}
	if res.Status != models.TaskStatusSucceeded {
		t.Fatalf("unexpected status: %v", res.Status)
	}
	if backlog.callCount() != 1 {
		t.Fatalf("expected issue creation despite read error, got %d calls", backlog.callCount())
	}
}

func TestProcessRecordFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.recordErr = errors.New("redis: connection reset")
	backlog := &fakeBacklog{}
	slack := &fakeSlack{}
	engine := newTestEngine(store, backlog, slack, nil)

	res, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 x"))
	if err != nil {
		t.Fatalf("record failure must not fail the task: %v", err)
	}
	if res.Status != models.TaskStatusSucceeded {
		t.Fatalf("unexpected status: %v", res.Status)
	}
}

func TestProcessRejectsTaskWithoutEventId(t *testing.T) {
	engine := newTestEngine(newFakeStore(), &fakeBacklog{}, &fakeSlack{}, nil)

	task := testTask("", "Backlog登録希望 x")
	if _, err := engine.Process(context.Background(), task); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	backlog := &fakeBacklog{failText: "doomed"}
	slack := &fakeSlack{}
	engine := newTestEngine(store, backlog, slack, nil)
	engine.Workers = 2

	tasks := []*slackevent.QueuedTask{
		testTask("E1", "Backlog登録希望 fine"),
		testTask("E2", "Backlog登録希望 doomed"),
		testTask("E3", "Backlog登録希望 also fine"),
	}
	failed := engine.ProcessBatch(context.Background(), tasks)

	if len(failed) != 1 || failed[0] != "E2-m1" {
		t.Fatalf("expected only the failing task's message id, got %v", failed)
	}
	if _, ok := store.recorded["E1"]; !ok {
		t.Fatal("expected E1 recorded as processed")
	}
	if _, ok := store.recorded["E3"]; !ok {
		t.Fatal("expected E3 recorded as processed")
	}
	if _, ok := store.recorded["E2"]; ok {
		t.Fatal("failed task must not be recorded")
	}
}

// gatedBacklog tracks how many CreateIssue calls overlap.
type gatedBacklog struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (b *gatedBacklog) CreateIssue(ctx context.Context, msg *slackevent.MessageEvent) (*Issue, error) {
	b.mu.Lock()
	b.current++
	if b.current > b.peak {
		b.peak = b.current
	}
	b.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	b.mu.Lock()
	b.current--
	b.mu.Unlock()
	return &Issue{ID: 1, IssueKey: "PROJ-1"}, nil
}

func (b *gatedBacklog) peakConcurrency() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func TestProcessBatchRespectsWorkerBound(t *testing.T) {
	backlog := &gatedBacklog{}
	engine := newTestEngine(newFakeStore(), backlog, &fakeSlack{}, nil)
	engine.Workers = 2

	var tasks []*slackevent.QueuedTask
	for i := 0; i < 6; i++ {
		tasks = append(tasks, testTask(fmt.Sprintf("E%d", i), "Backlog登録希望 x"))
	}

	if failed := engine.ProcessBatch(context.Background(), tasks); len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if peak := backlog.peakConcurrency(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent creates, observed %d", peak)
	}
	if peak := backlog.peakConcurrency(); peak < 1 {
		t.Fatalf("expected at least one create, observed %d", peak)
	}
}

func TestProcessAbandonsOnCancelledBackoff(t *testing.T) {
	store := newFakeStore()
	backlog := &fakeBacklog{failText: "Backlog登録希望"}
	engine := newTestEngine(store, backlog, &fakeSlack{}, nil)
	engine.Sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	res, err := engine.Process(context.Background(), testTask("E1", "Backlog登録希望 doomed"))
	if err == nil || !strings.Contains(err.Error(), "task abandoned") {
		t.Fatalf("expected abandonment error, got %v", err)
	}
	if res == nil || res.Status != models.TaskStatusAbandoned {
		t.Fatalf("expected abandoned result, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", res.Attempts)
	}
	if got := backlog.callCount(); got != 1 {
		t.Fatalf("expected 1 create call, got %d", got)
	}
	if len(store.recorded) != 0 {
		t.Fatal("abandoned task must not be recorded as processed")
	}
}

func TestProcessBatchReportsUnstartedTasksOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(newFakeStore(), &fakeBacklog{}, &fakeSlack{}, nil)
	engine.Workers = 1

	tasks := []*slackevent.QueuedTask{
		testTask("E1", "Backlog登録希望 a"),
		testTask("E2", "Backlog登録希望 b"),
	}
	failed := engine.ProcessBatch(ctx, tasks)

	if len(failed) != 2 {
		t.Fatalf("expected both tasks reported failed on cancelled context, got %v", failed)
	}
}
