package backlogworker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedKeyPrefix = "backlog:processed:"

// Outcome is what the idempotency record remembers about a completed task.
type Outcome struct {
	ProcessedAt string `json:"processed_at"`
	IssueId     int64  `json:"issue_id"`
	IssueKey    string `json:"issue_key"`
	Attempts    int    `json:"attempts"`
}

// Store tracks which event ids have completed processing. Absence means
// "not yet completed"; an earlier attempt may still have failed midway.
type Store interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID string, outcome Outcome) error
}

// RedisStore keeps one record per event id with a 24h TTL. After expiry a
// very late redelivery can reprocess; that window is accepted behavior, not
// a defect to patch with different semantics.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
	Now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client: client,
		TTL:    24 * time.Hour,
		Now:    time.Now,
	}
}

func (s *RedisStore) Exists(ctx context.Context, eventID string) (bool, error) {
	_, err := s.Client.Get(ctx, processedKeyPrefix+eventID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Record(ctx context.Context, eventID string, outcome Outcome) error {
	if outcome.ProcessedAt == "" {
		outcome.ProcessedAt = s.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, processedKeyPrefix+eventID, data, s.TTL).Err()
}
