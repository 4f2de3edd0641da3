package config

import (
	"context"
	"log"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ConnectRedisWithRetry dials Redis and returns the client plus a lock
// client built on it. Retries with capped exponential backoff until the
// server is reachable.
func ConnectRedisWithRetry(ctx context.Context, addr string) (*redis.Client, *redislock.Client) {
	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: "",
			DB:       0, // use default DB
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err == nil {
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, addr)
			return rdb, redislock.New(rdb)
		} else {
			_ = rdb.Close()
			sleep := time.Second * time.Duration(1<<min(attempt, 5))
			if sleep > 30*time.Second {
				sleep = 30 * time.Second
			}
			log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, addr, err, sleep)
			time.Sleep(sleep)
		}
	}
}
