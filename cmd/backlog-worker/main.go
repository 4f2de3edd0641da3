// backlog-worker is the standalone pull-mode queue consumer. It drains the
// worker subscription without serving HTTP, for deployments where ingest and
// processing scale separately.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/slack2backlog_backend/backlogworker"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/config"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/models"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/secrets"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretCache := secrets.NewCache(secrets.EnvSource{}, 5*time.Minute, nil)
	botToken, err := secretCache.Get(ctx, secrets.SlackSecretID, secrets.KeyBotToken)
	if err != nil {
		log.Fatalf("failed to resolve slack bot token: %v", err)
	}
	backlogAPIKey, err := secretCache.Get(ctx, secrets.BacklogSecretID, secrets.KeyAPIKey)
	if err != nil {
		log.Fatalf("failed to resolve backlog api key: %v", err)
	}

	psClient, err := config.NewPubSubClient(ctx, cfg.PubSubProjectID)
	if err != nil {
		log.Fatalf("failed to create pubsub client: %v", err)
	}
	defer psClient.Close()

	rdb, locker := config.ConnectRedisWithRetry(ctx, cfg.RedisAddress)
	defer rdb.Close()

	db := config.ConnectDatabaseWithRetry()
	if err := models.MigrateTaskRecords(db); err != nil {
		config.LogError(logger, "main.go", "main", "MigrateTaskRecords", nil, err)
	}

	backlogClient, err := backlogworker.NewBacklogClient(
		cfg.BacklogSpace, backlogAPIKey, cfg.BacklogProjectID,
		cfg.BacklogIssueTypeID, cfg.BacklogPriorityID, cfg.TriggerPhrase,
	)
	if err != nil {
		log.Fatalf("failed to create backlog client: %v", err)
	}
	slackClient, err := backlogworker.NewSlackClient(botToken)
	if err != nil {
		log.Fatalf("failed to create slack client: %v", err)
	}

	engine := &backlogworker.Engine{
		Store:       backlogworker.NewRedisStore(rdb),
		Backlog:     backlogClient,
		Links:       backlogClient,
		Slack:       slackClient,
		DB:          db,
		Locker:      locker,
		Logger:      logger,
		MaxAttempts: cfg.WorkerMaxAttempts,
		BaseBackoff: cfg.WorkerBaseBackoff,
		Workers:     cfg.WorkerPoolSize,
	}

	logger.WithFields(logrus.Fields{
		"subscription": cfg.PubSubSubscription,
	}).Info("backlog-worker draining subscription")

	sub := psClient.Subscription(cfg.PubSubSubscription)
	if config.BoolFromEnv("PUBSUB_CREATE_SUBSCRIPTION", false) {
		topic, err := config.CreateTopicIfNotExists(ctx, psClient, cfg.PubSubTopic)
		if err != nil {
			log.Fatalf("failed to ensure topic: %v", err)
		}
		sub, err = config.CreateSubscriptionIfNotExists(ctx, psClient, cfg.PubSubSubscription, topic)
		if err != nil {
			log.Fatalf("failed to ensure subscription: %v", err)
		}
	}
	if err := backlogworker.Run(ctx, sub, engine, logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker stopped: %v", err)
	}
}
