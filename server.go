package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/slack2backlog_backend/backlogworker"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/config"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/models"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/secrets"
	"bitbucket.org/mmdatafocus/slack2backlog_backend/slackevent"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretCache := secrets.NewCache(secrets.EnvSource{}, 5*time.Minute, nil)
	signingSecret, err := secretCache.Get(sigCtx, secrets.SlackSecretID, secrets.KeySigningSecret)
	if err != nil {
		log.Fatalf("failed to resolve slack signing secret: %v", err)
	}
	botToken, err := secretCache.Get(sigCtx, secrets.SlackSecretID, secrets.KeyBotToken)
	if err != nil {
		log.Fatalf("failed to resolve slack bot token: %v", err)
	}
	backlogAPIKey, err := secretCache.Get(sigCtx, secrets.BacklogSecretID, secrets.KeyAPIKey)
	if err != nil {
		log.Fatalf("failed to resolve backlog api key: %v", err)
	}

	// Queue.
	psClient, err := config.NewPubSubClient(sigCtx, cfg.PubSubProjectID)
	if err != nil {
		log.Fatalf("failed to create pubsub client: %v", err)
	}
	topic := psClient.Topic(cfg.PubSubTopic)
	if config.BoolFromEnv("PUBSUB_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(sigCtx, psClient, cfg.PubSubTopic)
		if err != nil {
			log.Fatalf("failed to ensure topic: %v", err)
		}
	}

	// Idempotency store and audit trail.
	rdb, locker := config.ConnectRedisWithRetry(sigCtx, cfg.RedisAddress)
	db := config.ConnectDatabaseWithRetry()
	if err := models.MigrateTaskRecords(db); err != nil {
		config.LogError(logger, "server.go", "main", "MigrateTaskRecords", nil, err)
	}

	// Side-effect clients, constructed once and passed in.
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

	verifier := &slackevent.Verifier{SigningSecret: signingSecret}
	publisher := &slackevent.Publisher{Topic: topic, Timeout: cfg.PublishTimeout}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	router.Use(customErrorLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/slack/events", slackevent.EventsHandler(verifier, publisher, cfg.TriggerPhrase, logger))
	if config.BoolFromEnv("ENABLE_PUBSUB_PUSH_ENDPOINT", true) {
		router.POST("/pubsub/backlog-worker", backlogworker.PushHandler(engine, logger))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Pull-mode consumer, for deployments without a push subscription.
	workerCtx, cancelWorker := context.WithCancel(sigCtx)
	defer cancelWorker()
	if config.BoolFromEnv("WORKER_PULL_MODE", false) {
		sub := psClient.Subscription(cfg.PubSubSubscription)
		if config.BoolFromEnv("PUBSUB_CREATE_SUBSCRIPTION", false) {
			sub, err = config.CreateSubscriptionIfNotExists(sigCtx, psClient, cfg.PubSubSubscription, topic)
			if err != nil {
				log.Fatalf("failed to ensure subscription: %v", err)
			}
		}
		go func() {
			if err := backlogworker.Run(workerCtx, sub, engine, logger); err != nil && !errors.Is(err, context.Canceled) {
				config.LogError(logger, "server.go", "main", "worker Receive", nil, err)
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"port":  cfg.Port,
		"topic": cfg.PubSubTopic,
	}).Info("slack2backlog listening")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the worker first so it does not pick up new messages while we drain.
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	topic.Stop()
	_ = psClient.Close()
	_ = rdb.Close()
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
