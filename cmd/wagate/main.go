package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wagate/wagate/config"
	"github.com/wagate/wagate/internal/app"
	"github.com/wagate/wagate/internal/campaign"
	"github.com/wagate/wagate/internal/conn"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/protocol"
	"github.com/wagate/wagate/internal/queue"
	"github.com/wagate/wagate/internal/sessions"
	"github.com/wagate/wagate/internal/worker"
	"go.uber.org/zap"
)

var (
	cfile   = flag.String("c", "", "config yaml file")
	initdb  = flag.Bool("initdb", false, "drop and recreate the database schema")
	showVer = flag.Bool("v", false, "print version")
)

var version = "dev"

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig(*cfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	factory := protocol.RegisteredFactory()
	if factory == nil {
		zap.L().Fatal("no protocol client factory registered")
	}

	registry := sessions.NewRegistry(application.DB())
	creds := credstore.NewStore(application.DB())
	campaigns := campaign.NewStore(application.DB())

	pool := conn.NewPool(registry, creds, factory, application, conn.PoolConfig{
		Conn: conn.Config{
			PairingTimeout:       time.Duration(cfg.Messaging.PairingTimeout) * time.Second,
			ReconnectTimeout:     time.Duration(cfg.Messaging.ReconnectTimeout) * time.Second,
			ReconnectDelay:       time.Duration(cfg.Messaging.ReconnectDelay) * time.Second,
			MaxReconnectAttempts: cfg.Messaging.MaxReconnectAttempts,
			QRExpiry:             time.Duration(cfg.Messaging.QRExpiry) * time.Second,
		},
		IdleTimeout:       time.Duration(cfg.Messaging.IdleTimeout) * time.Second,
		SweepInterval:     time.Duration(cfg.Messaging.SweepInterval) * time.Second,
		ReadyPollAttempts: cfg.Messaging.ReadyPollAttempts,
		ReadyPollInterval: time.Duration(cfg.Messaging.ReadyPollIntervalMs) * time.Millisecond,
	})
	pool.Start()

	engine := campaign.NewEngine(campaigns, pool, application)
	handlers := worker.NewHandlers(registry, creds, pool, campaigns, engine, application)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authQueue := mustQueue(rdb, queue.RedisQueueConfig{
		Name: worker.QueueAuth,
		Policies: map[string]queue.RetryPolicy{
			worker.TypeQRGeneration:        {MaxAttempts: 1},
			worker.TypePairingVerification: {MaxAttempts: 1},
			worker.TypeAuthValidation:      {MaxAttempts: 2, Backoff: queue.ExponentialBackoff(5 * time.Second)},
			worker.TypeLogout:              {MaxAttempts: 2, Backoff: queue.ExponentialBackoff(2 * time.Second)},
		},
	})
	messageQueue := mustQueue(rdb, queue.RedisQueueConfig{
		Name: worker.QueueMessage,
		Policies: map[string]queue.RetryPolicy{
			worker.TypeSingleMessage: {MaxAttempts: 5, Backoff: queue.ExponentialBackoff(2 * time.Second)},
			worker.TypeMessageStatus: {MaxAttempts: 3, Backoff: queue.ExponentialBackoff(time.Second)},
			worker.TypeBulkMessage:   {MaxAttempts: 1},
		},
	})
	maintenanceQueue := mustQueue(rdb, queue.RedisQueueConfig{
		Name: worker.QueueMaintenance,
		Policies: map[string]queue.RetryPolicy{
			worker.TypeHealthCheck: {MaxAttempts: 2, Backoff: queue.ExponentialBackoff(10 * time.Second)},
		},
	})

	workers := []*worker.Worker{
		mustWorker(authQueue, handlers.AuthHandlers(), cfg.Workers.Auth),
		mustWorker(messageQueue, handlers.MessageHandlers(), cfg.Workers.Message),
		mustWorker(maintenanceQueue, handlers.MaintenanceHandlers(), cfg.Workers.Maintenance),
	}
	for _, w := range workers {
		w.Start(ctx)
	}

	application.ScheduleMaintenance(maintenanceQueue, campaigns)

	zap.L().Info("wagate started",
		zap.String("version", version),
		zap.String("appid", cfg.System.Appid))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.L().Info("shutting down")
	cancel()
	for _, w := range workers {
		w.Stop()
	}
	pool.Shutdown()
	_ = rdb.Close()
}

func mustQueue(client *redis.Client, cfg queue.RedisQueueConfig) *queue.RedisQueue {
	q, err := queue.NewRedisQueue(client, cfg)
	if err != nil {
		zap.L().Fatal("failed to create queue", zap.String("queue", cfg.Name), zap.Error(err))
	}
	return q
}

func mustWorker(q *queue.RedisQueue, handlers map[string]worker.HandlerFunc, cfg config.WorkerConfig) *worker.Worker {
	w, err := worker.New(q, handlers, worker.Config{
		Concurrency:     cfg.Concurrency,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: time.Duration(cfg.RateLimitWindow) * time.Second,
	})
	if err != nil {
		zap.L().Fatal("failed to create worker", zap.String("queue", q.Name()), zap.Error(err))
	}
	return w
}
