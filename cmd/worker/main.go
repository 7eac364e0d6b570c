package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mkaran/loyalty-service/internal/config"
	"github.com/mkaran/loyalty-service/internal/logger"
	"github.com/mkaran/loyalty-service/internal/rates"
	"github.com/mkaran/loyalty-service/internal/repo"
	"github.com/mkaran/loyalty-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// The worker drains the transactional outbox to Kafka and runs the
// expiration sweep on its own interval.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	provider := rates.NewFixed(cfg.Loyalty.PointValue)
	svc := service.NewLedgerService(repository, provider, service.Policy{
		DefaultExpiryMonths: cfg.Loyalty.DefaultExpiryMonths,
		PendingHorizon:      cfg.Loyalty.PendingHorizon(),
		WriteTimeout:        cfg.Loyalty.WriteTimeout(),
	}, log)

	outboxTicker := time.NewTicker(1 * time.Second)
	defer outboxTicker.Stop()
	sweepTicker := time.NewTicker(cfg.Loyalty.SweepInterval())
	defer sweepTicker.Stop()

	log.Info("loyalty-worker started")
	for {
		select {
		case <-outboxTicker.C:
			drainOutbox(repository, log)
		case <-sweepTicker.C:
			ctx := context.Background()
			count, err := svc.ExpireDue(ctx, time.Now())
			if err != nil {
				log.Errorf("expiration sweep: %v", err)
				continue
			}
			if count > 0 {
				log.Infof("expired %d transactions", count)
			}
		}
	}
}

func drainOutbox(repository *repo.Repository, log *zap.SugaredLogger) {
	ctx := context.Background()
	events, err := repository.PollOutbox(ctx, 100)
	if err != nil {
		log.Errorf("poll outbox: %v", err)
		return
	}
	for _, evt := range events {
		if err := repository.PublishEvent(ctx, evt); err != nil {
			log.Errorf("publish id=%d: %v", evt.ID, err)
			continue
		}
		if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			log.Errorf("mark processed id=%d: %v", evt.ID, err)
		} else {
			log.Infof("event %d sent", evt.ID)
		}
	}
}
