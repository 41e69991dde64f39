package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/burhankhatib/lanaline/pkg/changefeed"
	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/driver"
	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

const serviceName = "customers-service"

// Config is read from the environment.
type Config struct {
	docstore.Config
	Telemetry telemetry.Config

	Port            string        `envconfig:"PORT" default:"8083"`
	WebhookSecret   string        `envconfig:"WEBHOOK_SECRET"`
	AdminAPIKey     string        `envconfig:"ADMIN_API_KEY"`
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	LockTTL         time.Duration `envconfig:"SPEND_LOCK_TTL" default:"30s"`
	LockWait        time.Duration `envconfig:"SPEND_LOCK_WAIT" default:"10s"`
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS"`
	ChangefeedTopic string        `envconfig:"CHANGEFEED_TOPIC" default:"documents.changed"`
	ConsumerGroup   string        `envconfig:"CONSUMER_GROUP" default:"customers-spend"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to read configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer shutdown(context.Background())

	store, closeStore, err := driver.Open(ctx, cfg.Config)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer closeStore()

	var locker Locker = NopLocker{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		locker = NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
		log.WithField("addr", cfg.RedisAddr).Info("🔒 Spend recomputations are locked per user")
	}

	tracer := otel.Tracer(serviceName)
	useCase, err := NewSpendUseCase(NewDocumentRepository(store), locker, tracer, otel.Meter(serviceName))
	if err != nil {
		log.Fatalf("Failed to create use case: %v", err)
	}

	if len(cfg.KafkaBrokers) > 0 {
		consumer := changefeed.NewKafkaConsumer(cfg.KafkaBrokers, cfg.ChangefeedTopic, cfg.ConsumerGroup)
		go consumer.Run(ctx, useCase.HandleEvent)
		log.WithFields(log.Fields{"topic": cfg.ChangefeedTopic, "group": cfg.ConsumerGroup}).Info("📥 Consuming document changes")
	}

	handler := NewCustomerHandler(useCase, tracer, cfg.WebhookSecret, cfg.AdminAPIKey)
	r := telemetry.NewRouter(serviceName)
	handler.RegisterRoutes(r)

	log.Infof("🚀 Customers Service listening on port %s", cfg.Port)
	if err := telemetry.Serve(ctx, ":"+cfg.Port, r); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
