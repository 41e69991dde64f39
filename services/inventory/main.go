package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/driver"
	"github.com/burhankhatib/lanaline/pkg/sagabarrier"
	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

const serviceName = "inventory-service"

// Config is read from the environment.
type Config struct {
	docstore.Config
	Telemetry telemetry.Config

	Port               string `envconfig:"PORT" default:"8081"`
	BarrierDatabaseURL string `envconfig:"BARRIER_DATABASE_URL"`
	SagaBranchKey      string `envconfig:"SAGA_BRANCH_KEY"`
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

	barrier, closeBarrier, err := sagabarrier.New(ctx, cfg.BarrierDatabaseURL, cfg.Driver == docstore.DriverMemory)
	if err != nil {
		log.Fatalf("Failed to open saga barrier: %v", err)
	}
	defer closeBarrier()
	switch {
	case barrier == nil:
		log.Warn("⚠️ BARRIER_DATABASE_URL is not set, saga branch endpoints are disabled")
	case cfg.SagaBranchKey == "":
		log.Warn("⚠️ SAGA_BRANCH_KEY is not set, saga branch endpoints are unauthenticated")
	}

	tracer := otel.Tracer(serviceName)
	useCase, err := NewInventoryUseCase(NewProductRepository(store), tracer, otel.Meter(serviceName), cfg.CanWrite())
	if err != nil {
		log.Fatalf("Failed to create use case: %v", err)
	}
	handler := NewInventoryHandler(useCase, barrier, tracer, cfg.SagaBranchKey)

	r := telemetry.NewRouter(serviceName)
	handler.RegisterRoutes(r)

	log.Infof("🚀 Inventory Service listening on port %s", cfg.Port)
	if err := telemetry.Serve(ctx, ":"+cfg.Port, r); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
