package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/burhankhatib/lanaline/pkg/changefeed"
	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/driver"
	"github.com/burhankhatib/lanaline/pkg/sagabarrier"
	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

const serviceName = "orders-service"

// Config is read from the environment.
type Config struct {
	docstore.Config
	Telemetry telemetry.Config

	Port                string   `envconfig:"PORT" default:"8082"`
	StockPolicy         string   `envconfig:"STOCK_POLICY" default:"on_confirm"`
	DefaultCurrency     string   `envconfig:"DEFAULT_CURRENCY" default:"AED"`
	WorkflowMode        string   `envconfig:"WORKFLOW_MODE" default:"direct"`
	InventoryServiceURL string   `envconfig:"INVENTORY_SERVICE_URL" default:"http://inventory-service:8081"`
	ServiceURL          string   `envconfig:"SERVICE_URL" default:"http://orders-service:8082"`
	DTMServer           string   `envconfig:"DTM_SERVER" default:"http://dtm:36789/api/dtmsvr"`
	BarrierDatabaseURL  string   `envconfig:"BARRIER_DATABASE_URL"`
	AdminAPIKey         string   `envconfig:"ADMIN_API_KEY"`
	SagaBranchKey       string   `envconfig:"SAGA_BRANCH_KEY"`
	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	ChangefeedTopic     string   `envconfig:"CHANGEFEED_TOPIC" default:"documents.changed"`
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

	if len(cfg.KafkaBrokers) > 0 {
		publisher := changefeed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.ChangefeedTopic)
		defer publisher.Close()
		store = changefeed.NewNotifyingStore(store, publisher)
		log.WithField("topic", cfg.ChangefeedTopic).Info("📣 Publishing document changes")
	}

	barrier, closeBarrier, err := sagabarrier.New(ctx, cfg.BarrierDatabaseURL, cfg.Driver == docstore.DriverMemory)
	if err != nil {
		log.Fatalf("Failed to open saga barrier: %v", err)
	}
	defer closeBarrier()
	if cfg.SagaBranchKey == "" {
		cfg.SagaBranchKey = cfg.AdminAPIKey
	}

	tracer := otel.Tracer(serviceName)
	repo := NewDocumentRepository(store)
	stock := NewHTTPStockClient(cfg.InventoryServiceURL)

	var workflow StatusWorkflow
	switch cfg.WorkflowMode {
	case "saga":
		if barrier == nil {
			log.Fatal("WORKFLOW_MODE=saga needs BARRIER_DATABASE_URL for the saga branch endpoints")
		}
		workflow = NewDTMSagaWorkflow(repo, cfg.DTMServer, cfg.ServiceURL, cfg.InventoryServiceURL, cfg.SagaBranchKey, tracer)
	case "direct":
		workflow = NewDirectWorkflow(repo, stock)
	default:
		log.Fatalf("Unknown WORKFLOW_MODE %q", cfg.WorkflowMode)
	}

	useCase, err := NewOrderUseCase(repo, stock, workflow, tracer, otel.Meter(serviceName), Options{
		Policy:   StockPolicy(cfg.StockPolicy),
		Currency: cfg.DefaultCurrency,
	})
	if err != nil {
		log.Fatalf("Failed to create use case: %v", err)
	}
	if cfg.AdminAPIKey == "" {
		log.Warn("⚠️ ADMIN_API_KEY is not set, admin order actions are unauthenticated")
	}
	handler := NewOrderHandler(useCase, barrier, tracer, cfg.AdminAPIKey, cfg.SagaBranchKey)

	r := telemetry.NewRouter(serviceName)
	handler.RegisterRoutes(r)

	log.WithFields(log.Fields{"workflow": cfg.WorkflowMode, "stock_policy": cfg.StockPolicy}).
		Infof("🚀 Orders Service listening on port %s", cfg.Port)
	if err := telemetry.Serve(ctx, ":"+cfg.Port, r); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
