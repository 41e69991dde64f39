package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/burhankhatib/lanaline/pkg/changefeed"
	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/driver"
	"github.com/burhankhatib/lanaline/pkg/telemetry"
)

// StoreOpener opens the document store used by the delete commands.
type StoreOpener func(ctx context.Context) (docstore.Store, func(), error)

type storeConfig struct {
	docstore.Config
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	ChangefeedTopic string   `envconfig:"CHANGEFEED_TOPIC" default:"documents.changed"`
}

// openConfiguredStore opens the store from the environment. With KAFKA_BROKERS set,
// deletions are published so the customers service recomputes the affected spend.
func openConfiguredStore(ctx context.Context) (docstore.Store, func(), error) {
	var cfg storeConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to read store configuration: %w", err)
	}
	if !cfg.CanWrite() {
		return nil, nil, errors.New("DOCSTORE_WRITE_TOKEN is required to delete documents")
	}

	store, closeStore, err := driver.Open(ctx, cfg.Config)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.KafkaBrokers) == 0 {
		return store, closeStore, nil
	}

	publisher := changefeed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.ChangefeedTopic)
	return changefeed.NewNotifyingStore(store, publisher), func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("⚠️ Failed to flush change events")
		}
		closeStore()
	}, nil
}

func main() {
	telemetry.ConfigureLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(openConfiguredStore).RunContext(ctx, os.Args); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func newApp(openStore StoreOpener) *cli.App {
	return &cli.App{
		Name:  "lanaline-admin",
		Usage: "operate the storefront back office",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "orders-url",
				Usage:   "base URL of the orders service",
				Value:   "http://localhost:8082",
				EnvVars: []string{"ORDERS_SERVICE_URL"},
			},
			&cli.StringFlag{
				Name:    "customers-url",
				Usage:   "base URL of the customers service",
				Value:   "http://localhost:8083",
				EnvVars: []string{"CUSTOMERS_SERVICE_URL"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "admin API key sent as X-API-KEY",
				EnvVars: []string{"ADMIN_API_KEY"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "confirm-order",
				Usage: "confirm a pending order and take its stock",
				Flags: []cli.Flag{&cli.StringFlag{Name: "order", Usage: "order id", Required: true}},
				Action: func(c *cli.Context) error {
					msg, order, err := adminClient(c).ConfirmOrder(c.Context, c.String("order"))
					if err != nil {
						return err
					}
					printOrder(c, msg, order)
					return nil
				},
			},
			{
				Name:  "update-status",
				Usage: "set the status of an order, restoring stock on cancel or refund",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "order", Usage: "order id", Required: true},
					&cli.StringFlag{Name: "status", Usage: "pending, processing, shipped, delivered, cancelled or refunded", Required: true},
				},
				Action: func(c *cli.Context) error {
					msg, order, err := adminClient(c).UpdateStatus(c.Context, c.String("order"), c.String("status"))
					if err != nil {
						return err
					}
					printOrder(c, msg, order)
					return nil
				},
			},
			{
				Name:  "recalc-stats",
				Usage: "recompute the total spent of a user",
				Flags: []cli.Flag{&cli.StringFlag{Name: "user", Usage: "user document id", Required: true}},
				Action: func(c *cli.Context) error {
					stats, err := adminClient(c).RecalculateStats(c.Context, c.String("user"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Total orders: %d\nTotal spent: %.2f\n", stats.TotalOrders, stats.TotalSpent)
					return nil
				},
			},
			{
				Name:      "delete-order",
				Usage:     "delete orders and remove them from their users",
				ArgsUsage: "<id|ORD-number>...",
				Action: func(c *cli.Context) error {
					return withDeleter(c, openStore, func(d *Deleter, ref string) error {
						res, err := d.DeleteOrder(c.Context, ref)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "Deleted order %s (%d users updated)\n", res.OrderID, res.UsersPatched)
						return nil
					})
				},
			},
			{
				Name:      "delete-user",
				Usage:     "delete users together with their orders",
				ArgsUsage: "<id>...",
				Action: func(c *cli.Context) error {
					return withDeleter(c, openStore, func(d *Deleter, id string) error {
						res, err := d.DeleteUser(c.Context, id)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "Deleted user %s and their %d orders\n", res.UserID, res.OrdersDeleted)
						return nil
					})
				},
			},
		},
		// errors are reported by main
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func adminClient(c *cli.Context) *AdminClient {
	return NewAdminClient(c.String("orders-url"), c.String("customers-url"), c.String("api-key"))
}

func printOrder(c *cli.Context, msg string, o *OrderView) {
	fmt.Fprintln(c.App.Writer, msg)
	fmt.Fprintf(c.App.Writer, "%s %s status=%s total=%.2f stockDecremented=%t\n",
		o.ID, o.OrderNumber, o.Status, o.TotalAmount, o.StockDecremented)
}

// withDeleter runs fn for every argument and stops at the first failure.
func withDeleter(c *cli.Context, openStore StoreOpener, fn func(*Deleter, string) error) error {
	if c.NArg() == 0 {
		return errors.New("at least one id is required")
	}

	store, closeStore, err := openStore(c.Context)
	if err != nil {
		return err
	}
	defer closeStore()

	d := NewDeleter(store)
	for _, id := range c.Args().Slice() {
		log.WithField("id", id).Info("🗑️ Deleting")
		if err := fn(d, id); err != nil {
			return err
		}
	}
	return nil
}
