// Package driver opens the document store selected by configuration.
package driver

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/burhankhatib/lanaline/pkg/docstore"
	"github.com/burhankhatib/lanaline/pkg/docstore/contentlake"
	"github.com/burhankhatib/lanaline/pkg/docstore/memory"
	"github.com/burhankhatib/lanaline/pkg/docstore/postgres"
)

var (
	connectPostgres = postgres.Connect
	migratePostgres = postgres.Migrate
)

// Open returns the configured store and a function releasing its resources.
func Open(ctx context.Context, cfg docstore.Config) (docstore.Store, func(), error) {
	switch cfg.Driver {
	case docstore.DriverContentLake, "":
		client, err := contentlake.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.CanWrite() {
			log.Warn("⚠️ DOCSTORE_WRITE_TOKEN is not set, mutations will be rejected")
		}
		return client, func() {}, nil

	case docstore.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for the %s driver", cfg.Driver)
		}
		// Connect waits for the database to come up, migrations do not
		pool, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := migratePostgres(cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil

	case docstore.DriverMemory:
		log.Warn("⚠️ using the in-memory document store, data is lost on restart")
		return memory.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown document store driver %q", cfg.Driver)
}
