// Package sagabarrier guards saga branch handlers with a dtm branch barrier so that
// repeated, late or out-of-order branch calls run their business logic at most once.
package sagabarrier

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrInvalidBranch means the request carried no usable dtm branch information.
var ErrInvalidBranch = errors.New("invalid saga branch request")

// BranchKeyHeader carries the shared key dtm sends with every branch call.
const BranchKeyHeader = "X-Saga-Key"

// Barrier runs branch business logic at most once per dtm branch and skips
// compensations whose action never succeeded.
type Barrier interface {
	Call(query url.Values, busi func(tx *sql.Tx) error) error
}

// New returns the barrier for the deployment: the database barrier when dsn is set,
// an in-process one when local is true, and nil otherwise. Saga branches must not be
// served without a barrier.
func New(ctx context.Context, dsn string, local bool) (Barrier, func(), error) {
	switch {
	case dsn != "":
		g, db, err := Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { db.Close() }, nil
	case local:
		log.Warn("⚠️ using the in-process saga barrier, it only protects a single instance")
		return NewMemoryGuard(), func() {}, nil
	}
	return nil, func() {}, nil
}

// Guard runs branch business logic inside the barrier table.
type Guard struct {
	db *sql.DB
}

// NewGuard wraps an open barrier database.
func NewGuard(db *sql.DB) *Guard {
	return &Guard{db: db}
}

// Open connects to the barrier database with lib/pq, creates the barrier table and
// returns a Guard using it.
func Open(ctx context.Context, dsn string) (*Guard, *sql.DB, error) {
	if err := migrateBarrier(dsn); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open barrier database: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Infof("⏳ Waiting for barrier database... (%d/30)", i+1)
		time.Sleep(time.Second)
	}
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to barrier database: %w", err)
	}

	dtmcli.SetCurrentDBType("postgres")
	log.Info("✅ Connected to saga barrier database")
	return NewGuard(db), db, nil
}

// Call runs busi at most once for the branch described by the dtm query parameters
// (trans_type, gid, branch_id, op). Compensations for branches whose action never ran
// are skipped.
func (g *Guard) Call(query url.Values, busi func(tx *sql.Tx) error) error {
	barrier, err := dtmcli.BarrierFromQuery(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBranch, err)
	}
	return barrier.CallWithDB(g.db, busi)
}

func migrateBarrier(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("parsing barrier database url: %w", err)
	}
	q := u.Query()
	q.Set("x-migrations-table", "barrier_schema_migrations")
	u.RawQuery = q.Encode()

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading barrier migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, u.String())
	if err != nil {
		return fmt.Errorf("preparing barrier migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying barrier migrations: %w", err)
	}
	return nil
}
