// Package postgres stores documents as jsonb rows for self-hosted deployments.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements docstore.Store on a documents table.
type Store struct {
	db  Querier
	now func() time.Time
}

// New wraps an open pool. Run Migrate before first use.
func New(db Querier) *Store {
	return &Store{db: db, now: time.Now}
}

// Connect opens a pool and waits for the database to accept connections.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Println("✅ Connected to document database")
			return pool, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (docstore.Document, error) {
	docs, err := s.GetDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	return docs[0], nil
}

func (s *Store) GetDocuments(ctx context.Context, ids ...string) ([]docstore.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := s.queryDocs(ctx, `SELECT doc::text FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}

	// keep the caller's order
	byID := docstore.ByID(docs)
	out := make([]docstore.Document, 0, len(docs))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			delete(byID, id)
		}
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	sql, args, err := BuildQuery(q)
	if err != nil {
		return nil, err
	}
	return s.queryDocs(ctx, sql, args...)
}

func (s *Store) queryDocs(ctx context.Context, sql string, args ...any) ([]docstore.Document, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		var doc docstore.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return out, nil
}

// Commit runs every mutation inside one database transaction. Target rows are locked
// with SELECT ... FOR UPDATE, patched in Go and written back.
func (s *Store) Commit(ctx context.Context, tx *docstore.Transaction) (*docstore.Result, error) {
	if tx == nil || tx.Len() == 0 {
		return nil, docstore.ErrEmptyTransaction
	}

	dbTx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	now := s.now()
	result := &docstore.Result{TransactionID: uuid.NewString()}
	for _, m := range tx.Mutations() {
		id := m.TargetID()

		current, err := lockDocument(ctx, dbTx, id)
		if err != nil {
			return nil, err
		}
		next, op, err := docstore.Apply(m, current, now)
		if err != nil {
			return nil, err
		}
		if err := writeDocument(ctx, dbTx, id, op, next, now); err != nil {
			return nil, err
		}
		if op != "" {
			result.Results = append(result.Results, docstore.MutationResult{ID: id, Operation: op})
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func lockDocument(ctx context.Context, tx pgx.Tx, id string) (docstore.Document, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT doc::text FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locking document %s: %w", id, err)
	}
	var doc docstore.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return doc, nil
}

func writeDocument(ctx context.Context, tx pgx.Tx, id, op string, doc docstore.Document, now time.Time) error {
	switch op {
	case "":
		return nil
	case docstore.OperationDelete:
		_, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("deleting document %s: %w", id, err)
		}
		return nil
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", id, err)
	}

	if op == docstore.OperationCreate {
		_, err = tx.Exec(ctx,
			`INSERT INTO documents (id, type, rev, doc, created_at, updated_at) VALUES ($1, $2, $3, $4::jsonb, $5, $5)`,
			id, doc.Type(), doc.Rev(), string(body), now)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s already exists", docstore.ErrConflict, id)
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE documents SET rev = $2, doc = $3::jsonb, updated_at = $4 WHERE id = $1`,
			id, doc.Rev(), string(body), now)
	}
	if err != nil {
		return fmt.Errorf("writing document %s: %w", id, err)
	}
	return nil
}

// BuildQuery translates q into SQL over the documents table. Field paths are passed as
// text[] parameters and values as jsonb parameters.
func BuildQuery(q docstore.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	jsonArg := func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding query value: %w", err)
		}
		return arg(string(b)) + "::jsonb", nil
	}

	if q.Type != "" {
		where = append(where, "type = "+arg(q.Type))
	}
	for _, f := range sortedKeys(q.Equals) {
		v, err := jsonArg(q.Equals[f])
		if err != nil {
			return "", nil, err
		}
		where = append(where, fmt.Sprintf("doc #> %s::text[] = %s", arg(strings.Split(f, ".")), v))
	}
	for _, f := range sortedKeys(q.NotEquals) {
		v, err := jsonArg(q.NotEquals[f])
		if err != nil {
			return "", nil, err
		}
		path := arg(strings.Split(f, "."))
		where = append(where, fmt.Sprintf("(doc #> %s::text[] IS NULL OR doc #> %s::text[] <> %s)", path, path, v))
	}
	if q.References != "" {
		where = append(where, fmt.Sprintf(
			"jsonb_path_exists(doc, '$.** ? (@._ref == $ref)', jsonb_build_object('ref', %s::text))", arg(q.References)))
	}

	var b strings.Builder
	b.WriteString("SELECT doc::text FROM documents")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if q.Order != "" {
		dir := "ASC"
		field := q.Order
		if strings.HasPrefix(field, "-") {
			dir = "DESC"
			field = field[1:]
		}
		fmt.Fprintf(&b, " ORDER BY doc #> %s::text[] %s", arg(strings.Split(field, ".")), dir)
	} else {
		b.WriteString(" ORDER BY created_at, id")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
