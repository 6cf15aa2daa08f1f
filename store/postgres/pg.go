package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/breez/anon-sync/store"
	"github.com/juju/mgo/v3/bson"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const upsertSQL = `INSERT INTO customers_anonymised (id, first_name, last_name, email, address, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
  first_name = EXCLUDED.first_name,
  last_name = EXCLUDED.last_name,
  email = EXCLUDED.email,
  address = EXCLUDED.address,
  created_at = EXCLUDED.created_at`

type PgDestination struct {
	db *pgxpool.Pool
}

func NewPGDestination(databaseURL string) (*PgDestination, error) {

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"anon-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	return &PgDestination{db: pgxPool}, nil
}

func (s *PgDestination) Close() {
	s.db.Close()
}

func (s *PgDestination) LatestID(ctx context.Context) (*store.ID, error) {
	var hex string
	err := s.db.QueryRow(ctx, "SELECT id FROM customers_anonymised ORDER BY id DESC LIMIT 1").Scan(&hex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest id: %w", err)
	}
	if !bson.IsObjectIdHex(hex) {
		return nil, fmt.Errorf("latest id %q: %w", hex, store.ErrMalformedID)
	}
	id := bson.ObjectIdHex(hex)
	return &id, nil
}

// Upsert pipelines one statement per record inside a transaction. Postgres
// aborts the whole transaction on the first failing statement, so that
// record is reported and the rest are sent again in a fresh transaction.
func (s *PgDestination) Upsert(ctx context.Context, records []store.Customer) (store.WriteFailures, error) {
	failures := store.WriteFailures{}
	pending := records
	for len(pending) > 0 {
		failed, err := s.upsertBatch(ctx, pending)
		if err != nil {
			return nil, err
		}
		if failed == nil {
			break
		}
		failures[pending[failed.index].ID] = failed.err
		rest := make([]store.Customer, 0, len(pending)-1)
		rest = append(rest, pending[:failed.index]...)
		pending = append(rest, pending[failed.index+1:]...)
	}
	return failures, nil
}

type statementFailure struct {
	index int
	err   error
}

// upsertBatch commits every record or none. A non-nil statementFailure names
// the statement that aborted the transaction.
func (s *PgDestination) upsertBatch(ctx context.Context, records []store.Customer) (*statementFailure, error) {
	batch := &pgx.Batch{}
	for _, c := range records {
		address, err := json.Marshal(c.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to encode address: %w", err)
		}
		batch.Queue(upsertSQL, c.ID.Hex(), c.FirstName, c.LastName, c.Email, string(address), c.CreatedAt)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &statementFailure{index: i, err: err}, nil
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil, nil
}

func (s *PgDestination) Get(ctx context.Context, id store.ID) (*store.Customer, error) {
	var (
		c         store.Customer
		address   []byte
		createdAt time.Time
	)
	err := s.db.QueryRow(ctx,
		"SELECT first_name, last_name, email, address, created_at FROM customers_anonymised WHERE id = $1", id.Hex(),
	).Scan(&c.FirstName, &c.LastName, &c.Email, &address, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal(address, &c.Address); err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	c.ID = id
	c.CreatedAt = createdAt
	return &c, nil
}
