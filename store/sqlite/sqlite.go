package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/breez/anon-sync/store"
	"github.com/juju/mgo/v3/bson"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const upsertSQL = `INSERT INTO customers_anonymised (id, first_name, last_name, email, address, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  first_name = excluded.first_name,
  last_name = excluded.last_name,
  email = excluded.email,
  address = excluded.address,
  created_at = excluded.created_at`

type SQLiteDestination struct {
	db *sql.DB
}

func NewSQLiteDestination(file string) (*SQLiteDestination, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		file, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteDestination{db: db}, nil
}

func (s *SQLiteDestination) Close() error {
	return s.db.Close()
}

func (s *SQLiteDestination) LatestID(ctx context.Context) (*store.ID, error) {
	var hex string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM customers_anonymised ORDER BY id DESC LIMIT 1").Scan(&hex)
	if err == sql.ErrNoRows {
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

// Upsert writes the batch in one transaction. Statement failures are
// reported per record and do not abort the others.
func (s *SQLiteDestination) Upsert(ctx context.Context, records []store.Customer) (store.WriteFailures, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	failures := store.WriteFailures{}
	for _, c := range records {
		address, err := json.Marshal(c.Address)
		if err != nil {
			failures[c.ID] = err
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.ID.Hex(), c.FirstName, c.LastName, c.Email, string(address), c.CreatedAt); err != nil {
			failures[c.ID] = err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return failures, nil
}

func (s *SQLiteDestination) Get(ctx context.Context, id store.ID) (*store.Customer, error) {
	var (
		c       store.Customer
		address string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT first_name, last_name, email, address, created_at FROM customers_anonymised WHERE id = ?", id.Hex(),
	).Scan(&c.FirstName, &c.LastName, &c.Email, &address, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal([]byte(address), &c.Address); err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	c.ID = id
	return &c, nil
}
