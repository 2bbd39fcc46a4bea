package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const attemptSchema = `
CREATE TABLE IF NOT EXISTS payment_attempts (
	id              TEXT PRIMARY KEY,
	reference       TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	intent          TEXT NOT NULL,
	status          TEXT NOT NULL,
	order_id        TEXT NOT NULL DEFAULT '',
	charged         INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
)`

type attemptRow struct {
	ID             string             `db:"id"`
	Reference      string             `db:"reference"`
	IdempotencyKey string             `db:"idempotency_key"`
	Intent         models.OrderIntent `db:"intent"`
	Status         string             `db:"status"`
	OrderID        string             `db:"order_id"`
	Charged        bool               `db:"charged"`
	LastError      string             `db:"last_error"`
	CreatedAt      int64              `db:"created_at"`
	UpdatedAt      int64              `db:"updated_at"`
}

// SQLiteStore persists attempts in a local SQLite file
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the attempt database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(attemptSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create attempt schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, a *Attempt) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO payment_attempts (id, reference, idempotency_key, intent, status, order_id, charged, last_error, created_at, updated_at)
		VALUES (:id, :reference, :idempotency_key, :intent, :status, :order_id, :charged, :last_error, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			order_id = excluded.order_id,
			charged = excluded.charged,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		toRow(a))
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Attempt, error) {
	var row attemptRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM payment_attempts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	a := row.toAttempt()
	return &a, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM payment_attempts WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Attempt, error) {
	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM payment_attempts ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAttempt())
	}
	return out, nil
}

func toRow(a *Attempt) attemptRow {
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return attemptRow{
		ID:             a.ID,
		Reference:      a.Reference,
		IdempotencyKey: a.IdempotencyKey,
		Intent:         a.Intent,
		Status:         string(a.Status),
		OrderID:        a.OrderID,
		Charged:        a.Charged,
		LastError:      a.LastError,
		CreatedAt:      a.CreatedAt.UnixMilli(),
		UpdatedAt:      updated.UnixMilli(),
	}
}

func (r attemptRow) toAttempt() Attempt {
	return Attempt{
		ID:             r.ID,
		Reference:      r.Reference,
		IdempotencyKey: r.IdempotencyKey,
		Intent:         r.Intent,
		Status:         Status(r.Status),
		OrderID:        r.OrderID,
		Charged:        r.Charged,
		LastError:      r.LastError,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
		UpdatedAt:      time.UnixMilli(r.UpdatedAt),
	}
}
