// Package storage persists expenses and conversation checkpoints in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finance-agent/internal/domain"
)

// ErrUnavailable marks storage-layer failures, as opposed to rejected input.
var ErrUnavailable = errors.New("storage: unavailable")

type ExpenseStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewExpenseStore opens dbPath and brings its schema up to date.
func NewExpenseStore(dbPath string, opts ...Option) (*ExpenseStore, error) {
	if err := runMigrations(dbPath, expensesMigrations, "schema_migrations_expenses"); err != nil {
		return nil, err
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &ExpenseStore{db: db, now: o.now, logger: o.logger}, nil
}

func (s *ExpenseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LogExpense appends one record and returns its id. Ids increase monotonically.
func (s *ExpenseStore) LogExpense(ctx context.Context, userID string, c domain.ExpenseCandidate) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("storage: %w", domain.ErrMissingUser)
	}
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (
			user_id, occurred_at, occurred_unix, amount, currency, category,
			category_confidence, description, merchant, notes, raw_source_text, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID,
		domain.FormatTimestamp(c.OccurredAt),
		c.OccurredAt.Unix(),
		c.Amount.String(),
		c.Currency,
		string(c.Category),
		c.CategoryConfidence,
		strings.TrimSpace(c.Description),
		nullable(c.Merchant),
		nullable(c.Notes),
		nullable(c.RawText),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert expense: %w", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: expense id: %w", ErrUnavailable, err)
	}

	s.logger.InfoContext(ctx, "expense saved",
		"id", id,
		"user_id", userID,
		"amount", c.Amount.String(),
		"category", c.Category,
	)
	return id, nil
}

// ExpensesBetween returns the user's records with from <= occurred_at < to,
// ordered by id.
func (s *ExpenseStore) ExpensesBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, occurred_at, amount, currency, category, description,
			merchant, notes, raw_source_text, stored_at
		FROM expenses
		WHERE user_id = ? AND occurred_unix >= ? AND occurred_unix < ?
		ORDER BY id`,
		userID, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query expenses: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []domain.ExpenseRecord
	for rows.Next() {
		rec, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate expenses: %w", ErrUnavailable, err)
	}
	return out, nil
}

func scanExpense(rows *sql.Rows) (domain.ExpenseRecord, error) {
	var (
		rec                        domain.ExpenseRecord
		occurredAt, amount         string
		category, storedAt         string
		merchant, notes, rawSource sql.NullString
	)
	if err := rows.Scan(&rec.ID, &rec.UserID, &occurredAt, &amount, &rec.Currency, &category,
		&rec.Description, &merchant, &notes, &rawSource, &storedAt); err != nil {
		return rec, fmt.Errorf("%w: scan expense: %w", ErrUnavailable, err)
	}

	var err error
	if rec.OccurredAt, err = time.Parse(domain.TimestampLayout, occurredAt); err != nil {
		return rec, fmt.Errorf("storage: expense %d occurred_at: %w", rec.ID, err)
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("storage: expense %d amount: %w", rec.ID, err)
	}
	if rec.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt); err != nil {
		return rec, fmt.Errorf("storage: expense %d stored_at: %w", rec.ID, err)
	}
	rec.Category = domain.Category(category)
	rec.Merchant = merchant.String
	rec.Notes = notes.String
	rec.RawText = rawSource.String
	return rec, nil
}

func nullable(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
