package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

const checkpointRowID = 1

// ErrUnsupportedDriver is returned by OpenSQLStore for anything but sqlite and postgres.
var ErrUnsupportedDriver = errors.New("unsupported sql driver")

// SQLStore persists the checkpoint and the delivery audit trail in SQLite or Postgres.
type SQLStore struct {
	db  *sql.DB
	qb  sq.StatementBuilderType
	now func() time.Time
}

var (
	_ ports.CheckpointStore = (*SQLStore)(nil)
	_ ports.DeliveryLog     = (*SQLStore)(nil)
)

// OpenSQLStore opens the database and applies the schema. driver is
// "sqlite" or "postgres".
func OpenSQLStore(ctx context.Context, driver, dsn string, now func() time.Time) (*SQLStore, error) {
	var placeholder sq.PlaceholderFormat
	switch driver {
	case "sqlite":
		placeholder = sq.Question
	case "postgres":
		placeholder = sq.Dollar
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite has a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := NewSQLStore(db, placeholder, now)
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewSQLStore wires an already opened sql.DB.
func NewSQLStore(db *sql.DB, placeholder sq.PlaceholderFormat, now func() time.Time) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{
		db:  db,
		qb:  sq.StatementBuilder.PlaceholderFormat(placeholder),
		now: now,
	}
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Read returns the stored checkpoint, seeding "now minus 24h" on first use.
func (s *SQLStore) Read(ctx context.Context) (domain.Checkpoint, error) {
	query, args, err := s.qb.
		Select("last_timestamp", "last_call_id").
		From("checkpoint").
		Where(sq.Eq{"id": checkpointRowID}).
		ToSql()
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("build checkpoint query: %w", err)
	}

	var cp domain.Checkpoint
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&cp.LastTimestamp, &cp.LastCallID)
	if errors.Is(err, sql.ErrNoRows) {
		cp = domain.Checkpoint{LastTimestamp: s.now().Add(-DefaultLookback).Unix()}
		if err := s.Write(ctx, cp); err != nil {
			return cp, fmt.Errorf("seed checkpoint: %w", err)
		}
		return cp, nil
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("query checkpoint: %w", err)
	}

	return cp, nil
}

// Write replaces the checkpoint row inside one transaction.
func (s *SQLStore) Write(ctx context.Context, cp domain.Checkpoint) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	update, args, err := s.qb.
		Update("checkpoint").
		Set("last_timestamp", cp.LastTimestamp).
		Set("last_call_id", cp.LastCallID).
		Where(sq.Eq{"id": checkpointRowID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build checkpoint update: %w", err)
	}

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint rows affected: %w", err)
	}

	if affected == 0 {
		insert, args, buildErr := s.qb.
			Insert("checkpoint").
			Columns("id", "last_timestamp", "last_call_id").
			Values(checkpointRowID, cp.LastTimestamp, cp.LastCallID).
			ToSql()
		if buildErr != nil {
			return fmt.Errorf("build checkpoint insert: %w", buildErr)
		}
		if _, err = tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Append records one handled call.
func (s *SQLStore) Append(ctx context.Context, entry domain.DeliveryEntry) error {
	deliveredAt := entry.DeliveredAt
	if deliveredAt.IsZero() {
		deliveredAt = s.now()
	}

	query, args, err := s.qb.
		Insert("deliveries").
		Columns("run_id", "call_id", "start_time", "outcome", "attempts", "error", "summary", "delivered_at").
		Values(entry.RunID, entry.CallID, entry.StartTime, string(entry.Outcome), entry.Attempts, entry.Error, entry.Summary, deliveredAt.Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delivery insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// Recent returns the newest delivery entries, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]domain.DeliveryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	query, args, err := s.qb.
		Select("run_id", "call_id", "start_time", "outcome", "attempts", "error", "summary", "delivered_at").
		From("deliveries").
		OrderBy("delivered_at DESC", "start_time DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delivery query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var entries []domain.DeliveryEntry
	for rows.Next() {
		var (
			entry       domain.DeliveryEntry
			outcome     string
			deliveredAt int64
		)
		if err := rows.Scan(&entry.RunID, &entry.CallID, &entry.StartTime, &outcome,
			&entry.Attempts, &entry.Error, &entry.Summary, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		entry.Outcome = domain.Outcome(outcome)
		entry.DeliveredAt = time.Unix(deliveredAt, 0)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return entries, nil
}
