package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Belladihno/email-service/internal/resilience"
)

// BreakerStateStore keeps circuit breaker state in the circuit_breaker_states
// table so every worker process sees the same breaker.
type BreakerStateStore struct {
	pool *pgxpool.Pool
}

func NewBreakerStateStore(pool *pgxpool.Pool) *BreakerStateStore {
	return &BreakerStateStore{pool: pool}
}

var _ resilience.StateStore = (*BreakerStateStore)(nil)

func (s *BreakerStateStore) Get(ctx context.Context, name string) (resilience.Record, error) {
	const query = `
		SELECT service_name, state, failure_count, last_failure_time, opened_at
		FROM circuit_breaker_states
		WHERE service_name = $1
	`

	record, err := scanRecord(s.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return resilience.Record{Service: name, State: resilience.StateClosed}, nil
	}
	return record, err
}

// Update applies fn under a row lock so concurrent transitions on the same
// dependency serialize. The upsert creates the row on first use; the DO
// UPDATE arm is a no-op write whose only purpose is to take the lock and
// return the current values.
func (s *BreakerStateStore) Update(ctx context.Context, name string, fn func(resilience.Record) resilience.Record) (resilience.Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return resilience.Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const lockQuery = `
		INSERT INTO circuit_breaker_states (service_name, state, failure_count)
		VALUES ($1, 'closed', 0)
		ON CONFLICT (service_name) DO UPDATE SET service_name = EXCLUDED.service_name
		RETURNING service_name, state, failure_count, last_failure_time, opened_at
	`

	current, err := scanRecord(tx.QueryRow(ctx, lockQuery, name))
	if err != nil {
		return resilience.Record{}, err
	}

	next := fn(current)
	next.Service = name

	const updateQuery = `
		UPDATE circuit_breaker_states
		SET state = $2, failure_count = $3, last_failure_time = $4, opened_at = $5, updated_at = NOW()
		WHERE service_name = $1
	`

	_, err = tx.Exec(ctx, updateQuery,
		name,
		next.State,
		next.FailureCount,
		next.LastFailureTime,
		next.OpenedAt,
	)
	if err != nil {
		return resilience.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return resilience.Record{}, err
	}
	return next, nil
}

// States returns the persisted record for every dependency, for the
// metrics summary endpoint.
func (s *BreakerStateStore) States(ctx context.Context) ([]resilience.Record, error) {
	const query = `
		SELECT service_name, state, failure_count, last_failure_time, opened_at
		FROM circuit_breaker_states
		ORDER BY service_name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []resilience.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (resilience.Record, error) {
	var record resilience.Record
	err := row.Scan(
		&record.Service,
		&record.State,
		&record.FailureCount,
		&record.LastFailureTime,
		&record.OpenedAt,
	)
	return record, err
}
