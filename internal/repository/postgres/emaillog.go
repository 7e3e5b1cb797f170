package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/repository"
)

type EmailLogRepository struct {
	pool *pgxpool.Pool
}

func NewEmailLogRepository(pool *pgxpool.Pool) *EmailLogRepository {
	return &EmailLogRepository{pool: pool}
}

func (r *EmailLogRepository) Create(ctx context.Context, log *domain.EmailLog) (bool, error) {
	const query = `
		INSERT INTO email_logs (request_id, notification_id, user_id, email, template_code, status, retry_count, error_message, sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		log.RequestID,
		log.NotificationID,
		log.UserID,
		log.Email,
		log.TemplateCode,
		log.Status,
		log.RetryCount,
		log.ErrorMessage,
		log.SentAt,
		log.CreatedAt,
		log.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EmailLogRepository) GetByRequestID(ctx context.Context, requestID string) (*domain.EmailLog, error) {
	const query = `
		SELECT request_id, notification_id, user_id, email, template_code,
		       status, retry_count, error_message, sent_at, created_at, updated_at
		FROM email_logs
		WHERE request_id = $1
	`

	var log domain.EmailLog
	err := r.pool.QueryRow(ctx, query, requestID).Scan(
		&log.RequestID,
		&log.NotificationID,
		&log.UserID,
		&log.Email,
		&log.TemplateCode,
		&log.Status,
		&log.RetryCount,
		&log.ErrorMessage,
		&log.SentAt,
		&log.CreatedAt,
		&log.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// UpdateEmail backfills the resolved recipient address onto the row.
func (r *EmailLogRepository) UpdateEmail(ctx context.Context, requestID string, email string) error {
	const query = `
		UPDATE email_logs
		SET email = $2, updated_at = NOW()
		WHERE request_id = $1
	`

	_, err := r.pool.Exec(ctx, query, requestID, email)
	return err
}

// MarkDelivered promotes a pending row to delivered. Terminal rows are
// left untouched.
func (r *EmailLogRepository) MarkDelivered(ctx context.Context, requestID string, sentAt time.Time) error {
	const query = `
		UPDATE email_logs
		SET status = $2, sent_at = $3, error_message = NULL, updated_at = NOW()
		WHERE request_id = $1 AND status = $4
	`

	_, err := r.pool.Exec(ctx, query,
		requestID,
		domain.NotificationStatusDelivered,
		sentAt,
		domain.NotificationStatusPending,
	)
	return err
}

func (r *EmailLogRepository) MarkFailed(ctx context.Context, requestID string, errorMessage string) error {
	const query = `
		UPDATE email_logs
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE request_id = $1 AND status = $4
	`

	_, err := r.pool.Exec(ctx, query,
		requestID,
		domain.NotificationStatusFailed,
		errorMessage,
		domain.NotificationStatusPending,
	)
	return err
}

func (r *EmailLogRepository) IncrementRetry(ctx context.Context, requestID string, errorMessage string) (int, error) {
	const query = `
		UPDATE email_logs
		SET retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE request_id = $1
		RETURNING retry_count
	`

	var count int
	err := r.pool.QueryRow(ctx, query, requestID, errorMessage).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *EmailLogRepository) Summary(ctx context.Context) (*repository.StatusSummary, error) {
	summary := &repository.StatusSummary{
		Counts: make(map[domain.NotificationStatus]int64),
	}

	const countQuery = `
		SELECT status, COUNT(*), COALESCE(SUM(retry_count), 0), COALESCE(MAX(retry_count), 0)
		FROM email_logs
		GROUP BY status
	`

	rows, err := r.pool.Query(ctx, countQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.NotificationStatus
		var count, retries, maxRetries int64
		if err := rows.Scan(&status, &count, &retries, &maxRetries); err != nil {
			return nil, err
		}
		summary.Counts[status] = count
		summary.TotalRetries += retries
		if maxRetries > summary.MaxRetries {
			summary.MaxRetries = maxRetries
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const latencyQuery = `
		SELECT COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM (sent_at - created_at)) * 1000), 0)
		FROM email_logs
		WHERE status = $1 AND sent_at IS NOT NULL
	`

	err = r.pool.QueryRow(ctx, latencyQuery, domain.NotificationStatusDelivered).
		Scan(&summary.DeliveredCount, &summary.AvgLatencyMS)
	if err != nil {
		return nil, err
	}
	return summary, nil
}
