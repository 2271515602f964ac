package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/bulkwa-backend/internal/model"
)

type CampaignJobRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.CampaignJob, error)

	// Status transitions. The bool results report whether this call made the
	// change; terminal jobs are never modified.
	MarkInFlight(ctx context.Context, id string, attempt int) (bool, error)
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, attempt int, lastError string) (bool, error)
	RecordAttemptFailure(ctx context.Context, id string, attempt int, lastError string) error

	ListByCampaign(ctx context.Context, campaignID string, offset, limit int) ([]*model.CampaignJob, int, error)
	ListByOwner(ctx context.Context, ownerID string, offset, limit int, status string) ([]*model.CampaignJob, int, error)
	ListNonTerminal(ctx context.Context) ([]*model.CampaignJob, error)
	CountByStatusSince(ctx context.Context, ownerID string, since time.Time) (map[string]int, error)
}

type CampaignJobRepository struct {
	DB *sql.DB
}

const jobColumns = `id, campaign_id, owner_id, contact_id, contact_name, recipient_address, rendered_message,
    status, attempt_count, last_error, provider_message_id, sent_at, created_at, updated_at`

func scanJob(row rowScanner) (*model.CampaignJob, error) {
	var j model.CampaignJob
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.OwnerID, &j.ContactID, &j.ContactName, &j.RecipientAddress, &j.RenderedMessage,
		&j.Status, &j.AttemptCount, &j.LastError, &j.ProviderMessageID, &j.SentAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.CampaignJob, error) {
	defer rows.Close()
	jobs := []*model.CampaignJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetByID returns nil, nil when the job does not exist.
func (r *CampaignJobRepository) GetByID(ctx context.Context, id string) (*model.CampaignJob, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM campaign_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *CampaignJobRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignJobRepository) MarkInFlight(ctx context.Context, id string, attempt int) (bool, error) {
	return r.transition(ctx, `
        UPDATE campaign_jobs SET status = 'in_flight', attempt_count = $2, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('sent', 'failed')
    `, id, attempt)
}

func (r *CampaignJobRepository) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error) {
	return r.transition(ctx, `
        UPDATE campaign_jobs
        SET status = 'sent', provider_message_id = $2, sent_at = $3, last_error = NULL, updated_at = $3
        WHERE id = $1 AND status NOT IN ('sent', 'failed')
    `, id, providerMessageID, at)
}

func (r *CampaignJobRepository) MarkFailed(ctx context.Context, id string, attempt int, lastError string) (bool, error) {
	return r.transition(ctx, `
        UPDATE campaign_jobs
        SET status = 'failed', attempt_count = GREATEST(attempt_count, $2), last_error = $3, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('sent', 'failed')
    `, id, attempt, lastError)
}

// RecordAttemptFailure notes a retryable failure and puts the job back to pending.
func (r *CampaignJobRepository) RecordAttemptFailure(ctx context.Context, id string, attempt int, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_jobs
        SET status = 'pending', attempt_count = GREATEST(attempt_count, $2), last_error = $3, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('sent', 'failed')
    `, id, attempt, lastError)
	return err
}

func (r *CampaignJobRepository) ListByCampaign(ctx context.Context, campaignID string, offset, limit int) ([]*model.CampaignJob, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_jobs WHERE campaign_id=$1`, campaignID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM campaign_jobs
        WHERE campaign_id=$1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

func (r *CampaignJobRepository) ListByOwner(ctx context.Context, ownerID string, offset, limit int, status string) ([]*model.CampaignJob, int, error) {
	where := ` WHERE owner_id=$1`
	args := []any{ownerID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + ` FROM campaign_jobs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

// ListNonTerminal returns jobs of processing campaigns that still need delivery.
func (r *CampaignJobRepository) ListNonTerminal(ctx context.Context) ([]*model.CampaignJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM campaign_jobs
        WHERE status IN ('pending', 'in_flight')
          AND campaign_id IN (SELECT id FROM campaigns WHERE status = 'processing')
        ORDER BY campaign_id, created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (r *CampaignJobRepository) CountByStatusSince(ctx context.Context, ownerID string, since time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM campaign_jobs
        WHERE owner_id = $1 AND created_at >= $2
        GROUP BY status
    `, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{model.JobPending: 0, model.JobInFlight: 0, model.JobSent: 0, model.JobFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ CampaignJobRepositoryInterface = (*CampaignJobRepository)(nil)
