package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	CreateWithJobs(ctx context.Context, c *model.Campaign, jobs []*model.CampaignJob) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	GetByIDForOwner(ctx context.Context, id, ownerID string) (*model.Campaign, error)
	ListByOwner(ctx context.Context, ownerID string, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListProcessing(ctx context.Context) ([]*model.Campaign, error)

	// Progress bookkeeping
	IncrementProgress(ctx context.Context, id string, sent, failed int) error
	Finish(ctx context.Context, id, status string, at time.Time) (bool, error)
	Recount(ctx context.Context, id string) (*model.Progress, error)

	CountByStatusSince(ctx context.Context, ownerID string, since time.Time) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, owner_id, original_message, rewritten_message, category, spam_words,
    total_recipients, sent, failed, pending, status, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var spamWords pq.StringArray
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.OriginalMessage, &c.RewrittenMessage, &c.Category, &spamWords,
		&c.TotalRecipients, &c.Progress.Sent, &c.Progress.Failed, &c.Progress.Pending,
		&c.Status, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.SpamWords = []string(spamWords)
	if c.SpamWords == nil {
		c.SpamWords = []string{}
	}
	return &c, nil
}

// CreateWithJobs inserts the campaign and every job in one transaction, so a
// failed submission never leaves a partial campaign behind.
func (r *CampaignRepository) CreateWithJobs(ctx context.Context, c *model.Campaign, jobs []*model.CampaignJob) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if c.Status == "" {
		c.Status = model.CampaignProcessing
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO campaigns (id, owner_id, original_message, rewritten_message, category, spam_words,
            total_recipients, sent, failed, pending, status, started_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, c.ID, c.OwnerID, c.OriginalMessage, c.RewrittenMessage, c.Category, pq.Array(c.SpamWords),
		c.TotalRecipients, c.Progress.Sent, c.Progress.Failed, c.Progress.Pending, c.Status, c.StartedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO campaign_jobs (id, campaign_id, owner_id, contact_id, contact_name, recipient_address,
            rendered_message, status, attempt_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range jobs {
		if j.Status == "" {
			j.Status = model.JobPending
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = c.StartedAt
		}
		j.UpdatedAt = j.CreatedAt
		if _, err := stmt.ExecContext(ctx, j.ID, c.ID, c.OwnerID, j.ContactID, j.ContactName,
			j.RecipientAddress, j.RenderedMessage, j.Status, j.CreatedAt); err != nil {
			return fmt.Errorf("insert job for contact %s: %w", j.ContactID, err)
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

// GetByIDForOwner hides campaigns of other owners behind the same not-found error.
func (r *CampaignRepository) GetByIDForOwner(ctx context.Context, id, ownerID string) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1 AND owner_id=$2`, id, ownerID)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

func (r *CampaignRepository) ListByOwner(ctx context.Context, ownerID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE owner_id=$1`
	args := []any{ownerID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) ListProcessing(ctx context.Context) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 ORDER BY started_at`, model.CampaignProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// IncrementProgress moves outcomes out of pending in a single statement.
func (r *CampaignRepository) IncrementProgress(ctx context.Context, id string, sent, failed int) error {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns
        SET sent = sent + $2, failed = failed + $3, pending = pending - ($2 + $3), updated_at = NOW()
        WHERE id = $1 AND pending >= ($2 + $3)
    `, id, sent, failed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewInternal("increment progress", fmt.Errorf("campaign %s has no pending jobs left", id))
	}
	return nil
}

// Finish moves a processing campaign whose jobs have all resolved into a
// terminal status. It reports false when another caller got there first.
func (r *CampaignRepository) Finish(ctx context.Context, id, status string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns
        SET status = $2, completed_at = $3, updated_at = $3
        WHERE id = $1 AND status = 'processing' AND sent + failed >= total_recipients
    `, id, status, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Recount rebuilds the counters from job statuses. Only used for repair.
func (r *CampaignRepository) Recount(ctx context.Context, id string) (*model.Progress, error) {
	var p model.Progress
	err := r.DB.QueryRowContext(ctx, `
        WITH counts AS (
            SELECT
                COUNT(*) FILTER (WHERE status = 'sent')   AS sent,
                COUNT(*) FILTER (WHERE status = 'failed') AS failed
            FROM campaign_jobs WHERE campaign_id = $1
        )
        UPDATE campaigns c
        SET sent = counts.sent, failed = counts.failed,
            pending = c.total_recipients - counts.sent - counts.failed, updated_at = NOW()
        FROM counts
        WHERE c.id = $1
        RETURNING c.sent, c.failed, c.pending
    `, id).Scan(&p.Sent, &p.Failed, &p.Pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *CampaignRepository) CountByStatusSince(ctx context.Context, ownerID string, since time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM campaigns
        WHERE owner_id = $1 AND started_at >= $2
        GROUP BY status
    `, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{model.CampaignProcessing: 0, model.CampaignCompleted: 0, model.CampaignFailed: 0}
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

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
