package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/bulkwa-backend/internal/db"
	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
)

// openTestDB connects to the Postgres named by TEST_DATABASE_URL and applies
// the schema. Every test works on freshly generated ids, so runs can share a
// database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))
	return conn
}

func seedCampaign(t *testing.T, conn *sql.DB, recipients int) (*model.Campaign, []*model.CampaignJob) {
	t.Helper()
	ctx := context.Background()

	ownerID := "owner-" + uuid.NewString()
	_, err := conn.ExecContext(ctx, `INSERT INTO owners (id, name) VALUES ($1, 'Test Owner')`, ownerID)
	require.NoError(t, err)
	t.Cleanup(func() { conn.ExecContext(context.Background(), `DELETE FROM owners WHERE id=$1`, ownerID) })

	c := &model.Campaign{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		OriginalMessage:  "Hello",
		RewrittenMessage: "Hello",
		SpamWords:        []string{},
		TotalRecipients:  recipients,
		Progress:         model.Progress{Pending: recipients},
	}
	jobs := make([]*model.CampaignJob, recipients)
	for i := range jobs {
		jobs[i] = &model.CampaignJob{
			ID:               uuid.NewString(),
			ContactID:        fmt.Sprintf("contact-%d", i),
			RecipientAddress: fmt.Sprintf("91987654%04d", i),
			RenderedMessage:  "Hello",
		}
	}

	campaigns := &repository.CampaignRepository{DB: conn}
	require.NoError(t, campaigns.CreateWithJobs(ctx, c, jobs))
	return c, jobs
}

func TestIncrementProgressNeverOverdrawsPending(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: conn}
	c, _ := seedCampaign(t, conn, 2)

	require.NoError(t, repo.IncrementProgress(ctx, c.ID, 1, 0))
	require.NoError(t, repo.IncrementProgress(ctx, c.ID, 0, 1))

	err := repo.IncrementProgress(ctx, c.ID, 1, 0)
	var internal *appErrors.ErrInternal
	require.True(t, errors.As(err, &internal), "got %v", err)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Progress{Sent: 1, Failed: 1, Pending: 0}, got.Progress)
}

func TestIncrementProgressUnderConcurrency(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: conn}
	c, _ := seedCampaign(t, conn, 20)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sent, failed := 1, 0
			if i%3 == 0 {
				sent, failed = 0, 1
			}
			if repo.IncrementProgress(ctx, c.ID, sent, failed) == nil {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(20), applied.Load())
	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress.Pending)
	assert.Equal(t, 20, got.Progress.Sent+got.Progress.Failed)
}

func TestJobTransitionsSkipTerminalJobs(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	jobsRepo := &repository.CampaignJobRepository{DB: conn}
	_, jobs := seedCampaign(t, conn, 2)
	now := time.Now()

	sent := jobs[0].ID
	ok, err := jobsRepo.MarkInFlight(ctx, sent, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = jobsRepo.MarkSent(ctx, sent, "wamid-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = jobsRepo.MarkSent(ctx, sent, "wamid-2", now)
	require.NoError(t, err)
	assert.False(t, ok, "second MarkSent must not apply")
	ok, err = jobsRepo.MarkFailed(ctx, sent, 2, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = jobsRepo.MarkInFlight(ctx, sent, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, jobsRepo.RecordAttemptFailure(ctx, sent, 2, "late failure"))

	j, err := jobsRepo.GetByID(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, model.JobSent, j.Status)
	require.NotNil(t, j.ProviderMessageID)
	assert.Equal(t, "wamid-1", *j.ProviderMessageID)
	assert.Nil(t, j.LastError)

	retried := jobs[1].ID
	require.NoError(t, jobsRepo.RecordAttemptFailure(ctx, retried, 1, "timeout"))
	j, err = jobsRepo.GetByID(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.Equal(t, 1, j.AttemptCount)

	ok, err = jobsRepo.MarkFailed(ctx, retried, 3, "gave up")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = jobsRepo.MarkSent(ctx, retried, "wamid-3", now)
	require.NoError(t, err)
	assert.False(t, ok)

	j, err = jobsRepo.GetByID(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, 3, j.AttemptCount)
}

func TestRecountRebuildsCountersFromJobs(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: conn}
	jobsRepo := &repository.CampaignJobRepository{DB: conn}
	c, jobs := seedCampaign(t, conn, 3)

	// Outcomes recorded on the jobs without touching the counters.
	_, err := jobsRepo.MarkSent(ctx, jobs[0].ID, "wamid-1", time.Now())
	require.NoError(t, err)
	_, err = jobsRepo.MarkFailed(ctx, jobs[1].ID, 1, "invalid")
	require.NoError(t, err)

	p, err := repo.Recount(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Progress{Sent: 1, Failed: 1, Pending: 1}, *p)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, *p, got.Progress)

	_, err = repo.Recount(ctx, uuid.NewString())
	var notFound *appErrors.ErrCampaignNotFound
	assert.True(t, errors.As(err, &notFound), "got %v", err)
}

func TestFinishOnlyOnceWhenAllResolved(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	repo := &repository.CampaignRepository{DB: conn}
	c, _ := seedCampaign(t, conn, 2)
	now := time.Now()

	ok, err := repo.Finish(ctx, c.ID, model.CampaignCompleted, now)
	require.NoError(t, err)
	assert.False(t, ok, "finish must wait for every job")

	require.NoError(t, repo.IncrementProgress(ctx, c.ID, 1, 1))
	ok, err = repo.Finish(ctx, c.ID, model.CampaignCompleted, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Finish(ctx, c.ID, model.CampaignFailed, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}
