package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
)

// ProgressAggregator keeps the campaign counters in step with job outcomes.
// Each terminal job contributes exactly one call to RecordSuccess or
// RecordFailure; the store applies it as a single atomic update.
type ProgressAggregator struct {
	Campaigns repository.CampaignRepositoryInterface
	Now       func() time.Time
}

func NewProgressAggregator(campaigns repository.CampaignRepositoryInterface) *ProgressAggregator {
	return &ProgressAggregator{Campaigns: campaigns, Now: time.Now}
}

func (p *ProgressAggregator) RecordSuccess(ctx context.Context, campaignID string) error {
	return p.Campaigns.IncrementProgress(ctx, campaignID, 1, 0)
}

func (p *ProgressAggregator) RecordFailure(ctx context.Context, campaignID string) error {
	return p.Campaigns.IncrementProgress(ctx, campaignID, 0, 1)
}

// ComputeCompletion reports whether every recipient has a terminal outcome.
func (p *ProgressAggregator) ComputeCompletion(c *model.Campaign) bool {
	return c.Progress.Sent+c.Progress.Failed >= c.TotalRecipients
}

// TerminalStatus is Completed when anything was delivered, Failed otherwise.
func TerminalStatus(c *model.Campaign) string {
	if c.Progress.Sent > 0 {
		return model.CampaignCompleted
	}
	return model.CampaignFailed
}

// Complete moves c to its terminal status if it is done. c is updated in place.
func (p *ProgressAggregator) Complete(ctx context.Context, c *model.Campaign) (bool, error) {
	if c.Status != model.CampaignProcessing || !p.ComputeCompletion(c) {
		return false, nil
	}

	status := TerminalStatus(c)
	now := p.Now()
	ok, err := p.Campaigns.Finish(ctx, c.ID, status, now)
	if err != nil {
		return false, err
	}
	if ok {
		c.Status = status
		c.CompletedAt = &now
		logrus.WithFields(logrus.Fields{
			"campaign_id": c.ID,
			"status":      status,
			"sent":        c.Progress.Sent,
			"failed":      c.Progress.Failed,
		}).Info("🏁 campaign finished")
	}
	return ok, nil
}

// CompleteByID reloads the campaign and completes it if done.
func (p *ProgressAggregator) CompleteByID(ctx context.Context, campaignID string) error {
	c, err := p.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	_, err = p.Complete(ctx, c)
	return err
}

// Reconcile rebuilds counters of every processing campaign from its job
// statuses and finishes the ones that turn out to be done. It is the repair
// path after a crash between a job transition and its counter update.
func (p *ProgressAggregator) Reconcile(ctx context.Context) (int, error) {
	campaigns, err := p.Campaigns.ListProcessing(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, c := range campaigns {
		progress, err := p.Campaigns.Recount(ctx, c.ID)
		if err != nil {
			logrus.WithField("campaign_id", c.ID).WithError(err).Warn("⚠️ failed to recount campaign")
			continue
		}
		if *progress != c.Progress {
			repaired++
			logrus.WithFields(logrus.Fields{
				"campaign_id": c.ID,
				"before":      c.Progress,
				"after":       *progress,
			}).Warn("🔧 campaign counters repaired")
		}
		c.Progress = *progress
		if _, err := p.Complete(ctx, c); err != nil {
			logrus.WithField("campaign_id", c.ID).WithError(err).Warn("⚠️ failed to finish campaign")
		}
	}
	return repaired, nil
}
