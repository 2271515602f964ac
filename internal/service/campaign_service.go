// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/queue"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
	"github.com/unclebandit/bulkwa-backend/internal/screening"
)

// ConnectionChecker answers whether an owner can send right now.
type ConnectionChecker interface {
	IsUsable(ownerID string) bool
}

// Defaults apply when an owner has not configured delivery settings.
type Defaults struct {
	MessageDelay time.Duration
	MaxAttempts  int
	Backoff      queue.Backoff
}

// CampaignService fans a campaign out into per-recipient jobs and answers
// progress queries.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	JobRepo      repository.CampaignJobRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	OwnerRepo    repository.OwnerRepositoryInterface
	Screener     screening.Screener
	Connections  ConnectionChecker
	Queue        queue.Queue
	Progress     *ProgressAggregator
	Defaults     Defaults
}

type SubmitCampaignRequest struct {
	Message    string
	Category   string
	ContactIDs []string
}

type SubmitCampaignResult struct {
	CampaignID       string   `json:"campaignId"`
	TotalContacts    int      `json:"totalContacts"`
	SpamWords        []string `json:"spamWords"`
	RewrittenMessage string   `json:"rewrittenMessage"`
	Status           string   `json:"status"`
	Queued           int      `json:"queued"`
}

type CampaignStatus struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	Progress           model.Progress `json:"progress"`
	TotalRecipients    int            `json:"totalRecipients"`
	ProgressPercentage float64        `json:"progressPercentage"`
	StartedAt          time.Time      `json:"startedAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
}

type CampaignDetails struct {
	Campaign   *model.Campaign     `json:"campaign"`
	Jobs       []model.CampaignJob `json:"jobs"`
	Pagination map[string]int      `json:"pagination"`
}

type Statistics struct {
	PeriodDays  int            `json:"periodDays"`
	Messages    map[string]int `json:"messages"`
	Campaigns   map[string]int `json:"campaigns"`
	TotalSent   int            `json:"totalSent"`
	TotalFailed int            `json:"totalFailed"`
	SuccessRate float64        `json:"successRate"`
}

func (s *CampaignService) settings(ctx context.Context, ownerID string) model.Settings {
	if s.OwnerRepo == nil {
		return model.Settings{}
	}
	owner, err := s.OwnerRepo.GetByID(ctx, ownerID)
	if err != nil {
		logrus.WithField("owner_id", ownerID).WithError(err).Warn("⚠️ failed to load owner settings, using defaults")
		return model.Settings{}
	}
	if owner == nil {
		return model.Settings{}
	}
	return owner.Settings
}

// Analyze screens a message without sending anything.
func (s *CampaignService) Analyze(ctx context.Context, ownerID, message, category string) (*screening.Analysis, error) {
	if strings.TrimSpace(message) == "" {
		return nil, appErrors.NewValidation("message", "cannot be blank")
	}
	return s.Screener.Analyze(ctx, message, category, s.settings(ctx, ownerID))
}

// SubmitCampaign validates the recipients, screens and personalizes the text,
// persists the campaign with one pending job per recipient and enqueues them.
func (s *CampaignService) SubmitCampaign(ctx context.Context, ownerID string, req SubmitCampaignRequest) (*SubmitCampaignResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, appErrors.NewValidation("message", "cannot be blank")
	}
	if len(req.ContactIDs) == 0 {
		return nil, appErrors.NewValidation("contactIds", "at least one contact is required")
	}
	if !s.Connections.IsUsable(ownerID) {
		return nil, appErrors.NewNotConnected(ownerID)
	}

	logger := logrus.WithField("owner_id", ownerID)

	contacts, err := s.ContactRepo.GetByIDsForOwner(ctx, ownerID, req.ContactIDs)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	if len(contacts) != len(req.ContactIDs) {
		return nil, appErrors.NewValidation("contactIds",
			fmt.Sprintf("%d of %d contacts were not found", len(req.ContactIDs)-len(contacts), len(req.ContactIDs)))
	}

	settings := s.settings(ctx, ownerID)
	rewritten, spamWords, messages := s.prepareMessages(ctx, logger, req, settings, contacts)
	if spamWords == nil {
		spamWords = []string{}
	}

	campaign := &model.Campaign{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		OriginalMessage:  req.Message,
		RewrittenMessage: rewritten,
		Category:         req.Category,
		SpamWords:        spamWords,
		TotalRecipients:  len(contacts),
		Progress:         model.Progress{Pending: len(contacts)},
		Status:           model.CampaignProcessing,
		StartedAt:        time.Now(),
	}

	jobs := make([]*model.CampaignJob, len(contacts))
	for i, c := range contacts {
		jobs[i] = &model.CampaignJob{
			ID:               uuid.NewString(),
			CampaignID:       campaign.ID,
			OwnerID:          ownerID,
			ContactID:        c.ID,
			ContactName:      c.Name,
			RecipientAddress: c.Phone,
			RenderedMessage:  messages[i],
			Status:           model.JobPending,
		}
	}

	if err := s.CampaignRepo.CreateWithJobs(ctx, campaign, jobs); err != nil {
		return nil, appErrors.NewInternal("create campaign", err)
	}
	logger = logger.WithField("campaign_id", campaign.ID)
	logger.WithField("recipients", len(jobs)).Info("📨 campaign created")

	queued := s.enqueue(ctx, logger, campaign, jobs, settings)

	return &SubmitCampaignResult{
		CampaignID:       campaign.ID,
		TotalContacts:    len(contacts),
		SpamWords:        spamWords,
		RewrittenMessage: rewritten,
		Status:           campaign.Status,
		Queued:           queued,
	}, nil
}

// prepareMessages runs screening, variation and personalization. Any failure
// falls back to the original text for every recipient.
func (s *CampaignService) prepareMessages(ctx context.Context, logger *logrus.Entry, req SubmitCampaignRequest, settings model.Settings, contacts []*model.Contact) (string, []string, []string) {
	original := func() []string {
		out := make([]string, len(contacts))
		for i, c := range contacts {
			out[i] = RenderTemplate(req.Message, contactFields(c))
		}
		return out
	}

	if s.Screener == nil {
		return req.Message, screening.DetectSpamWords(req.Message), original()
	}

	analysis, err := s.Screener.Analyze(ctx, req.Message, req.Category, settings)
	if err != nil {
		logger.WithError(err).Warn("⚠️ screening failed, sending original message")
		return req.Message, screening.DetectSpamWords(req.Message), original()
	}

	variants, err := s.Screener.Variants(ctx, analysis.RewrittenMessage, len(contacts))
	if err != nil || len(variants) != len(contacts) {
		logger.WithError(err).Warn("⚠️ variation failed, sending original message")
		return analysis.RewrittenMessage, analysis.SpamWords, original()
	}

	messages := make([]string, len(contacts))
	for i, c := range contacts {
		text, err := s.Screener.Personalize(ctx, variants[i], c.Name, i)
		if err != nil {
			logger.WithError(err).Warn("⚠️ personalization failed, sending original message")
			return analysis.RewrittenMessage, analysis.SpamWords, original()
		}
		messages[i] = RenderTemplate(text, contactFields(c))
	}
	return analysis.RewrittenMessage, analysis.SpamWords, messages
}

// enqueue publishes one task per job. The task at position i waits
// messageDelay*(i+1). Jobs that cannot be enqueued are failed right away.
func (s *CampaignService) enqueue(ctx context.Context, logger *logrus.Entry, campaign *model.Campaign, jobs []*model.CampaignJob, settings model.Settings) int {
	delay := settings.MessageDelay(s.Defaults.MessageDelay)
	attempts := settings.Attempts(s.Defaults.MaxAttempts)

	queued := 0
	for i, job := range jobs {
		task := &queue.Task{
			JobID:       job.ID,
			CampaignID:  campaign.ID,
			OwnerID:     campaign.OwnerID,
			Recipient:   job.RecipientAddress,
			Message:     job.RenderedMessage,
			Attempt:     job.AttemptCount + 1,
			MaxAttempts: attempts,
			Backoff:     s.Defaults.Backoff,
		}
		if task.Attempt > attempts {
			task.Attempt = attempts
		}

		if err := s.Queue.Publish(ctx, task, delay*time.Duration(i+1)); err != nil {
			logger.WithField("job_id", job.ID).WithError(err).Error("⚠️ failed to enqueue job")
			s.failUnqueued(ctx, campaign.ID, job.ID, err)
			continue
		}
		queued++
	}

	if queued < len(jobs) && s.Progress != nil {
		if err := s.Progress.CompleteByID(ctx, campaign.ID); err != nil {
			logger.WithError(err).Warn("⚠️ failed to check completion")
		}
	}
	return queued
}

func (s *CampaignService) failUnqueued(ctx context.Context, campaignID, jobID string, cause error) {
	ok, err := s.JobRepo.MarkFailed(ctx, jobID, 0, "enqueue: "+cause.Error())
	if err != nil || !ok {
		return
	}
	if s.Progress == nil {
		return
	}
	if err := s.Progress.RecordFailure(ctx, campaignID); err != nil {
		logrus.WithField("campaign_id", campaignID).WithError(err).Error("❌ failed to record failure")
	}
}

// ResumePending re-publishes the unfinished jobs of processing campaigns.
// Used on boot with a queue that does not survive restarts.
func (s *CampaignService) ResumePending(ctx context.Context) (int, error) {
	jobs, err := s.JobRepo.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}

	byCampaign := map[string][]*model.CampaignJob{}
	var order []string
	for _, j := range jobs {
		if _, ok := byCampaign[j.CampaignID]; !ok {
			order = append(order, j.CampaignID)
		}
		byCampaign[j.CampaignID] = append(byCampaign[j.CampaignID], j)
	}

	resumed := 0
	for _, id := range order {
		batch := byCampaign[id]
		campaign := &model.Campaign{ID: id, OwnerID: batch[0].OwnerID}
		logger := logrus.WithFields(logrus.Fields{"campaign_id": id, "owner_id": campaign.OwnerID})
		n := s.enqueue(ctx, logger, campaign, batch, s.settings(ctx, campaign.OwnerID))
		logger.WithField("jobs", n).Info("🔄 resumed campaign")
		resumed += n
	}
	return resumed, nil
}

func pageBounds(page, pageSize, def, max int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = def
	}
	if pageSize > max {
		pageSize = max
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches the owner's campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, ownerID string, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := pageBounds(page, pageSize, 20, 100)

	ptrs, total, err := s.CampaignRepo.ListByOwner(ctx, ownerID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// GetStatus reports progress and finishes the campaign if every job resolved.
func (s *CampaignService) GetStatus(ctx context.Context, ownerID, campaignID string) (*CampaignStatus, error) {
	c, err := s.CampaignRepo.GetByIDForOwner(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}
	if s.Progress != nil {
		if _, err := s.Progress.Complete(ctx, c); err != nil {
			logrus.WithField("campaign_id", c.ID).WithError(err).Warn("⚠️ failed to finish campaign")
		}
	}

	return &CampaignStatus{
		ID:                 c.ID,
		Status:             c.Status,
		Progress:           c.Progress,
		TotalRecipients:    c.TotalRecipients,
		ProgressPercentage: c.ProgressPercentage(),
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
	}, nil
}

// GetDetails returns the campaign with one page of its jobs.
func (s *CampaignService) GetDetails(ctx context.Context, ownerID, campaignID string, page, pageSize int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByIDForOwner(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}

	page, pageSize, offset := pageBounds(page, pageSize, 50, 200)
	ptrs, total, err := s.JobRepo.ListByCampaign(ctx, campaignID, offset, pageSize)
	if err != nil {
		return nil, err
	}

	jobs := make([]model.CampaignJob, len(ptrs))
	for i, j := range ptrs {
		jobs[i] = *j
	}
	return &CampaignDetails{Campaign: c, Jobs: jobs, Pagination: pagination(page, pageSize, total)}, nil
}

// History lists the owner's jobs across campaigns, newest first.
func (s *CampaignService) History(ctx context.Context, ownerID string, page, pageSize int, status string) ([]model.CampaignJob, map[string]int, error) {
	page, pageSize, offset := pageBounds(page, pageSize, 20, 100)

	ptrs, total, err := s.JobRepo.ListByOwner(ctx, ownerID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	jobs := make([]model.CampaignJob, len(ptrs))
	for i, j := range ptrs {
		jobs[i] = *j
	}
	return jobs, pagination(page, pageSize, total), nil
}

// Statistics summarizes the owner's activity over the last periodDays days.
func (s *CampaignService) Statistics(ctx context.Context, ownerID string, periodDays int) (*Statistics, error) {
	if periodDays < 1 {
		periodDays = 30
	}
	since := time.Now().AddDate(0, 0, -periodDays)

	messages, err := s.JobRepo.CountByStatusSince(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}
	campaigns, err := s.CampaignRepo.CountByStatusSince(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		PeriodDays:  periodDays,
		Messages:    messages,
		Campaigns:   campaigns,
		TotalSent:   messages[model.JobSent],
		TotalFailed: messages[model.JobFailed],
	}
	if done := stats.TotalSent + stats.TotalFailed; done > 0 {
		stats.SuccessRate = float64(stats.TotalSent) * 100 / float64(done)
	}
	return stats, nil
}
