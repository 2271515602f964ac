package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/bulkwa-backend/internal/connection"
	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
	"github.com/unclebandit/bulkwa-backend/internal/screening"
)

// memStore backs the campaign and job mocks with one lock, so counter checks
// see a consistent view.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]*model.Campaign
	jobs       map[string]*model.CampaignJob
	violations []string
	createErr  error
}

func newMemStore() *memStore {
	return &memStore{campaigns: map[string]*model.Campaign{}, jobs: map[string]*model.CampaignJob{}}
}

func (s *memStore) checkLocked(id string) {
	c := s.campaigns[id]
	if c == nil {
		return
	}
	p := c.Progress
	if p.Sent+p.Failed+p.Pending != c.TotalRecipients || p.Pending < 0 {
		s.violations = append(s.violations, fmt.Sprintf("%s: %+v total=%d", id, p, c.TotalRecipients))
	}
}

func (s *memStore) violationList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}

func (s *memStore) campaign(id string) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) job(id string) model.CampaignJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) jobsFor(campaignID string) []model.CampaignJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CampaignJob
	for _, j := range s.jobs {
		if j.CampaignID == campaignID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RecipientAddress < out[b].RecipientAddress })
	return out
}

type MockCampaignRepo struct{ s *memStore }

func (m *MockCampaignRepo) CreateWithJobs(ctx context.Context, c *model.Campaign, jobs []*model.CampaignJob) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.createErr != nil {
		return m.s.createErr
	}
	cp := *c
	m.s.campaigns[c.ID] = &cp
	for i, j := range jobs {
		jc := *j
		jc.CreatedAt = c.StartedAt.Add(time.Duration(i) * time.Millisecond)
		m.s.jobs[j.ID] = &jc
	}
	return nil
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) GetByIDForOwner(ctx context.Context, id, ownerID string) (*model.Campaign, error) {
	c, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func (m *MockCampaignRepo) ListByOwner(ctx context.Context, ownerID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.s.campaigns {
		if c.OwnerID == ownerID && (status == "" || c.Status == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].StartedAt.After(all[b].StartedAt) })
	return window(all, offset, limit), len(all), nil
}

func (m *MockCampaignRepo) ListProcessing(ctx context.Context) ([]*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.s.campaigns {
		if c.Status == model.CampaignProcessing {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockCampaignRepo) IncrementProgress(ctx context.Context, id string, sent, failed int) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Progress.Pending < sent+failed {
		return errors.New("no pending jobs left")
	}
	c.Progress.Sent += sent
	c.Progress.Failed += failed
	c.Progress.Pending -= sent + failed
	m.s.checkLocked(id)
	return nil
}

func (m *MockCampaignRepo) Finish(ctx context.Context, id, status string, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c := m.s.campaigns[id]
	if c == nil || c.Status != model.CampaignProcessing || c.Progress.Sent+c.Progress.Failed < c.TotalRecipients {
		return false, nil
	}
	c.Status = status
	c.CompletedAt = &at
	return true, nil
}

func (m *MockCampaignRepo) Recount(ctx context.Context, id string) (*model.Progress, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	var p model.Progress
	for _, j := range m.s.jobs {
		if j.CampaignID != id {
			continue
		}
		switch j.Status {
		case model.JobSent:
			p.Sent++
		case model.JobFailed:
			p.Failed++
		}
	}
	p.Pending = c.TotalRecipients - p.Sent - p.Failed
	c.Progress = p
	return &p, nil
}

func (m *MockCampaignRepo) CountByStatusSince(ctx context.Context, ownerID string, since time.Time) (map[string]int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stats := map[string]int{model.CampaignProcessing: 0, model.CampaignCompleted: 0, model.CampaignFailed: 0}
	for _, c := range m.s.campaigns {
		if c.OwnerID == ownerID && !c.StartedAt.Before(since) {
			stats[c.Status]++
		}
	}
	return stats, nil
}

type MockJobRepo struct{ s *memStore }

func (m *MockJobRepo) GetByID(ctx context.Context, id string) (*model.CampaignJob, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	j, ok := m.s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *MockJobRepo) transition(id string, fn func(j *model.CampaignJob)) bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	j, ok := m.s.jobs[id]
	if !ok || j.IsTerminal() {
		return false
	}
	fn(j)
	return true
}

func (m *MockJobRepo) MarkInFlight(ctx context.Context, id string, attempt int) (bool, error) {
	return m.transition(id, func(j *model.CampaignJob) {
		j.Status = model.JobInFlight
		j.AttemptCount = attempt
	}), nil
}

func (m *MockJobRepo) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error) {
	return m.transition(id, func(j *model.CampaignJob) {
		j.Status = model.JobSent
		j.ProviderMessageID = &providerMessageID
		j.SentAt = &at
		j.LastError = nil
	}), nil
}

func (m *MockJobRepo) MarkFailed(ctx context.Context, id string, attempt int, lastError string) (bool, error) {
	return m.transition(id, func(j *model.CampaignJob) {
		j.Status = model.JobFailed
		if attempt > j.AttemptCount {
			j.AttemptCount = attempt
		}
		j.LastError = &lastError
	}), nil
}

func (m *MockJobRepo) RecordAttemptFailure(ctx context.Context, id string, attempt int, lastError string) error {
	m.transition(id, func(j *model.CampaignJob) {
		j.Status = model.JobPending
		if attempt > j.AttemptCount {
			j.AttemptCount = attempt
		}
		j.LastError = &lastError
	})
	return nil
}

func (m *MockJobRepo) list(match func(j *model.CampaignJob) bool) []*model.CampaignJob {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.CampaignJob
	for _, j := range m.s.jobs {
		if match(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (m *MockJobRepo) ListByCampaign(ctx context.Context, campaignID string, offset, limit int) ([]*model.CampaignJob, int, error) {
	all := m.list(func(j *model.CampaignJob) bool { return j.CampaignID == campaignID })
	return window(all, offset, limit), len(all), nil
}

func (m *MockJobRepo) ListByOwner(ctx context.Context, ownerID string, offset, limit int, status string) ([]*model.CampaignJob, int, error) {
	all := m.list(func(j *model.CampaignJob) bool {
		return j.OwnerID == ownerID && (status == "" || j.Status == status)
	})
	return window(all, offset, limit), len(all), nil
}

func (m *MockJobRepo) ListNonTerminal(ctx context.Context) ([]*model.CampaignJob, error) {
	return m.list(func(j *model.CampaignJob) bool { return !j.IsTerminal() }), nil
}

func (m *MockJobRepo) CountByStatusSince(ctx context.Context, ownerID string, since time.Time) (map[string]int, error) {
	stats := map[string]int{model.JobPending: 0, model.JobInFlight: 0, model.JobSent: 0, model.JobFailed: 0}
	for _, j := range m.list(func(j *model.CampaignJob) bool { return j.OwnerID == ownerID && !j.CreatedAt.Before(since) }) {
		stats[j.Status]++
	}
	return stats, nil
}

func window[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return []T{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

type MockContactRepo struct {
	contacts map[string]*model.Contact
}

func (m *MockContactRepo) GetByIDsForOwner(ctx context.Context, ownerID string, ids []string) ([]*model.Contact, error) {
	var out []*model.Contact
	seen := map[string]bool{}
	for _, id := range ids {
		c, ok := m.contacts[id]
		if !ok || c.OwnerID != ownerID || !c.IsActive || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, c)
	}
	return out, nil
}

type MockOwnerRepo struct {
	owners map[string]*model.Owner
}

func (m *MockOwnerRepo) GetByID(ctx context.Context, id string) (*model.Owner, error) {
	return m.owners[id], nil
}

func (m *MockOwnerRepo) SetWhatsAppConnected(ctx context.Context, id string, connected bool) error {
	return nil
}

func (m *MockOwnerRepo) ListConnected(ctx context.Context) ([]*model.Owner, error) {
	return nil, nil
}

// scriptedSender replays per-recipient outcomes; the last entry repeats.
type scriptedSender struct {
	mu       sync.Mutex
	usable   bool
	outcomes map[string][]error
	calls    map[string]int
	panicFor string
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{usable: true, outcomes: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptedSender) IsUsable(ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usable
}

func (s *scriptedSender) SendMessage(ctx context.Context, ownerID, recipient, text string) (*connection.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recipient == s.panicFor {
		panic("send exploded")
	}
	n := s.calls[recipient]
	s.calls[recipient]++
	script := s.outcomes[recipient]
	var err error
	if len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		err = script[n]
	}
	if err != nil {
		return nil, err
	}
	return &connection.SendResult{MessageID: fmt.Sprintf("wamid-%s-%d", recipient, n), Timestamp: time.Now()}, nil
}

func (s *scriptedSender) callCount(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[recipient]
}

// stubScreener records calls and fails on demand.
type stubScreener struct {
	analyzeErr  error
	variantsErr error
	flags       []string
}

func (s *stubScreener) Analyze(ctx context.Context, text, category string, settings model.Settings) (*screening.Analysis, error) {
	if s.analyzeErr != nil {
		return nil, s.analyzeErr
	}
	return &screening.Analysis{
		IsSpam:           len(s.flags) > 0,
		SpamWords:        s.flags,
		RewrittenMessage: "[clean] " + text,
		Confidence:       0.4,
	}, nil
}

func (s *stubScreener) Variants(ctx context.Context, text string, count int) ([]string, error) {
	if s.variantsErr != nil {
		return nil, s.variantsErr
	}
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("%s #%d", text, i+1)
	}
	return out, nil
}

func (s *stubScreener) Personalize(ctx context.Context, text, name string, index int) (string, error) {
	return screening.FallbackGreeting(text, name), nil
}

var (
	_ repository.CampaignRepositoryInterface    = (*MockCampaignRepo)(nil)
	_ repository.CampaignJobRepositoryInterface = (*MockJobRepo)(nil)
	_ repository.ContactRepositoryInterface     = (*MockContactRepo)(nil)
	_ repository.OwnerRepositoryInterface       = (*MockOwnerRepo)(nil)
	_ screening.Screener                        = (*stubScreener)(nil)
)
