package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/bulkwa-backend/internal/controller"
	appErrors "github.com/unclebandit/bulkwa-backend/internal/errors"
	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/screening"
	"github.com/unclebandit/bulkwa-backend/internal/service"
)

// --- Mock Service ---

type MockCampaignService struct {
	campaigns  []model.Campaign
	submitted  *service.SubmitCampaignRequest
	submitErr  error
	statusErr  error
	lastOwner  string
	lastPeriod int
}

func (m *MockCampaignService) Analyze(ctx context.Context, ownerID, message, category string) (*screening.Analysis, error) {
	m.lastOwner = ownerID
	return &screening.Analysis{IsSpam: true, SpamWords: []string{"act now"}, RewrittenMessage: "rewritten", Confidence: 0.9}, nil
}

func (m *MockCampaignService) SubmitCampaign(ctx context.Context, ownerID string, req service.SubmitCampaignRequest) (*service.SubmitCampaignResult, error) {
	m.lastOwner = ownerID
	m.submitted = &req
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &service.SubmitCampaignResult{
		CampaignID:       "camp-1",
		TotalContacts:    len(req.ContactIDs),
		SpamWords:        []string{},
		RewrittenMessage: req.Message,
		Status:           model.CampaignProcessing,
		Queued:           len(req.ContactIDs),
	}, nil
}

func (m *MockCampaignService) ListCampaigns(ctx context.Context, ownerID string, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	var filtered []model.Campaign
	for _, c := range m.campaigns {
		if c.OwnerID == ownerID && (status == "" || c.Status == status) {
			filtered = append(filtered, c)
		}
	}
	total := len(filtered)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return filtered[start:end], map[string]int{
		"page": page, "page_size": pageSize, "total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}, nil
}

func (m *MockCampaignService) GetStatus(ctx context.Context, ownerID, campaignID string) (*service.CampaignStatus, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &service.CampaignStatus{
		ID: campaignID, Status: model.CampaignCompleted, TotalRecipients: 3,
		Progress: model.Progress{Sent: 2, Failed: 1}, ProgressPercentage: 100,
	}, nil
}

func (m *MockCampaignService) GetDetails(ctx context.Context, ownerID, campaignID string, page, pageSize int) (*service.CampaignDetails, error) {
	return &service.CampaignDetails{
		Campaign:   &model.Campaign{ID: campaignID},
		Jobs:       []model.CampaignJob{{ID: "j1", CampaignID: campaignID}},
		Pagination: map[string]int{"page": page, "page_size": pageSize},
	}, nil
}

func (m *MockCampaignService) History(ctx context.Context, ownerID string, page, pageSize int, status string) ([]model.CampaignJob, map[string]int, error) {
	return []model.CampaignJob{{ID: "j1", Status: status}}, map[string]int{"page": page, "page_size": pageSize}, nil
}

func (m *MockCampaignService) Statistics(ctx context.Context, ownerID string, periodDays int) (*service.Statistics, error) {
	m.lastPeriod = periodDays
	return &service.Statistics{PeriodDays: periodDays, TotalSent: 4, TotalFailed: 1, SuccessRate: 80}, nil
}

func newRouter(svc controller.CampaignService) http.Handler {
	ctrl := &controller.CampaignController{CampaignService: svc}
	r := chi.NewRouter()
	r.Route("/api/messages", func(r chi.Router) {
		r.Use(controller.RequireOwner)
		ctrl.Routes(r)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(controller.OwnerHeader, "owner-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Test Functions ---

func TestSendBulkHandler(t *testing.T) {
	svc := &MockCampaignService{}
	h := newRouter(svc)

	w := do(t, h, http.MethodPost, "/api/messages/send-bulk", map[string]any{
		"message":    "Fresh stock just landed",
		"category":   "promotional",
		"contactIds": []string{"c1", "c2"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var res map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "camp-1", res["campaignId"])
	assert.Equal(t, float64(2), res["totalContacts"])
	assert.Equal(t, "owner-1", svc.lastOwner)
	assert.Equal(t, []string{"c1", "c2"}, svc.submitted.ContactIDs)
}

func TestSendBulkValidation(t *testing.T) {
	svc := &MockCampaignService{}
	h := newRouter(svc)

	cases := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"missing message", map[string]any{"contactIds": []string{"c1"}}, "message"},
		{"no contacts", map[string]any{"message": "hi", "contactIds": []string{}}, "contactIds"},
		{"blank contact id", map[string]any{"message": "hi", "contactIds": []string{"c1", ""}}, "contactIds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/messages/send-bulk", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var res map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
			assert.Equal(t, tc.field, res["field"])
		})
	}
	assert.Nil(t, svc.submitted)
}

func TestSendBulkMapsServiceErrors(t *testing.T) {
	svc := &MockCampaignService{submitErr: appErrors.NewNotConnected("owner-1")}
	w := do(t, newRouter(svc), http.MethodPost, "/api/messages/send-bulk", map[string]any{
		"message": "hi", "contactIds": []string{"c1"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.submitErr = appErrors.NewValidation("contactIds", "1 of 2 contacts were not found")
	w = do(t, newRouter(svc), http.MethodPost, "/api/messages/send-bulk", map[string]any{
		"message": "hi", "contactIds": []string{"c1", "c9"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "contacts were not found")
}

func TestRequireOwner(t *testing.T) {
	h := newRouter(&MockCampaignService{})
	req := httptest.NewRequest(http.MethodGet, "/api/messages/bulk", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAnalyzeHandler(t *testing.T) {
	h := newRouter(&MockCampaignService{})

	w := do(t, h, http.MethodPost, "/api/messages/analyze", map[string]any{"message": "Act now!"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isSpam":true`)

	w = do(t, h, http.MethodPost, "/api/messages/analyze", map[string]any{"category": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStatusHandler(t *testing.T) {
	svc := &MockCampaignService{}
	h := newRouter(svc)

	w := do(t, h, http.MethodGet, "/api/messages/bulk/camp-9/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st service.CampaignStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "camp-9", st.ID)
	assert.Equal(t, model.Progress{Sent: 2, Failed: 1}, st.Progress)

	svc.statusErr = appErrors.NewCampaignNotFound("camp-9")
	w = do(t, h, http.MethodGet, "/api/messages/bulk/camp-9/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCampaignsPagination(t *testing.T) {
	totalCampaigns := 25
	campaigns := []model.Campaign{}
	for i := 1; i <= totalCampaigns; i++ {
		campaigns = append(campaigns, model.Campaign{
			ID:      "c" + strconv.Itoa(i),
			OwnerID: "owner-1",
			Status:  model.CampaignCompleted,
		})
	}
	campaigns = append(campaigns, model.Campaign{ID: "other", OwnerID: "owner-2", Status: model.CampaignCompleted})

	h := newRouter(&MockCampaignService{campaigns: campaigns})

	pageSize := 10
	seen := map[string]bool{}
	totalPages := (totalCampaigns + pageSize - 1) / pageSize

	for page := 1; page <= totalPages; page++ {
		w := do(t, h, http.MethodGet,
			"/api/messages/bulk?page="+strconv.Itoa(page)+"&limit="+strconv.Itoa(pageSize)+"&status=completed", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var res struct {
			Data       []model.Campaign `json:"data"`
			Pagination struct {
				Page       int `json:"page"`
				PageSize   int `json:"page_size"`
				TotalCount int `json:"total_count"`
			} `json:"pagination"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))

		assert.Equal(t, page, res.Pagination.Page)
		assert.Equal(t, pageSize, res.Pagination.PageSize)
		assert.Equal(t, totalCampaigns, res.Pagination.TotalCount)

		for _, c := range res.Data {
			if seen[c.ID] {
				t.Errorf("duplicate campaign ID %s across pages", c.ID)
			}
			seen[c.ID] = true
			assert.Equal(t, "owner-1", c.OwnerID)
		}
	}

	assert.Len(t, seen, totalCampaigns)
}

func TestStatisticsDefaultsPeriod(t *testing.T) {
	svc := &MockCampaignService{}
	h := newRouter(svc)

	w := do(t, h, http.MethodGet, "/api/messages/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, svc.lastPeriod)

	do(t, h, http.MethodGet, "/api/messages/statistics?period=7", nil)
	assert.Equal(t, 7, svc.lastPeriod)
}

func TestDetailsAndHistory(t *testing.T) {
	h := newRouter(&MockCampaignService{})

	w := do(t, h, http.MethodGet, "/api/messages/bulk/camp-1/details?page=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"page_size":50`)

	w = do(t, h, http.MethodGet, "/api/messages/history?status=sent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"sent"`)
}
