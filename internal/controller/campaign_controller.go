// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/model"
	"github.com/unclebandit/bulkwa-backend/internal/screening"
	"github.com/unclebandit/bulkwa-backend/internal/service"
)

// CampaignService is what the message routes need from the dispatch layer.
type CampaignService interface {
	Analyze(ctx context.Context, ownerID, message, category string) (*screening.Analysis, error)
	SubmitCampaign(ctx context.Context, ownerID string, req service.SubmitCampaignRequest) (*service.SubmitCampaignResult, error)
	ListCampaigns(ctx context.Context, ownerID string, page, pageSize int, status string) ([]model.Campaign, map[string]int, error)
	GetStatus(ctx context.Context, ownerID, campaignID string) (*service.CampaignStatus, error)
	GetDetails(ctx context.Context, ownerID, campaignID string, page, pageSize int) (*service.CampaignDetails, error)
	History(ctx context.Context, ownerID string, page, pageSize int, status string) ([]model.CampaignJob, map[string]int, error)
	Statistics(ctx context.Context, ownerID string, periodDays int) (*service.Statistics, error)
}

const (
	maxMessageLength = 4096
	maxBulkContacts  = 1000
)

type CampaignController struct {
	CampaignService CampaignService
}

// Routes mounts the message endpoints. Callers wrap them with RequireOwner.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/analyze", c.Analyze)
	r.Post("/send-bulk", c.SendBulk)
	r.Get("/bulk", c.ListCampaigns)
	r.Get("/bulk/{id}/status", c.GetStatus)
	r.Get("/bulk/{id}/details", c.GetDetails)
	r.Get("/history", c.History)
	r.Get("/statistics", c.Statistics)
}

type analyzeRequest struct {
	Message  string `json:"message"`
	Category string `json:"category"`
}

func (a analyzeRequest) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Message, validation.Required, validation.Length(1, maxMessageLength)),
		validation.Field(&a.Category, validation.Length(0, 64)),
	)
}

func (c *CampaignController) Analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := body.Validate(); err != nil {
		WriteError(w, r, ValidationError(err))
		return
	}

	analysis, err := c.CampaignService.Analyze(r.Context(), OwnerID(r), body.Message, body.Category)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "analysis": analysis})
}

type sendBulkRequest struct {
	Message    string   `json:"message"`
	Category   string   `json:"category"`
	ContactIDs []string `json:"contactIds"`
}

func (s sendBulkRequest) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Message, validation.Required, validation.Length(1, maxMessageLength)),
		validation.Field(&s.Category, validation.Length(0, 64)),
		validation.Field(&s.ContactIDs, validation.Required, validation.Length(1, maxBulkContacts), validation.Each(validation.Required)),
	)
}

func (c *CampaignController) SendBulk(w http.ResponseWriter, r *http.Request) {
	var body sendBulkRequest
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := body.Validate(); err != nil {
		WriteError(w, r, ValidationError(err))
		return
	}

	ownerID := OwnerID(r)
	result, err := c.CampaignService.SubmitCampaign(r.Context(), ownerID, service.SubmitCampaignRequest{
		Message:    body.Message,
		Category:   body.Category,
		ContactIDs: body.ContactIDs,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"owner_id":    ownerID,
		"campaign_id": result.CampaignID,
		"contacts":    result.TotalContacts,
	}).Info("📤 bulk send accepted")

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"success":          true,
		"campaignId":       result.CampaignID,
		"totalContacts":    result.TotalContacts,
		"spamWords":        result.SpamWords,
		"rewrittenMessage": result.RewrittenMessage,
		"status":           result.Status,
	})
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page := QueryInt(r, "page", 1)
	limit := QueryInt(r, "limit", 20)
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), OwnerID(r), page, limit, status)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := c.CampaignService.GetStatus(r.Context(), OwnerID(r), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (c *CampaignController) GetDetails(w http.ResponseWriter, r *http.Request) {
	page := QueryInt(r, "page", 1)
	limit := QueryInt(r, "limit", 50)

	details, err := c.CampaignService.GetDetails(r.Context(), OwnerID(r), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

func (c *CampaignController) History(w http.ResponseWriter, r *http.Request) {
	page := QueryInt(r, "page", 1)
	limit := QueryInt(r, "limit", 20)

	jobs, pagination, err := c.CampaignService.History(r.Context(), OwnerID(r), page, limit, r.URL.Query().Get("status"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":       jobs,
		"pagination": pagination,
	})
}

func (c *CampaignController) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := c.CampaignService.Statistics(r.Context(), OwnerID(r), QueryInt(r, "period", 30))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

var _ CampaignService = (*service.CampaignService)(nil)
