// internal/model/campaign.go
package model

import "time"

const (
	CampaignProcessing = "processing"
	CampaignCompleted  = "completed"
	CampaignFailed     = "failed"
)

// Progress is the aggregate projection of a campaign's job outcomes.
// Sent + Failed + Pending always equals the campaign's TotalRecipients.
type Progress struct {
	Sent    int `db:"sent" json:"sent"`
	Failed  int `db:"failed" json:"failed"`
	Pending int `db:"pending" json:"pending"`
}

type Campaign struct {
	ID               string     `db:"id" json:"id"`
	OwnerID          string     `db:"owner_id" json:"owner_id"`
	OriginalMessage  string     `db:"original_message" json:"original_message"`
	RewrittenMessage string     `db:"rewritten_message" json:"rewritten_message"`
	Category         string     `db:"category" json:"category"`
	SpamWords        []string   `db:"spam_words" json:"spam_words"`
	TotalRecipients  int        `db:"total_recipients" json:"total_recipients"`
	Progress         Progress   `json:"progress"`
	Status           string     `db:"status" json:"status"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt        *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// ProgressPercentage is the share of recipients that reached a terminal outcome.
func (c *Campaign) ProgressPercentage() float64 {
	if c.TotalRecipients == 0 {
		return 0
	}
	done := c.Progress.Sent + c.Progress.Failed
	return float64(done) * 100 / float64(c.TotalRecipients)
}
