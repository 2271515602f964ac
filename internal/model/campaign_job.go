// internal/model/campaign_job.go
package model

import "time"

const (
	JobPending  = "pending"
	JobInFlight = "in_flight"
	JobSent     = "sent"
	JobFailed   = "failed"
)

// CampaignJob is the unit of work delivering one message to one recipient.
type CampaignJob struct {
	ID                string     `db:"id" json:"id"`
	CampaignID        string     `db:"campaign_id" json:"campaign_id"`
	OwnerID           string     `db:"owner_id" json:"owner_id"`
	ContactID         string     `db:"contact_id" json:"contact_id"`
	ContactName       string     `db:"contact_name" json:"contact_name"`
	RecipientAddress  string     `db:"recipient_address" json:"recipient_address"`
	RenderedMessage   string     `db:"rendered_message" json:"rendered_message"`
	Status            string     `db:"status" json:"status"`
	AttemptCount      int        `db:"attempt_count" json:"attempt_count"`
	LastError         *string    `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID *string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

func (j *CampaignJob) IsTerminal() bool {
	return j.Status == JobSent || j.Status == JobFailed
}
