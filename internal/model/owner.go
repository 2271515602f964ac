// internal/model/owner.go
package model

import "time"

// Settings are the per-owner knobs that shape screening and delivery.
type Settings struct {
	MessageDelaySeconds int    `json:"messageDelay,omitempty"`
	MaxRetries          int    `json:"maxRetries,omitempty"`
	Tone                string `json:"tone,omitempty"`
	SpamSensitivity     string `json:"spamSensitivity,omitempty"`
}

type Owner struct {
	ID                string     `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	Settings          Settings   `db:"settings" json:"settings"`
	WhatsAppConnected bool       `db:"whatsapp_connected" json:"whatsapp_connected"`
	LastConnectedAt   *time.Time `db:"last_connected_at" json:"last_connected_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// MessageDelay returns the configured inter-message delay, or def when unset.
func (s Settings) MessageDelay(def time.Duration) time.Duration {
	if s.MessageDelaySeconds <= 0 {
		return def
	}
	return time.Duration(s.MessageDelaySeconds) * time.Second
}

// Attempts returns the configured attempt limit, or def when unset.
func (s Settings) Attempts(def int) int {
	if s.MaxRetries <= 0 {
		return def
	}
	return s.MaxRetries
}
