// internal/model/campaign.go
package model

import "time"

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

type Campaign struct {
	ID               int               `db:"id" json:"id"`
	Name             string            `db:"name" json:"name"`
	Status           string            `db:"status" json:"status"`
	TemplateName     string            `db:"template_name" json:"template_name"`
	TemplateLanguage string            `db:"template_language" json:"template_language"`
	Variables        map[string]string `db:"variables" json:"variables,omitempty"`
	SenderKey        string            `db:"sender_key" json:"sender_key"`

	RecipientCount int `db:"recipient_count" json:"recipient_count"`
	SentCount      int `db:"sent_count" json:"sent_count"`
	DeliveredCount int `db:"delivered_count" json:"delivered_count"`
	ReadCount      int `db:"read_count" json:"read_count"`
	SkippedCount   int `db:"skipped_count" json:"skipped_count"`
	FailedCount    int `db:"failed_count" json:"failed_count"`

	ScheduledAt     *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	FirstDispatchAt *time.Time `db:"first_dispatch_at" json:"first_dispatch_at,omitempty"`
	LastSentAt      *time.Time `db:"last_sent_at" json:"last_sent_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	PausedAt        *time.Time `db:"paused_at" json:"paused_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// CounterDelta is one batch's additive contribution to campaign counters.
type CounterDelta struct {
	Sent    int
	Failed  int
	Skipped int
}
