// internal/model/recipient.go
package model

import "time"

// Recipient statuses. Only the claim query moves a row out of pending;
// only the result persister moves it into a terminal state.
const (
	RecipientPending = "pending"
	RecipientSending = "sending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
	RecipientSkipped = "skipped"
)

type CampaignRecipient struct {
	ID         int               `db:"id" json:"id"`
	CampaignID int               `db:"campaign_id" json:"campaign_id"`
	ExternalID string            `db:"external_id" json:"external_id"`
	Name       string            `db:"name" json:"name"`
	Phone      string            `db:"phone" json:"phone"`
	Email      string            `db:"email" json:"email,omitempty"`
	Custom     map[string]string `db:"custom_fields" json:"custom_fields,omitempty"`

	Status    string `db:"status" json:"status"`
	MessageID string `db:"message_id" json:"message_id,omitempty"`

	ErrorCode    int    `db:"error_code" json:"error_code,omitempty"`
	ErrorTitle   string `db:"error_title" json:"error_title,omitempty"`
	ErrorDetails string `db:"error_details" json:"error_details,omitempty"`
	ErrorTraceID string `db:"error_trace_id" json:"error_trace_id,omitempty"`
	ErrorSubcode int    `db:"error_subcode" json:"error_subcode,omitempty"`
	ErrorHref    string `db:"error_href" json:"error_href,omitempty"`

	SkipCode   string `db:"skip_code" json:"skip_code,omitempty"`
	SkipReason string `db:"skip_reason" json:"skip_reason,omitempty"`

	TraceID string `db:"trace_id" json:"trace_id,omitempty"`

	SendingAt *time.Time `db:"sending_at" json:"sending_at,omitempty"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt  *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	SkippedAt *time.Time `db:"skipped_at" json:"skipped_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}
