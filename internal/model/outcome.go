// internal/model/outcome.go
package model

// Outcome is the terminal result of processing one claimed recipient.
// Exactly one is produced per claimed recipient per batch, and Status is
// always one of sent/failed/skipped.
type Outcome struct {
	RecipientID int
	ExternalID  string
	Status      string

	MessageID string

	ErrorCode    int
	ErrorTitle   string
	ErrorDetails string
	ErrorTraceID string
	ErrorSubcode int
	ErrorHref    string

	SkipCode   string
	SkipReason string

	TraceID string
}
