package dispatch

import (
	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/provider"
)

// Diagnostic fields are length-capped before storage so one pathological
// provider response cannot bloat the recipient table.
const (
	maxErrorTitle   = 120
	maxErrorDetails = 500
	maxErrorTraceID = 64
	maxErrorHref    = 200
)

// Error codes the engine assigns itself (no provider code available).
const (
	localCodeNoMessageID = -1 // 2xx response without a message identifier
	localCodeTransport   = -2 // timeout or transport-level error
)

func sentOutcome(rec *model.CampaignRecipient, messageID, traceID string) model.Outcome {
	return model.Outcome{
		RecipientID: rec.ID,
		ExternalID:  rec.ExternalID,
		Status:      model.RecipientSent,
		MessageID:   messageID,
		TraceID:     traceID,
	}
}

func skippedOutcome(rec *model.CampaignRecipient, code, reason, traceID string) model.Outcome {
	return model.Outcome{
		RecipientID: rec.ID,
		ExternalID:  rec.ExternalID,
		Status:      model.RecipientSkipped,
		SkipCode:    code,
		SkipReason:  capped(reason, maxErrorDetails),
		TraceID:     traceID,
	}
}

func failedFromAPIError(rec *model.CampaignRecipient, apiErr *provider.APIError, traceID string) model.Outcome {
	title := apiErr.Title
	if title == "" {
		title = apiErr.Message
	}
	return model.Outcome{
		RecipientID:  rec.ID,
		ExternalID:   rec.ExternalID,
		Status:       model.RecipientFailed,
		ErrorCode:    apiErr.Code,
		ErrorTitle:   capped(title, maxErrorTitle),
		ErrorDetails: capped(apiErr.Details, maxErrorDetails),
		ErrorTraceID: capped(apiErr.TraceID, maxErrorTraceID),
		ErrorSubcode: apiErr.Subcode,
		ErrorHref:    capped(apiErr.Href, maxErrorHref),
		TraceID:      traceID,
	}
}

func failedOutcome(rec *model.CampaignRecipient, code int, detail, traceID string) model.Outcome {
	return model.Outcome{
		RecipientID:  rec.ID,
		ExternalID:   rec.ExternalID,
		Status:       model.RecipientFailed,
		ErrorCode:    code,
		ErrorDetails: capped(detail, maxErrorDetails),
		TraceID:      traceID,
	}
}

func capped(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
