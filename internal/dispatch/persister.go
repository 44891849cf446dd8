package dispatch

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
)

// Persister writes a batch's outcomes: one bulk statement first, falling
// back to sequential per-row writes when the bulk path fails.
type Persister struct {
	Recipients repository.RecipientRepositoryInterface
	Log        zerolog.Logger
}

// Persist never rolls back sends that already happened. It returns an error
// only when not a single row could be written, which is the signal for the
// orchestrator's step-retry boundary.
func (p *Persister) Persist(campaignID int, ops []model.Outcome) error {
	if len(ops) == 0 {
		return nil
	}

	bulkErr := p.Recipients.BulkApplyOutcomes(campaignID, ops)
	if bulkErr == nil {
		return nil
	}
	p.Log.Warn().Err(bulkErr).
		Int("campaign_id", campaignID).
		Int("rows", len(ops)).
		Msg("bulk outcome write failed, falling back to per-row writes")

	written := 0
	for _, op := range ops {
		if err := p.Recipients.ApplyOutcome(campaignID, op); err != nil {
			p.Log.Error().Err(err).
				Int("campaign_id", campaignID).
				Int("recipient_id", op.RecipientID).
				Str("status", op.Status).
				Msg("per-row outcome write failed")
			continue
		}
		written++
	}

	if written == 0 {
		return fmt.Errorf("persisting batch outcomes failed entirely: %w", bulkErr)
	}
	return nil
}
