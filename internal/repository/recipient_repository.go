package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

type RecipientRepositoryInterface interface {
	BulkInsert(campaignID int, recipients []*model.CampaignRecipient) (int, error)
	ListIDs(campaignID int) ([]int, error)
	ListPendingIDs(campaignID int) ([]int, error)
	MissingIdentity(campaignID int) (int, int, error)
	ClaimBatch(campaignID int, ids []int, runID string, now time.Time) ([]*model.CampaignRecipient, error)
	BulkApplyOutcomes(campaignID int, ops []model.Outcome) error
	ApplyOutcome(campaignID int, op model.Outcome) error
	ResetTerminal(campaignID int, statuses []string) (int, error)
	ListByCampaign(campaignID int, status string, offset, limit int) ([]*model.CampaignRecipient, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

// ====================== Build ======================

// BulkInsert creates pending rows for a campaign in one statement.
// Duplicate (campaign, external identity) pairs are ignored so rebuilding a
// draft is idempotent. Returns the number of rows actually inserted.
func (r *RecipientRepository) BulkInsert(campaignID int, recipients []*model.CampaignRecipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	externalIDs := make([]string, len(recipients))
	names := make([]string, len(recipients))
	phones := make([]string, len(recipients))
	emails := make([]string, len(recipients))
	customs := make([]string, len(recipients))
	for i, rec := range recipients {
		externalIDs[i] = rec.ExternalID
		names[i] = rec.Name
		phones[i] = rec.Phone
		emails[i] = rec.Email
		custom, err := json.Marshal(rec.Custom)
		if err != nil {
			return 0, err
		}
		customs[i] = string(custom)
	}

	query := `
        INSERT INTO campaign_recipients (campaign_id, external_id, name, phone, email, custom_fields, status, created_at, updated_at)
        SELECT $1, t.external_id, t.name, t.phone, t.email, t.custom_fields::jsonb, 'pending', NOW(), NOW()
        FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
            AS t(external_id, name, phone, email, custom_fields)
        ON CONFLICT (campaign_id, external_id) DO NOTHING
    `
	res, err := r.DB.Exec(query, campaignID,
		pq.Array(externalIDs), pq.Array(names), pq.Array(phones), pq.Array(emails), pq.Array(customs))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListIDs returns every recipient id of a campaign in stable order. The
// orchestrator slices this into batches; ordering by id keeps batch
// boundaries identical across crash-retry replays.
func (r *RecipientRepository) ListIDs(campaignID int) ([]int, error) {
	rows, err := r.DB.Query(
		`SELECT id FROM campaign_recipients WHERE campaign_id=$1 ORDER BY id`,
		campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MissingIdentity counts rows violating the build contract (no provider
// identity) and returns the lowest offending id for the diagnostic. Any such
// row aborts the whole run before claiming.
func (r *RecipientRepository) MissingIdentity(campaignID int) (int, int, error) {
	var n, firstID int
	err := r.DB.QueryRow(
		`SELECT COUNT(*), COALESCE(MIN(id), 0) FROM campaign_recipients WHERE campaign_id=$1 AND (external_id IS NULL OR external_id = '')`,
		campaignID,
	).Scan(&n, &firstID)
	return n, firstID, err
}

// ListPendingIDs returns pending recipient ids in stable order; the
// orchestrator slices this into batches.
func (r *RecipientRepository) ListPendingIDs(campaignID int) ([]int, error) {
	rows, err := r.DB.Query(
		`SELECT id FROM campaign_recipients WHERE campaign_id=$1 AND status='pending' ORDER BY id`,
		campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== Claim ======================

// ClaimBatch is the sole path out of pending. One conditional bulk update:
// rows already claimed by a previous (possibly crashed) execution fail the
// status=pending predicate and are excluded, so a replayed batch step never
// produces a second send for the same recipient.
func (r *RecipientRepository) ClaimBatch(campaignID int, ids []int, runID string, now time.Time) ([]*model.CampaignRecipient, error) {
	query := `
        UPDATE campaign_recipients
        SET status='sending', sending_at=$3, run_id=$4, updated_at=$3
        WHERE campaign_id=$1 AND id = ANY($2) AND status='pending'
        RETURNING id, campaign_id, external_id, name, phone, email, custom_fields
    `
	idArgs := make([]int64, len(ids))
	for i, id := range ids {
		idArgs[i] = int64(id)
	}
	rows, err := r.DB.Query(query, campaignID, pq.Array(idArgs), now, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := []*model.CampaignRecipient{}
	for rows.Next() {
		rec := &model.CampaignRecipient{Status: model.RecipientSending}
		var custom []byte
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.ExternalID, &rec.Name, &rec.Phone, &rec.Email, &custom); err != nil {
			return nil, err
		}
		if len(custom) > 0 {
			if err := json.Unmarshal(custom, &rec.Custom); err != nil {
				return nil, err
			}
		}
		claimed = append(claimed, rec)
	}
	return claimed, rows.Err()
}

// ====================== Persist ======================

// BulkApplyOutcomes writes every outcome of a batch in one statement.
// Cross-terminal fields are reset per status so re-applying the write never
// leaves stale error or skip fields on a sent row.
func (r *RecipientRepository) BulkApplyOutcomes(campaignID int, ops []model.Outcome) error {
	if len(ops) == 0 {
		return nil
	}

	ids := make([]int64, len(ops))
	statuses := make([]string, len(ops))
	messageIDs := make([]string, len(ops))
	errCodes := make([]int64, len(ops))
	errTitles := make([]string, len(ops))
	errDetails := make([]string, len(ops))
	errTraceIDs := make([]string, len(ops))
	errSubcodes := make([]int64, len(ops))
	errHrefs := make([]string, len(ops))
	skipCodes := make([]string, len(ops))
	skipReasons := make([]string, len(ops))
	traceIDs := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = int64(op.RecipientID)
		statuses[i] = op.Status
		messageIDs[i] = op.MessageID
		errCodes[i] = int64(op.ErrorCode)
		errTitles[i] = op.ErrorTitle
		errDetails[i] = op.ErrorDetails
		errTraceIDs[i] = op.ErrorTraceID
		errSubcodes[i] = int64(op.ErrorSubcode)
		errHrefs[i] = op.ErrorHref
		skipCodes[i] = op.SkipCode
		skipReasons[i] = op.SkipReason
		traceIDs[i] = op.TraceID
	}

	query := `
        UPDATE campaign_recipients AS r SET
            status = o.status,
            message_id = CASE WHEN o.status = 'sent' THEN o.message_id ELSE NULL END,
            error_code = CASE WHEN o.status = 'failed' THEN o.error_code ELSE NULL END,
            error_title = CASE WHEN o.status = 'failed' THEN o.error_title ELSE NULL END,
            error_details = CASE WHEN o.status = 'failed' THEN o.error_details ELSE NULL END,
            error_trace_id = CASE WHEN o.status = 'failed' THEN o.error_trace_id ELSE NULL END,
            error_subcode = CASE WHEN o.status = 'failed' THEN o.error_subcode ELSE NULL END,
            error_href = CASE WHEN o.status = 'failed' THEN o.error_href ELSE NULL END,
            skip_code = CASE WHEN o.status = 'skipped' THEN o.skip_code ELSE NULL END,
            skip_reason = CASE WHEN o.status = 'skipped' THEN o.skip_reason ELSE NULL END,
            sent_at = CASE WHEN o.status = 'sent' THEN NOW() ELSE NULL END,
            failed_at = CASE WHEN o.status = 'failed' THEN NOW() ELSE NULL END,
            skipped_at = CASE WHEN o.status = 'skipped' THEN NOW() ELSE NULL END,
            trace_id = o.trace_id,
            updated_at = NOW()
        FROM (
            SELECT * FROM unnest(
                $2::bigint[], $3::text[], $4::text[],
                $5::bigint[], $6::text[], $7::text[], $8::text[], $9::bigint[], $10::text[],
                $11::text[], $12::text[], $13::text[]
            ) AS t(id, status, message_id, error_code, error_title, error_details, error_trace_id, error_subcode, error_href, skip_code, skip_reason, trace_id)
        ) o
        WHERE r.campaign_id = $1 AND r.id = o.id
    `
	_, err := r.DB.Exec(query, campaignID,
		pq.Array(ids), pq.Array(statuses), pq.Array(messageIDs),
		pq.Array(errCodes), pq.Array(errTitles), pq.Array(errDetails), pq.Array(errTraceIDs), pq.Array(errSubcodes), pq.Array(errHrefs),
		pq.Array(skipCodes), pq.Array(skipReasons), pq.Array(traceIDs))
	return err
}

// ApplyOutcome is the single-row fallback used when the bulk write fails.
func (r *RecipientRepository) ApplyOutcome(campaignID int, op model.Outcome) error {
	query := `
        UPDATE campaign_recipients SET
            status = $3,
            message_id = CASE WHEN $3 = 'sent' THEN $4 ELSE NULL END,
            error_code = CASE WHEN $3 = 'failed' THEN $5 ELSE NULL END,
            error_title = CASE WHEN $3 = 'failed' THEN $6 ELSE NULL END,
            error_details = CASE WHEN $3 = 'failed' THEN $7 ELSE NULL END,
            error_trace_id = CASE WHEN $3 = 'failed' THEN $8 ELSE NULL END,
            error_subcode = CASE WHEN $3 = 'failed' THEN $9 ELSE NULL END,
            error_href = CASE WHEN $3 = 'failed' THEN $10 ELSE NULL END,
            skip_code = CASE WHEN $3 = 'skipped' THEN $11 ELSE NULL END,
            skip_reason = CASE WHEN $3 = 'skipped' THEN $12 ELSE NULL END,
            sent_at = CASE WHEN $3 = 'sent' THEN NOW() ELSE NULL END,
            failed_at = CASE WHEN $3 = 'failed' THEN NOW() ELSE NULL END,
            skipped_at = CASE WHEN $3 = 'skipped' THEN NOW() ELSE NULL END,
            trace_id = $13,
            updated_at = NOW()
        WHERE campaign_id = $1 AND id = $2
    `
	_, err := r.DB.Exec(query, campaignID, op.RecipientID, op.Status, op.MessageID,
		op.ErrorCode, op.ErrorTitle, op.ErrorDetails, op.ErrorTraceID, op.ErrorSubcode, op.ErrorHref,
		op.SkipCode, op.SkipReason, op.TraceID)
	return err
}

// ====================== Resend ======================

// ResetTerminal moves failed and/or skipped rows back to pending, clearing
// their terminal fields, so a new workflow run can pick them up.
func (r *RecipientRepository) ResetTerminal(campaignID int, statuses []string) (int, error) {
	query := `
        UPDATE campaign_recipients SET
            status='pending', message_id=NULL,
            error_code=NULL, error_title=NULL, error_details=NULL, error_trace_id=NULL, error_subcode=NULL, error_href=NULL,
            skip_code=NULL, skip_reason=NULL,
            sending_at=NULL, sent_at=NULL, failed_at=NULL, skipped_at=NULL,
            updated_at=NOW()
        WHERE campaign_id=$1 AND status = ANY($2)
    `
	res, err := r.DB.Exec(query, campaignID, pq.Array(statuses))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *RecipientRepository) ListByCampaign(campaignID int, status string, offset, limit int) ([]*model.CampaignRecipient, error) {
	query := `
        SELECT id, campaign_id, external_id, name, phone, email, status, message_id,
               error_code, error_title, error_details, error_trace_id, error_subcode, error_href,
               skip_code, skip_reason, trace_id, sending_at, sent_at, failed_at, skipped_at, created_at, updated_at
        FROM campaign_recipients
        WHERE campaign_id=$1 AND ($2 = '' OR status=$2)
        ORDER BY id
        LIMIT $3 OFFSET $4
    `
	rows, err := r.DB.Query(query, campaignID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.CampaignRecipient{}
	for rows.Next() {
		rec := &model.CampaignRecipient{}
		var messageID, errTitle, errDetails, errTraceID, errHref, skipCode, skipReason, traceID sql.NullString
		var errCode, errSubcode sql.NullInt64
		if err := rows.Scan(
			&rec.ID, &rec.CampaignID, &rec.ExternalID, &rec.Name, &rec.Phone, &rec.Email, &rec.Status, &messageID,
			&errCode, &errTitle, &errDetails, &errTraceID, &errSubcode, &errHref,
			&skipCode, &skipReason, &traceID, &rec.SendingAt, &rec.SentAt, &rec.FailedAt, &rec.SkippedAt,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.MessageID = messageID.String
		rec.ErrorCode = int(errCode.Int64)
		rec.ErrorTitle = errTitle.String
		rec.ErrorDetails = errDetails.String
		rec.ErrorTraceID = errTraceID.String
		rec.ErrorSubcode = int(errSubcode.Int64)
		rec.ErrorHref = errHref.String
		rec.SkipCode = skipCode.String
		rec.SkipReason = skipReason.String
		rec.TraceID = traceID.String
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
