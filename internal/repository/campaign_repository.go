package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/bulkwave/bulkwave-backend/internal/errors"
	"github.com/bulkwave/bulkwave-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error)
	GetByID(id int) (*model.Campaign, error)
	Create(c *model.Campaign) error
	UpdateStatus(campaignID int, status string) error

	// Dispatch lifecycle
	MarkSending(campaignID int, now time.Time) error
	Finalize(campaignID int, status string, now time.Time) error
	SetPaused(campaignID int, paused bool, now time.Time) error
	IncrementCounters(campaignID int, delta model.CounterDelta, lastSentAt *time.Time) error
	SyncCounters(campaignID int) error
	ListDueScheduled(now time.Time) ([]*model.Campaign, error)

	GetStats(campaignID int) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	vars, err := json.Marshal(c.Variables)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns
            (name, status, template_name, template_language, variables, sender_key, recipient_count, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRow(query,
		c.Name, c.Status, c.TemplateName, c.TemplateLanguage, vars,
		c.SenderKey, c.RecipientCount, c.ScheduledAt, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) UpdateStatus(campaignID int, status string) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	_, err := r.DB.Exec(query, status, time.Now(), campaignID)
	return err
}

const campaignColumns = `
    id, name, status, template_name, template_language, variables, sender_key,
    recipient_count, sent_count, delivered_count, read_count, skipped_count, failed_count,
    scheduled_at, started_at, first_dispatch_at, last_sent_at, completed_at, paused_at,
    created_at, updated_at
`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var vars []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &c.TemplateName, &c.TemplateLanguage, &vars, &c.SenderKey,
		&c.RecipientCount, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.SkippedCount, &c.FailedCount,
		&c.ScheduledAt, &c.StartedAt, &c.FirstDispatchAt, &c.LastSentAt, &c.CompletedAt, &c.PausedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &c.Variables); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += ` AND status=$1`
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ====================== Dispatch lifecycle ======================

// MarkSending is the orchestrator's init step: transition to sending and
// stamp started_at / first_dispatch_at only if still unset.
func (r *CampaignRepository) MarkSending(campaignID int, now time.Time) error {
	query := `
        UPDATE campaigns
        SET status=$2,
            started_at = COALESCE(started_at, $3),
            first_dispatch_at = COALESCE(first_dispatch_at, $3),
            updated_at = $3
        WHERE id=$1
    `
	_, err := r.DB.Exec(query, campaignID, model.CampaignSending, now)
	return err
}

func (r *CampaignRepository) Finalize(campaignID int, status string, now time.Time) error {
	query := `UPDATE campaigns SET status=$2, completed_at=$3, updated_at=$3 WHERE id=$1`
	_, err := r.DB.Exec(query, campaignID, status, now)
	return err
}

func (r *CampaignRepository) SetPaused(campaignID int, paused bool, now time.Time) error {
	if paused {
		query := `UPDATE campaigns SET status=$2, paused_at=$3, updated_at=$3 WHERE id=$1 AND status=$4`
		_, err := r.DB.Exec(query, campaignID, model.CampaignPaused, now, model.CampaignSending)
		return err
	}
	query := `UPDATE campaigns SET status=$2, paused_at=NULL, updated_at=$3 WHERE id=$1 AND status=$4`
	_, err := r.DB.Exec(query, campaignID, model.CampaignSending, now, model.CampaignPaused)
	return err
}

// IncrementCounters adds a batch's deltas. Additive on purpose: a replayed
// batch claims nothing and therefore contributes a zero delta.
func (r *CampaignRepository) IncrementCounters(campaignID int, delta model.CounterDelta, lastSentAt *time.Time) error {
	query := `
        UPDATE campaigns
        SET sent_count = sent_count + $2,
            failed_count = failed_count + $3,
            skipped_count = skipped_count + $4,
            last_sent_at = COALESCE($5, last_sent_at),
            updated_at = NOW()
        WHERE id=$1
    `
	_, err := r.DB.Exec(query, campaignID, delta.Sent, delta.Failed, delta.Skipped, lastSentAt)
	return err
}

// SyncCounters recomputes the terminal counters from the recipient rows.
// Used after a resend reset, where additive deltas would drift.
func (r *CampaignRepository) SyncCounters(campaignID int) error {
	query := `
        UPDATE campaigns SET
            sent_count = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND status='sent'),
            failed_count = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND status='failed'),
            skipped_count = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND status='skipped'),
            updated_at = NOW()
        WHERE id=$1
    `
	_, err := r.DB.Exec(query, campaignID)
	return err
}

func (r *CampaignRepository) ListDueScheduled(now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2`
	rows, err := r.DB.Query(query, model.CampaignScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

func (r *CampaignRepository) GetStats(campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		"total":   0,
		"pending": 0,
		"sending": 0,
		"sent":    0,
		"failed":  0,
		"skipped": 0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		if _, ok := stats[status]; ok {
			stats[status] = count
		}
		stats["total"] += count
	}
	return stats, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
