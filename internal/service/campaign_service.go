// internal/service/campaign_service.go
package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	appErrors "github.com/bulkwave/bulkwave-backend/internal/errors"
	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/queue"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	RunRepo       repository.WorkflowRunRepositoryInterface
	BatchRunRepo  repository.BatchRunRepositoryInterface
	Queue         queue.Publisher
}

// RecipientInput is one recipient as supplied by the campaign creation flow.
type RecipientInput struct {
	ExternalID string            `json:"external_id"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Email      string            `json:"email,omitempty"`
	Custom     map[string]string `json:"custom_fields,omitempty"`
}

type CreateCampaignInput struct {
	Name             string            `json:"name"`
	TemplateName     string            `json:"template_name"`
	TemplateLanguage string            `json:"template_language"`
	Variables        map[string]string `json:"variables,omitempty"`
	SenderKey        string            `json:"sender_key"`
	ScheduledAt      *string           `json:"scheduled_at,omitempty"`
	Recipients       []RecipientInput  `json:"recipients"`
}

type DispatchResult struct {
	CampaignID int    `json:"campaign_id"`
	RunID      string `json:"run_id"`
	Recipients int    `json:"recipients"`
	Status     string `json:"status"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

// CreateCampaign stores the campaign and builds its recipient rows in bulk.
// Every recipient must carry an external identity; rejecting here keeps the
// dispatch engine's structural invariant cheap to uphold.
func (s *CampaignService) CreateCampaign(in CreateCampaignInput) (*model.Campaign, error) {
	if in.Name == "" || in.TemplateName == "" {
		return nil, fmt.Errorf("name and template_name are required")
	}
	for i, rec := range in.Recipients {
		if rec.ExternalID == "" {
			return nil, fmt.Errorf("recipient %d has no external_id", i)
		}
	}

	status := model.CampaignDraft
	var scheduledAt *time.Time
	if in.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, err
		}
		scheduledAt = &t
		status = model.CampaignScheduled
	}

	language := in.TemplateLanguage
	if language == "" {
		language = "en"
	}

	c := &model.Campaign{
		Name:             in.Name,
		Status:           status,
		TemplateName:     in.TemplateName,
		TemplateLanguage: language,
		Variables:        in.Variables,
		SenderKey:        in.SenderKey,
		RecipientCount:   len(in.Recipients),
		ScheduledAt:      scheduledAt,
	}
	if err := s.CampaignRepo.Create(c); err != nil {
		return nil, err
	}

	recipients := make([]*model.CampaignRecipient, len(in.Recipients))
	for i, rec := range in.Recipients {
		recipients[i] = &model.CampaignRecipient{
			ExternalID: rec.ExternalID,
			Name:       rec.Name,
			Phone:      rec.Phone,
			Email:      rec.Email,
			Custom:     rec.Custom,
		}
	}
	if _, err := s.RecipientRepo.BulkInsert(c.ID, recipients); err != nil {
		return nil, err
	}

	return c, nil
}

// Dispatch creates a workflow run for the campaign and hands it to a
// worker. Only one run may be in flight per campaign.
func (s *CampaignService) Dispatch(campaignID int) (*DispatchResult, error) {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return nil, err
	}

	switch campaign.Status {
	case model.CampaignDraft, model.CampaignScheduled, model.CampaignSending:
	default:
		return nil, fmt.Errorf("campaign cannot be dispatched in status: %s", campaign.Status)
	}

	if running, err := s.RunRepo.GetRunning(campaignID); err != nil {
		return nil, err
	} else if running != nil {
		return nil, appErrors.NewRunConflict(campaignID, running.RunID)
	}

	pending, err := s.RecipientRepo.ListPendingIDs(campaignID)
	if err != nil {
		return nil, err
	}

	run := &model.WorkflowRun{
		RunID:      uuid.NewString(),
		CampaignID: campaignID,
	}
	if err := s.RunRepo.Create(run); err != nil {
		return nil, err
	}

	if err := s.Queue.PublishDispatch(queue.DispatchJob{CampaignID: campaignID, RunID: run.RunID}); err != nil {
		return nil, err
	}

	log.Info().Int("campaign_id", campaignID).Str("run_id", run.RunID).Int("pending", len(pending)).Msg("campaign dispatch enqueued")

	return &DispatchResult{
		CampaignID: campaignID,
		RunID:      run.RunID,
		Recipients: len(pending),
		Status:     model.CampaignSending,
	}, nil
}

// Pause flags a sending campaign; the orchestrator reads the flag once per
// batch, so an in-flight batch still finishes.
func (s *CampaignService) Pause(campaignID int) error {
	if _, err := s.CampaignRepo.GetByID(campaignID); err != nil {
		return err
	}
	return s.CampaignRepo.SetPaused(campaignID, true, time.Now())
}

// Resume clears the pause flag and enqueues a fresh run for the remaining
// pending recipients.
func (s *CampaignService) Resume(campaignID int) (*DispatchResult, error) {
	if err := s.CampaignRepo.SetPaused(campaignID, false, time.Now()); err != nil {
		return nil, err
	}
	return s.Dispatch(campaignID)
}

// Resend resets failed and/or skipped rows to pending and dispatches a new
// run over them.
func (s *CampaignService) Resend(campaignID int, statuses []string) (*DispatchResult, error) {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == model.CampaignSending {
		return nil, fmt.Errorf("campaign %d is still sending", campaignID)
	}

	if len(statuses) == 0 {
		statuses = []string{model.RecipientFailed, model.RecipientSkipped}
	}
	for _, st := range statuses {
		if st != model.RecipientFailed && st != model.RecipientSkipped {
			return nil, fmt.Errorf("cannot resend recipients in status %q", st)
		}
	}

	reset, err := s.RecipientRepo.ResetTerminal(campaignID, statuses)
	if err != nil {
		return nil, err
	}
	if reset == 0 {
		return nil, fmt.Errorf("campaign %d has no recipients to resend", campaignID)
	}
	if err := s.CampaignRepo.SyncCounters(campaignID); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.UpdateStatus(campaignID, model.CampaignDraft); err != nil {
		return nil, err
	}

	return s.Dispatch(campaignID)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(campaignID)
	if err != nil {
		return nil, err
	}

	stats, err := s.CampaignRepo.GetStats(campaignID)
	if err != nil {
		return nil, err
	}

	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

func (s *CampaignService) ListRecipients(campaignID int, status string, page, pageSize int) ([]*model.CampaignRecipient, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return s.RecipientRepo.ListByCampaign(campaignID, status, (page-1)*pageSize, pageSize)
}

func (s *CampaignService) RunSummary(runID string) (*model.RunSummary, error) {
	return s.BatchRunRepo.SummarizeRun(runID)
}
