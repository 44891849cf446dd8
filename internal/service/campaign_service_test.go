package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/bulkwave/bulkwave-backend/internal/errors"
	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/queue"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
)

// ====================== Mocks ======================

type MockCampaignRepo struct {
	campaigns map[int]*model.Campaign
	statusLog []string
	synced    bool
}

func newMockCampaignRepo(campaigns ...*model.Campaign) *MockCampaignRepo {
	m := &MockCampaignRepo{campaigns: map[int]*model.Campaign{}}
	for _, c := range campaigns {
		m.campaigns[c.ID] = c
	}
	return m
}

func (m *MockCampaignRepo) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	var out []*model.Campaign
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	return out, len(m.campaigns), nil
}

func (m *MockCampaignRepo) GetByID(id int) (*model.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func (m *MockCampaignRepo) Create(c *model.Campaign) error {
	c.ID = len(m.campaigns) + 1
	m.campaigns[c.ID] = c
	return nil
}

func (m *MockCampaignRepo) UpdateStatus(campaignID int, status string) error {
	m.campaigns[campaignID].Status = status
	m.statusLog = append(m.statusLog, status)
	return nil
}

func (m *MockCampaignRepo) MarkSending(campaignID int, now time.Time) error { return nil }

func (m *MockCampaignRepo) Finalize(campaignID int, status string, now time.Time) error {
	m.campaigns[campaignID].Status = status
	return nil
}

func (m *MockCampaignRepo) SetPaused(campaignID int, paused bool, now time.Time) error {
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil
	}
	if paused && c.Status == model.CampaignSending {
		c.Status = model.CampaignPaused
	} else if !paused && c.Status == model.CampaignPaused {
		c.Status = model.CampaignSending
	}
	return nil
}

func (m *MockCampaignRepo) IncrementCounters(campaignID int, delta model.CounterDelta, lastSentAt *time.Time) error {
	return nil
}

func (m *MockCampaignRepo) SyncCounters(campaignID int) error {
	m.synced = true
	return nil
}

func (m *MockCampaignRepo) ListDueScheduled(now time.Time) ([]*model.Campaign, error) {
	return nil, nil
}

func (m *MockCampaignRepo) GetStats(campaignID int) (map[string]int, error) {
	return map[string]int{"total": 0}, nil
}

var _ repository.CampaignRepositoryInterface = (*MockCampaignRepo)(nil)

type MockRecipientRepo struct {
	inserted   []*model.CampaignRecipient
	pendingIDs []int
	resetCount int
	resetArgs  []string
}

func (m *MockRecipientRepo) BulkInsert(campaignID int, recipients []*model.CampaignRecipient) (int, error) {
	m.inserted = append(m.inserted, recipients...)
	return len(recipients), nil
}

func (m *MockRecipientRepo) ListIDs(campaignID int) ([]int, error)        { return m.pendingIDs, nil }
func (m *MockRecipientRepo) ListPendingIDs(campaignID int) ([]int, error) { return m.pendingIDs, nil }
func (m *MockRecipientRepo) MissingIdentity(campaignID int) (int, int, error) {
	return 0, 0, nil
}

func (m *MockRecipientRepo) ClaimBatch(campaignID int, ids []int, runID string, now time.Time) ([]*model.CampaignRecipient, error) {
	return nil, nil
}

func (m *MockRecipientRepo) BulkApplyOutcomes(campaignID int, ops []model.Outcome) error { return nil }
func (m *MockRecipientRepo) ApplyOutcome(campaignID int, op model.Outcome) error         { return nil }

func (m *MockRecipientRepo) ResetTerminal(campaignID int, statuses []string) (int, error) {
	m.resetArgs = statuses
	return m.resetCount, nil
}

func (m *MockRecipientRepo) ListByCampaign(campaignID int, status string, offset, limit int) ([]*model.CampaignRecipient, error) {
	return nil, nil
}

var _ repository.RecipientRepositoryInterface = (*MockRecipientRepo)(nil)

type MockRunRepo struct {
	running *model.WorkflowRun
	created []*model.WorkflowRun
}

func (m *MockRunRepo) Create(run *model.WorkflowRun) error {
	if run.Status == "" {
		run.Status = model.RunRunning
	}
	if run.LastCompletedStep == 0 {
		run.LastCompletedStep = -1
	}
	m.created = append(m.created, run)
	return nil
}

func (m *MockRunRepo) Get(runID string) (*model.WorkflowRun, error) { return nil, nil }

func (m *MockRunRepo) GetRunning(campaignID int) (*model.WorkflowRun, error) {
	return m.running, nil
}

func (m *MockRunRepo) MarkStepCompleted(runID string, stepIndex int) error { return nil }
func (m *MockRunRepo) SetTotalBatches(runID string, total int) error       { return nil }
func (m *MockRunRepo) SetStatus(runID, status string) error                { return nil }

var _ repository.WorkflowRunRepositoryInterface = (*MockRunRepo)(nil)

type MockBatchRunRepo struct{}

func (m *MockBatchRunRepo) Insert(run *model.BatchRun) error { return nil }
func (m *MockBatchRunRepo) SummarizeRun(runID string) (*model.RunSummary, error) {
	return &model.RunSummary{RunID: runID}, nil
}

var _ repository.BatchRunRepositoryInterface = (*MockBatchRunRepo)(nil)

type MockQueue struct {
	published []queue.DispatchJob
	fail      bool
}

func (m *MockQueue) PublishDispatch(job queue.DispatchJob) error {
	if m.fail {
		return errors.New("broker unavailable")
	}
	m.published = append(m.published, job)
	return nil
}

var _ queue.Publisher = (*MockQueue)(nil)

func newTestService(campaigns *MockCampaignRepo, recipients *MockRecipientRepo, runs *MockRunRepo, q *MockQueue) *CampaignService {
	return &CampaignService{
		CampaignRepo:  campaigns,
		RecipientRepo: recipients,
		RunRepo:       runs,
		BatchRunRepo:  &MockBatchRunRepo{},
		Queue:         q,
	}
}

// ====================== Tests ======================

func TestCreateCampaign(t *testing.T) {
	campaigns := newMockCampaignRepo()
	recipients := &MockRecipientRepo{}
	svc := newTestService(campaigns, recipients, &MockRunRepo{}, &MockQueue{})

	c, err := svc.CreateCampaign(CreateCampaignInput{
		Name:         "September offers",
		TemplateName: "welcome_offer",
		SenderKey:    "sender:1",
		Recipients: []RecipientInput{
			{ExternalID: "254700111222", Name: "Alice", Phone: "254700111222"},
			{ExternalID: "254700111333", Name: "Bob", Phone: "254700111333"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, c.Status)
	assert.Equal(t, "en", c.TemplateLanguage)
	assert.Equal(t, 2, c.RecipientCount)
	assert.Len(t, recipients.inserted, 2)
}

func TestCreateCampaignRejectsMissingExternalID(t *testing.T) {
	svc := newTestService(newMockCampaignRepo(), &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	_, err := svc.CreateCampaign(CreateCampaignInput{
		Name:         "Broken",
		TemplateName: "welcome_offer",
		Recipients:   []RecipientInput{{Name: "No ID", Phone: "254700111222"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "external_id")
}

func TestCreateCampaignScheduled(t *testing.T) {
	svc := newTestService(newMockCampaignRepo(), &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	at := time.Now().Add(time.Hour).Format(time.RFC3339)
	c, err := svc.CreateCampaign(CreateCampaignInput{
		Name:         "Later",
		TemplateName: "welcome_offer",
		ScheduledAt:  &at,
	})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignScheduled, c.Status)
	require.NotNil(t, c.ScheduledAt)
}

func TestDispatchCreatesRunAndPublishes(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignDraft})
	recipients := &MockRecipientRepo{pendingIDs: []int{1, 2, 3}}
	runs := &MockRunRepo{}
	q := &MockQueue{}
	svc := newTestService(campaigns, recipients, runs, q)

	result, err := svc.Dispatch(1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Recipients)
	assert.NotEmpty(t, result.RunID)

	require.Len(t, runs.created, 1)
	assert.Equal(t, model.RunRunning, runs.created[0].Status)
	assert.Equal(t, -1, runs.created[0].LastCompletedStep)

	require.Len(t, q.published, 1)
	assert.Equal(t, queue.DispatchJob{CampaignID: 1, RunID: result.RunID}, q.published[0])
}

func TestDispatchRejectsTerminalStatus(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignCompleted})
	svc := newTestService(campaigns, &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	_, err := svc.Dispatch(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be dispatched")
}

func TestDispatchRejectsConcurrentRun(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignSending})
	runs := &MockRunRepo{running: &model.WorkflowRun{RunID: "run-live", CampaignID: 1, Status: model.RunRunning}}
	svc := newTestService(campaigns, &MockRecipientRepo{}, runs, &MockQueue{})

	_, err := svc.Dispatch(1)
	require.Error(t, err)
	var conflict *appErrors.ErrRunConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "run-live", conflict.RunID)
}

func TestDispatchUnknownCampaign(t *testing.T) {
	svc := newTestService(newMockCampaignRepo(), &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	_, err := svc.Dispatch(404)
	var notFound *appErrors.ErrCampaignNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestPauseAndResume(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignSending})
	q := &MockQueue{}
	svc := newTestService(campaigns, &MockRecipientRepo{}, &MockRunRepo{}, q)

	require.NoError(t, svc.Pause(1))
	assert.Equal(t, model.CampaignPaused, campaigns.campaigns[1].Status)

	result, err := svc.Resume(1)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, campaigns.campaigns[1].Status)
	require.Len(t, q.published, 1)
	assert.Equal(t, result.RunID, q.published[0].RunID)
}

func TestResendResetsTerminalRows(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignFailed})
	recipients := &MockRecipientRepo{resetCount: 4}
	q := &MockQueue{}
	svc := newTestService(campaigns, recipients, &MockRunRepo{}, q)

	_, err := svc.Resend(1, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.RecipientFailed, model.RecipientSkipped}, recipients.resetArgs)
	assert.True(t, campaigns.synced)
	require.Len(t, q.published, 1)
}

func TestResendRejectsSendingCampaign(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignSending})
	svc := newTestService(campaigns, &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	_, err := svc.Resend(1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still sending")
}

func TestResendRejectsNonTerminalStatuses(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignCompleted})
	svc := newTestService(campaigns, &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	_, err := svc.Resend(1, []string{model.RecipientSent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot resend")
}

func TestResendNothingToReset(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1, Status: model.CampaignFailed})
	svc := newTestService(campaigns, &MockRecipientRepo{resetCount: 0}, &MockRunRepo{}, &MockQueue{})

	_, err := svc.Resend(1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipients to resend")
}

func TestListCampaignsPaginationBounds(t *testing.T) {
	campaigns := newMockCampaignRepo(&model.Campaign{ID: 1}, &model.Campaign{ID: 2})
	svc := newTestService(campaigns, &MockRecipientRepo{}, &MockRunRepo{}, &MockQueue{})

	list, pagination, err := svc.ListCampaigns(0, 1000, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 1, pagination["page"])
	assert.Equal(t, 100, pagination["page_size"])
	assert.Equal(t, 2, pagination["total_count"])
	assert.Equal(t, 1, pagination["total_pages"])
}
