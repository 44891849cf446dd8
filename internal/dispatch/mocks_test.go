package dispatch

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	appErrors "github.com/bulkwave/bulkwave-backend/internal/errors"
	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/provider"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
)

// ====================== In-memory store ======================

// memStore backs all fake repositories for one test so the orchestrator
// sees consistent state across them, the way the real repositories share a
// database.
type memStore struct {
	mu          sync.Mutex
	campaigns   map[int]*model.Campaign
	recipients  map[int]*model.CampaignRecipient
	runs        map[string]*model.WorkflowRun
	batchRuns   []*model.BatchRun
	suppressed  map[string]map[string]string // scope -> identity -> reason
	templates   map[string]*model.TemplateContract
	claimCalls  int
	claimedRows int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  map[int]*model.Campaign{},
		recipients: map[int]*model.CampaignRecipient{},
		runs:       map[string]*model.WorkflowRun{},
		suppressed: map[string]map[string]string{},
		templates:  map[string]*model.TemplateContract{},
	}
}

func (s *memStore) addCampaign(c *model.Campaign) { s.campaigns[c.ID] = c }

func (s *memStore) addTemplate(t *model.TemplateContract) {
	s.templates[t.Name+"/"+t.Language] = t
}

func (s *memStore) addRecipients(campaignID, n int, mutate func(i int, r *model.CampaignRecipient)) {
	for i := 1; i <= n; i++ {
		phone := "2547001112" + strconv.Itoa(10+i)
		r := &model.CampaignRecipient{
			ID:         i,
			CampaignID: campaignID,
			ExternalID: phone,
			Name:       "Recipient " + strconv.Itoa(i),
			Phone:      phone,
			Email:      "r" + strconv.Itoa(i) + "@example.com",
			Status:     model.RecipientPending,
		}
		if mutate != nil {
			mutate(i, r)
		}
		s.recipients[r.ID] = r
	}
}

func (s *memStore) statusCounts() map[string]int {
	counts := map[string]int{}
	for _, r := range s.recipients {
		counts[r.Status]++
		counts["total"]++
	}
	return counts
}

// ====================== Campaign repo ======================

type fakeCampaignRepo struct {
	store *memStore
}

func (f *fakeCampaignRepo) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	return nil, 0, nil
}

func (f *fakeCampaignRepo) GetByID(id int) (*model.Campaign, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c, ok := f.store.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeCampaignRepo) Create(c *model.Campaign) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.campaigns[c.ID] = c
	return nil
}

func (f *fakeCampaignRepo) UpdateStatus(campaignID int, status string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.campaigns[campaignID].Status = status
	return nil
}

func (f *fakeCampaignRepo) MarkSending(campaignID int, now time.Time) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c := f.store.campaigns[campaignID]
	c.Status = model.CampaignSending
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	if c.FirstDispatchAt == nil {
		c.FirstDispatchAt = &now
	}
	return nil
}

func (f *fakeCampaignRepo) Finalize(campaignID int, status string, now time.Time) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c := f.store.campaigns[campaignID]
	c.Status = status
	c.CompletedAt = &now
	return nil
}

func (f *fakeCampaignRepo) SetPaused(campaignID int, paused bool, now time.Time) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c := f.store.campaigns[campaignID]
	if paused {
		c.Status = model.CampaignPaused
		c.PausedAt = &now
	} else {
		c.Status = model.CampaignSending
		c.PausedAt = nil
	}
	return nil
}

func (f *fakeCampaignRepo) IncrementCounters(campaignID int, delta model.CounterDelta, lastSentAt *time.Time) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c := f.store.campaigns[campaignID]
	c.SentCount += delta.Sent
	c.FailedCount += delta.Failed
	c.SkippedCount += delta.Skipped
	if lastSentAt != nil {
		c.LastSentAt = lastSentAt
	}
	return nil
}

func (f *fakeCampaignRepo) SyncCounters(campaignID int) error { return nil }

func (f *fakeCampaignRepo) ListDueScheduled(now time.Time) ([]*model.Campaign, error) {
	return nil, nil
}

func (f *fakeCampaignRepo) GetStats(campaignID int) (map[string]int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return f.store.statusCounts(), nil
}

var _ repository.CampaignRepositoryInterface = (*fakeCampaignRepo)(nil)

// ====================== Recipient repo ======================

type fakeRecipientRepo struct {
	store *memStore

	claimErrsLeft int  // transient ClaimBatch failures to inject
	bulkApplyErr  bool // force the bulk write path to fail
	applyRowErrs  map[int]bool
}

func (f *fakeRecipientRepo) BulkInsert(campaignID int, recipients []*model.CampaignRecipient) (int, error) {
	return 0, nil
}

func (f *fakeRecipientRepo) ListIDs(campaignID int) ([]int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var ids []int
	for id, r := range f.store.recipients {
		if r.CampaignID == campaignID {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (f *fakeRecipientRepo) ListPendingIDs(campaignID int) ([]int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var ids []int
	for id, r := range f.store.recipients {
		if r.CampaignID == campaignID && r.Status == model.RecipientPending {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (f *fakeRecipientRepo) MissingIdentity(campaignID int) (int, int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	missing := 0
	firstID := 0
	for _, r := range f.store.recipients {
		if r.CampaignID == campaignID && r.ExternalID == "" {
			missing++
			if firstID == 0 || r.ID < firstID {
				firstID = r.ID
			}
		}
	}
	return missing, firstID, nil
}

func (f *fakeRecipientRepo) ClaimBatch(campaignID int, ids []int, runID string, now time.Time) ([]*model.CampaignRecipient, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.claimCalls++
	if f.claimErrsLeft > 0 {
		f.claimErrsLeft--
		return nil, errors.New("injected claim failure")
	}
	var claimed []*model.CampaignRecipient
	for _, id := range ids {
		r, ok := f.store.recipients[id]
		if !ok || r.CampaignID != campaignID || r.Status != model.RecipientPending {
			continue
		}
		r.Status = model.RecipientSending
		r.SendingAt = &now
		f.store.claimedRows++
		copied := *r
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (f *fakeRecipientRepo) BulkApplyOutcomes(campaignID int, ops []model.Outcome) error {
	if f.bulkApplyErr {
		return errors.New("injected bulk write failure")
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, op := range ops {
		f.applyLocked(op)
	}
	return nil
}

func (f *fakeRecipientRepo) ApplyOutcome(campaignID int, op model.Outcome) error {
	if f.applyRowErrs[op.RecipientID] {
		return errors.New("injected row write failure")
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.applyLocked(op)
	return nil
}

func (f *fakeRecipientRepo) applyLocked(op model.Outcome) {
	r, ok := f.store.recipients[op.RecipientID]
	if !ok {
		return
	}
	now := time.Now()
	r.Status = op.Status
	r.MessageID = op.MessageID
	r.ErrorCode = op.ErrorCode
	r.ErrorTitle = op.ErrorTitle
	r.ErrorDetails = op.ErrorDetails
	r.ErrorTraceID = op.ErrorTraceID
	r.ErrorSubcode = op.ErrorSubcode
	r.ErrorHref = op.ErrorHref
	r.SkipCode = op.SkipCode
	r.SkipReason = op.SkipReason
	r.TraceID = op.TraceID
	switch op.Status {
	case model.RecipientSent:
		r.SentAt = &now
	case model.RecipientFailed:
		r.FailedAt = &now
	case model.RecipientSkipped:
		r.SkippedAt = &now
	}
}

func (f *fakeRecipientRepo) ResetTerminal(campaignID int, statuses []string) (int, error) {
	return 0, nil
}

func (f *fakeRecipientRepo) ListByCampaign(campaignID int, status string, offset, limit int) ([]*model.CampaignRecipient, error) {
	return nil, nil
}

var _ repository.RecipientRepositoryInterface = (*fakeRecipientRepo)(nil)

// ====================== Run / batch-run / suppression / template repos ======================

type fakeRunRepo struct {
	store *memStore
}

func (f *fakeRunRepo) Create(run *model.WorkflowRun) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.runs[run.RunID] = run
	return nil
}

func (f *fakeRunRepo) Get(runID string) (*model.WorkflowRun, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	run, ok := f.store.runs[runID]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRunRepo) GetRunning(campaignID int) (*model.WorkflowRun, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, run := range f.store.runs {
		if run.CampaignID == campaignID && run.Status == model.RunRunning {
			copied := *run
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeRunRepo) MarkStepCompleted(runID string, stepIndex int) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.runs[runID].LastCompletedStep = stepIndex
	return nil
}

func (f *fakeRunRepo) SetTotalBatches(runID string, total int) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.runs[runID].TotalBatches = total
	return nil
}

func (f *fakeRunRepo) SetStatus(runID, status string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.runs[runID].Status = status
	return nil
}

var _ repository.WorkflowRunRepositoryInterface = (*fakeRunRepo)(nil)

type fakeBatchRunRepo struct {
	store *memStore
}

func (f *fakeBatchRunRepo) Insert(run *model.BatchRun) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.batchRuns = append(f.store.batchRuns, run)
	return nil
}

func (f *fakeBatchRunRepo) SummarizeRun(runID string) (*model.RunSummary, error) {
	return nil, nil
}

var _ repository.BatchRunRepositoryInterface = (*fakeBatchRunRepo)(nil)

type fakeSuppressionRepo struct {
	store *memStore
}

func (f *fakeSuppressionRepo) ListBlocked(campaignID int) (map[string]struct{}, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	blocked := map[string]struct{}{}
	for identity := range f.store.suppressed[repository.SuppressionScopeGlobal] {
		blocked[identity] = struct{}{}
	}
	for identity := range f.store.suppressed[strconv.Itoa(campaignID)] {
		blocked[identity] = struct{}{}
	}
	return blocked, nil
}

func (f *fakeSuppressionRepo) Add(scope, identity, reason string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.suppressed[scope] == nil {
		f.store.suppressed[scope] = map[string]string{}
	}
	f.store.suppressed[scope][identity] = reason
	return nil
}

func (f *fakeSuppressionRepo) List(scope string, offset, limit int) ([]*model.Suppression, error) {
	return nil, nil
}

var _ repository.SuppressionRepositoryInterface = (*fakeSuppressionRepo)(nil)

type fakeTemplateRepo struct {
	store *memStore
}

func (f *fakeTemplateRepo) Get(name, language string) (*model.TemplateContract, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	t, ok := f.store.templates[name+"/"+language]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(name, language)
	}
	return t, nil
}

func (f *fakeTemplateRepo) Upsert(t *model.TemplateContract) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.templates[t.Name+"/"+t.Language] = t
	return nil
}

var _ repository.TemplateRepositoryInterface = (*fakeTemplateRepo)(nil)

// ====================== Throttle repo ======================

type fakeThrottleRepo struct {
	mu     sync.Mutex
	states map[string]*model.ThrottleState
}

func newFakeThrottleRepo() *fakeThrottleRepo {
	return &fakeThrottleRepo{states: map[string]*model.ThrottleState{}}
}

func (f *fakeThrottleRepo) GetOrCreate(resourceKey string, initialRate float64) (*model.ThrottleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[resourceKey]
	if !ok {
		s = &model.ThrottleState{ResourceKey: resourceKey, TargetRate: initialRate}
		f.states[resourceKey] = s
	}
	copied := *s
	return &copied, nil
}

func (f *fakeThrottleRepo) CompareAndSwap(state *model.ThrottleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.states[state.ResourceKey]
	if current.Version != state.Version {
		return &repository.ErrVersionConflict{ResourceKey: state.ResourceKey}
	}
	copied := *state
	copied.Version++
	f.states[state.ResourceKey] = &copied
	state.Version++
	return nil
}

func (f *fakeThrottleRepo) rate(resourceKey string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[resourceKey]; ok {
		return s.TargetRate
	}
	return 0
}

var _ repository.ThrottleRepositoryInterface = (*fakeThrottleRepo)(nil)

// ====================== Sender ======================

// sendScript is the canned provider behaviour for one identity.
type sendScript struct {
	result *provider.SendResult
	err    error
	panics bool
}

// fakeSender records every call and answers from per-identity scripts,
// defaulting to a successful send.
type fakeSender struct {
	mu      sync.Mutex
	scripts map[string]sendScript
	calls   map[string]int
	seq     int
}

func newFakeSender() *fakeSender {
	return &fakeSender{scripts: map[string]sendScript{}, calls: map[string]int{}}
}

func (f *fakeSender) script(identity string, s sendScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[identity] = s
}

func (f *fakeSender) SendTemplate(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.mu.Lock()
	f.calls[req.To]++
	f.seq++
	seq := f.seq
	s, scripted := f.scripts[req.To]
	f.mu.Unlock()

	if scripted {
		if s.panics {
			panic("scripted sender panic")
		}
		return s.result, s.err
	}
	return &provider.SendResult{MessageID: "wamid." + strconv.Itoa(seq), HTTPStatus: 200}, nil
}

func (f *fakeSender) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

var _ Sender = (*fakeSender)(nil)
