package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/bulkwave/bulkwave-backend/internal/errors"
	"github.com/bulkwave/bulkwave-backend/internal/guardrail"
	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
	"github.com/bulkwave/bulkwave-backend/internal/throttle"
)

// Config carries the engine knobs the orchestrator needs per run.
type Config struct {
	BatchSize     int
	Concurrency   int
	StepRetries   int
	SendTimeout   time.Duration
	FlushInterval time.Duration
}

// Orchestrator drives one campaign dispatch as a sequence of checkpointed
// steps: Init, one step per batch, Complete. The checkpoint is the
// workflow_runs row; after a crash the run resumes at the first uncompleted
// step, and the claim query makes replayed batch steps no-ops.
type Orchestrator struct {
	Campaigns    repository.CampaignRepositoryInterface
	Recipients   repository.RecipientRepositoryInterface
	Runs         repository.WorkflowRunRepositoryInterface
	BatchRuns    repository.BatchRunRepositoryInterface
	Suppressions repository.SuppressionRepositoryInterface
	Templates    repository.TemplateRepositoryInterface
	Throttle     *throttle.Controller
	Sender       Sender
	Persister    *Persister
	Progress     ProgressSink
	Validator    guardrail.Validator
	Cfg          Config
	Log          zerolog.Logger
}

// Run executes (or resumes) the workflow identified by runID.
func (o *Orchestrator) Run(ctx context.Context, campaignID int, runID string) error {
	run, err := o.Runs.Get(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("workflow run %s not found", runID)
	}
	if run.Status != model.RunRunning {
		o.Log.Info().Str("run_id", runID).Str("status", run.Status).Msg("workflow run already finished, nothing to do")
		return nil
	}

	ids, err := o.Recipients.ListIDs(campaignID)
	if err != nil {
		return err
	}
	batches := chunk(ids, o.Cfg.BatchSize)
	totalSteps := len(batches) + 2 // Init + batches + Complete

	if run.TotalBatches != len(batches) {
		if err := o.Runs.SetTotalBatches(runID, len(batches)); err != nil {
			return err
		}
	}

	tr := newTracer(o.Log, runID, campaignID)
	reporter := NewReporter(o.Progress, o.Log, campaignID, runID, o.Cfg.FlushInterval)
	defer reporter.Stop()

	for step := run.LastCompletedStep + 1; step < totalSteps; step++ {
		if err := o.runStepWithRetry(ctx, tr, campaignID, runID, step, batches, reporter); err != nil {
			if serr := o.Runs.SetStatus(runID, model.RunFailed); serr != nil {
				o.Log.Error().Err(serr).Str("run_id", runID).Msg("failed to mark workflow run failed")
			}
			return err
		}
		if err := o.Runs.MarkStepCompleted(runID, step); err != nil {
			return err
		}
	}

	return o.Runs.SetStatus(runID, model.RunCompleted)
}

// runStepWithRetry retries a throwing step up to the configured bound.
// Structural failures are deterministic and abort immediately.
func (o *Orchestrator) runStepWithRetry(ctx context.Context, tr tracer, campaignID int, runID string, step int, batches [][]int, reporter *Reporter) error {
	attempts := o.Cfg.StepRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = o.runStep(ctx, tr, campaignID, runID, step, batches, reporter)
		if err == nil {
			return nil
		}
		var structural *appErrors.ErrMissingRecipientIdentity
		if errors.As(err, &structural) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		o.Log.Warn().Err(err).
			Int("campaign_id", campaignID).
			Str("run_id", runID).
			Int("step", step).
			Int("attempt", attempt).
			Msg("step failed")
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return err
			}
		}
	}
	return err
}

func (o *Orchestrator) runStep(ctx context.Context, tr tracer, campaignID int, runID string, step int, batches [][]int, reporter *Reporter) error {
	switch {
	case step == 0:
		return o.stepInit(tr, campaignID)
	case step <= len(batches):
		return o.stepBatch(ctx, tr, campaignID, runID, step-1, batches[step-1], reporter)
	default:
		return o.stepComplete(tr, campaignID)
	}
}

// stepInit verifies the build contract and moves the campaign to sending.
func (o *Orchestrator) stepInit(tr tracer, campaignID int) error {
	start := time.Now()

	missing, firstID, err := o.Recipients.MissingIdentity(campaignID)
	if err != nil {
		return err
	}
	if missing > 0 {
		tr.event("init", -1, "structural_check", false, start).
			Int("missing", missing).
			Int("recipient_id", firstID).
			Send()
		return appErrors.NewMissingRecipientIdentity(campaignID, firstID)
	}

	if err := o.Campaigns.MarkSending(campaignID, time.Now()); err != nil {
		return err
	}
	tr.event("init", -1, "end", true, start).Send()
	return nil
}

func (o *Orchestrator) stepBatch(ctx context.Context, tr tracer, campaignID int, runID string, batchIndex int, batchIDs []int, reporter *Reporter) error {
	start := time.Now()
	tr.event("batch", batchIndex, "start", true, start).Int("size", len(batchIDs)).Send()

	campaign, err := o.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}

	// Pause is checked once per batch, not per recipient; an already
	// started batch runs to completion.
	if campaign.Status == model.CampaignPaused {
		tr.event("batch", batchIndex, "paused", true, start).Send()
		o.stableBatchCheck(tr, batchIndex, campaign.SenderKey)
		return nil
	}

	contract, err := o.Templates.Get(campaign.TemplateName, campaign.TemplateLanguage)
	if err != nil {
		return err
	}

	blocked, err := o.Suppressions.ListBlocked(campaignID)
	if err != nil {
		return err
	}

	targetRate, err := o.Throttle.CurrentRate(campaign.SenderKey)
	if err != nil {
		return err
	}
	limiter := throttle.NewLimiter(targetRate)

	claimStart := time.Now()
	claimed, err := o.Recipients.ClaimBatch(campaignID, batchIDs, runID, claimStart)
	if err != nil {
		return err
	}
	tr.event("batch", batchIndex, "claim", true, claimStart).Int("claimed", len(claimed)).Send()

	// A fully processed batch (crash-retry replay) claims nothing and must
	// short-circuit before any external call.
	if len(claimed) == 0 {
		tr.event("batch", batchIndex, "end", true, start).Str("result", "noop").Send()
		o.stableBatchCheck(tr, batchIndex, campaign.SenderKey)
		return nil
	}

	p := &pool{
		validator:   o.Validator,
		sender:      o.Sender,
		controller:  o.Throttle,
		resourceKey: campaign.SenderKey,
		concurrency: o.Cfg.Concurrency,
		sendTimeout: o.Cfg.SendTimeout,
		progress:    reporter,
		onSuppress:  o.autoSuppress,
		log:         o.Log,
		trace:       tr,
	}
	result := p.run(ctx, batchJob{
		campaignID: campaignID,
		batchIndex: batchIndex,
		claimed:    claimed,
		contract:   contract,
		variables:  campaign.Variables,
		blocked:    blocked,
		limiter:    limiter,
		senderID:   campaign.SenderKey,
	})

	persistStart := time.Now()
	if err := o.Persister.Persist(campaignID, result.Ops); err != nil {
		tr.event("batch", batchIndex, "persist", false, persistStart).Send()
		return err
	}
	tr.event("batch", batchIndex, "persist", true, persistStart).Int("rows", len(result.Ops)).Send()

	delta := model.CounterDelta{Sent: result.Sent, Failed: result.Failed, Skipped: result.Skipped}
	if err := o.Campaigns.IncrementCounters(campaignID, delta, result.LastSentAt); err != nil {
		return err
	}

	if err := o.BatchRuns.Insert(&model.BatchRun{
		CampaignID:         campaignID,
		RunID:              runID,
		BatchIndex:         batchIndex,
		ConfiguredSize:     o.Cfg.BatchSize,
		ActualSize:         len(claimed),
		Concurrency:        o.Cfg.Concurrency,
		TargetRate:         targetRate,
		SentCount:          result.Sent,
		FailedCount:        result.Failed,
		SkippedCount:       result.Skipped,
		ThroughputExceeded: result.ThroughputExceeded,
		StartedAt:          start,
		FinishedAt:         time.Now(),
	}); err != nil {
		// Metrics are append-only observability, not engine state.
		o.Log.Error().Err(err).Int("campaign_id", campaignID).Int("batch", batchIndex).Msg("failed to record batch metrics")
	}

	if !result.ThroughputExceeded {
		o.stableBatchCheck(tr, batchIndex, campaign.SenderKey)
	}

	tr.event("batch", batchIndex, "end", true, start).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Bool("throttled", result.ThroughputExceeded).
		Send()
	return nil
}

// stepComplete recomputes the terminal campaign status from the persisted
// rows. A paused campaign is left paused; its pending rows belong to a
// future run.
func (o *Orchestrator) stepComplete(tr tracer, campaignID int) error {
	start := time.Now()

	campaign, err := o.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == model.CampaignPaused {
		tr.event("complete", -1, "paused", true, start).Send()
		return nil
	}

	stats, err := o.Campaigns.GetStats(campaignID)
	if err != nil {
		return err
	}

	total := stats["total"]
	final := model.CampaignCompleted
	if total > 0 && stats["failed"]+stats["skipped"] == total {
		final = model.CampaignFailed
	}

	if err := o.Campaigns.Finalize(campaignID, final, time.Now()); err != nil {
		return err
	}
	tr.event("complete", -1, "end", true, start).Str("final_status", final).Send()
	return nil
}

// stableBatchCheck runs the additive-increase check; its failure only costs
// a missed increase, never the batch.
func (o *Orchestrator) stableBatchCheck(tr tracer, batch int, resourceKey string) {
	start := time.Now()
	rate, applied, err := o.Throttle.OnStableBatch(resourceKey)
	if err != nil {
		o.Log.Error().Err(err).Str("resource", resourceKey).Msg("stable-batch throttle check failed")
		return
	}
	if applied {
		tr.event("batch", batch, "throttle_increase", true, start).Float64("target_rate", rate).Send()
	}
}

// autoSuppress is the best-effort side effect for provider errors that mark
// an identity permanently unreachable.
func (o *Orchestrator) autoSuppress(campaignID int, identity, reason string) {
	if err := o.Suppressions.Add(repository.SuppressionScopeGlobal, identity, reason); err != nil {
		o.Log.Warn().Err(err).Str("identity", identity).Msg("auto-suppression failed")
	}
}

func chunk(ids []int, size int) [][]int {
	if size < 1 {
		size = 1
	}
	var out [][]int
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
