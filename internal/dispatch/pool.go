package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/rs/zerolog"

	"github.com/bulkwave/bulkwave-backend/internal/guardrail"
	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/provider"
	"github.com/bulkwave/bulkwave-backend/internal/throttle"
)

// Sender is the external template send call. *provider.Client implements it.
type Sender interface {
	SendTemplate(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
}

// Skip codes assigned outside the guardrail.
const SkipCodeSuppressed = "SUPPRESSED"

// batchJob carries everything one batch execution needs.
type batchJob struct {
	campaignID int
	batchIndex int
	claimed    []*model.CampaignRecipient
	contract   *model.TemplateContract
	variables  map[string]string
	blocked    map[string]struct{}
	limiter    *throttle.Limiter
	senderID   string
}

// BatchResult is the worker pool's aggregate output for one batch.
type BatchResult struct {
	Ops                []model.Outcome
	Sent               int
	Failed             int
	Skipped            int
	ThroughputExceeded bool
	LastSentAt         *time.Time
}

// pool drains one batch of claimed recipients with bounded concurrency.
// Workers pull from a shared atomic cursor so a slow recipient never blocks
// the others.
type pool struct {
	validator   guardrail.Validator
	sender      Sender
	controller  *throttle.Controller
	resourceKey string
	concurrency int
	sendTimeout time.Duration
	progress    *Reporter
	onSuppress  func(campaignID int, identity, reason string)
	log         zerolog.Logger
	trace       tracer
}

func (p *pool) run(ctx context.Context, job batchJob) BatchResult {
	n := p.concurrency
	if n > len(job.claimed) {
		n = len(job.claimed)
	}
	if n < 1 {
		n = 1
	}

	ops := make([]model.Outcome, len(job.claimed))
	var cursor int64
	var throttled atomic.Bool
	var lastSentMu sync.Mutex
	var lastSentAt *time.Time

	var wg sync.WaitGroup
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(job.claimed) {
					return
				}
				op := p.processOne(ctx, job, job.claimed[i], &throttled)
				ops[i] = op
				if op.Status == model.RecipientSent {
					now := time.Now()
					lastSentMu.Lock()
					lastSentAt = &now
					lastSentMu.Unlock()
				}
				if p.progress != nil {
					p.progress.Add(deltaFor(op.Status))
				}
			}
		}()
	}
	wg.Wait()

	result := BatchResult{Ops: ops, ThroughputExceeded: throttled.Load(), LastSentAt: lastSentAt}
	for _, op := range ops {
		switch op.Status {
		case model.RecipientSent:
			result.Sent++
		case model.RecipientSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	return result
}

// processOne runs the per-recipient pipeline: suppression check, guardrail,
// rate-limiter acquire, external send, classification. Any panic or error
// is contained here; every recipient yields exactly one outcome.
func (p *pool) processOne(ctx context.Context, job batchJob, rec *model.CampaignRecipient, throttled *atomic.Bool) (op model.Outcome) {
	traceID := uniuri.NewLen(12)

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("trace_id", traceID).
				Int("campaign_id", job.campaignID).
				Int("batch", job.batchIndex).
				Int("recipient_id", rec.ID).
				Msgf("recipient processing panicked: %v", r)
			op = failedOutcome(rec, localCodeTransport, fmt.Sprintf("panic: %v", r), traceID)
		}
	}()

	if _, blocked := job.blocked[rec.ExternalID]; blocked {
		return skippedOutcome(rec, SkipCodeSuppressed, "identity is suppressed", traceID)
	}

	eligible, ineligible := p.validator.Validate(rec, job.contract, job.variables)
	if ineligible != nil {
		return skippedOutcome(rec, ineligible.Code, ineligible.Reason, traceID)
	}

	if err := job.limiter.Acquire(ctx); err != nil {
		return failedOutcome(rec, localCodeTransport, "rate limiter wait aborted: "+err.Error(), traceID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	sendStart := time.Now()
	result, err := p.sender.SendTemplate(sendCtx, provider.SendRequest{
		SenderID:     job.senderID,
		To:           eligible.Identity,
		TemplateName: job.contract.Name,
		Language:     job.contract.Language,
		Params:       templateParams(job.contract.ParamFormat, eligible.Params),
	})
	p.trace.event("batch", job.batchIndex, "send", err == nil, sendStart).
		Int("recipient_id", rec.ID).
		Send()

	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ThroughputExceeded() {
				p.handleThroughputExceeded(job, throttled)
			} else if apiErr.Suppressible() && p.onSuppress != nil {
				// Best-effort side effect; its failure never aborts the batch.
				p.onSuppress(job.campaignID, rec.ExternalID, apiErr.Message)
			}
			return failedFromAPIError(rec, apiErr, traceID)
		}
		return failedOutcome(rec, localCodeTransport, err.Error(), traceID)
	}

	// A 2xx without a message identifier is a malformed success; treat it
	// as failed rather than losing track of the message.
	if result.MessageID == "" {
		return failedOutcome(rec, localCodeNoMessageID,
			"provider returned HTTP "+strconv.Itoa(result.HTTPStatus)+" without a message id", traceID)
	}

	return sentOutcome(rec, result.MessageID, traceID)
}

// handleThroughputExceeded applies at most one rate decrease per batch; the
// first worker to see the signal wins and updates the live limiter so
// in-flight workers slow down immediately.
func (p *pool) handleThroughputExceeded(job batchJob, throttled *atomic.Bool) {
	if !throttled.CompareAndSwap(false, true) {
		return
	}
	start := time.Now()
	newRate, err := p.controller.OnThroughputExceeded(p.resourceKey)
	if err != nil {
		p.log.Error().Err(err).Str("resource", p.resourceKey).Msg("failed to persist throttle decrease")
		return
	}
	job.limiter.UpdateRate(newRate)
	p.trace.event("batch", job.batchIndex, "throttle_decrease", true, start).
		Float64("target_rate", newRate).
		Send()
}

func templateParams(format string, resolved []guardrail.ResolvedParam) []provider.TemplateParam {
	params := make([]provider.TemplateParam, len(resolved))
	for i, rp := range resolved {
		params[i] = provider.TemplateParam{Text: rp.Value}
		if format == model.ParamNamed {
			params[i].Name = tokenName(rp.Token)
		}
	}
	return params
}

// tokenName strips the braces from a raw token like "{{email}}".
func tokenName(token string) string {
	name := strings.TrimPrefix(token, "{{")
	name = strings.TrimSuffix(name, "}}")
	return strings.TrimSpace(name)
}

func deltaFor(status string) model.CounterDelta {
	switch status {
	case model.RecipientSent:
		return model.CounterDelta{Sent: 1}
	case model.RecipientSkipped:
		return model.CounterDelta{Skipped: 1}
	default:
		return model.CounterDelta{Failed: 1}
	}
}
