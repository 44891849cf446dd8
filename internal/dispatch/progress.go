package dispatch

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

// ProgressTopic returns the pubsub topic carrying one campaign's progress
// deltas. SSE handlers subscribe to it.
func ProgressTopic(campaignID int) string {
	return "campaign.progress." + strconv.Itoa(campaignID)
}

// ProgressDelta is the ephemeral, best-effort counter update published at a
// bounded interval. Never a source of truth; the persisted rows are.
type ProgressDelta struct {
	CampaignID int    `json:"campaign_id"`
	RunID      string `json:"run_id"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

func (d ProgressDelta) JSON() []byte {
	b, _ := json.Marshal(d)
	return b
}

// ProgressSink is where the reporter ships its flushes. The worker binary
// uses the broker-backed sink so the API process can relay deltas to its
// SSE subscribers; a combined process can wire BusSink directly.
type ProgressSink interface {
	PublishProgress(d ProgressDelta) error
}

// BusSink delivers deltas to an in-process pubsub bus on the campaign's
// progress topic.
type BusSink struct {
	Bus *pubsub.PubSub
}

func (s BusSink) PublishProgress(d ProgressDelta) error {
	s.Bus.TryPub(d, ProgressTopic(d.CampaignID))
	return nil
}

var _ ProgressSink = BusSink{}

// Reporter coalesces per-recipient deltas in memory and flushes them to the
// sink on a timer. Dropped flushes are acceptable.
type Reporter struct {
	sink       ProgressSink
	log        zerolog.Logger
	campaignID int
	runID      string

	mu      sync.Mutex
	pending model.CounterDelta

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewReporter(sink ProgressSink, log zerolog.Logger, campaignID int, runID string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r := &Reporter{
		sink:       sink,
		log:        log,
		campaignID: campaignID,
		runID:      runID,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.loop(interval)
	return r
}

func (r *Reporter) Add(delta model.CounterDelta) {
	r.mu.Lock()
	r.pending.Sent += delta.Sent
	r.pending.Failed += delta.Failed
	r.pending.Skipped += delta.Skipped
	r.mu.Unlock()
}

// Stop flushes once more and shuts the loop down.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reporter) loop(interval time.Duration) {
	defer close(r.done)
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			r.flush()
		case <-r.stop:
			r.flush()
			return
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	delta := r.pending
	r.pending = model.CounterDelta{}
	r.mu.Unlock()

	if delta.Sent == 0 && delta.Failed == 0 && delta.Skipped == 0 {
		return
	}

	msg := ProgressDelta{
		CampaignID: r.campaignID,
		RunID:      r.runID,
		Sent:       delta.Sent,
		Failed:     delta.Failed,
		Skipped:    delta.Skipped,
	}
	if r.sink != nil {
		if err := r.sink.PublishProgress(msg); err != nil {
			r.log.Warn().Err(err).Int("campaign_id", r.campaignID).Msg("progress publish failed")
		}
	}
	r.log.Debug().
		Int("campaign_id", r.campaignID).
		Str("run_id", r.runID).
		Int("sent", delta.Sent).
		Int("failed", delta.Failed).
		Int("skipped", delta.Skipped).
		Msg("progress flush")
}
