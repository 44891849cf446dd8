package dispatch

import (
	"time"

	"github.com/rs/zerolog"
)

// tracer emits the structured trace events monitoring collaborators consume:
// {trace_id, campaign_id, step, batch, phase, ok, ms}.
type tracer struct {
	log        zerolog.Logger
	traceID    string
	campaignID int
}

func newTracer(log zerolog.Logger, traceID string, campaignID int) tracer {
	return tracer{log: log, traceID: traceID, campaignID: campaignID}
}

func (t tracer) event(step string, batch int, phase string, ok bool, start time.Time) *zerolog.Event {
	e := t.log.Info()
	if !ok {
		e = t.log.Warn()
	}
	return e.
		Str("trace_id", t.traceID).
		Int("campaign_id", t.campaignID).
		Str("step", step).
		Int("batch", batch).
		Str("phase", phase).
		Bool("ok", ok).
		Int64("ms", time.Since(start).Milliseconds())
}
