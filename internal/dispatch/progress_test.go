package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

func TestReporterCoalescesAndFlushesOnStop(t *testing.T) {
	bus := pubsub.New(16)
	defer bus.Shutdown()
	ch := bus.Sub(ProgressTopic(7))

	r := NewReporter(BusSink{Bus: bus}, zerolog.Nop(), 7, "run-7", time.Hour) // timer never fires
	r.Add(model.CounterDelta{Sent: 1})
	r.Add(model.CounterDelta{Sent: 2, Failed: 1})
	r.Add(model.CounterDelta{Skipped: 1})
	r.Stop()

	select {
	case msg := <-ch:
		delta, ok := msg.(ProgressDelta)
		require.True(t, ok)
		assert.Equal(t, 7, delta.CampaignID)
		assert.Equal(t, "run-7", delta.RunID)
		assert.Equal(t, 3, delta.Sent)
		assert.Equal(t, 1, delta.Failed)
		assert.Equal(t, 1, delta.Skipped)
	case <-time.After(time.Second):
		t.Fatal("expected a progress delta on stop")
	}
}

func TestReporterPeriodicFlush(t *testing.T) {
	bus := pubsub.New(16)
	defer bus.Shutdown()
	ch := bus.Sub(ProgressTopic(8))

	r := NewReporter(BusSink{Bus: bus}, zerolog.Nop(), 8, "run-8", 10*time.Millisecond)
	defer r.Stop()
	r.Add(model.CounterDelta{Sent: 5})

	select {
	case msg := <-ch:
		delta := msg.(ProgressDelta)
		assert.Equal(t, 5, delta.Sent)
	case <-time.After(time.Second):
		t.Fatal("expected a periodic progress flush")
	}
}

func TestReporterSkipsEmptyFlushes(t *testing.T) {
	bus := pubsub.New(16)
	defer bus.Shutdown()
	ch := bus.Sub(ProgressTopic(9))

	r := NewReporter(BusSink{Bus: bus}, zerolog.Nop(), 9, "run-9", 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	select {
	case msg := <-ch:
		t.Fatalf("unexpected flush with zero delta: %+v", msg)
	default:
	}
}

type recordingSink struct {
	mu     sync.Mutex
	deltas []ProgressDelta
}

func (s *recordingSink) PublishProgress(d ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
	return nil
}

// The reporter must ship every flush through the sink it was handed; that
// sink is the only path deltas take out of the worker process.
func TestReporterPublishesThroughSink(t *testing.T) {
	sink := &recordingSink{}

	r := NewReporter(sink, zerolog.Nop(), 11, "run-11", time.Hour)
	r.Add(model.CounterDelta{Sent: 4, Failed: 2})
	r.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.deltas, 1)
	assert.Equal(t, ProgressDelta{CampaignID: 11, RunID: "run-11", Sent: 4, Failed: 2}, sink.deltas[0])
}

func TestReporterStopIsIdempotent(t *testing.T) {
	r := NewReporter(nil, zerolog.Nop(), 10, "run-10", time.Hour)
	r.Add(model.CounterDelta{Sent: 1})
	r.Stop()
	r.Stop()
}

func TestProgressDeltaJSON(t *testing.T) {
	b := ProgressDelta{CampaignID: 3, RunID: "r", Sent: 2}.JSON()
	assert.JSONEq(t, `{"campaign_id":3,"run_id":"r","sent":2,"failed":0,"skipped":0}`, string(b))
}
