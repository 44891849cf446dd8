// internal/model/batch_run.go
package model

import "time"

// BatchRun is an append-only metrics row, one per executed batch. The engine
// never reads these back within a run; they feed post-hoc run summaries.
type BatchRun struct {
	ID                 int       `db:"id" json:"id"`
	CampaignID         int       `db:"campaign_id" json:"campaign_id"`
	RunID              string    `db:"run_id" json:"run_id"`
	BatchIndex         int       `db:"batch_index" json:"batch_index"`
	ConfiguredSize     int       `db:"configured_size" json:"configured_size"`
	ActualSize         int       `db:"actual_size" json:"actual_size"`
	Concurrency        int       `db:"concurrency" json:"concurrency"`
	TargetRate         float64   `db:"target_rate" json:"target_rate"`
	SentCount          int       `db:"sent_count" json:"sent_count"`
	FailedCount        int       `db:"failed_count" json:"failed_count"`
	SkippedCount       int       `db:"skipped_count" json:"skipped_count"`
	ThroughputExceeded bool      `db:"throughput_exceeded" json:"throughput_exceeded"`
	StartedAt          time.Time `db:"started_at" json:"started_at"`
	FinishedAt         time.Time `db:"finished_at" json:"finished_at"`
}

// RunSummary aggregates the batch_runs rows of one workflow run.
type RunSummary struct {
	RunID            string  `json:"run_id"`
	CampaignID       int     `json:"campaign_id"`
	Batches          int     `json:"batches"`
	Sent             int     `json:"sent"`
	Failed           int     `json:"failed"`
	Skipped          int     `json:"skipped"`
	ThrottledBatches int     `json:"throttled_batches"`
	AvgTargetRate    float64 `json:"avg_target_rate"`
	TotalDurationMs  int64   `json:"total_duration_ms"`
}
