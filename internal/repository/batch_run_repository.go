package repository

import (
	"database/sql"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

type BatchRunRepositoryInterface interface {
	Insert(run *model.BatchRun) error
	SummarizeRun(runID string) (*model.RunSummary, error)
}

type BatchRunRepository struct {
	DB *sql.DB
}

// Insert appends one metrics row. Write-only from the engine's point of
// view: nothing in a run ever reads these back.
func (r *BatchRunRepository) Insert(run *model.BatchRun) error {
	query := `
        INSERT INTO batch_runs
            (campaign_id, run_id, batch_index, configured_size, actual_size, concurrency, target_rate,
             sent_count, failed_count, skipped_count, throughput_exceeded, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING id
    `
	return r.DB.QueryRow(query,
		run.CampaignID, run.RunID, run.BatchIndex, run.ConfiguredSize, run.ActualSize, run.Concurrency, run.TargetRate,
		run.SentCount, run.FailedCount, run.SkippedCount, run.ThroughputExceeded, run.StartedAt, run.FinishedAt,
	).Scan(&run.ID)
}

func (r *BatchRunRepository) SummarizeRun(runID string) (*model.RunSummary, error) {
	query := `
        SELECT campaign_id,
               COUNT(*),
               COALESCE(SUM(sent_count), 0),
               COALESCE(SUM(failed_count), 0),
               COALESCE(SUM(skipped_count), 0),
               COALESCE(SUM(CASE WHEN throughput_exceeded THEN 1 ELSE 0 END), 0),
               COALESCE(AVG(target_rate), 0),
               COALESCE(SUM(EXTRACT(EPOCH FROM (finished_at - started_at)) * 1000), 0)::bigint
        FROM batch_runs
        WHERE run_id=$1
        GROUP BY campaign_id
    `
	s := &model.RunSummary{RunID: runID}
	err := r.DB.QueryRow(query, runID).Scan(
		&s.CampaignID, &s.Batches, &s.Sent, &s.Failed, &s.Skipped,
		&s.ThrottledBatches, &s.AvgTargetRate, &s.TotalDurationMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

var _ BatchRunRepositoryInterface = (*BatchRunRepository)(nil)
