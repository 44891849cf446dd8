package repository

import (
	"database/sql"
	"time"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

type WorkflowRunRepositoryInterface interface {
	Create(run *model.WorkflowRun) error
	Get(runID string) (*model.WorkflowRun, error)
	GetRunning(campaignID int) (*model.WorkflowRun, error)
	MarkStepCompleted(runID string, stepIndex int) error
	SetTotalBatches(runID string, total int) error
	SetStatus(runID, status string) error
}

type WorkflowRunRepository struct {
	DB *sql.DB
}

func (r *WorkflowRunRepository) Create(run *model.WorkflowRun) error {
	run.StartedAt = time.Now()
	run.UpdatedAt = run.StartedAt
	if run.Status == "" {
		run.Status = model.RunRunning
	}
	if run.LastCompletedStep == 0 {
		run.LastCompletedStep = -1
	}
	query := `
        INSERT INTO workflow_runs (run_id, campaign_id, status, last_completed_step, total_batches, started_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err := r.DB.Exec(query, run.RunID, run.CampaignID, run.Status, run.LastCompletedStep, run.TotalBatches, run.StartedAt, run.UpdatedAt)
	return err
}

func (r *WorkflowRunRepository) Get(runID string) (*model.WorkflowRun, error) {
	query := `
        SELECT run_id, campaign_id, status, last_completed_step, total_batches, started_at, updated_at
        FROM workflow_runs WHERE run_id=$1
    `
	var run model.WorkflowRun
	err := r.DB.QueryRow(query, runID).Scan(
		&run.RunID, &run.CampaignID, &run.Status, &run.LastCompletedStep, &run.TotalBatches, &run.StartedAt, &run.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (r *WorkflowRunRepository) GetRunning(campaignID int) (*model.WorkflowRun, error) {
	query := `
        SELECT run_id, campaign_id, status, last_completed_step, total_batches, started_at, updated_at
        FROM workflow_runs WHERE campaign_id=$1 AND status=$2
        ORDER BY started_at DESC LIMIT 1
    `
	var run model.WorkflowRun
	err := r.DB.QueryRow(query, campaignID, model.RunRunning).Scan(
		&run.RunID, &run.CampaignID, &run.Status, &run.LastCompletedStep, &run.TotalBatches, &run.StartedAt, &run.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// MarkStepCompleted advances the durable checkpoint. A crash between a
// step's side effects and this write replays the step; every step is built
// to tolerate that.
func (r *WorkflowRunRepository) MarkStepCompleted(runID string, stepIndex int) error {
	query := `UPDATE workflow_runs SET last_completed_step=$2, updated_at=NOW() WHERE run_id=$1`
	_, err := r.DB.Exec(query, runID, stepIndex)
	return err
}

// SetTotalBatches stamps the batch count once the orchestrator has chunked
// the recipient list. Reporting reads it; the engine itself does not.
func (r *WorkflowRunRepository) SetTotalBatches(runID string, total int) error {
	query := `UPDATE workflow_runs SET total_batches=$2, updated_at=NOW() WHERE run_id=$1`
	_, err := r.DB.Exec(query, runID, total)
	return err
}

func (r *WorkflowRunRepository) SetStatus(runID, status string) error {
	query := `UPDATE workflow_runs SET status=$2, updated_at=NOW() WHERE run_id=$1`
	_, err := r.DB.Exec(query, runID, status)
	return err
}

var _ WorkflowRunRepositoryInterface = (*WorkflowRunRepository)(nil)
