// internal/model/template.go
package model

import "time"

// Template parameter formats
const (
	ParamPositional = "positional"
	ParamNamed      = "named"
)

// TemplateContract is the provider-synced shape of a message template: which
// tokens the body declares, in which format, and the component structure the
// send payload must mirror.
type TemplateContract struct {
	Name        string    `db:"name" json:"name"`
	Language    string    `db:"language" json:"language"`
	ParamFormat string    `db:"param_format" json:"param_format"`
	Body        string    `db:"body" json:"body"`
	Components  []byte    `db:"components" json:"-"`
	SyncedAt    time.Time `db:"synced_at" json:"synced_at"`
}

type WorkflowRun struct {
	RunID             string    `db:"run_id" json:"run_id"`
	CampaignID        int       `db:"campaign_id" json:"campaign_id"`
	Status            string    `db:"status" json:"status"`
	LastCompletedStep int       `db:"last_completed_step" json:"last_completed_step"`
	TotalBatches      int       `db:"total_batches" json:"total_batches"`
	StartedAt         time.Time `db:"started_at" json:"started_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Workflow run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Suppression scopes: "global", or the campaign id as a string.
type Suppression struct {
	ID        int       `db:"id" json:"id"`
	Scope     string    `db:"scope" json:"scope"`
	Identity  string    `db:"identity" json:"identity"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
