package repository

import (
	"database/sql"
	"time"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

// ErrVersionConflict is returned by CompareAndSwap when another process
// updated the row first. Callers re-read and retry.
type ErrVersionConflict struct {
	ResourceKey string
}

func (e *ErrVersionConflict) Error() string {
	return "throttle state version conflict for " + e.ResourceKey
}

type ThrottleRepositoryInterface interface {
	GetOrCreate(resourceKey string, initialRate float64) (*model.ThrottleState, error)
	CompareAndSwap(state *model.ThrottleState) error
}

type ThrottleRepository struct {
	DB *sql.DB
}

// GetOrCreate reads the shared state for a resource, seeding it at the
// initial rate on first use.
func (r *ThrottleRepository) GetOrCreate(resourceKey string, initialRate float64) (*model.ThrottleState, error) {
	query := `
        INSERT INTO throttle_states (resource_key, target_rate, version, updated_at)
        VALUES ($1, $2, 0, NOW())
        ON CONFLICT (resource_key) DO NOTHING
    `
	if _, err := r.DB.Exec(query, resourceKey, initialRate); err != nil {
		return nil, err
	}

	var s model.ThrottleState
	err := r.DB.QueryRow(
		`SELECT resource_key, target_rate, cooldown_until, last_increase_at, version, updated_at
         FROM throttle_states WHERE resource_key=$1`,
		resourceKey,
	).Scan(&s.ResourceKey, &s.TargetRate, &s.CooldownUntil, &s.LastIncreaseAt, &s.Version, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CompareAndSwap writes the mutated state only if nobody else has touched it
// since the read; concurrent workflow instances sharing a sender resolve
// their races by retrying against the fresh row.
func (r *ThrottleRepository) CompareAndSwap(state *model.ThrottleState) error {
	query := `
        UPDATE throttle_states
        SET target_rate=$2, cooldown_until=$3, last_increase_at=$4, version=version+1, updated_at=$5
        WHERE resource_key=$1 AND version=$6
    `
	res, err := r.DB.Exec(query, state.ResourceKey, state.TargetRate, state.CooldownUntil, state.LastIncreaseAt, time.Now(), state.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrVersionConflict{ResourceKey: state.ResourceKey}
	}
	state.Version++
	return nil
}

var _ ThrottleRepositoryInterface = (*ThrottleRepository)(nil)
