package repository

import (
	"database/sql"
	"strconv"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

const SuppressionScopeGlobal = "global"

type SuppressionRepositoryInterface interface {
	ListBlocked(campaignID int) (map[string]struct{}, error)
	Add(scope, identity, reason string) error
	List(scope string, offset, limit int) ([]*model.Suppression, error)
}

type SuppressionRepository struct {
	DB *sql.DB
}

// ListBlocked returns the union of globally blocked identities and those
// blocked for this campaign. Loaded once per batch by the orchestrator.
func (r *SuppressionRepository) ListBlocked(campaignID int) (map[string]struct{}, error) {
	query := `SELECT identity FROM suppressions WHERE scope=$1 OR scope=$2`
	rows, err := r.DB.Query(query, SuppressionScopeGlobal, strconv.Itoa(campaignID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocked := map[string]struct{}{}
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, err
		}
		blocked[identity] = struct{}{}
	}
	return blocked, rows.Err()
}

func (r *SuppressionRepository) Add(scope, identity, reason string) error {
	query := `
        INSERT INTO suppressions (scope, identity, reason, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (scope, identity) DO NOTHING
    `
	_, err := r.DB.Exec(query, scope, identity, reason)
	return err
}

func (r *SuppressionRepository) List(scope string, offset, limit int) ([]*model.Suppression, error) {
	query := `
        SELECT id, scope, identity, reason, created_at
        FROM suppressions
        WHERE ($1 = '' OR scope=$1)
        ORDER BY id DESC
        LIMIT $2 OFFSET $3
    `
	rows, err := r.DB.Query(query, scope, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Suppression{}
	for rows.Next() {
		s := &model.Suppression{}
		if err := rows.Scan(&s.ID, &s.Scope, &s.Identity, &s.Reason, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ SuppressionRepositoryInterface = (*SuppressionRepository)(nil)
