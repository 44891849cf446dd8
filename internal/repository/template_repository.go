package repository

import (
	"database/sql"

	appErrors "github.com/bulkwave/bulkwave-backend/internal/errors"
	"github.com/bulkwave/bulkwave-backend/internal/model"
)

type TemplateRepositoryInterface interface {
	Get(name, language string) (*model.TemplateContract, error)
	Upsert(t *model.TemplateContract) error
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) Get(name, language string) (*model.TemplateContract, error) {
	query := `
        SELECT name, language, param_format, body, components, synced_at
        FROM templates WHERE name=$1 AND language=$2
    `
	var t model.TemplateContract
	err := r.DB.QueryRow(query, name, language).Scan(
		&t.Name, &t.Language, &t.ParamFormat, &t.Body, &t.Components, &t.SyncedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewTemplateNotFound(name, language)
		}
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) Upsert(t *model.TemplateContract) error {
	query := `
        INSERT INTO templates (name, language, param_format, body, components, synced_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (name, language) DO UPDATE
        SET param_format=EXCLUDED.param_format, body=EXCLUDED.body,
            components=EXCLUDED.components, synced_at=NOW()
    `
	_, err := r.DB.Exec(query, t.Name, t.Language, t.ParamFormat, t.Body, t.Components)
	return err
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
