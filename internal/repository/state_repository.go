package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type StateRepository interface {
	Save(ctx context.Context, s *models.TerraformState) error
	Get(ctx context.Context, deploymentID string, dest *models.TerraformState) error
}

type stateRepository struct {
	BaseRepository[models.TerraformState]
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) StateRepository {
	return &stateRepository{
		BaseRepository: NewKeyedRepository[models.TerraformState](db, "terraform state", "deployment_id"),
		db:             db,
	}
}

func (r *stateRepository) Save(ctx context.Context, s *models.TerraformState) error {
	s.UpdatedAt = time.Now().UTC()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "deployment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"backend_type", "location", "state", "updated_at"}),
	}).Create(s).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "save terraform state failed")
	}
	return nil
}

func (r *stateRepository) Get(ctx context.Context, deploymentID string, dest *models.TerraformState) error {
	return r.GetByID(ctx, deploymentID, dest)
}
