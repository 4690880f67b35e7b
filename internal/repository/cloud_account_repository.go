package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type CloudAccountRepository interface {
	BaseRepository[models.CloudAccount]
	// List returns accounts ordered by name. A nil ids slice means every account.
	List(ctx context.Context, ids []uuid.UUID, activeOnly bool) ([]models.CloudAccount, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
	// DeleteWithPermissions removes the account and every grant on it in one transaction.
	DeleteWithPermissions(ctx context.Context, id uuid.UUID) error
}

type cloudAccountRepository struct {
	BaseRepository[models.CloudAccount]
	db *gorm.DB
}

func NewCloudAccountRepository(db *gorm.DB) CloudAccountRepository {
	return &cloudAccountRepository{
		BaseRepository: NewBaseRepository[models.CloudAccount](db, "cloud account"),
		db:             db,
	}
}

func (r *cloudAccountRepository) List(ctx context.Context, ids []uuid.UUID, activeOnly bool) ([]models.CloudAccount, error) {
	q := r.db.WithContext(ctx).Model(&models.CloudAccount{})
	if ids != nil {
		if len(ids) == 0 {
			return []models.CloudAccount{}, nil
		}
		q = q.Where("id IN ?", ids)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []models.CloudAccount
	if err := q.Order("name ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list cloud accounts failed")
	}
	return out, nil
}

func (r *cloudAccountRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.CloudAccount{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update cloud account failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "cloud account not found")
	}
	return nil
}

func (r *cloudAccountRepository) DeleteWithPermissions(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cloud_account_id = ?", id).Delete(&models.Permission{}).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "delete cloud account permissions failed")
		}
		res := tx.Delete(&models.CloudAccount{}, "id = ?", id)
		if res.Error != nil {
			return appErr.Wrap(res.Error, appErr.CodeInternal, "delete cloud account failed")
		}
		if res.RowsAffected == 0 {
			return appErr.New(appErr.CodeNotFound, "cloud account not found")
		}
		return nil
	})
}

type PermissionRepository interface {
	// Upsert creates the grant or overwrites both flags of an existing one.
	Upsert(ctx context.Context, p *models.Permission) error
	Get(ctx context.Context, accountID uuid.UUID, email string, dest *models.Permission) error
	Delete(ctx context.Context, accountID uuid.UUID, email string) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Permission, error)
	ListByUser(ctx context.Context, email string) ([]models.Permission, error)
}

type permissionRepository struct {
	db *gorm.DB
}

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &permissionRepository{db: db}
}

func (r *permissionRepository) Upsert(ctx context.Context, p *models.Permission) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cloud_account_id"}, {Name: "user_email"}},
		DoUpdates: clause.AssignmentColumns([]string{"can_view", "can_deploy", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return appErr.Wrap(err, appErr.CodeNotFound, "cloud account not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "save permission failed")
	}
	return nil
}

func (r *permissionRepository) Get(ctx context.Context, accountID uuid.UUID, email string, dest *models.Permission) error {
	err := r.db.WithContext(ctx).
		Where("cloud_account_id = ? AND user_email = ?", accountID, email).
		First(dest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, "permission not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get permission failed")
	}
	return nil
}

func (r *permissionRepository) Delete(ctx context.Context, accountID uuid.UUID, email string) error {
	res := r.db.WithContext(ctx).
		Where("cloud_account_id = ? AND user_email = ?", accountID, email).
		Delete(&models.Permission{})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "delete permission failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "permission not found")
	}
	return nil
}

func (r *permissionRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Permission, error) {
	var out []models.Permission
	if err := r.db.WithContext(ctx).Where("cloud_account_id = ?", accountID).Order("user_email").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list permissions failed")
	}
	return out, nil
}

func (r *permissionRepository) ListByUser(ctx context.Context, email string) ([]models.Permission, error) {
	var out []models.Permission
	if err := r.db.WithContext(ctx).Where("user_email = ?", email).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list user permissions failed")
	}
	return out, nil
}
