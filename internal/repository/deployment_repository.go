package repository

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

// DeploymentFilter narrows ListDeployments. A nil AccountIDs means every account.
type DeploymentFilter struct {
	Status       string
	ProviderType string
	Tag          string
	AccountIDs   []string
	Limit        int
	Offset       int
}

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	WithTx(tx *gorm.DB) DeploymentRepository
	// Transaction runs fn against a repository bound to one database
	// transaction. Returning an error rolls it back.
	Transaction(ctx context.Context, fn func(repo DeploymentRepository) error) error
	List(ctx context.Context, f DeploymentFilter) ([]models.Deployment, int64, error)
	ListActive(ctx context.Context) ([]models.Deployment, error)
	ListTags(ctx context.Context, accountIDs []string) ([]string, error)
	UpdateTags(ctx context.Context, deploymentID string, tags []string) error
	// ApplyTransition writes lifecycle fields only while the row is non-terminal
	// and seq is newer than the stored engine sequence. seq <= 0 skips the
	// sequence check. It reports whether a row was changed.
	ApplyTransition(ctx context.Context, deploymentID string, seq int64, updates map[string]any) (bool, error)
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{
		BaseRepository: NewKeyedRepository[models.Deployment](db, "deployment", "deployment_id"),
		db:             db,
	}
}

func (r *deploymentRepository) WithTx(tx *gorm.DB) DeploymentRepository {
	return NewDeploymentRepository(tx)
}

func (r *deploymentRepository) Transaction(ctx context.Context, fn func(repo DeploymentRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTx(tx))
	})
}

func (r *deploymentRepository) scoped(ctx context.Context, accountIDs []string) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.Deployment{})
	if accountIDs != nil {
		q = q.Where("cloud_account_id IN ?", nonEmpty(accountIDs))
	}
	return q
}

func (r *deploymentRepository) List(ctx context.Context, f DeploymentFilter) ([]models.Deployment, int64, error) {
	filtered := func() *gorm.DB {
		q := r.scoped(ctx, f.AccountIDs)
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.ProviderType != "" {
			q = q.Where("provider_type = ?", f.ProviderType)
		}
		if f.Tag != "" {
			b, _ := json.Marshal([]string{f.Tag})
			q = q.Where("tags @> CAST(? AS jsonb)", string(b))
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count deployments failed")
	}

	q := filtered().Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []models.Deployment
	if err := q.Find(&out).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, total, nil
}

func (r *deploymentRepository) ListActive(ctx context.Context) ([]models.Deployment, error) {
	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", models.TerminalStatuses).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list active deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) ListTags(ctx context.Context, accountIDs []string) ([]string, error) {
	sub := r.scoped(ctx, accountIDs).
		Where("jsonb_typeof(tags) = 'array'").
		Select("jsonb_array_elements_text(tags) AS tag")
	var tags []string
	err := r.db.WithContext(ctx).
		Table("(?) AS t", sub).
		Distinct().
		Order("tag").
		Pluck("tag", &tags).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployment tags failed")
	}
	return tags, nil
}

func (r *deploymentRepository) UpdateTags(ctx context.Context, deploymentID string, tags []string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("deployment_id = ?", deploymentID).
		Updates(map[string]any{"tags": tagsValue(tags), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update deployment tags failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) ApplyTransition(ctx context.Context, deploymentID string, seq int64, updates map[string]any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	fields := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		fields[k] = v
	}
	fields["updated_at"] = time.Now().UTC()

	q := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("deployment_id = ?", deploymentID).
		Where("status NOT IN ?", models.TerminalStatuses)
	if seq > 0 {
		q = q.Where("engine_seq < ?", seq)
		fields["engine_seq"] = seq
	}

	res := q.Updates(fields)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "update deployment lifecycle failed")
	}
	return res.RowsAffected > 0, nil
}

func tagsValue(tags []string) any {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return gorm.Expr("CAST(? AS jsonb)", string(b))
}

// nonEmpty keeps "IN ?" valid SQL when the caller can see nothing.
func nonEmpty(ids []string) []string {
	if len(ids) == 0 {
		return []string{""}
	}
	return ids
}
