package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type UserRepository interface {
	BaseRepository[models.User]
	GetByEmail(ctx context.Context, email string, dest *models.User) error
	// CreateBootstrap inserts u, promoting it to admin when no user exists yet.
	// Concurrent callers are serialized so at most one of them is promoted.
	CreateBootstrap(ctx context.Context, u *models.User) error
}

// bootstrapLockKey identifies the transaction-scoped advisory lock held while
// deciding whether a new user is the first one.
const bootstrapLockKey = 7_302_118

type userRepository struct {
	BaseRepository[models.User]
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{BaseRepository: NewBaseRepository[models.User](db, "user"), db: db}
}

func (r *userRepository) GetByEmail(ctx context.Context, email string, dest *models.User) error {
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, "user not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get user by email failed")
	}
	return nil
}

func (r *userRepository) CreateBootstrap(ctx context.Context, u *models.User) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", bootstrapLockKey).Error; err != nil {
			return err
		}
		var exists bool
		if err := tx.Raw("SELECT EXISTS (SELECT 1 FROM users)").Scan(&exists).Error; err != nil {
			return err
		}
		if !exists {
			u.Role = models.RoleAdmin
		}
		return tx.Create(u).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.Wrap(err, appErr.CodeConflict, "user already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "create user failed")
	}
	return nil
}
