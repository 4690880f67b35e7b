package repository

import (
	"gorm.io/gorm"

	"github.com/iac-studio/portal/internal/models"
)

// registerModels returns all models that need migration.
func registerModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.CloudAccount{},
		&models.Permission{},
		&models.Deployment{},
		&models.TerraformState{},
	}
}

// Migrate runs AutoMigrate for every model and then the hand-written statements.
func Migrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error; err != nil {
		return err
	}
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle.
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addDeploymentTagIndex,
		addPermissionUserIndex,
		dropPermissionFlagDefaults,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

func addDeploymentTagIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_tags
		ON deployments USING GIN (tags)
	`).Error
}

func addPermissionUserIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_cloud_account_permissions_user
		ON cloud_account_permissions(user_email)
	`).Error
}

// dropPermissionFlagDefaults removes column defaults left by older schemas;
// the flags are always written explicitly.
func dropPermissionFlagDefaults(db *gorm.DB) error {
	return db.Exec(`
		ALTER TABLE cloud_account_permissions
		ALTER COLUMN can_view DROP DEFAULT,
		ALTER COLUMN can_deploy DROP DEFAULT
	`).Error
}
