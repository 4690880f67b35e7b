package models

import (
	"time"

	"github.com/google/uuid"
)

// Supported cloud providers.
const (
	ProviderAzure = "azure"
	ProviderGCP   = "gcp"
)

// IsProvider reports whether p is a supported provider key.
func IsProvider(p string) bool {
	return p == ProviderAzure || p == ProviderGCP
}

// CloudAccount is a named credential set for one provider.
// ClientSecret is write-only and never serialized.
type CloudAccount struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name           string    `gorm:"type:varchar(255);not null" json:"name" validate:"required"`
	Provider       string    `gorm:"type:varchar(20);index;not null" json:"provider" validate:"required,oneof=azure gcp"`
	SubscriptionID string    `gorm:"type:varchar(255)" json:"subscription_id,omitempty"`
	TenantID       string    `gorm:"type:varchar(255)" json:"tenant_id,omitempty"`
	ClientID       string    `gorm:"type:varchar(255)" json:"client_id,omitempty"`
	ClientSecret   string    `gorm:"type:text" json:"-"`
	ProjectID      string    `gorm:"type:varchar(255)" json:"project_id,omitempty"`
	Region         string    `gorm:"type:varchar(100)" json:"region,omitempty"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedBy      string    `gorm:"type:varchar(255)" json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Permissions []Permission `gorm:"foreignKey:CloudAccountID;constraint:OnDelete:CASCADE" json:"-"`
}

// HasClientSecret reports whether a secret is stored without exposing it.
func (a *CloudAccount) HasClientSecret() bool {
	return a.ClientSecret != ""
}

// Permission grants one user access to one cloud account.
type Permission struct {
	CloudAccountID uuid.UUID `gorm:"type:uuid;primaryKey" json:"cloud_account_id"`
	UserEmail      string    `gorm:"type:varchar(255);primaryKey" json:"user_email"`
	CanView        bool      `gorm:"not null" json:"can_view"`
	CanDeploy      bool      `gorm:"not null" json:"can_deploy"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Permission) TableName() string { return "cloud_account_permissions" }
