package models

import "time"

// TerraformState records where the state of a finished run was archived.
// State is only populated by the database backend.
type TerraformState struct {
	DeploymentID string    `gorm:"type:varchar(50);primaryKey" json:"deployment_id"`
	BackendType  string    `gorm:"type:varchar(20);not null" json:"backend_type"`
	Location     string    `gorm:"type:text" json:"location,omitempty"`
	State        []byte    `gorm:"type:bytea" json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}
