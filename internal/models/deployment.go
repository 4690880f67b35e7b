package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Deployment lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TerminalStatuses lists the states a deployment never leaves.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether status is completed, failed or cancelled.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
// A pending run that finished between two polls may jump straight to a terminal state.
func CanTransition(from, to string) bool {
	if from == to {
		return !IsTerminal(from)
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || IsTerminal(to)
	case StatusRunning:
		return IsTerminal(to)
	}
	return false
}

// Deployment is one submitted provisioning request and its lifecycle.
type Deployment struct {
	DeploymentID   string                      `gorm:"type:varchar(50);primaryKey" json:"deployment_id"`
	Status         string                      `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	Phase          string                      `gorm:"type:varchar(50)" json:"phase,omitempty"`
	TemplateName   string                      `gorm:"type:varchar(255);not null" json:"template_name"`
	ProviderType   string                      `gorm:"type:varchar(20);index;not null" json:"provider_type"`
	Location       string                      `gorm:"type:varchar(100)" json:"location,omitempty"`
	CloudAccountID string                      `gorm:"type:varchar(64);index" json:"cloud_account_id"`
	CreatedBy      string                      `gorm:"type:varchar(255);index" json:"created_by"`
	Parameters     datatypes.JSON              `gorm:"type:jsonb" json:"parameters"`
	Outputs        datatypes.JSON              `gorm:"type:jsonb" json:"outputs,omitempty"`
	ErrorMessage   string                      `gorm:"type:text" json:"error_message,omitempty"`
	Tags           datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"tags"`
	TaskID         string                      `gorm:"type:varchar(255)" json:"task_id,omitempty"`
	EngineSeq      int64                       `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time                   `json:"created_at"`
	StartedAt      *time.Time                  `json:"started_at,omitempty"`
	CompletedAt    *time.Time                  `json:"completed_at,omitempty"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// Duration returns the run time once the deployment has started.
func (d *Deployment) Duration(now time.Time) *float64 {
	if d.StartedAt == nil {
		return nil
	}
	end := now
	if d.CompletedAt != nil {
		end = *d.CompletedAt
	}
	secs := end.Sub(*d.StartedAt).Seconds()
	return &secs
}

// ParameterMap decodes the stored request parameters.
func (d *Deployment) ParameterMap() map[string]any {
	out := map[string]any{}
	if len(d.Parameters) > 0 {
		_ = json.Unmarshal(d.Parameters, &out)
	}
	return out
}

// OutputMap decodes the stored outputs of a completed run.
func (d *Deployment) OutputMap() map[string]any {
	if len(d.Outputs) == 0 {
		return nil
	}
	out := map[string]any{}
	_ = json.Unmarshal(d.Outputs, &out)
	return out
}
