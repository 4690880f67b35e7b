// Package engine is the client side of the asynchronous provisioning engine:
// submitting runs, reading their status and tailing their log stream.
package engine

import (
	"context"
	"time"
)

// CredentialMode selects which credentials a run uses.
type CredentialMode string

const (
	// CredentialsAccount injects the cloud account's stored credentials into the run.
	CredentialsAccount CredentialMode = "account"
	// CredentialsEnvironment lets the worker use its ambient credentials and only
	// forwards identity fields (subscription, project).
	CredentialsEnvironment CredentialMode = "environment"
)

// CallConfig is chosen per call by the caller, never held as global state.
type CallConfig struct {
	CredentialMode CredentialMode
}

// Mode returns the configured mode, defaulting to account credentials.
func (c CallConfig) Mode() CredentialMode {
	if c.CredentialMode == "" {
		return CredentialsAccount
	}
	return c.CredentialMode
}

// Run is one accepted deployment request as handed to the engine.
type Run struct {
	DeploymentID   string         `json:"deployment_id"`
	ProviderType   string         `json:"provider_type"`
	TemplateName   string         `json:"template_name"`
	Location       string         `json:"location,omitempty"`
	CloudAccountID string         `json:"cloud_account_id"`
	Parameters     map[string]any `json:"parameters"`
	Tags           []string       `json:"tags,omitempty"`
	CredentialMode CredentialMode `json:"credential_mode"`
}

// RunStatus is a snapshot of a run. Seq increases with every status write so
// consumers can discard stale snapshots.
type RunStatus struct {
	DeploymentID string         `json:"deployment_id"`
	TaskID       string         `json:"task_id"`
	Status       string         `json:"status"`
	Phase        string         `json:"phase,omitempty"`
	Progress     int            `json:"progress"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
	Seq          int64          `json:"seq"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// LogLine is one raw entry from a run's log stream. ID is the stream cursor.
type LogLine struct {
	ID   string
	Line string
}

// StartCursor reads a log stream from its first entry.
const StartCursor = "0"

// Engine executes runs asynchronously.
type Engine interface {
	// Submit enqueues the run and returns the engine task id.
	Submit(ctx context.Context, run Run) (string, error)
	Status(ctx context.Context, deploymentID string) (*RunStatus, error)
	Cancel(ctx context.Context, deploymentID string) error
	// ReadLogs returns entries after cursor and the cursor to continue from.
	// A positive block waits up to that long for new entries.
	ReadLogs(ctx context.Context, deploymentID, cursor string, block time.Duration) ([]LogLine, string, error)
}
