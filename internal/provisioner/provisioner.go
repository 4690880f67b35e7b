// Package provisioner turns an accepted run into a prepared Terraform
// workspace: template copied, variables merged, credentials in the env.
package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/provisioner/terraform"
	"github.com/iac-studio/portal/pkg/logger"
)

// Request is everything needed to prepare one run.
type Request struct {
	Run      engine.Run
	Account  models.CloudAccount
	Template *catalog.Template
	// Output receives terraform's stdout and stderr.
	Output io.Writer
}

// Workspace is an initialized Terraform working directory.
type Workspace interface {
	Validate(ctx context.Context) error
	Plan(ctx context.Context) (bool, error)
	Apply(ctx context.Context) (*terraform.ApplyResult, error)
	Cleanup() error
}

// Provisioner prepares workspaces for runs.
type Provisioner interface {
	Prepare(ctx context.Context, req Request) (Workspace, error)
}

type TerraformProvisioner struct {
	workingRoot string
	binary      string
}

var _ Provisioner = (*TerraformProvisioner)(nil)

// NewTerraformProvisioner creates workspaces under workingRoot, or the OS temp
// dir when empty. binary may be empty to use terraform from PATH.
func NewTerraformProvisioner(workingRoot, binary string) *TerraformProvisioner {
	if workingRoot == "" {
		workingRoot = filepath.Join(os.TempDir(), "portal-runs")
	}
	return &TerraformProvisioner{workingRoot: workingRoot, binary: binary}
}

func (p *TerraformProvisioner) Prepare(ctx context.Context, req Request) (Workspace, error) {
	if req.Template == nil || req.Template.Path == "" {
		return nil, fmt.Errorf("template %s/%s has no source", req.Run.ProviderType, req.Run.TemplateName)
	}
	src, err := os.ReadFile(req.Template.Path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	declared, err := catalog.ParseVariables(src, filepath.Base(req.Template.Path))
	if err != nil {
		return nil, fmt.Errorf("parse template variables: %w", err)
	}

	vars := MergeVariables(req.Run, req.Account, declared)
	tfvars, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}

	dir := filepath.Join(p.workingRoot, req.Run.DeploymentID)
	tf := terraform.NewExecutor(dir, terraform.ExecutorOptions{
		Binary: p.binary,
		Env:    CredentialEnv(req.Account, req.Run.CredentialMode),
		Output: req.Output,
	})

	logger.L().Info("preparing terraform workspace",
		zap.String("deployment_id", req.Run.DeploymentID),
		zap.String("template", req.Run.ProviderType+"/"+req.Run.TemplateName),
		zap.Int("variables", len(vars)))

	if err := tf.Initialize(ctx, map[string][]byte{
		"main.tf":         src,
		terraform.VarFile: tfvars,
	}); err != nil {
		_ = tf.Cleanup()
		return nil, err
	}
	return tf, nil
}

// MergeVariables builds the terraform variables for a run. Provider fields
// come from the account, and only variables the template declares are kept.
func MergeVariables(run engine.Run, account models.CloudAccount, declared []catalog.Parameter) map[string]any {
	vars := make(map[string]any, len(run.Parameters)+3)
	for k, v := range run.Parameters {
		vars[k] = v
	}

	switch run.ProviderType {
	case models.ProviderAzure:
		if account.SubscriptionID != "" {
			vars["subscription_id"] = account.SubscriptionID
		}
		if _, ok := vars["resource_group_name"]; !ok {
			if rg, ok := vars["resource_group"]; ok {
				vars["resource_group_name"] = rg
			}
		}
	case models.ProviderGCP:
		if tags, ok := vars["tags"]; ok {
			if _, has := vars["labels"]; !has {
				vars["labels"] = tags
			}
			delete(vars, "tags")
		}
		if pid, ok := vars["projectId"]; ok {
			if _, has := vars["project_id"]; !has {
				vars["project_id"] = pid
			}
			delete(vars, "projectId")
		}
		if _, ok := vars["project_id"]; !ok && account.ProjectID != "" {
			vars["project_id"] = account.ProjectID
		}
		delete(vars, "resource_group_name")
	}
	if run.Location != "" {
		vars["location"] = run.Location
	}

	known := make(map[string]bool, len(declared))
	for _, p := range declared {
		known[p.Name] = true
	}
	for k := range vars {
		if !known[k] {
			delete(vars, k)
		}
	}
	return vars
}

// CredentialEnv returns the provider environment for terraform. Environment
// mode forwards identity only and leaves auth to the worker's own credentials.
func CredentialEnv(account models.CloudAccount, mode engine.CredentialMode) map[string]string {
	env := map[string]string{}
	switch account.Provider {
	case models.ProviderAzure:
		setIf(env, "ARM_SUBSCRIPTION_ID", account.SubscriptionID)
		if mode == engine.CredentialsEnvironment {
			break
		}
		setIf(env, "ARM_TENANT_ID", account.TenantID)
		setIf(env, "ARM_CLIENT_ID", account.ClientID)
		setIf(env, "ARM_CLIENT_SECRET", account.ClientSecret)
	case models.ProviderGCP:
		setIf(env, "GOOGLE_PROJECT", account.ProjectID)
		if mode == engine.CredentialsEnvironment {
			break
		}
		setIf(env, "GOOGLE_REGION", account.Region)
		// service account key JSON is stored as the client secret
		setIf(env, "GOOGLE_CREDENTIALS", account.ClientSecret)
	}
	return env
}

func setIf(env map[string]string, k, v string) {
	if v != "" {
		env[k] = v
	}
}
