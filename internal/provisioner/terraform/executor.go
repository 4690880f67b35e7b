package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/terraform-exec/tfexec"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/pkg/logger"
)

// VarFile is the variables file written next to the template.
const VarFile = "terraform.tfvars.json"

// Executor wraps terraform-exec for one working directory.
type Executor struct {
	workingDir string
	binary     string
	env        map[string]string
	out        io.Writer
	tf         *tfexec.Terraform
}

type ExecutorOptions struct {
	// Binary defaults to the terraform found in PATH.
	Binary string
	// Env is merged over the worker's own environment.
	Env map[string]string
	// Output receives stdout and stderr of every command.
	Output io.Writer
}

func NewExecutor(workingDir string, opts ExecutorOptions) *Executor {
	return &Executor{
		workingDir: workingDir,
		binary:     opts.Binary,
		env:        opts.Env,
		out:        opts.Output,
	}
}

func (e *Executor) WorkingDir() string { return e.workingDir }

// Initialize writes the given files and runs terraform init.
func (e *Executor) Initialize(ctx context.Context, files map[string][]byte) error {
	if err := os.MkdirAll(e.workingDir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(e.workingDir, name), content, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	tfPath := e.binary
	if tfPath == "" {
		p, err := exec.LookPath("terraform")
		if err != nil {
			return fmt.Errorf("terraform not found in PATH: %w", err)
		}
		tfPath = p
	}

	tf, err := tfexec.NewTerraform(e.workingDir, tfPath)
	if err != nil {
		return fmt.Errorf("create terraform executor: %w", err)
	}
	if len(e.env) > 0 {
		if err := tf.SetEnv(mergeEnv(os.Environ(), e.env)); err != nil {
			return fmt.Errorf("set terraform env: %w", err)
		}
	}
	if e.out != nil {
		tf.SetStdout(e.out)
		tf.SetStderr(e.out)
	}
	e.tf = tf

	logger.L().Info("running terraform init", zap.String("working_dir", e.workingDir))
	if err := tf.Init(ctx); err != nil {
		return fmt.Errorf("terraform init: %w", err)
	}
	return nil
}

// Validate runs terraform validate and reports the first diagnostic error.
func (e *Executor) Validate(ctx context.Context) error {
	out, err := e.tf.Validate(ctx)
	if err != nil {
		return fmt.Errorf("terraform validate: %w", err)
	}
	if !out.Valid {
		for _, d := range out.Diagnostics {
			if d.Severity == "error" {
				return fmt.Errorf("template invalid: %s: %s", d.Summary, d.Detail)
			}
		}
		return fmt.Errorf("template invalid")
	}
	return nil
}

// Plan runs terraform plan and reports whether there are changes.
func (e *Executor) Plan(ctx context.Context) (bool, error) {
	logger.L().Info("running terraform plan", zap.String("working_dir", e.workingDir))
	changes, err := e.tf.Plan(ctx, tfexec.VarFile(VarFile))
	if err != nil {
		return false, fmt.Errorf("terraform plan: %w", err)
	}
	return changes, nil
}

// Apply runs terraform apply and collects outputs and the raw state file.
func (e *Executor) Apply(ctx context.Context) (*ApplyResult, error) {
	logger.L().Info("running terraform apply", zap.String("working_dir", e.workingDir))
	if err := e.tf.Apply(ctx, tfexec.VarFile(VarFile)); err != nil {
		return nil, fmt.Errorf("terraform apply: %w", err)
	}

	outputs, err := e.tf.Output(ctx)
	if err != nil {
		logger.L().Warn("failed to get outputs", zap.Error(err))
	}

	state, err := os.ReadFile(filepath.Join(e.workingDir, "terraform.tfstate"))
	if err != nil {
		// non-local backends keep no state file; fall back to the JSON view
		st, serr := e.tf.Show(ctx)
		if serr != nil {
			return nil, fmt.Errorf("failed to get state: %w", serr)
		}
		if state, err = json.Marshal(st); err != nil {
			return nil, fmt.Errorf("encode state: %w", err)
		}
	}

	return &ApplyResult{
		Outputs: convertOutputs(outputs),
		State:   state,
	}, nil
}

// Cleanup removes the working directory
func (e *Executor) Cleanup() error {
	return os.RemoveAll(e.workingDir)
}

type ApplyResult struct {
	Outputs map[string]any
	State   []byte
}

func convertOutputs(tfOutputs map[string]tfexec.OutputMeta) map[string]any {
	outputs := make(map[string]any, len(tfOutputs))
	for key, output := range tfOutputs {
		var v any
		if err := json.Unmarshal(output.Value, &v); err != nil {
			v = string(output.Value)
		}
		if output.Sensitive {
			v = "(sensitive)"
		}
		outputs[key] = v
	}
	return outputs
}

// tfexec refuses to run when these are passed through SetEnv.
var managedEnv = map[string]bool{
	"CHECKPOINT_DISABLE":      true,
	"TF_APPEND_USER_AGENT":    true,
	"TF_DISABLE_PLUGIN_TLS":   true,
	"TF_IN_AUTOMATION":        true,
	"TF_INPUT":                true,
	"TF_LOG":                  true,
	"TF_LOG_CORE":             true,
	"TF_LOG_PATH":             true,
	"TF_LOG_PROVIDER":         true,
	"TF_REATTACH_PROVIDERS":   true,
	"TF_SKIP_PROVIDER_VERIFY": true,
	"TF_WORKSPACE":            true,
}

func mergeEnv(base []string, overrides map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || managedEnv[k] {
			continue
		}
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}
