package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/provisioner"
	"github.com/iac-studio/portal/pkg/logger"
)

// Phases a run goes through and the progress reported on entering each.
const (
	PhaseInitialization = "initialization"
	PhaseValidating     = "validating"
	PhasePlanning       = "planning"
	PhaseApplying       = "applying"
	PhaseFinalizing     = "finalizing"
)

var phaseProgress = map[string]int{
	PhaseInitialization: 10,
	PhaseValidating:     25,
	PhasePlanning:       40,
	PhaseApplying:       60,
	PhaseFinalizing:     90,
}

// RunReporter is the subset of engine.Reporter the handler writes through.
type RunReporter interface {
	Phase(ctx context.Context, phase string, progress int) error
	Complete(ctx context.Context, outputs map[string]any) error
	Fail(ctx context.Context, message string) error
	Cancelled(ctx context.Context) error
	CancelRequested(ctx context.Context) bool
	Info(ctx context.Context, message string, details map[string]any)
	Error(ctx context.Context, message string, details map[string]any)
	Writer(ctx context.Context) io.WriteCloser
}

type AccountLoader interface {
	GetByID(ctx context.Context, id any, dest *models.CloudAccount) error
}

type StateArchive interface {
	Save(ctx context.Context, deploymentID string, state []byte) error
}

type ProvisionDeps struct {
	Reporters   func(deploymentID string) RunReporter
	Accounts    AccountLoader
	Catalog     catalog.Catalog
	Provisioner provisioner.Provisioner
	States      StateArchive
}

// ProvisionTaskHandler executes provisioning runs taken from the queue.
type ProvisionTaskHandler struct {
	deps ProvisionDeps
}

func NewProvisionTaskHandler(deps ProvisionDeps) *ProvisionTaskHandler {
	return &ProvisionTaskHandler{deps: deps}
}

var errCancelled = errors.New("run cancelled")

// HandleProvision never asks asynq to retry: a failed apply is reported to the
// user instead of being replayed against live infrastructure.
func (h *ProvisionTaskHandler) HandleProvision(ctx context.Context, t *asynq.Task) error {
	run, err := engine.ParseProvisionTask(t)
	if err != nil {
		logger.L().Error("invalid provision task payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	log := logger.Deployment(run.DeploymentID)
	rep := h.deps.Reporters(run.DeploymentID)
	// final status writes must land even after ctx is cancelled
	bg := context.WithoutCancel(ctx)

	if rep.CancelRequested(ctx) {
		log.Info("run cancelled before start")
		_ = rep.Cancelled(bg)
		return nil
	}

	log.Info("handling provision task", zap.String("template", run.ProviderType+"/"+run.TemplateName))
	outputs, err := h.execute(ctx, run, rep)
	if err == nil {
		if err := rep.Complete(bg, outputs); err != nil {
			log.Error("report completion failed", zap.Error(err))
			return err
		}
		rep.Info(bg, "Deployment completed successfully", map[string]any{"outputs": len(outputs)})
		log.Info("run completed")
		return nil
	}

	if errors.Is(err, errCancelled) || ctx.Err() != nil || rep.CancelRequested(bg) {
		rep.Info(bg, "Deployment cancelled", nil)
		_ = rep.Cancelled(bg)
		log.Info("run cancelled")
		return nil
	}

	msg := engine.StripANSI(err.Error())
	rep.Error(bg, "Deployment failed", map[string]any{"error": msg})
	if ferr := rep.Fail(bg, msg); ferr != nil {
		log.Error("report failure failed", zap.Error(ferr))
	}
	log.Error("run failed", zap.Error(err))
	return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
}

func (h *ProvisionTaskHandler) execute(ctx context.Context, run engine.Run, rep RunReporter) (map[string]any, error) {
	if err := h.enter(ctx, rep, PhaseInitialization); err != nil {
		return nil, err
	}
	rep.Info(ctx, fmt.Sprintf("Starting deployment to %s", run.Location), map[string]any{
		"template": run.TemplateName,
		"provider": run.ProviderType,
	})

	accountID, err := uuid.Parse(run.CloudAccountID)
	if err != nil {
		return nil, fmt.Errorf("invalid cloud account id %q", run.CloudAccountID)
	}
	var account models.CloudAccount
	if err := h.deps.Accounts.GetByID(ctx, accountID, &account); err != nil {
		return nil, fmt.Errorf("load cloud account: %w", err)
	}
	if !account.IsActive {
		return nil, fmt.Errorf("cloud account %s is inactive", account.Name)
	}
	tmpl, err := h.deps.Catalog.GetTemplate(ctx, run.ProviderType, run.TemplateName)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}

	out := rep.Writer(ctx)
	defer out.Close()

	ws, err := h.deps.Provisioner.Prepare(ctx, provisioner.Request{
		Run:      run,
		Account:  account,
		Template: tmpl,
		Output:   out,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			logger.Deployment(run.DeploymentID).Warn("workspace cleanup failed", zap.Error(err))
		}
	}()

	if err := h.enter(ctx, rep, PhaseValidating); err != nil {
		return nil, err
	}
	rep.Info(ctx, "Validating template", nil)
	if err := ws.Validate(ctx); err != nil {
		return nil, err
	}

	if err := h.enter(ctx, rep, PhasePlanning); err != nil {
		return nil, err
	}
	rep.Info(ctx, "Planning changes", nil)
	changes, err := ws.Plan(ctx)
	if err != nil {
		return nil, err
	}
	rep.Info(ctx, "Plan finished", map[string]any{"changes": changes})

	if err := h.enter(ctx, rep, PhaseApplying); err != nil {
		return nil, err
	}
	rep.Info(ctx, "Applying changes", nil)
	res, err := ws.Apply(ctx)
	if err != nil {
		return nil, err
	}

	// past this point the infrastructure exists; cancellation no longer applies
	if err := rep.Phase(context.WithoutCancel(ctx), PhaseFinalizing, phaseProgress[PhaseFinalizing]); err != nil {
		return nil, fmt.Errorf("report phase: %w", err)
	}
	rep.Info(ctx, "Saving terraform state", nil)
	if err := h.deps.States.Save(context.WithoutCancel(ctx), run.DeploymentID, res.State); err != nil {
		// outputs are still reported; state can be recovered from the provider
		rep.Error(ctx, "Saving terraform state failed", map[string]any{"error": err.Error()})
		logger.Deployment(run.DeploymentID).Error("archive state failed", zap.Error(err))
	}
	return res.Outputs, nil
}

func (h *ProvisionTaskHandler) enter(ctx context.Context, rep RunReporter, phase string) error {
	if ctx.Err() != nil || rep.CancelRequested(ctx) {
		return errCancelled
	}
	if err := rep.Phase(ctx, phase, phaseProgress[phase]); err != nil {
		return fmt.Errorf("report phase: %w", err)
	}
	return nil
}
