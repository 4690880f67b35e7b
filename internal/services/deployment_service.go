package services

import (
	"context"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/metrics"
	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/repository"
	"github.com/iac-studio/portal/internal/request"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

type DeploymentService interface {
	// Submit validates the request, records a pending deployment and hands the
	// run to the engine. The row only exists if the engine accepted the run.
	Submit(ctx context.Context, p models.Principal, in *SubmitInput, cc engine.CallConfig) (*SubmitResult, error)

	Get(ctx context.Context, p models.Principal, deploymentID string) (*models.Deployment, error)
	List(ctx context.Context, p models.Principal, f repository.DeploymentFilter) ([]models.Deployment, int64, error)
	Tags(ctx context.Context, p models.Principal) ([]string, error)
	TaskStatus(ctx context.Context, p models.Principal, taskID string) (*engine.RunStatus, error)
	State(ctx context.Context, p models.Principal, deploymentID string) (*models.TerraformState, error)

	UpdateTags(ctx context.Context, p models.Principal, deploymentID string, tags []string) (*models.Deployment, error)
	Cancel(ctx context.Context, p models.Principal, deploymentID string) (*models.Deployment, error)
	Delete(ctx context.Context, p models.Principal, deploymentID string) error
}

type SubmitInput struct {
	CloudAccountID string         `json:"cloud_account_id" validate:"required"`
	ProviderType   string         `json:"provider_type" validate:"required,oneof=azure gcp"`
	TemplateName   string         `json:"template_name" validate:"required"`
	Location       string         `json:"location"`
	Parameters     map[string]any `json:"parameters"`
	Tags           []string       `json:"tags"`
}

type SubmitResult struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	TaskID       string `json:"task_id"`
}

// Tracking is the part of the status tracker the service drives.
type Tracking interface {
	Track(deploymentID string) bool
	MarkCancelled(ctx context.Context, deploymentID string) (bool, error)
}

type DeploymentDeps struct {
	Deployments repository.DeploymentRepository
	Accounts    repository.CloudAccountRepository
	States      repository.StateRepository
	Authorizer  Authorizer
	Catalog     catalog.Catalog
	Builder     *request.Builder
	Engine      engine.Engine
	Tracker     Tracking
	Metrics     *metrics.Collector
}

type deploymentService struct {
	deployments repository.DeploymentRepository
	accounts    repository.CloudAccountRepository
	states      repository.StateRepository
	authz       Authorizer
	catalog     catalog.Catalog
	builder     *request.Builder
	engine      engine.Engine
	tracker     Tracking
	metrics     *metrics.Collector
}

func NewDeploymentService(d DeploymentDeps) DeploymentService {
	return &deploymentService{
		deployments: d.Deployments,
		accounts:    d.Accounts,
		states:      d.States,
		authz:       d.Authorizer,
		catalog:     d.Catalog,
		builder:     d.Builder,
		engine:      d.Engine,
		tracker:     d.Tracker,
		metrics:     d.Metrics,
	}
}

var _ DeploymentService = (*deploymentService)(nil)

// newDeploymentID returns "deploy-" followed by 12 hex characters.
func newDeploymentID() string {
	u := uuid.New()
	return "deploy-" + hex.EncodeToString(u[:6])
}

func (s *deploymentService) Submit(ctx context.Context, p models.Principal, in *SubmitInput, cc engine.CallConfig) (*SubmitResult, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	accountID, err := uuid.Parse(in.CloudAccountID)
	if err != nil {
		return nil, appErr.ValidationFailed(map[string]string{"cloud_account_id": "must be a valid UUID"})
	}

	// authorization is decided before anything about the account is revealed
	if err := s.authz.Authorize(ctx, p, accountID, ActionDeploy); err != nil {
		return nil, err
	}

	var account models.CloudAccount
	if err := s.accounts.GetByID(ctx, accountID, &account); err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, appErr.New(appErr.CodeInvalid, "cloud account is inactive")
	}
	if account.Provider != in.ProviderType {
		return nil, appErr.ValidationFailed(map[string]string{
			"provider_type": "cloud account provider is " + account.Provider,
		})
	}

	params, err := s.catalog.GetParameters(ctx, in.ProviderType, in.TemplateName)
	if err != nil {
		return nil, err
	}
	if extra := request.Undeclared(params, in.Parameters); len(extra) > 0 {
		logger.L().Debug("dropping undeclared parameters", zap.Strings("parameters", extra))
	}
	req, err := s.builder.Build(in.ProviderType, in.TemplateName, params, in.Parameters)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := req.ParametersJSON()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode parameters failed")
	}

	id := newDeploymentID()
	location := strings.TrimSpace(in.Location)
	if location == "" {
		location = locationOf(req.Parameters)
	}
	tags := cleanTags(in.Tags)

	row := &models.Deployment{
		DeploymentID:   id,
		Status:         models.StatusPending,
		Phase:          "queued",
		TemplateName:   in.TemplateName,
		ProviderType:   in.ProviderType,
		Location:       location,
		CloudAccountID: accountID.String(),
		CreatedBy:      p.Email,
		Parameters:     datatypes.JSON(paramsJSON),
		Tags:           datatypes.JSONSlice[string](tags),
	}
	run := engine.Run{
		DeploymentID:   id,
		ProviderType:   in.ProviderType,
		TemplateName:   in.TemplateName,
		Location:       location,
		CloudAccountID: accountID.String(),
		Parameters:     req.Parameters,
		Tags:           tags,
		CredentialMode: cc.Mode(),
	}

	var taskID string
	err = s.deployments.Transaction(ctx, func(repo repository.DeploymentRepository) error {
		if err := repo.Create(ctx, row); err != nil {
			return err
		}
		tid, err := s.engine.Submit(ctx, run)
		if err != nil {
			return err
		}
		taskID = tid
		row.TaskID = tid
		return repo.Update(ctx, row)
	})
	if err != nil {
		if taskID != "" {
			// engine accepted the run but the row did not commit
			if cerr := s.engine.Cancel(context.WithoutCancel(ctx), id); cerr != nil {
				logger.Deployment(id).Error("orphaned run could not be cancelled", zap.Error(cerr))
			}
		}
		logger.Deployment(id).Error("deployment submission failed", zap.Error(err))
		return nil, err
	}

	s.tracker.Track(id)
	s.metrics.DeploymentStarted(in.ProviderType, in.TemplateName)
	logger.Deployment(id).Info("deployment submitted",
		zap.String("provider", in.ProviderType),
		zap.String("template", in.TemplateName),
		zap.String("cloud_account_id", accountID.String()),
		zap.String("credential_mode", string(cc.Mode())),
		zap.String("by", p.Email),
	)
	return &SubmitResult{DeploymentID: id, Status: models.StatusPending, TaskID: taskID}, nil
}

// load fetches a deployment and checks the caller may act on its account.
func (s *deploymentService) load(ctx context.Context, p models.Principal, deploymentID string, action Action) (*models.Deployment, error) {
	var d models.Deployment
	if err := s.deployments.GetByID(ctx, deploymentID, &d); err != nil {
		return nil, err
	}
	if p.IsAdmin() {
		return &d, nil
	}
	accountID, err := uuid.Parse(d.CloudAccountID)
	if err != nil {
		return nil, forbidden()
	}
	if err := s.authz.Authorize(ctx, p, accountID, action); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentService) Get(ctx context.Context, p models.Principal, deploymentID string) (*models.Deployment, error) {
	return s.load(ctx, p, deploymentID, ActionView)
}

func (s *deploymentService) List(ctx context.Context, p models.Principal, f repository.DeploymentFilter) ([]models.Deployment, int64, error) {
	ids, err := s.authz.ViewableAccountIDs(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	f.AccountIDs = ids
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.deployments.List(ctx, f)
}

func (s *deploymentService) Tags(ctx context.Context, p models.Principal) ([]string, error) {
	ids, err := s.authz.ViewableAccountIDs(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.deployments.ListTags(ctx, ids)
}

// TaskStatus returns the live engine snapshot. Task ids equal deployment ids;
// once the engine has forgotten the run the stored row is reported instead.
func (s *deploymentService) TaskStatus(ctx context.Context, p models.Principal, taskID string) (*engine.RunStatus, error) {
	d, err := s.load(ctx, p, taskID, ActionView)
	if err != nil {
		return nil, err
	}
	st, err := s.engine.Status(ctx, taskID)
	if err == nil {
		return st, nil
	}
	if !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, err
	}
	out := &engine.RunStatus{
		DeploymentID: d.DeploymentID,
		TaskID:       d.TaskID,
		Status:       d.Status,
		Phase:        d.Phase,
		Outputs:      d.OutputMap(),
		Error:        d.ErrorMessage,
		Seq:          d.EngineSeq,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.Status == models.StatusCompleted {
		out.Progress = 100
	}
	return out, nil
}

func (s *deploymentService) State(ctx context.Context, p models.Principal, deploymentID string) (*models.TerraformState, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	var st models.TerraformState
	if err := s.states.Get(ctx, deploymentID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *deploymentService) UpdateTags(ctx context.Context, p models.Principal, deploymentID string, tags []string) (*models.Deployment, error) {
	d, err := s.load(ctx, p, deploymentID, ActionDeploy)
	if err != nil {
		return nil, err
	}
	tags = cleanTags(tags)
	if err := s.deployments.UpdateTags(ctx, deploymentID, tags); err != nil {
		return nil, err
	}
	d.Tags = tags
	return d, nil
}

func (s *deploymentService) Cancel(ctx context.Context, p models.Principal, deploymentID string) (*models.Deployment, error) {
	d, err := s.load(ctx, p, deploymentID, ActionDeploy)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(d.Status) {
		return nil, appErr.New(appErr.CodeConflict, "deployment already "+d.Status)
	}
	if err := s.engine.Cancel(ctx, deploymentID); err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, err
	}
	changed, err := s.tracker.MarkCancelled(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if !changed {
		logger.Deployment(deploymentID).Info("cancel raced with completion")
	}
	var latest models.Deployment
	if err := s.deployments.GetByID(ctx, deploymentID, &latest); err != nil {
		return nil, err
	}
	if changed {
		s.metrics.DeploymentFinished(latest.ProviderType, models.StatusCancelled, latest.Duration(latest.UpdatedAt))
	}
	return &latest, nil
}

func (s *deploymentService) Delete(ctx context.Context, p models.Principal, deploymentID string) error {
	d, err := s.load(ctx, p, deploymentID, ActionDeploy)
	if err != nil {
		return err
	}
	if !models.IsTerminal(d.Status) {
		return appErr.New(appErr.CodeConflict, "only finished deployments can be deleted")
	}
	if err := s.deployments.Delete(ctx, deploymentID); err != nil {
		return err
	}
	logger.Deployment(deploymentID).Info("deployment deleted", zap.String("by", p.Email))
	return nil
}

// locationOf picks the region-like parameter when no explicit location was sent.
func locationOf(params map[string]any) string {
	for _, k := range []string{"location", "region", "zone"} {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// cleanTags trims, drops empties and dedupes while keeping order.
func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
