package services

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/repository"
	"github.com/iac-studio/portal/internal/request"
	"github.com/iac-studio/portal/internal/validation"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type deployFixture struct {
	deployments *mockDeployments
	accounts    *mockAccounts
	states      *mockStates
	authz       *mockAuthorizer
	catalog     *mockCatalog
	engine      *mockEngine
	tracker     *mockTracker
	svc         DeploymentService
}

func newDeployFixture() *deployFixture {
	f := &deployFixture{
		deployments: &mockDeployments{},
		accounts:    &mockAccounts{},
		states:      &mockStates{},
		authz:       &mockAuthorizer{},
		catalog:     &mockCatalog{},
		engine:      &mockEngine{},
		tracker:     &mockTracker{},
	}
	f.svc = NewDeploymentService(DeploymentDeps{
		Deployments: f.deployments,
		Accounts:    f.accounts,
		States:      f.states,
		Authorizer:  f.authz,
		Catalog:     f.catalog,
		Builder:     request.NewBuilder(validation.New()),
		Engine:      f.engine,
		Tracker:     f.tracker,
	})
	return f
}

var (
	accountID = uuid.MustParse("8f14e45f-ceea-467f-a0e6-1b7c3c1f0a11")
	alice     = models.Principal{UserID: "u-1", Email: "alice@example.com", Role: models.RoleUser}
	admin     = models.Principal{UserID: "u-0", Email: "root@example.com", Role: models.RoleAdmin}
	vmParams  = []catalog.Parameter{
		{Name: "vm_size", Type: "string", Required: true},
		{Name: "location", Type: "string", Required: true},
		{Name: "admin_username", Type: "string"},
	}
)

func azureAccount() models.CloudAccount {
	return models.CloudAccount{ID: accountID, Name: "prod", Provider: models.ProviderAzure, SubscriptionID: "sub-1", IsActive: true}
}

func submitInput() *SubmitInput {
	return &SubmitInput{
		CloudAccountID: accountID.String(),
		ProviderType:   models.ProviderAzure,
		TemplateName:   "virtual-machine",
		Parameters: map[string]any{
			"vm_size":        "Standard_B2s",
			"location":       "eastus",
			"admin_username": "  ",
			"unknown":        "dropped",
		},
		Tags: []string{"team-a", " ", "team-a"},
	}
}

func TestSubmitCreatesRowAndTracks(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()

	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(nil).Once()
	f.accounts.On("GetByID", ctx, accountID, mock.Anything).Return(azureAccount(), nil).Once()
	f.catalog.On("GetParameters", ctx, "azure", "virtual-machine").Return(vmParams, nil).Once()
	f.deployments.On("Transaction", ctx).Once()
	f.deployments.On("Create", ctx, mock.MatchedBy(func(d *models.Deployment) bool {
		return d.Status == models.StatusPending && d.Location == "eastus" && d.CreatedBy == alice.Email &&
			string(d.Parameters) == `{"location":"eastus","vm_size":"Standard_B2s"}`
	})).Return(nil).Once()
	f.engine.On("Submit", ctx, mock.MatchedBy(func(r engine.Run) bool {
		return r.CredentialMode == engine.CredentialsEnvironment &&
			len(r.Parameters) == 2 && r.Parameters["vm_size"] == "Standard_B2s" &&
			len(r.Tags) == 1 && r.Tags[0] == "team-a"
	})).Return("task-1", nil).Once()
	f.deployments.On("Update", ctx, mock.MatchedBy(func(d *models.Deployment) bool { return d.TaskID == "task-1" })).Return(nil).Once()
	f.tracker.On("Track", mock.Anything).Return(true).Once()

	res, err := f.svc.Submit(ctx, alice, submitInput(), engine.CallConfig{CredentialMode: engine.CredentialsEnvironment})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, res.Status)
	require.Equal(t, "task-1", res.TaskID)
	require.Regexp(t, regexp.MustCompile(`^deploy-[0-9a-f]{12}$`), res.DeploymentID)
	f.tracker.AssertCalled(t, "Track", res.DeploymentID)
	f.deployments.AssertExpectations(t)
	f.engine.AssertExpectations(t)
}

func TestSubmitForbiddenBeforeAccountLookup(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(appErr.New(appErr.CodeForbidden, forbiddenMessage)).Once()

	_, err := f.svc.Submit(ctx, alice, submitInput(), engine.CallConfig{})
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))
	f.accounts.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything, mock.Anything)
	f.engine.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestSubmitReportsEveryInvalidField(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(nil)
	f.accounts.On("GetByID", ctx, accountID, mock.Anything).Return(azureAccount(), nil)
	f.catalog.On("GetParameters", ctx, "azure", "virtual-machine").Return(vmParams, nil)

	in := submitInput()
	in.Parameters = map[string]any{"admin_username": "azureuser"}
	_, err := f.svc.Submit(ctx, alice, in, engine.CallConfig{})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	fields := appErr.FieldErrors(err)
	require.Contains(t, fields, "vm_size")
	require.Contains(t, fields, "location")
	f.engine.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestSubmitRejectsInactiveOrMismatchedAccount(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(nil)

	inactive := azureAccount()
	inactive.IsActive = false
	f.accounts.On("GetByID", ctx, accountID, mock.Anything).Return(inactive, nil).Once()
	_, err := f.svc.Submit(ctx, alice, submitInput(), engine.CallConfig{})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	gcp := azureAccount()
	gcp.Provider = models.ProviderGCP
	f.accounts.On("GetByID", ctx, accountID, mock.Anything).Return(gcp, nil).Once()
	_, err = f.svc.Submit(ctx, alice, submitInput(), engine.CallConfig{})
	require.Contains(t, appErr.FieldErrors(err), "provider_type")
}

func TestSubmitEngineFailureLeavesNoRow(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(nil)
	f.accounts.On("GetByID", ctx, accountID, mock.Anything).Return(azureAccount(), nil)
	f.catalog.On("GetParameters", ctx, "azure", "virtual-machine").Return(vmParams, nil)
	f.deployments.On("Transaction", ctx)
	f.deployments.On("Create", ctx, mock.Anything).Return(nil)
	f.engine.On("Submit", ctx, mock.Anything).Return("", appErr.New(appErr.CodeUnavailable, "engine unavailable"))

	_, err := f.svc.Submit(ctx, alice, submitInput(), engine.CallConfig{})
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	f.deployments.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	f.engine.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	f.tracker.AssertNotCalled(t, "Track", mock.Anything)
}

func TestSubmitCancelsRunWhenCommitFails(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(nil)
	f.accounts.On("GetByID", ctx, accountID, mock.Anything).Return(azureAccount(), nil)
	f.catalog.On("GetParameters", ctx, "azure", "virtual-machine").Return(vmParams, nil)
	f.deployments.On("Transaction", ctx)
	f.deployments.On("Create", ctx, mock.Anything).Return(nil)
	f.engine.On("Submit", ctx, mock.Anything).Return("task-1", nil)
	f.deployments.On("Update", ctx, mock.Anything).Return(errors.New("connection reset"))
	f.engine.On("Cancel", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()

	_, err := f.svc.Submit(ctx, alice, submitInput(), engine.CallConfig{})
	require.Error(t, err)
	f.engine.AssertExpectations(t)
	f.tracker.AssertNotCalled(t, "Track", mock.Anything)
}

func TestCancelMarksRowCancelled(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	id := "deploy-0123456789ab"
	row := models.Deployment{DeploymentID: id, Status: models.StatusRunning, CloudAccountID: accountID.String()}
	cancelled := row
	cancelled.Status = models.StatusCancelled

	f.deployments.On("GetByID", ctx, id, mock.Anything).Return(row, nil).Once()
	f.authz.On("Authorize", ctx, alice, accountID, ActionDeploy).Return(nil).Once()
	f.engine.On("Cancel", ctx, id).Return(nil).Once()
	f.tracker.On("MarkCancelled", ctx, id).Return(true, nil).Once()
	f.deployments.On("GetByID", ctx, id, mock.Anything).Return(cancelled, nil).Once()

	d, err := f.svc.Cancel(ctx, alice, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, d.Status)
}

func TestCancelFinishedDeploymentConflicts(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	id := "deploy-0123456789ab"
	f.deployments.On("GetByID", ctx, id, mock.Anything).Return(models.Deployment{DeploymentID: id, Status: models.StatusCompleted}, nil)

	_, err := f.svc.Cancel(ctx, admin, id)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))
	f.engine.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
}

func TestDeleteOnlyFinishedDeployments(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()

	f.deployments.On("GetByID", ctx, "deploy-running00000", mock.Anything).Return(models.Deployment{Status: models.StatusRunning}, nil)
	err := f.svc.Delete(ctx, admin, "deploy-running00000")
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))

	f.deployments.On("GetByID", ctx, "deploy-failed000000", mock.Anything).Return(models.Deployment{Status: models.StatusFailed}, nil)
	f.deployments.On("Delete", ctx, "deploy-failed000000").Return(nil).Once()
	require.NoError(t, f.svc.Delete(ctx, admin, "deploy-failed000000"))
	f.deployments.AssertExpectations(t)
}

func TestListScopesNonAdminsToViewableAccounts(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	f.authz.On("ViewableAccountIDs", ctx, alice).Return([]string{accountID.String()}, nil).Once()
	f.deployments.On("List", ctx, repository.DeploymentFilter{
		Status:     models.StatusRunning,
		AccountIDs: []string{accountID.String()},
		Limit:      50,
	}).Return([]models.Deployment{{DeploymentID: "deploy-0123456789ab"}}, 1, nil).Once()

	rows, total, err := f.svc.List(ctx, alice, repository.DeploymentFilter{Status: models.StatusRunning})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 1, total)
}

func TestTaskStatusFallsBackToRow(t *testing.T) {
	f := newDeployFixture()
	ctx := context.Background()
	id := "deploy-0123456789ab"
	f.deployments.On("GetByID", ctx, id, mock.Anything).Return(models.Deployment{
		DeploymentID: id, TaskID: id, Status: models.StatusCompleted, Phase: "completed", EngineSeq: 9,
	}, nil)
	f.engine.On("Status", ctx, id).Return(nil, appErr.New(appErr.CodeNotFound, "run not found"))

	st, err := f.svc.TaskStatus(ctx, admin, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, st.Status)
	require.Equal(t, 100, st.Progress)
	require.EqualValues(t, 9, st.Seq)
}

func TestStateRequiresAdmin(t *testing.T) {
	f := newDeployFixture()
	_, err := f.svc.State(context.Background(), alice, "deploy-0123456789ab")
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))
	f.states.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanTags(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, cleanTags([]string{" a", "", "b", "a "}))
	require.Equal(t, []string{}, cleanTags(nil))
}
