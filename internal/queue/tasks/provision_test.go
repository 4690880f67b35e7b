package tasks

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/provisioner"
	"github.com/iac-studio/portal/internal/provisioner/terraform"
	"github.com/iac-studio/portal/pkg/logger"
)

func TestMain(m *testing.M) {
	_, err := logger.Init("error", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type fakeReporter struct {
	mu        sync.Mutex
	phases    []string
	status    string
	outputs   map[string]any
	failure   string
	cancel    bool
	cancelAt  string
	infos     []string
	errorLogs []string
}

func (r *fakeReporter) Phase(_ context.Context, phase string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
	r.status = models.StatusRunning
	if phase == r.cancelAt {
		r.cancel = true
	}
	return nil
}

func (r *fakeReporter) Complete(_ context.Context, outputs map[string]any) error {
	r.status, r.outputs = models.StatusCompleted, outputs
	return nil
}

func (r *fakeReporter) Fail(_ context.Context, msg string) error {
	r.status, r.failure = models.StatusFailed, msg
	return nil
}

func (r *fakeReporter) Cancelled(context.Context) error {
	r.status = models.StatusCancelled
	return nil
}

func (r *fakeReporter) CancelRequested(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel
}

func (r *fakeReporter) Info(_ context.Context, msg string, _ map[string]any) {
	r.infos = append(r.infos, msg)
}

func (r *fakeReporter) Error(_ context.Context, msg string, _ map[string]any) {
	r.errorLogs = append(r.errorLogs, msg)
}

func (r *fakeReporter) Writer(context.Context) io.WriteCloser { return nopWriteCloser{io.Discard} }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) GetByID(ctx context.Context, id any, dest *models.CloudAccount) error {
	args := m.Called(ctx, id, dest)
	if a, ok := args.Get(0).(models.CloudAccount); ok {
		*dest = a
	}
	return args.Error(1)
}

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) ListTemplates(ctx context.Context, provider string) ([]catalog.Template, error) {
	args := m.Called(ctx, provider)
	ts, _ := args.Get(0).([]catalog.Template)
	return ts, args.Error(1)
}

func (m *mockCatalog) GetTemplate(ctx context.Context, provider, name string) (*catalog.Template, error) {
	args := m.Called(ctx, provider, name)
	t, _ := args.Get(0).(*catalog.Template)
	return t, args.Error(1)
}

func (m *mockCatalog) GetParameters(ctx context.Context, provider, name string) ([]catalog.Parameter, error) {
	args := m.Called(ctx, provider, name)
	ps, _ := args.Get(0).([]catalog.Parameter)
	return ps, args.Error(1)
}

type mockProvisioner struct{ mock.Mock }

func (m *mockProvisioner) Prepare(ctx context.Context, req provisioner.Request) (provisioner.Workspace, error) {
	args := m.Called(ctx, req)
	ws, _ := args.Get(0).(provisioner.Workspace)
	return ws, args.Error(1)
}

type mockWorkspace struct{ mock.Mock }

func (m *mockWorkspace) Validate(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockWorkspace) Plan(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkspace) Apply(ctx context.Context) (*terraform.ApplyResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*terraform.ApplyResult)
	return res, args.Error(1)
}

func (m *mockWorkspace) Cleanup() error { return m.Called().Error(0) }

type mockArchive struct{ mock.Mock }

func (m *mockArchive) Save(ctx context.Context, id string, state []byte) error {
	return m.Called(ctx, id, state).Error(0)
}

type fixture struct {
	rep      *fakeReporter
	accounts *mockAccounts
	catalog  *mockCatalog
	prov     *mockProvisioner
	ws       *mockWorkspace
	archive  *mockArchive
	handler  *ProvisionTaskHandler
	run      engine.Run
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rep:      &fakeReporter{},
		accounts: &mockAccounts{},
		catalog:  &mockCatalog{},
		prov:     &mockProvisioner{},
		ws:       &mockWorkspace{},
		archive:  &mockArchive{},
	}
	f.handler = NewProvisionTaskHandler(ProvisionDeps{
		Reporters:   func(string) RunReporter { return f.rep },
		Accounts:    f.accounts,
		Catalog:     f.catalog,
		Provisioner: f.prov,
		States:      f.archive,
	})
	accountID := uuid.New()
	f.run = engine.Run{
		DeploymentID:   "deploy-0123456789ab",
		ProviderType:   models.ProviderAzure,
		TemplateName:   "virtual_machine",
		Location:       "westeurope",
		CloudAccountID: accountID.String(),
		Parameters:     map[string]any{"vm_size": "Standard_B2s"},
		CredentialMode: engine.CredentialsAccount,
	}
	f.accounts.On("GetByID", mock.Anything, accountID, mock.Anything).
		Return(models.CloudAccount{ID: accountID, Name: "dev", Provider: models.ProviderAzure, IsActive: true}, nil).Maybe()
	f.catalog.On("GetTemplate", mock.Anything, models.ProviderAzure, "virtual_machine").
		Return(&catalog.Template{Name: "virtual_machine", Path: "/templates/vm.tf"}, nil).Maybe()
	f.prov.On("Prepare", mock.Anything, mock.MatchedBy(func(r provisioner.Request) bool {
		return r.Run.DeploymentID == f.run.DeploymentID && r.Account.Name == "dev" && r.Output != nil
	})).Return(f.ws, nil).Maybe()
	f.ws.On("Cleanup").Return(nil).Maybe()
	return f
}

func (f *fixture) task(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := engine.NewProvisionTask(f.run)
	require.NoError(t, err)
	return task
}

func TestHandleProvisionSuccess(t *testing.T) {
	f := newFixture(t)
	f.ws.On("Validate", mock.Anything).Return(nil)
	f.ws.On("Plan", mock.Anything).Return(true, nil)
	f.ws.On("Apply", mock.Anything).Return(&terraform.ApplyResult{
		Outputs: map[string]any{"public_ip": "10.0.0.4"},
		State:   []byte(`{"version":4}`),
	}, nil)
	f.archive.On("Save", mock.Anything, f.run.DeploymentID, []byte(`{"version":4}`)).Return(nil).Once()

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task(t)))
	require.Equal(t, []string{PhaseInitialization, PhaseValidating, PhasePlanning, PhaseApplying, PhaseFinalizing}, f.rep.phases)
	require.Equal(t, models.StatusCompleted, f.rep.status)
	require.Equal(t, "10.0.0.4", f.rep.outputs["public_ip"])
	f.archive.AssertExpectations(t)
	f.ws.AssertCalled(t, "Cleanup")
}

func TestHandleProvisionApplyFailureSkipsRetry(t *testing.T) {
	f := newFixture(t)
	f.ws.On("Validate", mock.Anything).Return(nil)
	f.ws.On("Plan", mock.Anything).Return(true, nil)
	f.ws.On("Apply", mock.Anything).Return(nil, errors.New("\x1b[31mError:\x1b[0m quota exceeded"))

	err := f.handler.HandleProvision(context.Background(), f.task(t))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, models.StatusFailed, f.rep.status)
	require.Equal(t, "Error: quota exceeded", f.rep.failure)
	require.Contains(t, f.rep.errorLogs, "Deployment failed")
	f.archive.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	f.ws.AssertCalled(t, "Cleanup")
}

func TestHandleProvisionCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.rep.cancel = true

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task(t)))
	require.Equal(t, models.StatusCancelled, f.rep.status)
	require.Empty(t, f.rep.phases)
	f.prov.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything)
}

func TestHandleProvisionCancelledBetweenPhases(t *testing.T) {
	f := newFixture(t)
	f.rep.cancelAt = PhaseValidating
	f.ws.On("Validate", mock.Anything).Return(nil)

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task(t)))
	require.Equal(t, models.StatusCancelled, f.rep.status)
	require.Equal(t, []string{PhaseInitialization, PhaseValidating}, f.rep.phases)
	f.ws.AssertNotCalled(t, "Plan", mock.Anything)
	f.ws.AssertCalled(t, "Cleanup")
}

func TestHandleProvisionInactiveAccountFails(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.run.CloudAccountID = id.String()
	f.accounts.On("GetByID", mock.Anything, id, mock.Anything).
		Return(models.CloudAccount{ID: id, Name: "old", IsActive: false}, nil)

	err := f.handler.HandleProvision(context.Background(), f.task(t))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, models.StatusFailed, f.rep.status)
	require.Contains(t, f.rep.failure, "inactive")
}

func TestHandleProvisionStateArchiveFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.ws.On("Validate", mock.Anything).Return(nil)
	f.ws.On("Plan", mock.Anything).Return(false, nil)
	f.ws.On("Apply", mock.Anything).Return(&terraform.ApplyResult{State: []byte(`{}`)}, nil)
	f.archive.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bucket missing"))

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task(t)))
	require.Equal(t, models.StatusCompleted, f.rep.status)
	require.Contains(t, f.rep.errorLogs, "Saving terraform state failed")
}

func TestHandleProvisionBadPayload(t *testing.T) {
	f := newFixture(t)
	err := f.handler.HandleProvision(context.Background(), asynq.NewTask(engine.TypeProvision, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
