package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

func newAccountFixture() (*mockAccounts, *mockPerms, AccountService) {
	accounts, perms := &mockAccounts{}, &mockPerms{}
	return accounts, perms, NewAccountService(accounts, perms)
}

func TestAuthorizeAdminAlwaysPasses(t *testing.T) {
	_, perms, svc := newAccountFixture()
	require.NoError(t, svc.Authorize(context.Background(), admin, accountID, ActionDeploy))
	perms.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAuthorizeRequiresMatchingFlag(t *testing.T) {
	_, perms, svc := newAccountFixture()
	ctx := context.Background()
	perms.On("Get", ctx, accountID, "alice@example.com", mock.Anything).
		Return(models.Permission{CloudAccountID: accountID, UserEmail: "alice@example.com", CanView: true}, nil)

	require.NoError(t, svc.Authorize(ctx, alice, accountID, ActionView))

	err := svc.Authorize(ctx, alice, accountID, ActionDeploy)
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))
}

func TestAuthorizeDenialIsGeneric(t *testing.T) {
	_, perms, svc := newAccountFixture()
	ctx := context.Background()
	unknown := uuid.New()
	perms.On("Get", ctx, unknown, "alice@example.com", mock.Anything).Return(nil, appErr.New(appErr.CodeNotFound, "permission not found"))
	perms.On("Get", ctx, accountID, "alice@example.com", mock.Anything).Return(models.Permission{CanView: false}, nil)

	errMissing := svc.Authorize(ctx, alice, unknown, ActionView)
	errDenied := svc.Authorize(ctx, alice, accountID, ActionView)
	require.True(t, appErr.IsCode(errMissing, appErr.CodeForbidden))
	require.Equal(t, errDenied.Error(), errMissing.Error())
}

func TestAuthorizeViewerCannotDeploy(t *testing.T) {
	_, perms, svc := newAccountFixture()
	viewer := models.Principal{Email: "v@example.com", Role: models.RoleViewer}
	err := svc.Authorize(context.Background(), viewer, accountID, ActionDeploy)
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))
	perms.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateAccountValidatesProviderFields(t *testing.T) {
	accounts, _, svc := newAccountFixture()
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, alice, &AccountInput{Name: "x", Provider: "azure", SubscriptionID: "s"})
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))

	_, err = svc.CreateAccount(ctx, admin, &AccountInput{Name: "x", Provider: "azure"})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	require.Contains(t, appErr.FieldErrors(err), "subscription_id")

	_, err = svc.CreateAccount(ctx, admin, &AccountInput{Name: "x", Provider: "gcp"})
	require.Contains(t, appErr.FieldErrors(err), "project_id")

	accounts.On("Create", ctx, mock.MatchedBy(func(a *models.CloudAccount) bool {
		return a.Provider == "gcp" && a.ProjectID == "my-project-01" && a.IsActive && a.CreatedBy == admin.Email
	})).Return(nil).Once()
	a, err := svc.CreateAccount(ctx, admin, &AccountInput{Name: " dev ", Provider: "gcp", ProjectID: "my-project-01"})
	require.NoError(t, err)
	require.Equal(t, "dev", a.Name)
	require.NotEqual(t, uuid.Nil, a.ID)
}

func TestUpdateAccountKeepsSecretWhenEmpty(t *testing.T) {
	accounts, _, svc := newAccountFixture()
	ctx := context.Background()
	stored := azureAccount()
	stored.ClientSecret = "s3cret"
	accounts.On("GetByID", ctx, accountID, mock.Anything).Return(stored, nil)
	accounts.On("UpdateFields", ctx, accountID, map[string]any{"name": "renamed"}).Return(nil).Once()

	name, empty := "renamed", ""
	a, err := svc.UpdateAccount(ctx, admin, accountID, &AccountUpdate{Name: &name, ClientSecret: &empty})
	require.NoError(t, err)
	require.Equal(t, "s3cret", a.ClientSecret)
	accounts.AssertExpectations(t)
}

func TestUpdateAccountCannotClearIdentity(t *testing.T) {
	accounts, _, svc := newAccountFixture()
	ctx := context.Background()
	accounts.On("GetByID", ctx, accountID, mock.Anything).Return(azureAccount(), nil)

	empty := ""
	_, err := svc.UpdateAccount(ctx, admin, accountID, &AccountUpdate{SubscriptionID: &empty})
	require.Contains(t, appErr.FieldErrors(err), "subscription_id")
	accounts.AssertNotCalled(t, "UpdateFields", mock.Anything, mock.Anything, mock.Anything)
}

func TestListAccountsScopedToViewGrants(t *testing.T) {
	accounts, perms, svc := newAccountFixture()
	ctx := context.Background()
	other := uuid.New()
	perms.On("ListByUser", ctx, "alice@example.com").Return([]models.Permission{
		{CloudAccountID: accountID, CanView: true},
		{CloudAccountID: other, CanView: false, CanDeploy: true},
	}, nil)
	accounts.On("List", ctx, []uuid.UUID{accountID}, false).Return([]models.CloudAccount{azureAccount()}, nil).Once()

	out, err := svc.ListAccounts(ctx, alice, false)
	require.NoError(t, err)
	require.Len(t, out, 1)

	ids, err := svc.ViewableAccountIDs(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, []string{accountID.String()}, ids)

	ids, err = svc.ViewableAccountIDs(ctx, admin)
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestAssignPermissionDefaults(t *testing.T) {
	_, perms, svc := newAccountFixture()
	ctx := context.Background()
	perms.On("Upsert", ctx, &models.Permission{
		CloudAccountID: accountID,
		UserEmail:      "bob@example.com",
		CanView:        true,
		CanDeploy:      false,
	}).Return(nil).Once()

	p, err := svc.AssignPermission(ctx, admin, accountID, &PermissionInput{UserEmail: " Bob@Example.com "})
	require.NoError(t, err)
	require.True(t, p.CanView)
	perms.AssertExpectations(t)
}

func TestUserPermissionsForAdminAndUser(t *testing.T) {
	accounts, perms, svc := newAccountFixture()
	ctx := context.Background()
	accounts.On("List", ctx, []uuid.UUID(nil), true).Return([]models.CloudAccount{azureAccount()}, nil).Once()

	out, err := svc.UserPermissions(ctx, admin)
	require.NoError(t, err)
	require.Equal(t, []AccountAccess{{Account: azureAccount(), CanView: true, CanDeploy: true}}, out)

	perms.On("ListByUser", ctx, "alice@example.com").Return([]models.Permission{{CloudAccountID: accountID, CanView: true, CanDeploy: true}}, nil)
	accounts.On("List", ctx, []uuid.UUID{accountID}, true).Return([]models.CloudAccount{azureAccount()}, nil).Once()
	out, err = svc.UserPermissions(ctx, alice)
	require.NoError(t, err)
	require.True(t, out[0].CanDeploy)
}
