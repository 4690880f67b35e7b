package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/repository"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// Action is what a caller wants to do with a cloud account.
type Action string

const (
	ActionView   Action = "view"
	ActionDeploy Action = "deploy"
)

const forbiddenMessage = "you do not have permission to perform this action"

// Authorizer is the single access gate for cloud accounts.
type Authorizer interface {
	Authorize(ctx context.Context, p models.Principal, accountID uuid.UUID, action Action) error
	// ViewableAccountIDs returns nil for admins (no restriction).
	ViewableAccountIDs(ctx context.Context, p models.Principal) ([]string, error)
}

type AccountService interface {
	Authorizer

	CreateAccount(ctx context.Context, p models.Principal, in *AccountInput) (*models.CloudAccount, error)
	UpdateAccount(ctx context.Context, p models.Principal, id uuid.UUID, in *AccountUpdate) (*models.CloudAccount, error)
	DeleteAccount(ctx context.Context, p models.Principal, id uuid.UUID) error
	GetAccount(ctx context.Context, p models.Principal, id uuid.UUID) (*models.CloudAccount, error)
	ListAccounts(ctx context.Context, p models.Principal, activeOnly bool) ([]models.CloudAccount, error)

	AssignPermission(ctx context.Context, p models.Principal, accountID uuid.UUID, in *PermissionInput) (*models.Permission, error)
	UpdatePermission(ctx context.Context, p models.Principal, accountID uuid.UUID, email string, in *PermissionUpdate) (*models.Permission, error)
	RevokePermission(ctx context.Context, p models.Principal, accountID uuid.UUID, email string) error
	ListPermissions(ctx context.Context, p models.Principal, accountID uuid.UUID) ([]models.Permission, error)
	UserPermissions(ctx context.Context, p models.Principal) ([]AccountAccess, error)
}

type AccountInput struct {
	Name           string `json:"name" validate:"required,max=255"`
	Provider       string `json:"provider" validate:"required,oneof=azure gcp"`
	SubscriptionID string `json:"subscription_id" validate:"required_if=Provider azure"`
	TenantID       string `json:"tenant_id"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	ProjectID      string `json:"project_id" validate:"required_if=Provider gcp"`
	Region         string `json:"region"`
	IsActive       *bool  `json:"is_active"`
}

// AccountUpdate changes only the fields that are set. An empty ClientSecret
// keeps the stored secret.
type AccountUpdate struct {
	Name           *string `json:"name" validate:"omitempty,min=1,max=255"`
	SubscriptionID *string `json:"subscription_id"`
	TenantID       *string `json:"tenant_id"`
	ClientID       *string `json:"client_id"`
	ClientSecret   *string `json:"client_secret"`
	ProjectID      *string `json:"project_id"`
	Region         *string `json:"region"`
	IsActive       *bool   `json:"is_active"`
}

type PermissionInput struct {
	UserEmail string `json:"user_email" validate:"required,email"`
	CanView   *bool  `json:"can_view"`
	CanDeploy *bool  `json:"can_deploy"`
}

type PermissionUpdate struct {
	CanView   *bool `json:"can_view"`
	CanDeploy *bool `json:"can_deploy"`
}

// AccountAccess is one account the caller can use and what they may do with it.
type AccountAccess struct {
	Account   models.CloudAccount `json:"account"`
	CanView   bool                `json:"can_view"`
	CanDeploy bool                `json:"can_deploy"`
}

type accountService struct {
	accounts repository.CloudAccountRepository
	perms    repository.PermissionRepository
}

func NewAccountService(accounts repository.CloudAccountRepository, perms repository.PermissionRepository) AccountService {
	return &accountService{accounts: accounts, perms: perms}
}

var _ AccountService = (*accountService)(nil)

func forbidden() error {
	return appErr.New(appErr.CodeForbidden, forbiddenMessage)
}

func requireAdmin(p models.Principal) error {
	if !p.IsAdmin() {
		return forbidden()
	}
	return nil
}

func (s *accountService) Authorize(ctx context.Context, p models.Principal, accountID uuid.UUID, action Action) error {
	if p.IsAdmin() {
		return nil
	}
	if action == ActionDeploy && !p.CanWrite() {
		return forbidden()
	}
	var perm models.Permission
	if err := s.perms.Get(ctx, accountID, normalizeEmail(p.Email), &perm); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return forbidden()
		}
		return err
	}
	allowed := perm.CanView
	if action == ActionDeploy {
		allowed = perm.CanDeploy
	}
	if !allowed {
		logger.L().Info("account access denied",
			zap.String("user", p.Email),
			zap.String("cloud_account_id", accountID.String()),
			zap.String("action", string(action)),
		)
		return forbidden()
	}
	return nil
}

func (s *accountService) ViewableAccountIDs(ctx context.Context, p models.Principal) ([]string, error) {
	if p.IsAdmin() {
		return nil, nil
	}
	perms, err := s.perms.ListByUser(ctx, normalizeEmail(p.Email))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(perms))
	for _, perm := range perms {
		if perm.CanView {
			ids = append(ids, perm.CloudAccountID.String())
		}
	}
	return ids, nil
}

func (s *accountService) CreateAccount(ctx context.Context, p models.Principal, in *AccountInput) (*models.CloudAccount, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	a := &models.CloudAccount{
		Name:           strings.TrimSpace(in.Name),
		Provider:       in.Provider,
		SubscriptionID: strings.TrimSpace(in.SubscriptionID),
		TenantID:       strings.TrimSpace(in.TenantID),
		ClientID:       strings.TrimSpace(in.ClientID),
		ClientSecret:   in.ClientSecret,
		ProjectID:      strings.TrimSpace(in.ProjectID),
		Region:         strings.TrimSpace(in.Region),
		IsActive:       true,
		CreatedBy:      p.Email,
	}
	if in.IsActive != nil {
		a.IsActive = *in.IsActive
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, err
	}
	// gorm skips false on insert when the column has a default
	if !a.IsActive {
		if err := s.accounts.UpdateFields(ctx, a.ID, map[string]any{"is_active": false}); err != nil {
			return nil, err
		}
	}
	logger.L().Info("cloud account created",
		zap.String("cloud_account_id", a.ID.String()),
		zap.String("provider", a.Provider),
		zap.String("by", p.Email),
	)
	return a, nil
}

func (s *accountService) UpdateAccount(ctx context.Context, p models.Principal, id uuid.UUID, in *AccountUpdate) (*models.CloudAccount, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	var a models.CloudAccount
	if err := s.accounts.GetByID(ctx, id, &a); err != nil {
		return nil, err
	}

	fields := map[string]any{}
	set := func(col string, v *string, dst *string) {
		if v == nil {
			return
		}
		*dst = strings.TrimSpace(*v)
		fields[col] = *dst
	}
	set("name", in.Name, &a.Name)
	set("subscription_id", in.SubscriptionID, &a.SubscriptionID)
	set("tenant_id", in.TenantID, &a.TenantID)
	set("client_id", in.ClientID, &a.ClientID)
	set("project_id", in.ProjectID, &a.ProjectID)
	set("region", in.Region, &a.Region)
	if in.ClientSecret != nil && *in.ClientSecret != "" {
		a.ClientSecret = *in.ClientSecret
		fields["client_secret"] = a.ClientSecret
	}
	if in.IsActive != nil {
		a.IsActive = *in.IsActive
		fields["is_active"] = a.IsActive
	}

	switch {
	case a.Provider == models.ProviderAzure && a.SubscriptionID == "":
		return nil, appErr.ValidationFailed(map[string]string{"subscription_id": "subscription_id is required"})
	case a.Provider == models.ProviderGCP && a.ProjectID == "":
		return nil, appErr.ValidationFailed(map[string]string{"project_id": "project_id is required"})
	}

	if err := s.accounts.UpdateFields(ctx, id, fields); err != nil {
		return nil, err
	}
	logger.L().Info("cloud account updated", zap.String("cloud_account_id", id.String()), zap.Int("fields", len(fields)))
	return &a, nil
}

func (s *accountService) DeleteAccount(ctx context.Context, p models.Principal, id uuid.UUID) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	if err := s.accounts.DeleteWithPermissions(ctx, id); err != nil {
		return err
	}
	logger.L().Info("cloud account deleted", zap.String("cloud_account_id", id.String()), zap.String("by", p.Email))
	return nil
}

func (s *accountService) GetAccount(ctx context.Context, p models.Principal, id uuid.UUID) (*models.CloudAccount, error) {
	if err := s.Authorize(ctx, p, id, ActionView); err != nil {
		return nil, err
	}
	var a models.CloudAccount
	if err := s.accounts.GetByID(ctx, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *accountService) ListAccounts(ctx context.Context, p models.Principal, activeOnly bool) ([]models.CloudAccount, error) {
	var ids []uuid.UUID
	if !p.IsAdmin() {
		visible, err := s.ViewableAccountIDs(ctx, p)
		if err != nil {
			return nil, err
		}
		ids = make([]uuid.UUID, 0, len(visible))
		for _, v := range visible {
			if id, err := uuid.Parse(v); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return s.accounts.List(ctx, ids, activeOnly)
}

func (s *accountService) AssignPermission(ctx context.Context, p models.Principal, accountID uuid.UUID, in *PermissionInput) (*models.Permission, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	perm := &models.Permission{
		CloudAccountID: accountID,
		UserEmail:      normalizeEmail(in.UserEmail),
		CanView:        boolOr(in.CanView, true),
		CanDeploy:      boolOr(in.CanDeploy, false),
	}
	if err := s.perms.Upsert(ctx, perm); err != nil {
		return nil, err
	}
	logger.L().Info("permission assigned",
		zap.String("cloud_account_id", accountID.String()),
		zap.String("user", perm.UserEmail),
		zap.Bool("can_view", perm.CanView),
		zap.Bool("can_deploy", perm.CanDeploy),
	)
	return perm, nil
}

func (s *accountService) UpdatePermission(ctx context.Context, p models.Principal, accountID uuid.UUID, email string, in *PermissionUpdate) (*models.Permission, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	var perm models.Permission
	if err := s.perms.Get(ctx, accountID, normalizeEmail(email), &perm); err != nil {
		return nil, err
	}
	perm.CanView = boolOr(in.CanView, perm.CanView)
	perm.CanDeploy = boolOr(in.CanDeploy, perm.CanDeploy)
	if err := s.perms.Upsert(ctx, &perm); err != nil {
		return nil, err
	}
	return &perm, nil
}

func (s *accountService) RevokePermission(ctx context.Context, p models.Principal, accountID uuid.UUID, email string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	if err := s.perms.Delete(ctx, accountID, normalizeEmail(email)); err != nil {
		return err
	}
	logger.L().Info("permission revoked", zap.String("cloud_account_id", accountID.String()), zap.String("user", email))
	return nil
}

func (s *accountService) ListPermissions(ctx context.Context, p models.Principal, accountID uuid.UUID) ([]models.Permission, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return s.perms.ListByAccount(ctx, accountID)
}

func (s *accountService) UserPermissions(ctx context.Context, p models.Principal) ([]AccountAccess, error) {
	if p.IsAdmin() {
		accounts, err := s.accounts.List(ctx, nil, true)
		if err != nil {
			return nil, err
		}
		out := make([]AccountAccess, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, AccountAccess{Account: a, CanView: true, CanDeploy: true})
		}
		return out, nil
	}

	perms, err := s.perms.ListByUser(ctx, normalizeEmail(p.Email))
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.Permission, len(perms))
	ids := make([]uuid.UUID, 0, len(perms))
	for _, perm := range perms {
		byID[perm.CloudAccountID] = perm
		ids = append(ids, perm.CloudAccountID)
	}
	accounts, err := s.accounts.List(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	out := make([]AccountAccess, 0, len(accounts))
	for _, a := range accounts {
		perm := byID[a.ID]
		out = append(out, AccountAccess{Account: a, CanView: perm.CanView, CanDeploy: perm.CanDeploy && p.CanWrite()})
	}
	return out, nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
