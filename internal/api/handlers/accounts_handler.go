package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/services"
)

// InvalidateFunc drops cached discovery results after credentials change.
type InvalidateFunc func()

type AccountsHandler struct {
	svc        services.AccountService
	invalidate InvalidateFunc
}

func NewAccountsHandler(svc services.AccountService, invalidate InvalidateFunc) *AccountsHandler {
	if invalidate == nil {
		invalidate = func() {}
	}
	return &AccountsHandler{svc: svc, invalidate: invalidate}
}

// accountView is the read shape of a cloud account; the secret itself is
// never returned.
type accountView struct {
	models.CloudAccount
	HasClientSecret bool `json:"has_client_secret"`
}

func viewOf(a *models.CloudAccount) accountView {
	return accountView{CloudAccount: *a, HasClientSecret: a.HasClientSecret()}
}

// @Summary   List cloud accounts visible to the caller
// @Tags      cloud-accounts
// @Produce   json
// @Param     active_only  query     bool  false  "Only active accounts"
// @Success   200          {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts [get]
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	items, err := h.svc.ListAccounts(r.Context(), principal(r), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]accountView, 0, len(items))
	for i := range items {
		out = append(out, viewOf(&items[i]))
	}
	ok(w, http.StatusOK, out)
}

// @Summary   Register a cloud account
// @Tags      cloud-accounts
// @Accept    json
// @Produce   json
// @Param     request  body      services.AccountInput  true  "Account"
// @Success   201      {object}  types.APIResponse
// @Failure   400      {object}  types.APIResponse
// @Failure   403      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts [post]
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.AccountInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.svc.CreateAccount(r.Context(), principal(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusCreated, viewOf(a))
}

// @Summary   Get a cloud account
// @Tags      cloud-accounts
// @Produce   json
// @Param     id   path      string  true  "Account ID"
// @Success   200  {object}  types.APIResponse
// @Failure   404  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts/{id} [get]
func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := h.svc.GetAccount(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, viewOf(a))
}

// @Summary   Update a cloud account
// @Tags      cloud-accounts
// @Accept    json
// @Produce   json
// @Param     id       path      string                  true  "Account ID"
// @Param     request  body      services.AccountUpdate  true  "Changed fields"
// @Success   200      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts/{id} [put]
func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req services.AccountUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.svc.UpdateAccount(r.Context(), principal(r), id, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate()
	ok(w, http.StatusOK, viewOf(a))
}

// @Summary   Delete a cloud account and its permissions
// @Tags      cloud-accounts
// @Param     id  path  string  true  "Account ID"
// @Success   204
// @Security  BearerAuth
// @Router    /cloud-accounts/{id} [delete]
func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeleteAccount(r.Context(), principal(r), id); err != nil {
		writeError(w, err)
		return
	}
	h.invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// @Summary   List an account's permissions
// @Tags      cloud-accounts
// @Produce   json
// @Param     id   path      string  true  "Account ID"
// @Success   200  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts/{id}/permissions [get]
func (h *AccountsHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	perms, err := h.svc.ListPermissions(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, perms)
}

// @Summary   Grant a user access to an account
// @Tags      cloud-accounts
// @Accept    json
// @Produce   json
// @Param     id       path      string                    true  "Account ID"
// @Param     request  body      services.PermissionInput  true  "Grant"
// @Success   201      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts/{id}/permissions [post]
func (h *AccountsHandler) AssignPermission(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req services.PermissionInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.svc.AssignPermission(r.Context(), principal(r), id, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusCreated, p)
}

// @Summary   Change a user's access flags
// @Tags      cloud-accounts
// @Accept    json
// @Produce   json
// @Param     id       path      string                     true  "Account ID"
// @Param     email    path      string                     true  "User email"
// @Param     request  body      services.PermissionUpdate  true  "Flags"
// @Success   200      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts/{id}/permissions/{email} [put]
func (h *AccountsHandler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req services.PermissionUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.svc.UpdatePermission(r.Context(), principal(r), id, chi.URLParam(r, "email"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, p)
}

// @Summary   Revoke a user's access
// @Tags      cloud-accounts
// @Param     id     path  string  true  "Account ID"
// @Param     email  path  string  true  "User email"
// @Success   204
// @Security  BearerAuth
// @Router    /cloud-accounts/{id}/permissions/{email} [delete]
func (h *AccountsHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.RevokePermission(r.Context(), principal(r), id, chi.URLParam(r, "email")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserPermissions handles GET /cloud-accounts/user/permissions.
//
// @Summary   List the caller's accounts and flags
// @Tags      cloud-accounts
// @Produce   json
// @Success   200  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /cloud-accounts/user/permissions [get]
func (h *AccountsHandler) UserPermissions(w http.ResponseWriter, r *http.Request) {
	access, err := h.svc.UserPermissions(r.Context(), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(access))
	for i := range access {
		out = append(out, map[string]any{
			"account":    viewOf(&access[i].Account),
			"can_view":   access[i].CanView,
			"can_deploy": access[i].CanDeploy,
		})
	}
	ok(w, http.StatusOK, out)
}
