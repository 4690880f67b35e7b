package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iac-studio/portal/internal/api/types"
	"github.com/iac-studio/portal/internal/metrics"
	"github.com/iac-studio/portal/internal/services"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type AuthHandler struct {
	svc     services.AuthService
	metrics *metrics.Collector
}

func NewAuthHandler(svc services.AuthService, m *metrics.Collector) *AuthHandler {
	return &AuthHandler{svc: svc, metrics: m}
}

// @Summary      Register a user
// @Description  The first user of an empty installation becomes an admin.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      services.RegisterInput  true  "Registration"
// @Success      201      {object}  types.APIResponse
// @Failure      400      {object}  types.APIResponse
// @Failure      409      {object}  types.APIResponse
// @Router       /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := h.svc.Register(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusCreated, map[string]any{
		"id":    u.ID,
		"email": u.Email,
		"name":  u.Name,
		"role":  u.Role,
	})
}

// @Summary  Issue an access token
// @Tags     auth
// @Accept   json
// @Produce  json
// @Param    request  body      types.LoginRequest  true  "Credentials"
// @Success  200      {object}  types.APIResponse
// @Failure  401      {object}  types.APIResponse
// @Router   /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, appErr.ValidationFailed(map[string]string{
			"email":    "email and password are required",
			"password": "email and password are required",
		}))
		return
	}

	token, u, err := h.svc.Login(r.Context(), req.Email, req.Password)
	h.metrics.AuthAttempt(err == nil)
	if err != nil {
		writeError(w, err)
		return
	}

	ok(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(services.TokenTTL.Seconds()),
		"user": map[string]any{
			"id":    u.ID,
			"email": u.Email,
			"name":  u.Name,
			"role":  u.Role,
		},
	})
}

// SetRole handles PUT /users/{email}/role.
//
// @Summary   Change a user's role
// @Tags      auth
// @Accept    json
// @Produce   json
// @Param     email    path      string             true  "User email"
// @Param     request  body      types.RoleRequest  true  "Role"
// @Success   200      {object}  types.APIResponse
// @Failure   403      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /users/{email}/role [put]
func (h *AuthHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req types.RoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := h.svc.SetRole(r.Context(), principal(r), chi.URLParam(r, "email"), req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"email": u.Email, "role": u.Role})
}
