package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/api/types"
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/logstream"
	"github.com/iac-studio/portal/internal/repository"
	"github.com/iac-studio/portal/internal/services"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// LogStreamer follows one deployment's log until it is terminal.
type LogStreamer interface {
	Stream(ctx context.Context, deploymentID string, sink logstream.Sink) error
}

type DeploymentsHandler struct {
	svc  services.DeploymentService
	logs LogStreamer
}

func NewDeploymentsHandler(svc services.DeploymentService, logs LogStreamer) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc, logs: logs}
}

// Deploy handles POST /deploy and answers 202 once the run is queued.
//
// @Summary   Submit a deployment
// @Tags      deployments
// @Accept    json
// @Produce   json
// @Param     request  body      types.DeployRequest  true  "Deployment request"
// @Success   202      {object}  types.APIResponse
// @Failure   400      {object}  types.APIResponse
// @Failure   403      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deploy [post]
func (h *DeploymentsHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch req.CredentialMode {
	case "", engine.CredentialsAccount, engine.CredentialsEnvironment:
	default:
		writeError(w, appErr.ValidationFailed(map[string]string{"credential_mode": "must be one of: account environment"}))
		return
	}

	res, err := h.svc.Submit(r.Context(), principal(r), &req.SubmitInput, engine.CallConfig{CredentialMode: req.CredentialMode})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusAccepted, res)
}

// List handles GET /deployments?status=&provider_type=&tag=&limit=&offset=.
//
// @Summary   List deployments
// @Tags      deployments
// @Produce   json
// @Param     status         query     string  false  "Status filter"
// @Param     provider_type  query     string  false  "Provider filter"
// @Param     tag            query     string  false  "Tag filter"
// @Param     limit          query     int     false  "Page size"
// @Param     offset         query     int     false  "Page offset"
// @Success   200            {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments [get]
func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.DeploymentFilter{
		Status:       q.Get("status"),
		ProviderType: q.Get("provider_type"),
		Tag:          q.Get("tag"),
	}
	var err error
	if f.Limit, err = intQuery(q.Get("limit")); err != nil {
		writeError(w, appErr.ValidationFailed(map[string]string{"limit": "must be a non-negative integer"}))
		return
	}
	if f.Offset, err = intQuery(q.Get("offset")); err != nil {
		writeError(w, appErr.ValidationFailed(map[string]string{"offset": "must be a non-negative integer"}))
		return
	}

	items, total, err := h.svc.List(r.Context(), principal(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items,
		Meta:    &types.Meta{Limit: f.Limit, Offset: f.Offset, Total: total},
	})
}

func intQuery(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// @Summary   List tags in use
// @Tags      deployments
// @Produce   json
// @Success   200  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments/tags [get]
func (h *DeploymentsHandler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.svc.Tags(r.Context(), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, tags)
}

// Get serves both GET /deployments/{id} and GET /deployments/{id}/status.
//
// @Summary   Get a deployment
// @Tags      deployments
// @Produce   json
// @Param     id   path      string  true  "Deployment ID"
// @Success   200  {object}  types.APIResponse
// @Failure   404  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments/{id} [get]
// @Router    /deployments/{id}/status [get]
func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, d)
}

// TaskStatus handles GET /tasks/{taskId}/status.
//
// @Summary   Get a queued task's status
// @Tags      deployments
// @Produce   json
// @Param     taskId  path      string  true  "Task ID"
// @Success   200     {object}  types.APIResponse
// @Failure   404     {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /tasks/{taskId}/status [get]
func (h *DeploymentsHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.TaskStatus(r.Context(), principal(r), chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, st)
}

// @Summary   Replace a deployment's tags
// @Tags      deployments
// @Accept    json
// @Produce   json
// @Param     id       path      string             true  "Deployment ID"
// @Param     request  body      types.TagsRequest  true  "Tags"
// @Success   200      {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments/{id}/tags [put]
func (h *DeploymentsHandler) UpdateTags(w http.ResponseWriter, r *http.Request) {
	var req types.TagsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.svc.UpdateTags(r.Context(), principal(r), chi.URLParam(r, "id"), req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, d)
}

// @Summary   Cancel a running deployment
// @Tags      deployments
// @Produce   json
// @Param     id   path      string  true  "Deployment ID"
// @Success   200  {object}  types.APIResponse
// @Failure   409  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments/{id}/cancel [post]
func (h *DeploymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Cancel(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, d)
}

// @Summary   Delete a finished deployment
// @Tags      deployments
// @Param     id  path  string  true  "Deployment ID"
// @Success   204
// @Failure   409  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments/{id} [delete]
func (h *DeploymentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// State handles GET /deployments/{id}/state for admins.
//
// @Summary   Get stored terraform state
// @Tags      deployments
// @Produce   json
// @Param     id   path      string  true  "Deployment ID"
// @Success   200  {object}  types.APIResponse
// @Failure   403  {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /deployments/{id}/state [get]
func (h *DeploymentsHandler) State(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.State(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	data := map[string]any{
		"deployment_id": st.DeploymentID,
		"backend_type":  st.BackendType,
		"location":      st.Location,
		"updated_at":    st.UpdatedAt,
	}
	if len(st.State) > 0 && json.Valid(st.State) {
		data["state"] = json.RawMessage(st.State)
	}
	ok(w, http.StatusOK, data)
}

// Logs handles GET /deployments/{id}/logs as a server-sent event stream.
// Disconnecting only ends the stream, never the run.
//
// @Summary   Stream deployment logs
// @Tags      deployments
// @Produce   text/event-stream
// @Param     id   path  string  true  "Deployment ID"
// @Success   200  {string}  string  "server-sent events"
// @Security  BearerAuth
// @Router    /deployments/{id}/logs [get]
func (h *DeploymentsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Get(r.Context(), principal(r), id); err != nil {
		writeError(w, err)
		return
	}

	// streams outlive the server's write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sse, err := logstream.NewSSEWriter(w)
	if err != nil {
		writeError(w, appErr.Wrap(err, appErr.CodeInternal, "streaming unsupported"))
		return
	}
	if err := h.logs.Stream(r.Context(), id, sse); err != nil {
		logger.Deployment(id).Warn("log stream ended with error", zap.Error(err))
		_ = sse.Send(logstream.Event{Type: logstream.EventError, Data: logstream.ErrorData{ErrorMessage: "log stream unavailable"}})
	}
}
