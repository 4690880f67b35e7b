package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/options"
)

// OptionResolver is the dynamic option lookup used by the form endpoints.
type OptionResolver interface {
	Supports(provider, parameter string) bool
	ResolveOptions(ctx context.Context, provider, parameter string, values map[string]string) []options.Option
	ResolveAll(ctx context.Context, provider string, parameters []string, values map[string]string) map[string][]options.Option
}

type TemplatesHandler struct {
	catalog catalog.Catalog
	options OptionResolver
}

func NewTemplatesHandler(c catalog.Catalog, o OptionResolver) *TemplatesHandler {
	return &TemplatesHandler{catalog: c, options: o}
}

// List handles GET /templates?cloud=.
//
// @Summary   List deployment templates
// @Tags      templates
// @Produce   json
// @Param     cloud  query     string  false  "azure or gcp"
// @Success   200    {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /templates [get]
func (h *TemplatesHandler) List(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.URL.Query().Get("cloud"))
	items, err := h.catalog.ListTemplates(r.Context(), provider)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, items)
}

// @Summary   Get a template
// @Tags      templates
// @Produce   json
// @Param     provider  path      string  true  "Cloud provider"
// @Param     template  path      string  true  "Template name"
// @Success   200       {object}  types.APIResponse
// @Failure   404       {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /templates/{provider}/{template} [get]
func (h *TemplatesHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.catalog.GetTemplate(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "template"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, t)
}

// @Summary   List a template's input parameters
// @Tags      templates
// @Produce   json
// @Param     provider  path      string  true  "Cloud provider"
// @Param     template  path      string  true  "Template name"
// @Success   200       {object}  types.APIResponse
// @Failure   404       {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /templates/{provider}/{template}/parameters [get]
func (h *TemplatesHandler) Parameters(w http.ResponseWriter, r *http.Request) {
	params, err := h.catalog.GetParameters(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "template"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, params)
}

// Options handles GET /templates/{provider}/{template}/options and resolves
// every dynamic parameter of the template against the query context.
//
// @Summary   Resolve dynamic options for a template
// @Tags      templates
// @Produce   json
// @Param     provider  path      string  true  "Cloud provider"
// @Param     template  path      string  true  "Template name"
// @Success   200       {object}  types.APIResponse
// @Failure   404       {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /templates/{provider}/{template}/options [get]
func (h *TemplatesHandler) Options(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	params, err := h.catalog.GetParameters(r.Context(), provider, chi.URLParam(r, "template"))
	if err != nil {
		writeError(w, err)
		return
	}
	names := make([]string, 0, len(params))
	for _, p := range params {
		names = append(names, p.Name)
	}
	ok(w, http.StatusOK, h.options.ResolveAll(r.Context(), provider, names, queryValues(r)))
}

func queryValues(r *http.Request) map[string]string {
	q := r.URL.Query()
	values := make(map[string]string, len(q))
	for k := range q {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			values[k] = v
		}
	}
	return values
}
