package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iac-studio/portal/internal/options"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type OptionsHandler struct {
	options OptionResolver
}

func NewOptionsHandler(o OptionResolver) *OptionsHandler {
	return &OptionsHandler{options: o}
}

// Get handles GET /api/{provider}/{kind}. Lookup failures still answer 200
// with an empty list.
//
// @Summary   List live option values
// @Tags      options
// @Produce   json
// @Param     provider        path      string  true   "azure or gcp"
// @Param     kind            path      string  true   "Option kind, e.g. locations or vm-sizes"
// @Param     location        query     string  false  "Region filter"
// @Param     resource_group  query     string  false  "Resource group filter"
// @Success   200             {object}  types.APIResponse
// @Failure   404             {object}  types.APIResponse
// @Security  BearerAuth
// @Router    /api/{provider}/{kind} [get]
func (h *OptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	provider, kind := chi.URLParam(r, "provider"), chi.URLParam(r, "kind")
	parameter, found := options.ParameterForKind(provider, kind)
	if !found {
		writeError(w, appErr.New(appErr.CodeNotFound, "unknown option kind").WithMeta("kind", provider+"/"+kind))
		return
	}
	values := queryValues(r)
	opts := h.options.ResolveOptions(r.Context(), provider, parameter, values)
	if opts == nil {
		opts = []options.Option{}
	}

	data := map[string]any{
		strings.ReplaceAll(kind, "-", "_"): opts,
		"count":                            len(opts),
	}
	for _, k := range []string{"location", "region", "zone"} {
		if v, set := values[k]; set {
			data[k] = v
		}
	}
	ok(w, http.StatusOK, data)
}
