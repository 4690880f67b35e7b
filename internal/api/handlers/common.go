package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/iac-studio/portal/internal/api/middleware"
	"github.com/iac-studio/portal/internal/api/types"
	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	types.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, err error) {
	types.WriteError(w, err)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, types.APIResponse{Success: true, Data: data})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return appErr.New(appErr.CodeInvalid, "request body too large")
		case errors.Is(err, io.EOF):
			return appErr.New(appErr.CodeInvalid, "request body is empty")
		default:
			return appErr.Wrap(err, appErr.CodeInvalid, "invalid json")
		}
	}
	return nil
}

func principal(r *http.Request) models.Principal {
	return middleware.GetPrincipal(r.Context())
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, appErr.New(appErr.CodeNotFound, "not found")
	}
	return id, nil
}
