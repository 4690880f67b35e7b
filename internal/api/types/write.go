package types

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err in the response envelope with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), APIResponse{Success: false, Error: FromAppError(err)})
}
