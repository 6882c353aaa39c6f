package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mfairley/certflow/issuer"
	"github.com/mfairley/certflow/keyring"
	"github.com/mfairley/certflow/scheduler"
	"github.com/mfairley/certflow/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, issuer.ErrRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, issuer.ErrIssuer):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, scheduler.ErrSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keyring.ErrDecrypt):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
