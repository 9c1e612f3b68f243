package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"chatrelay/internal/auth"
	"chatrelay/internal/proxy"
	"chatrelay/internal/storage"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondMappedError translates domain errors into HTTP statuses. Anything
// unrecognized is a storage or internal failure and is logged with its cause.
func respondMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, proxy.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid input")
	case errors.Is(err, auth.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "invalid credentials or token")
	case errors.Is(err, proxy.ErrForbidden):
		respondError(w, http.StatusForbidden, "conversation belongs to another user")
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		respondError(w, http.StatusConflict, "username is already taken")
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
