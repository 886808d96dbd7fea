// Package handlers provides HTTP handlers for runtime settings.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/paperledger/internal/events"
	"github.com/aristath/paperledger/internal/modules/settings"
)

// Handler handles settings HTTP requests.
type Handler struct {
	repo         *settings.Repository
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewHandler creates a new settings handler.
func NewHandler(repo *settings.Repository, em *events.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		repo:         repo,
		eventManager: em,
		log:          log.With().Str("handler", "settings").Logger(),
	}
}

// SetRequest is the body for updating a setting.
type SetRequest struct {
	Value       string  `json:"value"`
	Description *string `json:"description,omitempty"`
}

// HandleGetAll returns every setting.
func (h *Handler) HandleGetAll(w http.ResponseWriter, r *http.Request) {
	all, err := h.repo.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load settings")
		h.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	h.writeJSON(w, http.StatusOK, all)
}

// HandleGet returns a single setting.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := h.repo.Get(key)
	if err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("Failed to load setting")
		h.writeError(w, http.StatusInternalServerError, "failed to load setting")
		return
	}
	if value == nil {
		h.writeError(w, http.StatusNotFound, "setting not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": *value,
	})
}

// HandleSet stores a setting value.
func (h *Handler) HandleSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.repo.Set(key, req.Value, req.Description); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("Failed to store setting")
		h.writeError(w, http.StatusInternalServerError, "failed to store setting")
		return
	}

	if h.eventManager != nil {
		h.eventManager.Emit(events.SettingsChanged, "settings", map[string]interface{}{
			"key": key,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": req.Value,
	})
}

// HandleDelete removes a setting.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.repo.Delete(key); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("Failed to delete setting")
		h.writeError(w, http.StatusInternalServerError, "failed to delete setting")
		return
	}

	if h.eventManager != nil {
		h.eventManager.Emit(events.SettingsChanged, "settings", map[string]interface{}{
			"key": key,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
