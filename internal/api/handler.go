// Package api exposes the ingestion engine over a small REST surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tgfeed/feedscraper/internal/models"
	"github.com/tgfeed/feedscraper/internal/scraper"
)

// Handler handles HTTP requests for the ingestion service
type Handler struct {
	manager *scraper.Manager
	service *scraper.Service
}

// NewHandler creates a new handler
func NewHandler(manager *scraper.Manager, service *scraper.Service) *Handler {
	return &Handler{
		manager: manager,
		service: service,
	}
}

// IngestRequest represents request body for starting an ingestion run
type IngestRequest struct {
	Channel    string `json:"channel"`
	Mode       string `json:"mode,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	FetchMedia *bool  `json:"fetch_media,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
}

// Validate checks the request and normalizes the mode.
func (r *IngestRequest) Validate() (models.IngestMode, error) {
	if r.Channel == "" {
		return "", errors.New("channel is required")
	}
	switch r.Mode {
	case "", string(models.ModeIncremental):
		return models.ModeIncremental, nil
	case string(models.ModeFullRescrape):
		if r.Limit <= 0 {
			return "", errors.New("limit is required for full_rescrape mode")
		}
		return models.ModeFullRescrape, nil
	default:
		return "", fmt.Errorf("unknown mode %q", r.Mode)
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// StartIngest handles POST /api/v1/ingest
func (h *Handler) StartIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	mode, err := req.Validate()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	fetchMedia := true
	if req.FetchMedia != nil {
		fetchMedia = *req.FetchMedia
	}

	opts := scraper.IngestOptions{
		Mode:       mode,
		Limit:      req.Limit,
		FetchMedia: fetchMedia,
		TargetLang: req.TargetLang,
	}

	run, err := h.manager.StartIngest(r.Context(), req.Channel, opts)
	if err != nil {
		if errors.Is(err, scraper.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":     run.ID.String(),
		"channel":    run.ChannelID,
		"status":     "running",
		"started_at": run.StartedAt.Format(time.RFC3339),
	})
}

// StopIngest handles DELETE /api/v1/ingest/{channel}
func (h *Handler) StopIngest(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !h.manager.Stop(channel) {
		respondError(w, http.StatusNotFound, "no active run for channel")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "run stopped",
		"channel": channel,
	})
}

// Status handles GET /api/v1/ingest/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	active := h.manager.Active()
	if len(active) == 0 {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "idle",
			"runs":   []scraper.Run{},
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "running",
		"runs":   active,
	})
}

// StartRepair handles POST /api/v1/channels/{channel}/repair
func (h *Handler) StartRepair(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	run, err := h.manager.StartRepair(r.Context(), channel)
	if err != nil {
		if errors.Is(err, scraper.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":     run.ID.String(),
		"channel":    run.ChannelID,
		"kind":       run.Kind,
		"started_at": run.StartedAt.Format(time.RFC3339),
	})
}

// ListChannels handles GET /api/v1/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Channels())
}

// RemoveChannel handles DELETE /api/v1/channels/{channel}
func (h *Handler) RemoveChannel(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := h.service.RemoveChannel(channel); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "channel cursor removed",
		"channel": channel,
	})
}

// ListMessages handles GET /api/v1/channels/{channel}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	records, err := h.service.RecentRecords(r.Context(), channel, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
