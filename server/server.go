// Package server exposes the local HTTP API the CLI and status UIs talk
// to: source management, queue inspection, the process-wide sync switch, a
// websocket status stream and prometheus metrics.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"qharbor/sync-agent/db"
	"qharbor/sync-agent/engine"
	"qharbor/sync-agent/source"
)

// Handler serves the local API.
type Handler struct {
	database *db.Database
	engine   *engine.Engine
	registry *source.Registry
	hub      *Hub
	logger   zerolog.Logger
}

// NewHandler creates the API handler and wires the status hub into the
// engine callbacks.
func NewHandler(database *db.Database, eng *engine.Engine, registry *source.Registry, logger zerolog.Logger) *Handler {
	h := &Handler{
		database: database,
		engine:   eng,
		registry: registry,
		hub:      NewHub(logger),
		logger:   logger.With().Str("component", "server").Logger(),
	}

	eng.OnStateChange = func(s engine.State) {
		h.hub.Broadcast("engine.state", map[string]string{"state": s.String()})
	}
	eng.OnSourceChange = func(sourceID int64, status db.SourceStatus) {
		h.hub.Broadcast("source.status", map[string]interface{}{
			"source_id": sourceID,
			"status":    string(status),
		})
	}
	return h
}

// Routes returns the chi router for the local API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/status", h.GetStatus)
	r.Post("/api/enable", h.Enable)
	r.Post("/api/disable", h.Disable)

	r.Get("/api/source-types", h.ListSourceTypes)
	r.Get("/api/sources", h.ListSources)
	r.Post("/api/sources", h.CreateSource)
	r.Get("/api/sources/{id}", h.GetSource)
	r.Patch("/api/sources/{id}", h.UpdateSource)
	r.Delete("/api/sources/{id}", h.DeleteSource)
	r.Post("/api/sources/{id}/pause", h.PauseSource)
	r.Post("/api/sources/{id}/resume", h.ResumeSource)
	r.Get("/api/sources/{id}/errors", h.ListSourceErrors)
	r.Get("/api/sources/{id}/items", h.ListItems)

	r.Get("/api/ws", h.hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run starts the hub and serves the API on addr.
func (h *Handler) Run(addr string) error {
	go h.hub.Run()
	h.logger.Info().Str("addr", addr).Msg("local API listening")
	return http.ListenAndServe(addr, h.Routes())
}

type statusResponse struct {
	State     string      `json:"state"`
	Syncing   bool        `json:"syncing"`
	Iteration int64       `json:"iteration"`
	Sources   []db.Source `json:"sources"`
}

// GetStatus reports the engine state, the sync switch and all sources.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.database.Status()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	sources, err := h.database.ListSources()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{
		State:     h.engine.State().String(),
		Syncing:   status.Syncing,
		Iteration: status.Iteration,
		Sources:   sources,
	})
}

// Enable turns the process-wide sync switch on.
func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disable turns the process-wide sync switch off.
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSourceTypes lists the registered backend types.
func (h *Handler) ListSourceTypes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Types())
}

// ListSources lists all configured sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.database.ListSources()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sources)
}

type createSourceRequest struct {
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Config       json.RawMessage `json:"config"`
	DefaultScope string          `json:"default_scope,omitempty"`
}

// CreateSource registers a new source after validating its config against
// the backend schema.
func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	backend, ok := h.registry.Get(req.Type)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown source type " + req.Type})
		return
	}
	if err := h.registry.ValidateConfig(req.Type, req.Config); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	scope := uuid.Nil
	if req.DefaultScope != "" {
		var err error
		scope, err = uuid.Parse(req.DefaultScope)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	src, err := h.database.CreateSource(req.Name, req.Type, string(req.Config), scope, backend.MapToSingleScope())
	if err != nil {
		h.writeError(w, http.StatusConflict, err)
		return
	}
	if err := h.engine.RestartDetector(src.ID); err != nil {
		h.logger.Warn().Err(err).Str("source", src.Name).Msg("detector not started")
	}
	h.writeJSON(w, http.StatusCreated, src)
}

// GetSource returns one source.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceFromURL(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, src)
}

type updateSourceRequest struct {
	Name         *string          `json:"name,omitempty"`
	Config       *json.RawMessage `json:"config,omitempty"`
	DefaultScope *string          `json:"default_scope,omitempty"`
}

// UpdateSource renames a source, swaps its config or moves its default
// scope. A scope move resets all items of the source.
func (h *Handler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceFromURL(w, r)
	if !ok {
		return
	}

	var req updateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Name != nil {
		if err := h.database.RenameSource(src.ID, *req.Name); err != nil {
			h.writeError(w, http.StatusConflict, err)
			return
		}
	}
	if req.Config != nil {
		if err := h.registry.ValidateConfig(src.Type, *req.Config); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.database.SetSourceConfig(src.ID, string(*req.Config)); err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := h.engine.RestartDetector(src.ID); err != nil {
			h.logger.Warn().Err(err).Msg("detector restart failed")
		}
	}
	if req.DefaultScope != nil {
		scope, err := uuid.Parse(*req.DefaultScope)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.database.SetDefaultScope(src.ID, scope); err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	updated, err := h.database.GetSource(src.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// DeleteSource removes a source with its items and error log.
func (h *Handler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceFromURL(w, r)
	if !ok {
		return
	}
	if err := h.database.DeleteSource(src.ID); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseSource excludes a source from the sync loop.
func (h *Handler) PauseSource(w http.ResponseWriter, r *http.Request) {
	h.setSourceStatus(w, r, db.StatusPaused)
}

// ResumeSource puts a paused or errored source back into rotation.
func (h *Handler) ResumeSource(w http.ResponseWriter, r *http.Request) {
	h.setSourceStatus(w, r, db.StatusSynchronizing)
}

func (h *Handler) setSourceStatus(w http.ResponseWriter, r *http.Request, status db.SourceStatus) {
	src, ok := h.sourceFromURL(w, r)
	if !ok {
		return
	}
	if err := h.database.SetSourceStatus(src.ID, status); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSourceErrors returns the recorded failures of a source.
func (h *Handler) ListSourceErrors(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceFromURL(w, r)
	if !ok {
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	errs, err := h.database.ListSourceErrors(src.ID, offset, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, errs)
}

// ListItems returns the queue of a source, most recently updated first.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	src, ok := h.sourceFromURL(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	items, err := h.database.ListItems(src.ID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) sourceFromURL(w http.ResponseWriter, r *http.Request) (*db.Source, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	src, err := h.database.GetSource(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return src, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
