// Package api exposes the ops HTTP surface: business management, manual and
// scheduled refresh triggers, connection status and activity logs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/auth/google"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"github.com/loyaltyops/gmb-sync/internal/gmb"
	"gorm.io/gorm"
)

// Handlers bundles the dependencies of the ops API.
type Handlers struct {
	db       *gorm.DB
	engine   *gmb.Engine
	oauth    *google.Service
	activity *activity.Logger
}

// NewHandlers wires the ops API handlers.
func NewHandlers(db *gorm.DB, engine *gmb.Engine, oauth *google.Service, logger *activity.Logger) *Handlers {
	return &Handlers{db: db, engine: engine, oauth: oauth, activity: logger}
}

// Routes mounts the ops API onto a fresh router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/businesses", h.CreateBusiness)
	r.Get("/businesses", h.ListBusinesses)
	r.Route("/businesses/{businessID}", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/logs", h.Logs)
		r.Delete("/logs", h.ClearLogs)
		r.Post("/refresh", h.Refresh)
		r.Post("/run-scheduled", h.RunScheduled)
		r.Post("/disconnect", h.Disconnect)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// CreateBusiness registers a new business tenant.
func (h *Handlers) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	business := models.Business{ID: uuid.New().String(), Name: req.Name}
	if err := h.db.Create(&business).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create business")
		return
	}
	writeJSON(w, http.StatusCreated, business)
}

// ListBusinesses returns all registered businesses.
func (h *Handlers) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	var businesses []models.Business
	if err := h.db.Order("created_at ASC").Find(&businesses).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list businesses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": businesses})
}

// statusResponse is the connection / cooldown / snapshot summary.
type statusResponse struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name"`
	GoogleConnected         bool       `json:"google_connected"`
	GoogleConnectedAt       *time.Time `json:"google_connected_at,omitempty"`
	GoogleConnectedBy       string     `json:"google_connected_by,omitempty"`
	TokenExpired            bool       `json:"token_expired"`
	CanRefreshNow           bool       `json:"can_refresh_now"`
	MinutesUntilNextRefresh int        `json:"minutes_until_next_refresh"`
	NextScheduledRefresh    *time.Time `json:"next_scheduled_refresh,omitempty"`
	SyncInProgress          bool       `json:"sync_in_progress"`
	AccountCount            int        `json:"account_count"`
	LocationCount           int        `json:"location_count"`
	PrimaryAccountName      string     `json:"primary_account_name,omitempty"`
	AccountsFetchedAt       *time.Time `json:"accounts_fetched_at,omitempty"`
	LocationsFetchedAt      *time.Time `json:"locations_fetched_at,omitempty"`
}

// Status reports connection state, cooldowns and snapshot metadata.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	var b models.Business
	if err := h.db.First(&b, "id = ?", businessID).Error; err != nil {
		writeError(w, http.StatusNotFound, "business not found")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:                      b.ID,
		Name:                    b.Name,
		GoogleConnected:         b.GoogleConnected,
		GoogleConnectedAt:       b.GoogleConnectedAt,
		GoogleConnectedBy:       b.GoogleConnectedBy,
		TokenExpired:            h.oauth.IsExpired(b.ID),
		CanRefreshNow:           h.engine.CanRefreshNow(b.ID),
		MinutesUntilNextRefresh: h.engine.MinutesUntilNextRefresh(b.ID),
		NextScheduledRefresh:    b.NextScheduledRefresh,
		SyncInProgress:          h.engine.Locks().Held(b.ID),
		AccountCount:            b.AccountCount,
		LocationCount:           b.LocationCount,
		PrimaryAccountName:      b.PrimaryAccountName,
		AccountsFetchedAt:       b.AccountsFetchedAt,
		LocationsFetchedAt:      b.LocationsFetchedAt,
	})
}

// Refresh triggers a sync. Without ?force=1 a fresh snapshot is served
// straight from storage.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	force := r.URL.Query().Get("force") == "1"

	snapshot, err := h.engine.Refresh(r.Context(), businessID, force)
	if err != nil {
		h.writeRefreshError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// writeRefreshError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handlers) writeRefreshError(w http.ResponseWriter, err error) {
	var deferred *gmb.DeferredError
	if errors.As(err, &deferred) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        deferred.Error(),
			"reason":       deferred.Reason,
			"wait_minutes": deferred.WaitMinutes,
			"next_retry":   deferred.NextRetry,
		})
		return
	}

	switch {
	case errors.Is(err, gmb.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, google.ErrNoTokens), errors.Is(err, google.ErrNoRefreshToken):
		writeError(w, http.StatusBadRequest, "business is not connected to Google")
	case errors.Is(err, gmb.ErrLocalRateLimit):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		var permErr *gmb.PermissionError
		var srvErr *gmb.ServerError
		if errors.As(err, &permErr) || errors.As(err, &srvErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// RunScheduled is the external cron entry point for deferred retries. It
// always answers 202: the run itself bails out silently when nothing is due.
func (h *Handlers) RunScheduled(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	var b models.Business
	if err := h.db.First(&b, "id = ?", businessID).Error; err != nil {
		writeError(w, http.StatusNotFound, "business not found")
		return
	}

	// Detached from the request context: the run outlives the response.
	go h.engine.RunScheduled(context.Background(), businessID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled run triggered"})
}

// Logs returns the business's activity log, most recent first.
func (h *Handlers) Logs(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	var b models.Business
	if err := h.db.First(&b, "id = ?", businessID).Error; err != nil {
		writeError(w, http.StatusNotFound, "business not found")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": h.activity.Logs(businessID, limit)})
}

// ClearLogs empties the business's activity log.
func (h *Handlers) ClearLogs(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	var b models.Business
	if err := h.db.First(&b, "id = ?", businessID).Error; err != nil {
		writeError(w, http.StatusNotFound, "business not found")
		return
	}

	h.activity.Clear(businessID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logs cleared"})
}

// Disconnect severs the Google connection and clears the snapshot.
func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")

	var b models.Business
	if err := h.db.First(&b, "id = ?", businessID).Error; err != nil {
		writeError(w, http.StatusNotFound, "business not found")
		return
	}

	if err := h.oauth.Disconnect(businessID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
}
