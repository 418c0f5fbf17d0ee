package waitlist

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// Handler lets the front desk or a chat flow add and remove waitlist entries.
type Handler struct {
	registry Registry
	logger   *logging.Logger
}

func NewHandler(registry Registry, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{registry: registry, logger: logger}
}

// Routes returns a chi router with waitlist routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Join)
	r.Get("/{entryID}", h.Get)
	r.Delete("/{entryID}", h.Leave)
	return r
}

// JoinRequest is the body for adding a waitlist entry.
type JoinRequest struct {
	OrgID           string     `json:"org_id"`
	CustomerID      string     `json:"customer_id"`
	Contact         string     `json:"contact"`
	ServiceID       string     `json:"service_id"`
	StaffPreference string     `json:"staff_preference,omitempty"`
	WindowStart     *time.Time `json:"window_start,omitempty"`
	WindowEnd       *time.Time `json:"window_end,omitempty"`
}

// Join adds a customer to the waitlist.
// POST /api/v1/waitlist
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	e := &Entry{
		OrgID:           strings.TrimSpace(req.OrgID),
		CustomerID:      strings.TrimSpace(req.CustomerID),
		Contact:         strings.TrimSpace(req.Contact),
		ServiceID:       strings.TrimSpace(req.ServiceID),
		StaffPreference: strings.TrimSpace(req.StaffPreference),
	}
	if req.WindowStart != nil {
		e.WindowStart = req.WindowStart.UTC()
	}
	if req.WindowEnd != nil {
		e.WindowEnd = req.WindowEnd.UTC()
	}
	if !e.WindowStart.IsZero() && !e.WindowEnd.IsZero() && !e.WindowEnd.After(e.WindowStart) {
		http.Error(w, `{"error": "window_end must be after window_start"}`, http.StatusBadRequest)
		return
	}

	if err := h.registry.Add(r.Context(), e); err != nil {
		if errors.Is(err, ErrInvalidEntry) {
			http.Error(w, `{"error": "org_id, customer_id and service_id are required"}`, http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to add waitlist entry", "org_id", e.OrgID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.logger.Info("waitlist entry added", "entry_id", e.ID, "org_id", e.OrgID, "service_id", e.ServiceID)
	writeJSON(w, http.StatusCreated, e)
}

// Get returns one entry.
// GET /api/v1/waitlist/{entryID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	e, err := h.registry.Get(r.Context(), entryID)
	if errors.Is(err, ErrEntryNotFound) {
		http.Error(w, `{"error": "entry not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get waitlist entry", "entry_id", entryID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Leave removes a waiting entry. Entries with an offer in flight cannot be
// removed until the offer resolves.
// DELETE /api/v1/waitlist/{entryID}
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	err := h.registry.Remove(r.Context(), entryID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrEntryNotFound):
		http.Error(w, `{"error": "entry not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrTransitionConflict):
		http.Error(w, `{"error": "entry has an offer in flight"}`, http.StatusConflict)
	default:
		h.logger.Error("failed to remove waitlist entry", "entry_id", entryID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
