package bookings

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// Handler exposes front-desk booking operations.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Routes returns a chi router with booking routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Book)
	r.Post("/{bookingID}/cancel", h.Cancel)
	return r
}

// BookRequest is the body for a direct booking.
type BookRequest struct {
	SlotID     string `json:"slot_id"`
	CustomerID string `json:"customer_id"`
}

// Book reserves an open slot for a customer.
// POST /api/v1/bookings
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	req.SlotID = strings.TrimSpace(req.SlotID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.SlotID == "" || req.CustomerID == "" {
		http.Error(w, `{"error": "slot_id and customer_id required"}`, http.StatusBadRequest)
		return
	}

	b, err := h.service.BookDirect(r.Context(), req.SlotID, req.CustomerID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, b)
	case errors.Is(err, backfill.ErrSlotNotFound):
		http.Error(w, `{"error": "slot not found"}`, http.StatusNotFound)
	case errors.Is(err, backfill.ErrSlotUnavailable):
		http.Error(w, `{"error": "slot no longer available"}`, http.StatusConflict)
	default:
		h.logger.Error("failed to book slot", "slot_id", req.SlotID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}

// Cancel cancels a booking, reopening its slot for backfill.
// POST /api/v1/bookings/{bookingID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	slot, err := h.service.Cancel(r.Context(), bookingID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, slot)
	case errors.Is(err, ErrBookingNotFound):
		http.Error(w, `{"error": "booking not found"}`, http.StatusNotFound)
	default:
		h.logger.Error("failed to cancel booking", "booking_id", bookingID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
