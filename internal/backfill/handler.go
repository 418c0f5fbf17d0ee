package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// StateReader is the read side used by the HTTP handler.
type StateReader interface {
	State(ctx context.Context, slotID string) (*StateView, error)
}

// Handler exposes read-only backfill state for operators.
type Handler struct {
	state  StateReader
	logger *logging.Logger
}

func NewHandler(state StateReader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{state: state, logger: logger}
}

// Routes returns a chi router with backfill routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{slotID}/backfill", h.GetState)
	return r
}

// GetState returns the current cycle and its offers.
// GET /api/v1/slots/{slotID}/backfill
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")
	if slotID == "" {
		http.Error(w, `{"error": "slot_id required"}`, http.StatusBadRequest)
		return
	}

	view, err := h.state.State(r.Context(), slotID)
	if errors.Is(err, ErrBackfillNotFound) {
		http.Error(w, `{"error": "no backfill for slot"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load backfill state", "slot_id", slotID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		h.logger.Error("failed to encode backfill state", "slot_id", slotID, "error", err)
	}
}
