package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/internal/bookings"
	"github.com/wolfman30/waitlist-backfill/internal/clinic"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes unmounted.
type Config struct {
	Logger          *logging.Logger
	BackfillHandler *backfill.Handler
	SettingsHandler *clinic.SettingsHandler
	WaitlistHandler *waitlist.Handler
	BookingsHandler *bookings.Handler
	MetricsHandler  http.Handler

	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(cfg.Logger))

	r.Get("/health", health)
	r.Get("/ready", ready(cfg.Ready))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(15 * time.Second))
		if cfg.BackfillHandler != nil {
			api.Mount("/slots", cfg.BackfillHandler.Routes())
		}
		if cfg.SettingsHandler != nil {
			api.Mount("/orgs", cfg.SettingsHandler.Routes())
		}
		if cfg.WaitlistHandler != nil {
			api.Mount("/waitlist", cfg.WaitlistHandler.Routes())
		}
		if cfg.BookingsHandler != nil {
			api.Mount("/bookings", cfg.BookingsHandler.Routes())
		}
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func ready(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
