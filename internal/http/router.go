package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/http/ratelimit"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// NewRouter wires all HTTP routes for the API, webhook, and operational endpoints.
func NewRouter(cfg *config.Config, st *store.Store, authService *auth.Service, apiHandler *api.Handler, webhookHandler *webhook.Handler) http.Handler {
	r := chi.NewRouter()

	// API endpoints: 10 requests per second, burst of 20
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(10), 20, 5*time.Minute, cfg.TrustedProxies)
	// Webhook endpoint: 50 requests per second, burst of 100 (Google fans
	// out one notification per changed calendar)
	webhookRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(50), 100, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	// Push notifications authenticate with the per-channel token, not a
	// session, so no auth middleware here.
	r.With(webhookRateLimiter.Middleware()).
		Post("/webhooks/google/calendar", webhookHandler.HandleNotification)

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())

		// The OAuth callback is reached by browser redirect from Google;
		// the state parameter binds it to the authenticated user who
		// started the flow.
		r.Get("/google/callback", apiHandler.GoogleCallback)

		r.Group(func(r chi.Router) {
			r.Use(authService.RequireAuth)
			r.Get("/google/connect", apiHandler.GoogleConnect)
			r.Get("/calendars", apiHandler.ListCalendars)
			r.Post("/calendars/sync", apiHandler.SyncSelected)
			r.Post("/calendars/{calendarID}/watch", apiHandler.SetupWatch)
			r.Get("/calendars/{calendarID}/events", apiHandler.CalendarEvents)
		})
	})

	r.Route("/internal/cron", func(r chi.Router) {
		r.Use(authService.RequireCronSecret)
		r.Post("/renew-channels", apiHandler.RenewChannels)
	})

	return r
}
