// Package api exposes the JSON endpoints around the sync engine: the
// Google account connect flow, calendar selection and sync triggers, watch
// channel setup, and the local event mirror.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/google"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/watch"
)

// Handler serves the JSON API.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	clients google.ClientFactory
	sync    *sync.Synchronizer
	watch   *watch.Manager
	oauth   *oauth2.Config
	states  *stateStore
}

func NewHandler(cfg *config.Config, st *store.Store, clients google.ClientFactory, s *sync.Synchronizer, w *watch.Manager) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   st,
		clients: clients,
		sync:    s,
		watch:   w,
		oauth:   google.OAuthConfig(cfg),
		states:  newStateStore(),
	}
}

// GoogleConnect starts the OAuth consent flow for the calling user.
// Offline access with forced consent so Google issues a refresh token.
func (h *Handler) GoogleConnect(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	state, err := h.states.Issue(user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to issue oauth state")
		return
	}

	url := h.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
	http.Redirect(w, r, url, http.StatusFound)
}

// GoogleCallback completes the consent flow and stores the credential.
func (h *Handler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httperrors.BadRequestError(w, r, errors.New("missing state or code"), "missing state or code")
		return
	}

	userID, ok := h.states.Redeem(state)
	if !ok {
		httperrors.BadRequestError(w, r, errors.New("unknown oauth state"), "invalid or expired state")
		return
	}

	tok, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		httperrors.InternalError(w, r, err, "oauth code exchange failed")
		return
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// Google only returns a refresh token on the first consent; keep
		// the one we already hold.
		if existing, err := h.store.Credentials.GetByUser(r.Context(), userID); err == nil {
			refreshToken = existing.RefreshToken
		}
	}
	if refreshToken == "" {
		httperrors.BadRequestError(w, r, errors.New("no refresh token granted"), "google did not grant offline access")
		return
	}

	cred := store.GoogleCredential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       h.oauth.Scopes,
	}
	if err := h.store.Credentials.Save(r.Context(), cred); err != nil {
		httperrors.InternalError(w, r, err, "failed to save google credential")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Google Calendar connected",
	})
}

// ListCalendars enumerates the calendars visible to the user's Google
// account.
func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	client, err := h.clients.ClientFor(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.BadRequestError(w, r, err, "google not connected")
			return
		}
		httperrors.InternalError(w, r, err, "failed to create calendar client")
		return
	}

	calendars, err := client.ListCalendars(r.Context())
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list calendars")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"calendars": calendars,
	})
}

type syncSelectedRequest struct {
	CalendarIDs []string `json:"calendarIds"`
}

type calendarSyncResult struct {
	CalendarID  string `json:"calendarId"`
	Success     bool   `json:"success"`
	EventsCount int    `json:"eventsCount,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SyncSelected marks the given calendars as selected and full-syncs each,
// reporting per-calendar outcomes.
func (h *Handler) SyncSelected(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req syncSelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if len(req.CalendarIDs) == 0 {
		httperrors.BadRequestError(w, r, errors.New("empty calendarIds"), "calendarIds array is required")
		return
	}

	outcomes := h.sync.SyncSelected(r.Context(), user.ID, req.CalendarIDs)

	results := make([]calendarSyncResult, 0, len(outcomes))
	successful := 0
	for _, o := range outcomes {
		res := calendarSyncResult{CalendarID: o.CalendarID}
		if o.Err != nil {
			res.Error = o.Err.Error()
		} else {
			res.Success = true
			res.EventsCount = o.Events
			successful++
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"results":         results,
		"totalCalendars":  len(req.CalendarIDs),
		"successfulSyncs": successful,
	})
}

// SetupWatch registers a push channel for one calendar. Channel creation
// failing (e.g., the callback address is not publicly reachable) is not
// fatal: the calendar still syncs via the batch trigger, so the failure is
// reported in the body rather than the status.
func (h *Handler) SetupWatch(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	calendarID := chi.URLParam(r, "calendarID")
	if calendarID == "" {
		httperrors.BadRequestError(w, r, errors.New("missing calendarID"), "calendarID is required")
		return
	}

	ch, err := h.watch.Subscribe(r.Context(), user.ID, calendarID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.BadRequestError(w, r, err, "google not connected")
			return
		}
		httperrors.LogError(r, "watch setup failed", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "watch setup failed; push channels require a publicly reachable HTTPS callback address",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"channelId":  ch.ChannelID,
		"expiration": ch.ExpiresAtMs,
	})
}

// CalendarEvents returns the local mirror for one calendar.
func (h *Handler) CalendarEvents(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	calendarID := chi.URLParam(r, "calendarID")
	if calendarID == "" {
		httperrors.BadRequestError(w, r, errors.New("missing calendarID"), "calendarID is required")
		return
	}

	events, err := h.store.Events.ListForCalendar(r.Context(), user.ID, calendarID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list events")
		return
	}

	var lastSynced any
	if cursor, err := h.store.Cursors.Get(r.Context(), user.ID, calendarID); err == nil {
		lastSynced = cursor.LastSyncedAt
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"count":        len(events),
		"events":       eventsJSON(events),
		"lastSyncedAt": lastSynced,
	})
}

// RenewChannels is the scheduled renewal trigger: it renews every active
// channel expiring within the configured horizon.
func (h *Handler) RenewChannels(w http.ResponseWriter, r *http.Request) {
	report, err := h.watch.RenewExpiring(r.Context(), h.cfg.Watch.RenewHorizon)
	if err != nil {
		httperrors.InternalError(w, r, err, "channel renewal batch failed to start")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": report.Processed,
		"renewed":   report.Renewed,
		"failures":  report.Failures,
	})
}

type eventJSON struct {
	EventID     string           `json:"eventId"`
	Summary     string           `json:"summary"`
	Description string           `json:"description,omitempty"`
	Status      string           `json:"status"`
	Start       store.EventTime  `json:"start"`
	End         store.EventTime  `json:"end"`
	Organizer   *store.Organizer `json:"organizer,omitempty"`
	Attendees   []store.Attendee `json:"attendees,omitempty"`
}

func eventsJSON(events []store.Event) []eventJSON {
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON{
			EventID:     ev.EventID,
			Summary:     ev.Summary,
			Description: ev.Description,
			Status:      ev.Status,
			Start:       ev.Start,
			End:         ev.End,
			Organizer:   ev.Organizer,
			Attendees:   ev.Attendees,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
