package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jw6ventures/calsync/internal/google"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
)

// Handler adapts push notification HTTP requests to the dispatcher.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

type response struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
	Stats   *stats `json:"stats,omitempty"`
}

type stats struct {
	TotalChanges int `json:"totalChanges"`
	Upserted     int `json:"upserted"`
	Deleted      int `json:"deleted"`
}

// HandleNotification processes one push delivery. Conditions that can
// never resolve (malformed, unknown channel, bad token, calendar gone)
// answer with a final status so the provider stops redelivering; only
// transient sync failures answer 500.
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	n := Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-Id"),
		ChannelToken:  r.Header.Get("X-Goog-Channel-Token"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		ResourceID:    r.Header.Get("X-Goog-Resource-Id"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	}

	res, err := h.dispatcher.Dispatch(r.Context(), n)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, response{
			Success: true,
			Outcome: string(res.Outcome),
			Stats:   statsFrom(res),
		})

	case errors.Is(err, ErrMissingFields):
		writeJSON(w, http.StatusBadRequest, response{Success: false, Error: "invalid headers"})

	case errors.Is(err, ErrUnknownChannel):
		writeJSON(w, http.StatusNotFound, response{Success: false, Error: "unknown channel"})

	case errors.Is(err, ErrTokenMismatch):
		writeJSON(w, http.StatusForbidden, response{Success: false, Error: "invalid token"})

	case errors.Is(err, google.ErrNotFound):
		// Terminal: the channel is marked calendar_not_found. Answer OK so
		// the provider does not keep redelivering for a dead calendar.
		httperrors.LogError(r, "webhook sync: calendar not found", err)
		writeJSON(w, http.StatusOK, response{Success: false, Error: "calendar not found"})

	default:
		httperrors.LogError(r, "webhook sync failed", err)
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: "sync failed"})
	}
}

func statsFrom(res *Result) *stats {
	if res == nil || res.Sync == nil {
		return nil
	}
	return &stats{
		TotalChanges: res.Sync.TotalChanges,
		Upserted:     res.Sync.Upserted,
		Deleted:      res.Sync.Deleted,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
