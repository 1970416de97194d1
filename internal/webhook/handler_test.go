package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/api/calendar/v3"

	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/store"
)

func postNotification(t *testing.T, h *Handler, headers map[string]string) (*httptest.ResponseRecorder, response) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google/calendar", nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	h.HandleNotification(rec, req)

	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, body
}

func validHeaders(state string) map[string]string {
	return map[string]string{
		"X-Goog-Channel-Id":     "chan-1",
		"X-Goog-Channel-Token":  "secret-token",
		"X-Goog-Resource-State": state,
		"X-Goog-Resource-Id":    "res-1",
	}
}

func TestHandleNotificationStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		api         *fakeAPI
		channels    []store.WatchChannel
		headers     map[string]string
		wantStatus  int
		wantSuccess bool
	}{
		{
			name:        "handshake acknowledged",
			api:         &fakeAPI{},
			channels:    []store.WatchChannel{activeChannel()},
			headers:     validHeaders("sync"),
			wantStatus:  http.StatusOK,
			wantSuccess: true,
		},
		{
			name:       "missing headers",
			api:        &fakeAPI{},
			headers:    map[string]string{"X-Goog-Resource-State": "exists"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown channel",
			api:        &fakeAPI{},
			headers:    validHeaders("exists"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:     "token mismatch",
			api:      &fakeAPI{},
			channels: []store.WatchChannel{activeChannel()},
			headers: map[string]string{
				"X-Goog-Channel-Id":     "chan-1",
				"X-Goog-Channel-Token":  "forged",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name:        "change synced",
			api:         &fakeAPI{items: []*calendar.Event{{Id: "ev", Status: "confirmed"}}, syncToken: "tok-1"},
			channels:    []store.WatchChannel{activeChannel()},
			headers:     validHeaders("exists"),
			wantStatus:  http.StatusOK,
			wantSuccess: true,
		},
		{
			name:       "calendar gone answers final status",
			api:        &fakeAPI{listErr: fmt.Errorf("%w: calendar deleted", google.ErrNotFound)},
			channels:   []store.WatchChannel{activeChannel()},
			headers:    validHeaders("exists"),
			wantStatus: http.StatusOK,
		},
		{
			name:       "transient failure answers 500",
			api:        &fakeAPI{listErr: errors.New("backend unavailable")},
			channels:   []store.WatchChannel{activeChannel()},
			headers:    validHeaders("exists"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.api, tt.channels...)
			handler := NewHandler(env.dispatcher)

			rec, body := postNotification(t, handler, tt.headers)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body.Success != tt.wantSuccess {
				t.Errorf("success = %v, want %v", body.Success, tt.wantSuccess)
			}
		})
	}
}

func TestHandleNotificationReportsSyncStats(t *testing.T) {
	api := &fakeAPI{
		items: []*calendar.Event{
			{Id: "a", Status: "confirmed"},
			{Id: "b", Status: "cancelled"},
		},
		syncToken: "tok-1",
	}
	env := newTestEnv(api, activeChannel())
	handler := NewHandler(env.dispatcher)

	rec, body := postNotification(t, handler, validHeaders("exists"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body.Outcome != string(OutcomeSynced) {
		t.Errorf("outcome = %q, want synced", body.Outcome)
	}
	if body.Stats == nil {
		t.Fatal("stats missing from response")
	}
	if body.Stats.TotalChanges != 2 || body.Stats.Upserted != 1 || body.Stats.Deleted != 1 {
		t.Errorf("stats = %+v, want total 2, upserted 1, deleted 1", body.Stats)
	}
}
