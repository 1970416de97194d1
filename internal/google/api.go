// Package google wraps the Google Calendar v3 API behind an explicit
// contract so the sync engine can be exercised without the network.
package google

import (
	"context"

	"google.golang.org/api/calendar/v3"
)

// API is the slice of the remote calendar provider the engine depends on.
type API interface {
	// ListEvents fetches one page of events. The next sync token appears
	// only on the final page (empty NextPageToken).
	ListEvents(ctx context.Context, req ListEventsRequest) (*ListEventsResponse, error)
	// WatchEvents registers a push notification channel for a calendar.
	WatchEvents(ctx context.Context, req WatchRequest) (*WatchResponse, error)
	// StopChannel retires a push notification channel.
	StopChannel(ctx context.Context, channelID, resourceID string) error
	// ListCalendars enumerates the calendars visible to the user.
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)
}

// ClientFactory returns an authenticated API client for a user, refreshing
// expired access credentials transparently.
type ClientFactory interface {
	ClientFor(ctx context.Context, userID int64) (API, error)
}

// ListEventsRequest selects either a full listing (empty SyncToken, ordered
// by start time) or an incremental one. The API rejects ordering and result
// limits alongside a sync token, so those fields are ignored in incremental
// mode.
type ListEventsRequest struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	MaxResults int64
}

// ListEventsResponse is one page of the listing.
type ListEventsResponse struct {
	Items         []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

// WatchRequest registers a web_hook subscription delivering to Address.
type WatchRequest struct {
	CalendarID string
	ChannelID  string
	Address    string
	Token      string
	TTLSeconds int64
}

// WatchResponse carries the provider-assigned channel identity.
type WatchResponse struct {
	ResourceID   string
	ResourceURI  string
	ExpirationMs int64
}

// CalendarInfo is a summary entry from the user's calendar list.
type CalendarInfo struct {
	ID         string `json:"id"`
	Summary    string `json:"summary"`
	TimeZone   string `json:"timeZone"`
	AccessRole string `json:"accessRole"`
	Primary    bool   `json:"primary"`
}
