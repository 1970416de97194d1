package store

import "time"

// User represents a person authenticated via the identity provider.
type User struct {
	ID           int64
	OAuthSubject string
	PrimaryEmail string
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

// GoogleCredential holds a user's OAuth tokens for the Google Calendar API.
// The access token is refreshed transparently; only the refresh token is
// required to build a working client.
type GoogleCredential struct {
	UserID       int64
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
	ConnectedAt  time.Time
	UpdatedAt    time.Time
}

// ChannelStatus is the lifecycle state of a watch channel.
type ChannelStatus string

const (
	ChannelActive           ChannelStatus = "active"
	ChannelRenewalFailed    ChannelStatus = "renewal_failed"
	ChannelCalendarNotFound ChannelStatus = "calendar_not_found"
	ChannelStopped          ChannelStatus = "stopped"
)

// WatchChannel is a push notification subscription registered with Google
// for one calendar. The channel token is a shared secret: every inbound
// notification must present it exactly.
type WatchChannel struct {
	ID          int64
	UserID      int64
	CalendarID  string
	ChannelID   string
	ResourceID  string
	ResourceURI string
	Token       string
	ExpiresAtMs int64
	Status      ChannelStatus
	LastError   string
	CreatedAt   time.Time
	RenewedAt   *time.Time
}

// SyncCursor is the durable resumption point for one (user, calendar) pair.
// An absent cursor row means the next pass must be a full sync.
type SyncCursor struct {
	UserID       int64
	CalendarID   string
	SyncToken    string
	LastSyncedAt time.Time
	TotalEvents  int
}

// EventTime is a date-or-datetime boundary as Google reports it: all-day
// events carry Date (YYYY-MM-DD), timed events carry DateTime (RFC 3339).
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Organizer identifies the event organizer.
type Organizer struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Attendee is one invitee on an event.
type Attendee struct {
	Email          string `json:"email,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
}

// Event mirrors one provider event. The provider assigns EventID; the local
// store never holds more than one row per (CalendarID, EventID), and only
// live events — a cancelled event is deleted, not flagged.
type Event struct {
	UserID       int64
	CalendarID   string
	EventID      string
	Summary      string
	Description  string
	Status       string
	Start        EventTime
	End          EventTime
	Organizer    *Organizer
	Attendees    []Attendee
	Created      time.Time
	Updated      time.Time
	LastSyncedAt time.Time
}

// CalendarSubscription marks a calendar the user opted into syncing.
// Independent of WatchChannel: a calendar can sync by polling alone.
type CalendarSubscription struct {
	UserID        int64
	CalendarID    string
	Selected      bool
	SyncStartedAt time.Time
	DeletedAt     *time.Time
}
