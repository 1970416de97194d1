package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	UpsertOAuthUser(ctx context.Context, subject, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
}

// CredentialRepository stores per-user Google OAuth tokens.
type CredentialRepository interface {
	Save(ctx context.Context, cred GoogleCredential) error
	GetByUser(ctx context.Context, userID int64) (*GoogleCredential, error)
	// UpdateAccessToken persists a refreshed access token without touching
	// the refresh token.
	UpdateAccessToken(ctx context.Context, userID int64, accessToken string, expiry time.Time) error
	Delete(ctx context.Context, userID int64) error
}

// WatchChannelRepository handles watch channel lifecycle.
type WatchChannelRepository interface {
	Create(ctx context.Context, ch WatchChannel) (*WatchChannel, error)
	GetByChannelID(ctx context.Context, channelID string) (*WatchChannel, error)
	GetActive(ctx context.Context, userID int64, calendarID string) (*WatchChannel, error)
	// ListExpiring returns active channels whose expiry falls in [from, until).
	ListExpiring(ctx context.Context, from, until int64) ([]WatchChannel, error)
	// ReplaceIdentity swaps in the renewed channel's identifying fields while
	// keeping the owning (user, calendar) pair.
	ReplaceIdentity(ctx context.Context, id int64, channelID, resourceID, resourceURI string, expiresAtMs int64) error
	SetStatus(ctx context.Context, id int64, status ChannelStatus, reason string) error
}

// SyncCursorRepository is the keyed accessor for sync resumption state.
// Callers own the usage discipline: write only after a fully successful
// pass, delete before any retry that follows a token rejection.
type SyncCursorRepository interface {
	Get(ctx context.Context, userID int64, calendarID string) (*SyncCursor, error)
	Save(ctx context.Context, cursor SyncCursor) error
	Delete(ctx context.Context, userID int64, calendarID string) error
}

// EventRepository handles the local event mirror.
type EventRepository interface {
	Upsert(ctx context.Context, event Event) error
	Delete(ctx context.Context, calendarID, eventID string) error
	DeleteAllForCalendar(ctx context.Context, userID int64, calendarID string) error
	GetByID(ctx context.Context, calendarID, eventID string) (*Event, error)
	ListForCalendar(ctx context.Context, userID int64, calendarID string) ([]Event, error)
	CountForCalendar(ctx context.Context, userID int64, calendarID string) (int, error)
}

// SubscriptionRepository tracks which calendars a user syncs.
type SubscriptionRepository interface {
	MarkSelected(ctx context.Context, userID int64, calendarID string, startedAt time.Time) error
	MarkDeleted(ctx context.Context, userID int64, calendarID string) error
	ListSelected(ctx context.Context, userID int64) ([]CalendarSubscription, error)
}
