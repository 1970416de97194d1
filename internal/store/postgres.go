package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool *pgxpool.Pool
}

func (r *userRepo) UpsertOAuthUser(ctx context.Context, subject, email string) (*User, error) {
	defer observeDB(ctx, "users.upsert")()

	const q = `INSERT INTO users (oauth_subject, primary_email)
VALUES ($1, $2)
ON CONFLICT (oauth_subject)
DO UPDATE SET primary_email = EXCLUDED.primary_email, last_login_at = NOW()
RETURNING id, oauth_subject, primary_email, created_at, last_login_at`

	var u User
	err := r.pool.QueryRow(ctx, q, subject, email).
		Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get")()

	const q = `SELECT id, oauth_subject, primary_email, created_at, last_login_at
FROM users WHERE id = $1`

	var u User
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	pool *pgxpool.Pool
}

func (r *credentialRepo) Save(ctx context.Context, cred GoogleCredential) error {
	defer observeDB(ctx, "credentials.save")()

	const q = `INSERT INTO google_credentials
	(user_id, access_token, refresh_token, token_type, expiry, scopes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id)
DO UPDATE SET access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	token_type = EXCLUDED.token_type,
	expiry = EXCLUDED.expiry,
	scopes = EXCLUDED.scopes,
	updated_at = NOW()`

	_, err := r.pool.Exec(ctx, q, cred.UserID, cred.AccessToken, cred.RefreshToken,
		cred.TokenType, cred.Expiry, cred.Scopes)
	if err != nil {
		return fmt.Errorf("save credential for user %d: %w", cred.UserID, err)
	}
	return nil
}

func (r *credentialRepo) GetByUser(ctx context.Context, userID int64) (*GoogleCredential, error) {
	defer observeDB(ctx, "credentials.get")()

	const q = `SELECT user_id, access_token, refresh_token, token_type, expiry, scopes, connected_at, updated_at
FROM google_credentials WHERE user_id = $1`

	var c GoogleCredential
	err := r.pool.QueryRow(ctx, q, userID).
		Scan(&c.UserID, &c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Expiry, &c.Scopes, &c.ConnectedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for user %d: %w", userID, err)
	}
	return &c, nil
}

func (r *credentialRepo) UpdateAccessToken(ctx context.Context, userID int64, accessToken string, expiry time.Time) error {
	defer observeDB(ctx, "credentials.update_access_token")()

	const q = `UPDATE google_credentials
SET access_token = $2, expiry = $3, updated_at = NOW()
WHERE user_id = $1`

	if _, err := r.pool.Exec(ctx, q, userID, accessToken, expiry); err != nil {
		return fmt.Errorf("update access token for user %d: %w", userID, err)
	}
	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "credentials.delete")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM google_credentials WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete credential for user %d: %w", userID, err)
	}
	return nil
}

// watchChannelRepo implements WatchChannelRepository.
type watchChannelRepo struct {
	pool *pgxpool.Pool
}

const watchChannelColumns = `id, user_id, calendar_id, channel_id, resource_id, resource_uri,
	token, expires_at_ms, status, last_error, created_at, renewed_at`

func scanWatchChannel(row pgx.Row) (*WatchChannel, error) {
	var ch WatchChannel
	err := row.Scan(&ch.ID, &ch.UserID, &ch.CalendarID, &ch.ChannelID, &ch.ResourceID,
		&ch.ResourceURI, &ch.Token, &ch.ExpiresAtMs, &ch.Status, &ch.LastError,
		&ch.CreatedAt, &ch.RenewedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *watchChannelRepo) Create(ctx context.Context, ch WatchChannel) (*WatchChannel, error) {
	defer observeDB(ctx, "channels.create")()

	const q = `INSERT INTO watch_channels
	(user_id, calendar_id, channel_id, resource_id, resource_uri, token, expires_at_ms, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + watchChannelColumns

	created, err := scanWatchChannel(r.pool.QueryRow(ctx, q, ch.UserID, ch.CalendarID,
		ch.ChannelID, ch.ResourceID, ch.ResourceURI, ch.Token, ch.ExpiresAtMs, ch.Status))
	if err != nil {
		return nil, fmt.Errorf("create watch channel: %w", err)
	}
	return created, nil
}

func (r *watchChannelRepo) GetByChannelID(ctx context.Context, channelID string) (*WatchChannel, error) {
	defer observeDB(ctx, "channels.get_by_channel_id")()

	const q = `SELECT ` + watchChannelColumns + ` FROM watch_channels WHERE channel_id = $1`

	ch, err := scanWatchChannel(r.pool.QueryRow(ctx, q, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get watch channel %s: %w", channelID, err)
	}
	return ch, nil
}

func (r *watchChannelRepo) GetActive(ctx context.Context, userID int64, calendarID string) (*WatchChannel, error) {
	defer observeDB(ctx, "channels.get_active")()

	const q = `SELECT ` + watchChannelColumns + ` FROM watch_channels
WHERE user_id = $1 AND calendar_id = $2 AND status = 'active'
ORDER BY created_at DESC LIMIT 1`

	ch, err := scanWatchChannel(r.pool.QueryRow(ctx, q, userID, calendarID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active channel for calendar %s: %w", calendarID, err)
	}
	return ch, nil
}

func (r *watchChannelRepo) ListExpiring(ctx context.Context, from, until int64) ([]WatchChannel, error) {
	defer observeDB(ctx, "channels.list_expiring")()

	const q = `SELECT ` + watchChannelColumns + ` FROM watch_channels
WHERE status = 'active' AND expires_at_ms >= $1 AND expires_at_ms < $2
ORDER BY expires_at_ms`

	rows, err := r.pool.Query(ctx, q, from, until)
	if err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}
	defer rows.Close()

	var channels []WatchChannel
	for rows.Next() {
		ch, err := scanWatchChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (r *watchChannelRepo) ReplaceIdentity(ctx context.Context, id int64, channelID, resourceID, resourceURI string, expiresAtMs int64) error {
	defer observeDB(ctx, "channels.replace_identity")()

	const q = `UPDATE watch_channels
SET channel_id = $2, resource_id = $3, resource_uri = $4, expires_at_ms = $5,
	status = 'active', last_error = '', renewed_at = NOW()
WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, id, channelID, resourceID, resourceURI, expiresAtMs)
	if err != nil {
		return fmt.Errorf("replace channel identity %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *watchChannelRepo) SetStatus(ctx context.Context, id int64, status ChannelStatus, reason string) error {
	defer observeDB(ctx, "channels.set_status")()

	const q = `UPDATE watch_channels SET status = $2, last_error = $3 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, id, status, reason)
	if err != nil {
		return fmt.Errorf("set channel %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// syncCursorRepo implements SyncCursorRepository.
type syncCursorRepo struct {
	pool *pgxpool.Pool
}

func (r *syncCursorRepo) Get(ctx context.Context, userID int64, calendarID string) (*SyncCursor, error) {
	defer observeDB(ctx, "cursors.get")()

	const q = `SELECT user_id, calendar_id, sync_token, last_synced_at, total_events
FROM sync_cursors WHERE user_id = $1 AND calendar_id = $2`

	var c SyncCursor
	err := r.pool.QueryRow(ctx, q, userID, calendarID).
		Scan(&c.UserID, &c.CalendarID, &c.SyncToken, &c.LastSyncedAt, &c.TotalEvents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor for calendar %s: %w", calendarID, err)
	}
	return &c, nil
}

func (r *syncCursorRepo) Save(ctx context.Context, cursor SyncCursor) error {
	defer observeDB(ctx, "cursors.save")()

	const q = `INSERT INTO sync_cursors (user_id, calendar_id, sync_token, last_synced_at, total_events)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, calendar_id)
DO UPDATE SET sync_token = EXCLUDED.sync_token,
	last_synced_at = EXCLUDED.last_synced_at,
	total_events = EXCLUDED.total_events`

	_, err := r.pool.Exec(ctx, q, cursor.UserID, cursor.CalendarID, cursor.SyncToken,
		cursor.LastSyncedAt, cursor.TotalEvents)
	if err != nil {
		return fmt.Errorf("save cursor for calendar %s: %w", cursor.CalendarID, err)
	}
	return nil
}

func (r *syncCursorRepo) Delete(ctx context.Context, userID int64, calendarID string) error {
	defer observeDB(ctx, "cursors.delete")()

	const q = `DELETE FROM sync_cursors WHERE user_id = $1 AND calendar_id = $2`

	if _, err := r.pool.Exec(ctx, q, userID, calendarID); err != nil {
		return fmt.Errorf("delete cursor for calendar %s: %w", calendarID, err)
	}
	return nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

func (r *eventRepo) Upsert(ctx context.Context, event Event) error {
	defer observeDB(ctx, "events.upsert")()

	const q = `INSERT INTO events
	(user_id, calendar_id, event_id, summary, description, status,
	 start_time, end_time, organizer, attendees, created, updated, last_synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (calendar_id, event_id)
DO UPDATE SET user_id = EXCLUDED.user_id,
	summary = EXCLUDED.summary,
	description = EXCLUDED.description,
	status = EXCLUDED.status,
	start_time = EXCLUDED.start_time,
	end_time = EXCLUDED.end_time,
	organizer = EXCLUDED.organizer,
	attendees = EXCLUDED.attendees,
	created = EXCLUDED.created,
	updated = EXCLUDED.updated,
	last_synced_at = EXCLUDED.last_synced_at`

	attendees := event.Attendees
	if attendees == nil {
		attendees = []Attendee{}
	}

	_, err := r.pool.Exec(ctx, q, event.UserID, event.CalendarID, event.EventID,
		event.Summary, event.Description, event.Status, event.Start, event.End,
		event.Organizer, attendees, event.Created, event.Updated, event.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", event.EventID, err)
	}
	return nil
}

func (r *eventRepo) Delete(ctx context.Context, calendarID, eventID string) error {
	defer observeDB(ctx, "events.delete")()

	const q = `DELETE FROM events WHERE calendar_id = $1 AND event_id = $2`

	if _, err := r.pool.Exec(ctx, q, calendarID, eventID); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

func (r *eventRepo) DeleteAllForCalendar(ctx context.Context, userID int64, calendarID string) error {
	defer observeDB(ctx, "events.delete_all")()

	const q = `DELETE FROM events WHERE user_id = $1 AND calendar_id = $2`

	if _, err := r.pool.Exec(ctx, q, userID, calendarID); err != nil {
		return fmt.Errorf("delete events for calendar %s: %w", calendarID, err)
	}
	return nil
}

const eventColumns = `user_id, calendar_id, event_id, summary, description, status,
	start_time, end_time, organizer, attendees, created, updated, last_synced_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	err := row.Scan(&ev.UserID, &ev.CalendarID, &ev.EventID, &ev.Summary, &ev.Description,
		&ev.Status, &ev.Start, &ev.End, &ev.Organizer, &ev.Attendees,
		&ev.Created, &ev.Updated, &ev.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *eventRepo) GetByID(ctx context.Context, calendarID, eventID string) (*Event, error) {
	defer observeDB(ctx, "events.get")()

	const q = `SELECT ` + eventColumns + ` FROM events WHERE calendar_id = $1 AND event_id = $2`

	ev, err := scanEvent(r.pool.QueryRow(ctx, q, calendarID, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return ev, nil
}

func (r *eventRepo) ListForCalendar(ctx context.Context, userID int64, calendarID string) ([]Event, error) {
	defer observeDB(ctx, "events.list")()

	const q = `SELECT ` + eventColumns + ` FROM events
WHERE user_id = $1 AND calendar_id = $2
ORDER BY COALESCE(start_time->>'dateTime', start_time->>'date'), event_id`

	rows, err := r.pool.Query(ctx, q, userID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list events for calendar %s: %w", calendarID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (r *eventRepo) CountForCalendar(ctx context.Context, userID int64, calendarID string) (int, error) {
	defer observeDB(ctx, "events.count")()

	const q = `SELECT COUNT(*) FROM events WHERE user_id = $1 AND calendar_id = $2`

	var count int
	if err := r.pool.QueryRow(ctx, q, userID, calendarID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events for calendar %s: %w", calendarID, err)
	}
	return count, nil
}

// subscriptionRepo implements SubscriptionRepository.
type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func (r *subscriptionRepo) MarkSelected(ctx context.Context, userID int64, calendarID string, startedAt time.Time) error {
	defer observeDB(ctx, "subscriptions.mark_selected")()

	const q = `INSERT INTO calendar_subscriptions (user_id, calendar_id, selected, sync_started_at)
VALUES ($1, $2, TRUE, $3)
ON CONFLICT (user_id, calendar_id)
DO UPDATE SET selected = TRUE, sync_started_at = EXCLUDED.sync_started_at, deleted_at = NULL`

	if _, err := r.pool.Exec(ctx, q, userID, calendarID, startedAt); err != nil {
		return fmt.Errorf("mark calendar %s selected: %w", calendarID, err)
	}
	return nil
}

func (r *subscriptionRepo) MarkDeleted(ctx context.Context, userID int64, calendarID string) error {
	defer observeDB(ctx, "subscriptions.mark_deleted")()

	const q = `UPDATE calendar_subscriptions
SET selected = FALSE, deleted_at = COALESCE(deleted_at, NOW())
WHERE user_id = $1 AND calendar_id = $2`

	if _, err := r.pool.Exec(ctx, q, userID, calendarID); err != nil {
		return fmt.Errorf("mark calendar %s deleted: %w", calendarID, err)
	}
	return nil
}

func (r *subscriptionRepo) ListSelected(ctx context.Context, userID int64) ([]CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.list_selected")()

	const q = `SELECT user_id, calendar_id, selected, sync_started_at, deleted_at
FROM calendar_subscriptions
WHERE user_id = $1 AND selected AND deleted_at IS NULL
ORDER BY calendar_id`

	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var subs []CalendarSubscription
	for rows.Next() {
		var s CalendarSubscription
		if err := rows.Scan(&s.UserID, &s.CalendarID, &s.Selected, &s.SyncStartedAt, &s.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
