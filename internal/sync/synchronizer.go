// Package sync implements the pull protocol against the remote calendar
// provider: full and incremental passes, idempotent application of the
// resulting changes, and sync cursor advancement.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

// Mode distinguishes a full re-listing from a change-feed pass.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Result summarizes one completed sync pass.
type Result struct {
	Mode         Mode
	Upserted     int
	Deleted      int
	Pages        int
	TotalChanges int
	NewSyncToken string
}

// CalendarOutcome is one item of a batch sync result.
type CalendarOutcome struct {
	CalendarID string
	Events     int
	Err        error
}

// Synchronizer runs sync passes. Passes for the same (user, calendar) pair
// are serialized internally: two interleaved passes could otherwise race to
// store different sync tokens and silently lose one feed position.
type Synchronizer struct {
	clients     google.ClientFactory
	store       *store.Store
	locks       *keyMutex
	pageSize    int64
	passTimeout time.Duration
}

func New(cfg *config.Config, st *store.Store, clients google.ClientFactory) *Synchronizer {
	return &Synchronizer{
		clients:     clients,
		store:       st,
		locks:       newKeyMutex(),
		pageSize:    cfg.Sync.PageSize,
		passTimeout: cfg.Sync.PassTimeout,
	}
}

func lockKey(userID int64, calendarID string) string {
	return fmt.Sprintf("%d/%s", userID, calendarID)
}

// Sync runs one pass for the calendar. An empty syncToken selects full
// mode: the whole event set is re-listed and the local mirror replaced, so
// events the provider silently dropped disappear too. A non-empty token
// selects incremental mode.
//
// A rejected token surfaces as google.ErrSyncTokenExpired; the caller owns
// clearing the stored cursor and re-invoking in full mode. The cursor is
// only advanced after every page has been fetched and applied.
func (s *Synchronizer) Sync(ctx context.Context, userID int64, calendarID, syncToken string) (*Result, error) {
	key := lockKey(userID, calendarID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	mode := ModeFull
	if syncToken != "" {
		mode = ModeIncremental
	}

	start := time.Now()
	res, err := s.pass(ctx, userID, calendarID, syncToken, mode)
	metrics.ObserveSyncPass(string(mode), passOutcome(err), start)
	return res, err
}

func (s *Synchronizer) pass(ctx context.Context, userID int64, calendarID, syncToken string, mode Mode) (*Result, error) {
	api, err := s.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Accumulate every page before touching the store: the sync token only
	// exists once pagination is exhausted, and full mode must not clear the
	// mirror until the replacement listing is complete.
	var (
		items     []*calendar.Event
		newToken  string
		pageToken string
		pages     int
	)
	for {
		page, err := api.ListEvents(ctx, google.ListEventsRequest{
			CalendarID: calendarID,
			SyncToken:  syncToken,
			PageToken:  pageToken,
			MaxResults: s.pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list events for calendar %s: %w", calendarID, err)
		}

		items = append(items, page.Items...)
		pages++

		pageToken = page.NextPageToken
		if pageToken == "" {
			newToken = page.NextSyncToken
			break
		}
	}

	if mode == ModeFull {
		if err := s.store.Events.DeleteAllForCalendar(ctx, userID, calendarID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	res := &Result{Mode: mode, Pages: pages, TotalChanges: len(items), NewSyncToken: newToken}
	for _, item := range items {
		if item.Status == "cancelled" {
			if err := s.store.Events.Delete(ctx, calendarID, item.Id); err != nil {
				return nil, err
			}
			res.Deleted++
			continue
		}
		if err := s.store.Events.Upsert(ctx, eventFromAPI(userID, calendarID, item, now)); err != nil {
			return nil, err
		}
		res.Upserted++
	}
	metrics.CountEventsApplied("upsert", res.Upserted)
	metrics.CountEventsApplied("delete", res.Deleted)

	if newToken != "" {
		cursor := store.SyncCursor{
			UserID:       userID,
			CalendarID:   calendarID,
			SyncToken:    newToken,
			LastSyncedAt: now,
			TotalEvents:  len(items),
		}
		if err := s.store.Cursors.Save(ctx, cursor); err != nil {
			return nil, fmt.Errorf("save sync cursor for calendar %s: %w", calendarID, err)
		}
	}

	return res, nil
}

// Purge removes the local mirror of a calendar: all events, the sync
// cursor, and the subscription mark. Used when the provider reports the
// watched resource gone. Safe to repeat.
func (s *Synchronizer) Purge(ctx context.Context, userID int64, calendarID string) error {
	key := lockKey(userID, calendarID)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if err := s.store.Events.DeleteAllForCalendar(ctx, userID, calendarID); err != nil {
		return err
	}
	if err := s.store.Cursors.Delete(ctx, userID, calendarID); err != nil {
		return err
	}
	return s.store.Subscriptions.MarkDeleted(ctx, userID, calendarID)
}

// SyncSelected marks each calendar as selected and runs a full sync for
// it. Calendars fail independently: one calendar's error is recorded in
// its outcome and the rest still sync.
func (s *Synchronizer) SyncSelected(ctx context.Context, userID int64, calendarIDs []string) []CalendarOutcome {
	outcomes := make([]CalendarOutcome, 0, len(calendarIDs))
	for _, calendarID := range calendarIDs {
		if err := s.store.Subscriptions.MarkSelected(ctx, userID, calendarID, time.Now()); err != nil {
			outcomes = append(outcomes, CalendarOutcome{CalendarID: calendarID, Err: err})
			continue
		}

		res, err := s.Sync(ctx, userID, calendarID, "")
		if err != nil {
			outcomes = append(outcomes, CalendarOutcome{CalendarID: calendarID, Err: err})
			continue
		}
		outcomes = append(outcomes, CalendarOutcome{CalendarID: calendarID, Events: res.TotalChanges})
	}
	return outcomes
}

func passOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, google.ErrSyncTokenExpired):
		return "token_expired"
	case errors.Is(err, google.ErrNotFound):
		return "not_found"
	case errors.Is(err, google.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

func eventFromAPI(userID int64, calendarID string, item *calendar.Event, syncedAt time.Time) store.Event {
	ev := store.Event{
		UserID:       userID,
		CalendarID:   calendarID,
		EventID:      item.Id,
		Summary:      item.Summary,
		Description:  item.Description,
		Status:       item.Status,
		Start:        eventTimeFromAPI(item.Start),
		End:          eventTimeFromAPI(item.End),
		LastSyncedAt: syncedAt,
	}

	if t, err := time.Parse(time.RFC3339, item.Created); err == nil {
		ev.Created = t
	}
	if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		ev.Updated = t
	}

	if item.Organizer != nil {
		ev.Organizer = &store.Organizer{
			Email:       item.Organizer.Email,
			DisplayName: item.Organizer.DisplayName,
		}
	}
	for _, a := range item.Attendees {
		ev.Attendees = append(ev.Attendees, store.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Optional:       a.Optional,
		})
	}
	return ev
}

func eventTimeFromAPI(t *calendar.EventDateTime) store.EventTime {
	if t == nil {
		return store.EventTime{}
	}
	return store.EventTime{
		Date:     t.Date,
		DateTime: t.DateTime,
		TimeZone: t.TimeZone,
	}
}
