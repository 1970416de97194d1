package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
)

// --- fakes ---

type fakeAPI struct {
	items     []*calendar.Event
	syncToken string

	// tokenExpired rejects any incremental listing; fullFailsToo rejects
	// full listings as well.
	tokenExpired bool
	fullFailsToo bool
	listErr      error

	calls []google.ListEventsRequest
}

func (f *fakeAPI) ListEvents(_ context.Context, req google.ListEventsRequest) (*google.ListEventsResponse, error) {
	f.calls = append(f.calls, req)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.tokenExpired && (req.SyncToken != "" || f.fullFailsToo) {
		return nil, fmt.Errorf("%w: full sync required", google.ErrSyncTokenExpired)
	}
	return &google.ListEventsResponse{Items: f.items, NextSyncToken: f.syncToken}, nil
}

func (f *fakeAPI) WatchEvents(context.Context, google.WatchRequest) (*google.WatchResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) StopChannel(context.Context, string, string) error { return nil }

func (f *fakeAPI) ListCalendars(context.Context) ([]google.CalendarInfo, error) {
	return nil, errors.New("not implemented")
}

type fakeFactory struct{ api google.API }

func (f *fakeFactory) ClientFor(context.Context, int64) (google.API, error) { return f.api, nil }

type fakeChannelRepo struct {
	byChannelID map[string]store.WatchChannel
	statuses    map[int64]store.ChannelStatus
}

func newFakeChannelRepo(channels ...store.WatchChannel) *fakeChannelRepo {
	r := &fakeChannelRepo{
		byChannelID: make(map[string]store.WatchChannel),
		statuses:    make(map[int64]store.ChannelStatus),
	}
	for _, ch := range channels {
		r.byChannelID[ch.ChannelID] = ch
	}
	return r
}

func (r *fakeChannelRepo) Create(_ context.Context, ch store.WatchChannel) (*store.WatchChannel, error) {
	r.byChannelID[ch.ChannelID] = ch
	return &ch, nil
}

func (r *fakeChannelRepo) GetByChannelID(_ context.Context, channelID string) (*store.WatchChannel, error) {
	ch, ok := r.byChannelID[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ch, nil
}

func (r *fakeChannelRepo) GetActive(context.Context, int64, string) (*store.WatchChannel, error) {
	return nil, store.ErrNotFound
}

func (r *fakeChannelRepo) ListExpiring(context.Context, int64, int64) ([]store.WatchChannel, error) {
	return nil, nil
}

func (r *fakeChannelRepo) ReplaceIdentity(context.Context, int64, string, string, string, int64) error {
	return nil
}

func (r *fakeChannelRepo) SetStatus(_ context.Context, id int64, status store.ChannelStatus, _ string) error {
	r.statuses[id] = status
	return nil
}

type fakeCursorRepo struct {
	cursors map[string]store.SyncCursor
	deletes int
}

func cursorKey(userID int64, calendarID string) string {
	return fmt.Sprintf("%d/%s", userID, calendarID)
}

func newFakeCursorRepo() *fakeCursorRepo {
	return &fakeCursorRepo{cursors: make(map[string]store.SyncCursor)}
}

func (r *fakeCursorRepo) Get(_ context.Context, userID int64, calendarID string) (*store.SyncCursor, error) {
	c, ok := r.cursors[cursorKey(userID, calendarID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (r *fakeCursorRepo) Save(_ context.Context, cursor store.SyncCursor) error {
	r.cursors[cursorKey(cursor.UserID, cursor.CalendarID)] = cursor
	return nil
}

func (r *fakeCursorRepo) Delete(_ context.Context, userID int64, calendarID string) error {
	r.deletes++
	delete(r.cursors, cursorKey(userID, calendarID))
	return nil
}

type fakeEventRepo struct {
	events  map[string]store.Event
	upserts int
	deletes int
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[string]store.Event)}
}

func (r *fakeEventRepo) Upsert(_ context.Context, ev store.Event) error {
	r.upserts++
	r.events[ev.CalendarID+"/"+ev.EventID] = ev
	return nil
}

func (r *fakeEventRepo) Delete(_ context.Context, calendarID, eventID string) error {
	r.deletes++
	delete(r.events, calendarID+"/"+eventID)
	return nil
}

func (r *fakeEventRepo) DeleteAllForCalendar(_ context.Context, userID int64, calendarID string) error {
	for key, ev := range r.events {
		if ev.UserID == userID && ev.CalendarID == calendarID {
			delete(r.events, key)
		}
	}
	return nil
}

func (r *fakeEventRepo) GetByID(_ context.Context, calendarID, eventID string) (*store.Event, error) {
	ev, ok := r.events[calendarID+"/"+eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ev, nil
}

func (r *fakeEventRepo) ListForCalendar(context.Context, int64, string) ([]store.Event, error) {
	return nil, nil
}

func (r *fakeEventRepo) CountForCalendar(context.Context, int64, string) (int, error) {
	return len(r.events), nil
}

type fakeSubscriptionRepo struct{ deleted map[string]bool }

func newFakeSubscriptionRepo() *fakeSubscriptionRepo {
	return &fakeSubscriptionRepo{deleted: make(map[string]bool)}
}

func (r *fakeSubscriptionRepo) MarkSelected(context.Context, int64, string, time.Time) error {
	return nil
}

func (r *fakeSubscriptionRepo) MarkDeleted(_ context.Context, userID int64, calendarID string) error {
	r.deleted[cursorKey(userID, calendarID)] = true
	return nil
}

func (r *fakeSubscriptionRepo) ListSelected(context.Context, int64) ([]store.CalendarSubscription, error) {
	return nil, nil
}

type testEnv struct {
	dispatcher *Dispatcher
	api        *fakeAPI
	channels   *fakeChannelRepo
	cursors    *fakeCursorRepo
	events     *fakeEventRepo
	subs       *fakeSubscriptionRepo
}

func activeChannel() store.WatchChannel {
	return store.WatchChannel{
		ID:         7,
		UserID:     1,
		CalendarID: "cal",
		ChannelID:  "chan-1",
		ResourceID: "res-1",
		Token:      "secret-token",
		Status:     store.ChannelActive,
	}
}

func newTestEnv(api *fakeAPI, channels ...store.WatchChannel) *testEnv {
	env := &testEnv{
		api:      api,
		channels: newFakeChannelRepo(channels...),
		cursors:  newFakeCursorRepo(),
		events:   newFakeEventRepo(),
		subs:     newFakeSubscriptionRepo(),
	}
	st := &store.Store{
		Channels:      env.channels,
		Cursors:       env.cursors,
		Events:        env.events,
		Subscriptions: env.subs,
	}
	cfg := &config.Config{}
	cfg.Sync.PageSize = 2500
	env.dispatcher = NewDispatcher(st, sync.New(cfg, st, &fakeFactory{api: api}))
	return env
}

func notification(state string) Notification {
	return Notification{
		ChannelID:     "chan-1",
		ChannelToken:  "secret-token",
		ResourceState: state,
		ResourceID:    "res-1",
	}
}

// --- tests ---

func TestDispatchRejectsMissingFields(t *testing.T) {
	env := newTestEnv(&fakeAPI{}, activeChannel())

	for _, n := range []Notification{
		{ResourceState: "exists"},
		{ChannelID: "chan-1"},
	} {
		res, err := env.dispatcher.Dispatch(context.Background(), n)
		if !errors.Is(err, ErrMissingFields) {
			t.Errorf("Dispatch(%+v) err = %v, want ErrMissingFields", n, err)
		}
		if res == nil || res.Outcome != OutcomeRejected {
			t.Errorf("Dispatch(%+v) outcome = %+v, want rejected", n, res)
		}
	}
}

func TestDispatchAcknowledgesHandshake(t *testing.T) {
	env := newTestEnv(&fakeAPI{}, activeChannel())

	res, err := env.dispatcher.Dispatch(context.Background(), notification("sync"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeAcknowledged {
		t.Errorf("outcome = %q, want acknowledged", res.Outcome)
	}
	if len(env.api.calls) != 0 {
		t.Error("handshake triggered a sync pass")
	}
}

func TestDispatchRejectsUnknownChannel(t *testing.T) {
	env := newTestEnv(&fakeAPI{})

	res, err := env.dispatcher.Dispatch(context.Background(), notification("exists"))
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Errorf("outcome = %q, want rejected", res.Outcome)
	}
}

func TestDispatchRejectsBadTokenWithoutMutations(t *testing.T) {
	env := newTestEnv(&fakeAPI{}, activeChannel())
	env.events.events["cal/keep"] = store.Event{UserID: 1, CalendarID: "cal", EventID: "keep"}

	n := notification("not_exists")
	n.ChannelToken = "forged"

	res, err := env.dispatcher.Dispatch(context.Background(), n)
	if !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("err = %v, want ErrTokenMismatch", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Errorf("outcome = %q, want rejected", res.Outcome)
	}
	if len(env.api.calls) != 0 {
		t.Error("forged notification reached the provider API")
	}
	if _, ok := env.events.events["cal/keep"]; !ok {
		t.Error("forged notification mutated the mirror")
	}
}

func TestDispatchPurgesOnNotExists(t *testing.T) {
	env := newTestEnv(&fakeAPI{}, activeChannel())
	env.events.events["cal/a"] = store.Event{UserID: 1, CalendarID: "cal", EventID: "a"}
	env.cursors.cursors[cursorKey(1, "cal")] = store.SyncCursor{UserID: 1, CalendarID: "cal", SyncToken: "tok"}

	for i := 0; i < 2; i++ {
		res, err := env.dispatcher.Dispatch(context.Background(), notification("not_exists"))
		if err != nil {
			t.Fatalf("Dispatch #%d: %v", i+1, err)
		}
		if res.Outcome != OutcomePurged {
			t.Errorf("outcome = %q, want purged", res.Outcome)
		}
	}

	if len(env.events.events) != 0 {
		t.Error("events survived purge")
	}
	if _, err := env.cursors.Get(context.Background(), 1, "cal"); !errors.Is(err, store.ErrNotFound) {
		t.Error("cursor survived purge")
	}
	if !env.subs.deleted[cursorKey(1, "cal")] {
		t.Error("subscription not marked deleted")
	}
}

func TestDispatchSyncsIncrementallyWithStoredCursor(t *testing.T) {
	api := &fakeAPI{
		items:     []*calendar.Event{{Id: "ev", Status: "confirmed"}},
		syncToken: "tok-2",
	}
	env := newTestEnv(api, activeChannel())
	env.cursors.cursors[cursorKey(1, "cal")] = store.SyncCursor{UserID: 1, CalendarID: "cal", SyncToken: "tok-1"}

	res, err := env.dispatcher.Dispatch(context.Background(), notification("exists"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if res.Outcome != OutcomeSynced {
		t.Errorf("outcome = %q, want synced", res.Outcome)
	}
	if api.calls[0].SyncToken != "tok-1" {
		t.Errorf("sync token sent = %q, want tok-1", api.calls[0].SyncToken)
	}
	cursor, _ := env.cursors.Get(context.Background(), 1, "cal")
	if cursor == nil || cursor.SyncToken != "tok-2" {
		t.Errorf("cursor = %+v, want token tok-2", cursor)
	}
}

func TestDispatchFullSyncsWithoutCursor(t *testing.T) {
	api := &fakeAPI{syncToken: "tok-1"}
	env := newTestEnv(api, activeChannel())

	res, err := env.dispatcher.Dispatch(context.Background(), notification("exists"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeSynced {
		t.Errorf("outcome = %q, want synced", res.Outcome)
	}
	if api.calls[0].SyncToken != "" {
		t.Errorf("sync token sent = %q, want empty (full mode)", api.calls[0].SyncToken)
	}
}

func TestDispatchFallsBackOnceOnExpiredToken(t *testing.T) {
	api := &fakeAPI{
		items:        []*calendar.Event{{Id: "ev", Status: "confirmed"}},
		syncToken:    "tok-fresh",
		tokenExpired: true,
	}
	env := newTestEnv(api, activeChannel())
	env.cursors.cursors[cursorKey(1, "cal")] = store.SyncCursor{UserID: 1, CalendarID: "cal", SyncToken: "tok-stale"}

	res, err := env.dispatcher.Dispatch(context.Background(), notification("exists"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if res.Outcome != OutcomeSyncedFallback {
		t.Errorf("outcome = %q, want synced_fallback", res.Outcome)
	}
	if len(api.calls) != 2 {
		t.Fatalf("list calls = %d, want incremental then full", len(api.calls))
	}
	if api.calls[0].SyncToken != "tok-stale" || api.calls[1].SyncToken != "" {
		t.Errorf("call tokens = %q, %q; want tok-stale then empty", api.calls[0].SyncToken, api.calls[1].SyncToken)
	}
	if env.cursors.deletes == 0 {
		t.Error("stale cursor was not cleared before the fallback")
	}
	cursor, _ := env.cursors.Get(context.Background(), 1, "cal")
	if cursor == nil || cursor.SyncToken != "tok-fresh" {
		t.Errorf("cursor = %+v, want token tok-fresh", cursor)
	}
}

func TestDispatchFallbackDoesNotLoop(t *testing.T) {
	api := &fakeAPI{tokenExpired: true, fullFailsToo: true}
	env := newTestEnv(api, activeChannel())
	env.cursors.cursors[cursorKey(1, "cal")] = store.SyncCursor{UserID: 1, CalendarID: "cal", SyncToken: "tok-stale"}

	_, err := env.dispatcher.Dispatch(context.Background(), notification("exists"))
	if err == nil {
		t.Fatal("Dispatch succeeded despite both passes failing")
	}
	if len(api.calls) != 2 {
		t.Errorf("list calls = %d, want exactly one fallback attempt", len(api.calls))
	}
}

func TestDispatchMarksChannelWhenCalendarGone(t *testing.T) {
	api := &fakeAPI{listErr: fmt.Errorf("%w: calendar deleted", google.ErrNotFound)}
	env := newTestEnv(api, activeChannel())

	_, err := env.dispatcher.Dispatch(context.Background(), notification("exists"))
	if !errors.Is(err, google.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := env.channels.statuses[7]; got != store.ChannelCalendarNotFound {
		t.Errorf("channel status = %q, want calendar_not_found", got)
	}
}

func TestDispatchAcknowledgesUnknownState(t *testing.T) {
	env := newTestEnv(&fakeAPI{}, activeChannel())

	res, err := env.dispatcher.Dispatch(context.Background(), notification("some_future_state"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeAcknowledged {
		t.Errorf("outcome = %q, want acknowledged", res.Outcome)
	}
	if len(env.api.calls) != 0 {
		t.Error("unknown state triggered a sync pass")
	}
}
