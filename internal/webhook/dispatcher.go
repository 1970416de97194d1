// Package webhook turns inbound push notifications into engine actions:
// acknowledge, purge, or a sync pass with full-mode fallback when the
// stored sync token has expired.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"

	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
)

// Notification is one push delivery from the provider, decoded from the
// x-goog-* headers.
type Notification struct {
	ChannelID     string
	ChannelToken  string
	ResourceState string
	ResourceID    string
	MessageNumber string
}

// Outcome is the terminal disposition of one notification.
type Outcome string

const (
	// OutcomeAcknowledged covers the channel handshake and resource states
	// this engine does not recognize (forward-compatible no-op).
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeRejected     Outcome = "rejected"
	OutcomeSynced       Outcome = "synced"
	// OutcomeSyncedFallback is a pass that recovered from an expired sync
	// token by re-running once in full mode.
	OutcomeSyncedFallback Outcome = "synced_fallback"
	// OutcomePurged means the watched calendar is gone and its local
	// mirror was removed.
	OutcomePurged Outcome = "purged"
)

// Rejection causes. The HTTP adapter maps these to client-error statuses
// so the provider stops redelivering notifications that can never succeed.
var (
	ErrMissingFields  = errors.New("missing channel id or resource state")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrTokenMismatch  = errors.New("channel token mismatch")
)

// Result is the outcome of one dispatched notification.
type Result struct {
	Outcome Outcome
	Sync    *sync.Result
}

// Dispatcher validates notifications and drives the synchronizer.
// Dispatching the same notification repeatedly is safe: every action it
// takes is idempotent, and redelivery is expected from the provider.
type Dispatcher struct {
	store *store.Store
	sync  *sync.Synchronizer
}

func NewDispatcher(st *store.Store, s *sync.Synchronizer) *Dispatcher {
	return &Dispatcher{store: st, sync: s}
}

// Dispatch resolves one notification to exactly one terminal outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (*Result, error) {
	res, err := d.dispatch(ctx, n)

	state := n.ResourceState
	if state == "" {
		state = "missing"
	}
	outcome := "error"
	if res != nil {
		outcome = string(res.Outcome)
	}
	metrics.CountWebhookNotification(state, outcome)

	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, n Notification) (*Result, error) {
	if n.ChannelID == "" || n.ResourceState == "" {
		return &Result{Outcome: OutcomeRejected}, ErrMissingFields
	}

	// The provider sends "sync" once as the channel creation handshake;
	// nothing has changed yet.
	if n.ResourceState == "sync" {
		return &Result{Outcome: OutcomeAcknowledged}, nil
	}

	ch, err := d.store.Channels.GetByChannelID(ctx, n.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		// Superseded by a renewal, or never ours.
		return &Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: %s", ErrUnknownChannel, n.ChannelID)
	}
	if err != nil {
		return nil, err
	}

	// The channel token is the sole authentication for webhook calls.
	if subtle.ConstantTimeCompare([]byte(n.ChannelToken), []byte(ch.Token)) != 1 {
		return &Result{Outcome: OutcomeRejected}, ErrTokenMismatch
	}

	switch n.ResourceState {
	case "not_exists":
		if err := d.sync.Purge(ctx, ch.UserID, ch.CalendarID); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomePurged}, nil
	case "exists":
		return d.handleChanged(ctx, ch)
	default:
		return &Result{Outcome: OutcomeAcknowledged}, nil
	}
}

func (d *Dispatcher) handleChanged(ctx context.Context, ch *store.WatchChannel) (*Result, error) {
	syncToken := ""
	cursor, err := d.store.Cursors.Get(ctx, ch.UserID, ch.CalendarID)
	if err == nil {
		syncToken = cursor.SyncToken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	res, err := d.sync.Sync(ctx, ch.UserID, ch.CalendarID, syncToken)
	if err == nil {
		return &Result{Outcome: OutcomeSynced, Sync: res}, nil
	}

	switch {
	case errors.Is(err, google.ErrSyncTokenExpired):
		// The stale token must be gone before the retry so it can never
		// be presented again. Exactly one full-mode retry; a second
		// failure surfaces as an error.
		if err := d.store.Cursors.Delete(ctx, ch.UserID, ch.CalendarID); err != nil {
			return nil, err
		}
		full, err := d.sync.Sync(ctx, ch.UserID, ch.CalendarID, "")
		if err != nil {
			return nil, fmt.Errorf("full sync fallback for calendar %s: %w", ch.CalendarID, err)
		}
		return &Result{Outcome: OutcomeSyncedFallback, Sync: full}, nil

	case errors.Is(err, google.ErrNotFound):
		// Calendar deleted or access revoked: terminal for this channel.
		if statusErr := d.store.Channels.SetStatus(ctx, ch.ID, store.ChannelCalendarNotFound, err.Error()); statusErr != nil {
			log.Printf("[ERROR] failed to mark channel %s calendar_not_found: %v", ch.ChannelID, statusErr)
		}
		return nil, err

	default:
		// Unauthorized or transient: surface to the caller. Credential
		// refresh is the client factory's job on the next attempt.
		return nil, err
	}
}
