// Package watch manages push notification channel lifecycle: creation,
// periodic renewal before expiry, and failure bookkeeping.
package watch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

// Manager creates and renews watch channels against the remote provider.
type Manager struct {
	clients     google.ClientFactory
	store       *store.Store
	callbackURL string
	ttl         time.Duration
}

// RenewalReport summarizes one renewal batch.
type RenewalReport struct {
	Processed int              `json:"processed"`
	Renewed   int              `json:"renewed"`
	Failures  []ChannelFailure `json:"failures,omitempty"`
}

// ChannelFailure records one channel that could not be renewed.
type ChannelFailure struct {
	ChannelID  string `json:"channelId"`
	CalendarID string `json:"calendarId"`
	Error      string `json:"error"`
}

func New(cfg *config.Config, st *store.Store, clients google.ClientFactory) *Manager {
	return &Manager{
		clients:     clients,
		store:       st,
		callbackURL: cfg.Watch.CallbackURL,
		ttl:         cfg.Watch.ChannelTTL,
	}
}

// Subscribe registers a push channel for the calendar and persists its
// metadata. At most one active channel exists per (user, calendar): if one
// is already registered it is renewed in place instead of duplicated.
// Failure is non-fatal for the caller — a calendar syncs fine without a
// channel, it just won't receive pushes.
func (m *Manager) Subscribe(ctx context.Context, userID int64, calendarID string) (*store.WatchChannel, error) {
	existing, err := m.store.Channels.GetActive(ctx, userID, calendarID)
	if err == nil {
		return m.Renew(ctx, *existing)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	api, err := m.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	token, err := newChannelToken()
	if err != nil {
		return nil, err
	}
	channelID := uuid.NewString()

	resp, err := api.WatchEvents(ctx, google.WatchRequest{
		CalendarID: calendarID,
		ChannelID:  channelID,
		Address:    m.callbackURL,
		Token:      token,
		TTLSeconds: int64(m.ttl.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("watch calendar %s: %w", calendarID, err)
	}

	return m.store.Channels.Create(ctx, store.WatchChannel{
		UserID:      userID,
		CalendarID:  calendarID,
		ChannelID:   channelID,
		ResourceID:  resp.ResourceID,
		ResourceURI: resp.ResourceURI,
		Token:       token,
		ExpiresAtMs: resp.ExpirationMs,
		Status:      store.ChannelActive,
	})
}

// Renew replaces a channel's subscription with a fresh one, keeping the
// owning (user, calendar) pair and the shared token. On total failure the
// stored record is marked renewal_failed with the error recorded for
// operator visibility; no automatic retry happens within this pass.
func (m *Manager) Renew(ctx context.Context, ch store.WatchChannel) (*store.WatchChannel, error) {
	api, err := m.clients.ClientFor(ctx, ch.UserID)
	if err != nil {
		m.recordRenewalFailure(ctx, ch, err)
		return nil, err
	}

	// Best effort: a channel we fail to stop simply expires on its own.
	if err := api.StopChannel(ctx, ch.ChannelID, ch.ResourceID); err != nil {
		log.Printf("[WARN] failed to stop channel %s for calendar %s: %v", ch.ChannelID, ch.CalendarID, err)
	}

	newChannelID := uuid.NewString()
	resp, err := api.WatchEvents(ctx, google.WatchRequest{
		CalendarID: ch.CalendarID,
		ChannelID:  newChannelID,
		Address:    m.callbackURL,
		Token:      ch.Token,
		TTLSeconds: int64(m.ttl.Seconds()),
	})
	if err != nil {
		m.recordRenewalFailure(ctx, ch, err)
		return nil, fmt.Errorf("renew channel for calendar %s: %w", ch.CalendarID, err)
	}

	if err := m.store.Channels.ReplaceIdentity(ctx, ch.ID, newChannelID, resp.ResourceID, resp.ResourceURI, resp.ExpirationMs); err != nil {
		return nil, err
	}
	metrics.CountChannelRenewal("renewed")

	renewed := ch
	renewed.ChannelID = newChannelID
	renewed.ResourceID = resp.ResourceID
	renewed.ResourceURI = resp.ResourceURI
	renewed.ExpiresAtMs = resp.ExpirationMs
	renewed.Status = store.ChannelActive
	renewed.LastError = ""
	return &renewed, nil
}

// RenewExpiring renews every active channel expiring within the horizon.
// Channels fail independently: one channel's error is recorded in the
// report and its siblings still renew. The call itself only errors when
// the batch cannot start.
func (m *Manager) RenewExpiring(ctx context.Context, horizon time.Duration) (*RenewalReport, error) {
	now := time.Now().UnixMilli()
	channels, err := m.store.Channels.ListExpiring(ctx, now, now+horizon.Milliseconds())
	if err != nil {
		return nil, err
	}

	report := &RenewalReport{Processed: len(channels)}
	for _, ch := range channels {
		if _, err := m.Renew(ctx, ch); err != nil {
			report.Failures = append(report.Failures, ChannelFailure{
				ChannelID:  ch.ChannelID,
				CalendarID: ch.CalendarID,
				Error:      err.Error(),
			})
			continue
		}
		report.Renewed++
	}
	return report, nil
}

func (m *Manager) recordRenewalFailure(ctx context.Context, ch store.WatchChannel, cause error) {
	metrics.CountChannelRenewal("failed")
	if err := m.store.Channels.SetStatus(ctx, ch.ID, store.ChannelRenewalFailed, cause.Error()); err != nil {
		log.Printf("[ERROR] failed to mark channel %s renewal_failed: %v", ch.ChannelID, err)
	}
}

func newChannelToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate channel token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
