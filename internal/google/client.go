package google

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/store"
)

// OAuthConfig builds the oauth2 configuration used both for the consent
// flow and for minting per-user token sources.
func OAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{calendar.CalendarReadonlyScope},
	}
}

// Factory implements ClientFactory over stored per-user credentials.
type Factory struct {
	oauth *oauth2.Config
	creds store.CredentialRepository
}

func NewFactory(cfg *config.Config, creds store.CredentialRepository) *Factory {
	return &Factory{oauth: OAuthConfig(cfg), creds: creds}
}

// ClientFor borrows the user's stored tokens and returns an authenticated
// calendar client. Refreshed access tokens are written back to the store so
// later invocations skip the refresh round trip.
func (f *Factory) ClientFor(ctx context.Context, userID int64) (API, error) {
	cred, err := f.creds.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load google credential for user %d: %w", userID, err)
	}
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("user %d has no google refresh token", userID)
	}

	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}

	src := &savingTokenSource{
		base:   f.oauth.TokenSource(ctx, tok),
		creds:  f.creds,
		userID: userID,
		last:   cred.AccessToken,
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// savingTokenSource persists refreshed access tokens. Persistence failures
// are logged, not fatal: the refreshed token still works for this pass.
type savingTokenSource struct {
	base   oauth2.TokenSource
	creds  store.CredentialRepository
	userID int64

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.creds.UpdateAccessToken(context.Background(), s.userID, tok.AccessToken, tok.Expiry); err != nil {
			log.Printf("[WARN] failed to persist refreshed access token for user %d: %v", s.userID, err)
		}
	}
	return tok, nil
}

// Client implements API over a calendar.Service.
type Client struct {
	svc *calendar.Service
}

func (c *Client) ListEvents(ctx context.Context, req ListEventsRequest) (*ListEventsResponse, error) {
	call := c.svc.Events.List(req.CalendarID).
		SingleEvents(true).
		Context(ctx)

	if req.SyncToken != "" {
		// orderBy and maxResults are rejected alongside a sync token.
		call = call.SyncToken(req.SyncToken)
	} else {
		call = call.OrderBy("startTime")
		if req.MaxResults > 0 {
			call = call.MaxResults(req.MaxResults)
		}
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, translateAPIError(err)
	}

	return &ListEventsResponse{
		Items:         resp.Items,
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}, nil
}

func (c *Client) WatchEvents(ctx context.Context, req WatchRequest) (*WatchResponse, error) {
	channel := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTLSeconds > 0 {
		channel.Params = map[string]string{"ttl": strconv.FormatInt(req.TTLSeconds, 10)}
	}

	resp, err := c.svc.Events.Watch(req.CalendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, translateAPIError(err)
	}

	return &WatchResponse{
		ResourceID:   resp.ResourceId,
		ResourceURI:  resp.ResourceUri,
		ExpirationMs: resp.Expiration,
	}, nil
}

func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := c.svc.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	return translateAPIError(err)
}

func (c *Client) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var calendars []CalendarInfo
	pageToken := ""
	for {
		call := c.svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, translateAPIError(err)
		}
		for _, item := range resp.Items {
			calendars = append(calendars, CalendarInfo{
				ID:         item.Id,
				Summary:    item.Summary,
				TimeZone:   item.TimeZone,
				AccessRole: item.AccessRole,
				Primary:    item.Primary,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return calendars, nil
}
