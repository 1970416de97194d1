package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	OIDC struct {
		IssuerURL string
		ClientID  string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
	}

	Watch struct {
		// CallbackURL is the public HTTPS address Google delivers push
		// notifications to. Channels cannot be created without it, but
		// calendars can still be synced by polling.
		CallbackURL  string
		ChannelTTL   time.Duration
		RenewHorizon time.Duration
	}

	Cron struct {
		Secret string
	}

	Sync struct {
		PageSize    int64
		PassTimeout time.Duration
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OIDC.IssuerURL = os.Getenv("APP_OIDC_ISSUER_URL")
	cfg.OIDC.ClientID = os.Getenv("APP_OIDC_CLIENT_ID")

	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = getenvDefault("GOOGLE_REDIRECT_URL", cfg.BaseURL+"/api/google/callback")

	cfg.Watch.CallbackURL = getenvDefault("APP_WEBHOOK_ADDRESS", cfg.BaseURL+"/webhooks/google/calendar")
	cfg.Watch.ChannelTTL = getenvDuration("APP_CHANNEL_TTL", 7*24*time.Hour)
	cfg.Watch.RenewHorizon = getenvDuration("APP_RENEW_HORIZON", 24*time.Hour)

	cfg.Cron.Secret = os.Getenv("APP_CRON_SECRET")

	cfg.Sync.PageSize = getenvInt64("APP_SYNC_PAGE_SIZE", 2500)
	cfg.Sync.PassTimeout = getenvDuration("APP_SYNC_PASS_TIMEOUT", 5*time.Minute)

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.OIDC.IssuerURL == "" || cfg.OIDC.ClientID == "" {
		return nil, errors.New("APP_OIDC_ISSUER_URL and APP_OIDC_CLIENT_ID are required")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("google oauth configuration is required: GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}
	if cfg.Cron.Secret == "" {
		return nil, errors.New("APP_CRON_SECRET is required")
	}
	if len(cfg.Cron.Secret) < 32 {
		return nil, fmt.Errorf("APP_CRON_SECRET must be at least 32 characters long (got %d)", len(cfg.Cron.Secret))
	}
	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > 2500 {
		return nil, fmt.Errorf("APP_SYNC_PAGE_SIZE must be between 1 and 2500 (got %d)", cfg.Sync.PageSize)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalSync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
