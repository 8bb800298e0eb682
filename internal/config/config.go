package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "QUORUM"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = "sqlite"
	defaultDatabasePath   = "quorum.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultIssuer         = "quorum-auth"
	defaultTokenTTL       = 30 * time.Minute
	defaultIdentityName   = "oidc"
	defaultChatTimeout    = 2 * time.Second
	defaultSaveDelay      = time.Second
	defaultSaveWorkers    = 4
	defaultSaveRetries    = 3
	defaultChatCapacity   = 100
	defaultHistoryLimit   = 50
	defaultOutboundBuffer = 256
	defaultMessagesPerSec = 50.0
	defaultMessageBurst   = 100

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	RedisURL       string
	SigningSecret  string
	Issuer         string
	CookieName     string
	TokenTTL       time.Duration
	Identity       IdentityConfig
	LogLevel       string
	Collab         CollabConfig
	WebSocket      WebSocketConfig
}

// IdentityConfig describes the OpenID Connect provider whose ID tokens are exchanged for
// session tokens. The exchange is disabled while JWKSURL is empty.
type IdentityConfig struct {
	Provider string
	Audience string
	JWKSURL  string
	Issuers  []string
}

// Enabled reports whether an identity provider is configured.
func (c IdentityConfig) Enabled() bool {
	return strings.TrimSpace(c.JWKSURL) != ""
}

// CollabConfig tunes the real-time collaboration engine.
type CollabConfig struct {
	SaveDelay      time.Duration
	SaveWorkers    int
	SaveRetries    int
	ChatCapacity   int
	HistoryLimit   int
	OutboundBuffer int
	ChatTimeout    time.Duration
}

// WebSocketConfig limits inbound traffic per connection.
type WebSocketConfig struct {
	MessagesPerSecond float64
	Burst             int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.identity.provider", defaultIdentityName)
	configViper.SetDefault("auth.identity.audience", "")
	configViper.SetDefault("auth.identity.jwks_url", "")
	configViper.SetDefault("auth.identity.issuers", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("collab.save_delay", defaultSaveDelay)
	configViper.SetDefault("collab.save_workers", defaultSaveWorkers)
	configViper.SetDefault("collab.save_retries", defaultSaveRetries)
	configViper.SetDefault("collab.chat_capacity", defaultChatCapacity)
	configViper.SetDefault("collab.history_limit", defaultHistoryLimit)
	configViper.SetDefault("collab.outbound_buffer", defaultOutboundBuffer)
	configViper.SetDefault("collab.chat_timeout", defaultChatTimeout)
	configViper.SetDefault("ws.messages_per_second", defaultMessagesPerSec)
	configViper.SetDefault("ws.burst", defaultMessageBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		RedisURL:       configViper.GetString("redis.url"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		Identity: IdentityConfig{
			Provider: strings.TrimSpace(configViper.GetString("auth.identity.provider")),
			Audience: strings.TrimSpace(configViper.GetString("auth.identity.audience")),
			JWKSURL:  strings.TrimSpace(configViper.GetString("auth.identity.jwks_url")),
			Issuers:  configViper.GetStringSlice("auth.identity.issuers"),
		},
		LogLevel:       configViper.GetString("log.level"),
		Collab: CollabConfig{
			SaveDelay:      configViper.GetDuration("collab.save_delay"),
			SaveWorkers:    configViper.GetInt("collab.save_workers"),
			SaveRetries:    configViper.GetInt("collab.save_retries"),
			ChatCapacity:   configViper.GetInt("collab.chat_capacity"),
			HistoryLimit:   configViper.GetInt("collab.history_limit"),
			OutboundBuffer: configViper.GetInt("collab.outbound_buffer"),
			ChatTimeout:    configViper.GetDuration("collab.chat_timeout"),
		},
		WebSocket: WebSocketConfig{
			MessagesPerSecond: configViper.GetFloat64("ws.messages_per_second"),
			Burst:             configViper.GetInt("ws.burst"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Identity.Enabled() {
		if c.Identity.Audience == "" {
			return fmt.Errorf("auth.identity.audience is required when auth.identity.jwks_url is set")
		}
		if len(c.Identity.Issuers) == 0 {
			return fmt.Errorf("auth.identity.issuers is required when auth.identity.jwks_url is set")
		}
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Collab.SaveDelay <= 0 {
		return fmt.Errorf("collab.save_delay must be positive")
	}
	if c.Collab.SaveWorkers <= 0 {
		return fmt.Errorf("collab.save_workers must be positive")
	}
	if c.Collab.SaveRetries < 0 {
		return fmt.Errorf("collab.save_retries must not be negative")
	}
	if c.Collab.ChatCapacity <= 0 {
		return fmt.Errorf("collab.chat_capacity must be positive")
	}
	if c.Collab.HistoryLimit < 1 || c.Collab.HistoryLimit > c.Collab.ChatCapacity {
		return fmt.Errorf("collab.history_limit must be between 1 and collab.chat_capacity")
	}
	if c.Collab.OutboundBuffer <= 0 {
		return fmt.Errorf("collab.outbound_buffer must be positive")
	}
	if c.Collab.ChatTimeout <= 0 {
		return fmt.Errorf("collab.chat_timeout must be positive")
	}
	if c.WebSocket.MessagesPerSecond <= 0 || c.WebSocket.Burst <= 0 {
		return fmt.Errorf("ws.messages_per_second and ws.burst must be positive")
	}
	return nil
}
