package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "FRAMEMARK"
	defaultHTTPAddress         = "127.0.0.1:8080"
	defaultDatabasePath        = "framemark.db"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 20
	defaultLogMaxBackups       = 3
	defaultLogMaxAgeDays       = 14
	defaultDirectoryBaseURL    = "https://jsonplaceholder.typicode.com"
	defaultDirectoryTimeoutMS  = 10000
	defaultDirectoryRate       = 5.0
	defaultDirectoryCacheTTL   = 60
	defaultPlaybackThrottleMS  = 200
	defaultCommentsNearWindow  = 2000
	defaultSessionCookieName   = "framemark_session"
	defaultSessionTokenTTLMins = 720
)

// AppConfig captures runtime configuration for the annotation service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	DirectoryBaseURL       string
	DirectoryTimeout       time.Duration
	DirectoryRatePerSecond float64
	DirectoryCacheTTL      time.Duration

	PlaybackThrottle  time.Duration
	CommentNearWindow time.Duration

	SigningSecret     string
	SessionCookieName string
	SessionTokenTTL   time.Duration
}

// AuthEnabled reports whether the HTTP API requires session tokens.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("directory.base_url", defaultDirectoryBaseURL)
	configViper.SetDefault("directory.timeout_ms", defaultDirectoryTimeoutMS)
	configViper.SetDefault("directory.rate_per_second", defaultDirectoryRate)
	configViper.SetDefault("directory.cache_ttl_seconds", defaultDirectoryCacheTTL)
	configViper.SetDefault("playback.throttle_ms", defaultPlaybackThrottleMS)
	configViper.SetDefault("comments.near_window_ms", defaultCommentsNearWindow)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultSessionTokenTTLMins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		LogFile:                configViper.GetString("log.file"),
		LogMaxSizeMB:           configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:          configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:          configViper.GetInt("log.max_age_days"),
		DirectoryBaseURL:       strings.TrimRight(strings.TrimSpace(configViper.GetString("directory.base_url")), "/"),
		DirectoryTimeout:       time.Duration(configViper.GetInt64("directory.timeout_ms")) * time.Millisecond,
		DirectoryRatePerSecond: configViper.GetFloat64("directory.rate_per_second"),
		DirectoryCacheTTL:      time.Duration(configViper.GetInt64("directory.cache_ttl_seconds")) * time.Second,
		PlaybackThrottle:       time.Duration(configViper.GetInt64("playback.throttle_ms")) * time.Millisecond,
		CommentNearWindow:      time.Duration(configViper.GetInt64("comments.near_window_ms")) * time.Millisecond,
		SigningSecret:          configViper.GetString("auth.signing_secret"),
		SessionCookieName:      configViper.GetString("auth.cookie_name"),
		SessionTokenTTL:        time.Duration(configViper.GetInt64("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	parsed, err := url.Parse(c.DirectoryBaseURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("directory.base_url must be an absolute url")
	}
	if c.DirectoryTimeout <= 0 {
		return fmt.Errorf("directory.timeout_ms must be positive")
	}
	if c.DirectoryRatePerSecond <= 0 {
		return fmt.Errorf("directory.rate_per_second must be positive")
	}
	if c.PlaybackThrottle <= 0 {
		return fmt.Errorf("playback.throttle_ms must be positive")
	}
	if c.CommentNearWindow <= 0 {
		return fmt.Errorf("comments.near_window_ms must be positive")
	}
	if c.AuthEnabled() && strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required when auth.signing_secret is set")
	}
	return nil
}
