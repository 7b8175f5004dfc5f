package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "RADIO"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "radio.db"
	defaultLogLevel           = "info"
	defaultSnapshotLimit      = 150
	defaultRetentionHorizon   = 7 * 24 * time.Hour
	defaultRetentionInterval  = 24 * time.Hour
	defaultGalleryDirectory   = "static/img"
	defaultGalleryRefresh     = 10 * time.Minute
	defaultUploadsDirectory   = "uploads"
	defaultUploadsMaxBytes    = 5 << 20
	defaultPreviewTimeout     = 5 * time.Second
	defaultLiveBufferSize     = 32
	defaultLiveWriteTimeout   = 10 * time.Second
	defaultLiveHeartbeat      = 25 * time.Second
	defaultRequestTopic       = "nuevo_pedido"
	defaultCommentTopic       = "nuevo_comentario"
	defaultRateLimitPerMinute = 30
	defaultRateLimitBurst     = 10
	defaultLegacyTimezone     = "Local"
)

// AppConfig captures runtime configuration for the radio service.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	SnapshotLimit      int
	RetentionHorizon   time.Duration
	RetentionInterval  time.Duration
	GalleryDirectory   string
	GalleryRefresh     time.Duration
	UploadsDirectory   string
	UploadsMaxBytes    int64
	PreviewEnabled     bool
	PreviewTimeout     time.Duration
	LiveBufferSize     int
	LiveWriteTimeout   time.Duration
	LiveHeartbeat      time.Duration
	RequestTopic       string
	CommentTopic       string
	RateLimitPerMinute int
	RateLimitBurst     int
	LegacyLocation     *time.Location
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("snapshot.limit", defaultSnapshotLimit)
	configViper.SetDefault("retention.horizon", defaultRetentionHorizon)
	configViper.SetDefault("retention.interval", defaultRetentionInterval)
	configViper.SetDefault("gallery.directory", defaultGalleryDirectory)
	configViper.SetDefault("gallery.refresh_interval", defaultGalleryRefresh)
	configViper.SetDefault("uploads.directory", defaultUploadsDirectory)
	configViper.SetDefault("uploads.max_bytes", defaultUploadsMaxBytes)
	configViper.SetDefault("preview.enabled", true)
	configViper.SetDefault("preview.timeout", defaultPreviewTimeout)
	configViper.SetDefault("live.buffer_size", defaultLiveBufferSize)
	configViper.SetDefault("live.write_timeout", defaultLiveWriteTimeout)
	configViper.SetDefault("live.heartbeat_interval", defaultLiveHeartbeat)
	configViper.SetDefault("live.request_topic", defaultRequestTopic)
	configViper.SetDefault("live.comment_topic", defaultCommentTopic)
	configViper.SetDefault("ratelimit.per_minute", defaultRateLimitPerMinute)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("legacy.timezone", defaultLegacyTimezone)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		SnapshotLimit:      configViper.GetInt("snapshot.limit"),
		RetentionHorizon:   configViper.GetDuration("retention.horizon"),
		RetentionInterval:  configViper.GetDuration("retention.interval"),
		GalleryDirectory:   configViper.GetString("gallery.directory"),
		GalleryRefresh:     configViper.GetDuration("gallery.refresh_interval"),
		UploadsDirectory:   configViper.GetString("uploads.directory"),
		UploadsMaxBytes:    configViper.GetInt64("uploads.max_bytes"),
		PreviewEnabled:     configViper.GetBool("preview.enabled"),
		PreviewTimeout:     configViper.GetDuration("preview.timeout"),
		LiveBufferSize:     configViper.GetInt("live.buffer_size"),
		LiveWriteTimeout:   configViper.GetDuration("live.write_timeout"),
		LiveHeartbeat:      configViper.GetDuration("live.heartbeat_interval"),
		RequestTopic:       strings.TrimSpace(configViper.GetString("live.request_topic")),
		CommentTopic:       strings.TrimSpace(configViper.GetString("live.comment_topic")),
		RateLimitPerMinute: configViper.GetInt("ratelimit.per_minute"),
		RateLimitBurst:     configViper.GetInt("ratelimit.burst"),
	}

	legacyTimezone := strings.TrimSpace(configViper.GetString("legacy.timezone"))
	if legacyTimezone == "" {
		legacyTimezone = defaultLegacyTimezone
	}
	legacyLocation, err := time.LoadLocation(legacyTimezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("legacy.timezone: %w", err)
	}
	cfg.LegacyLocation = legacyLocation

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.SnapshotLimit <= 0 {
		return fmt.Errorf("snapshot.limit must be positive")
	}
	if c.RetentionHorizon <= 0 {
		return fmt.Errorf("retention.horizon must be positive")
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	if c.GalleryRefresh <= 0 {
		return fmt.Errorf("gallery.refresh_interval must be positive")
	}
	if strings.TrimSpace(c.UploadsDirectory) == "" {
		return fmt.Errorf("uploads.directory is required")
	}
	if c.UploadsMaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if c.LiveBufferSize <= 0 {
		return fmt.Errorf("live.buffer_size must be positive")
	}
	if c.LiveWriteTimeout <= 0 || c.LiveHeartbeat <= 0 {
		return fmt.Errorf("live.write_timeout and live.heartbeat_interval must be positive")
	}
	if c.RequestTopic == "" || c.CommentTopic == "" {
		return fmt.Errorf("live.request_topic and live.comment_topic are required")
	}
	if c.RequestTopic == c.CommentTopic {
		return fmt.Errorf("live.request_topic and live.comment_topic must differ")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

// splitList accepts both list values from config files and comma-separated env values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
