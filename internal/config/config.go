package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "NOTIFYBRIDGE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "notifybridge.db"
	defaultLogLevel             = "info"
	defaultAuthIssuer           = "notifybridge"
	defaultAuthAudience         = "notifybridge-host"
	defaultPluralKitBaseURL     = "https://api.pluralkit.me/v2"
	defaultPluralKitTimeout     = 5 * time.Second
	defaultPluralKitRate        = 2.0
	defaultPluralKitBurst       = 4
	defaultAvatarFreshness      = 24 * time.Hour
	defaultAvatarBackend        = AvatarBackendSQLite
	defaultAvatarBadgerPath     = "avatars.badger"
	defaultAvatarMaxBytes       = 8 << 20
	defaultAvatarRequestTimeout = 10 * time.Second
	defaultAttachmentsDir       = "attachments"
	defaultAttachmentsMaxBytes  = 25 << 20
	defaultAttachmentsMaxAge    = 24 * time.Hour
	defaultAttachmentsPrune     = 10 * time.Minute
	defaultPipelineDeadline     = 25 * time.Second
)

// Avatar store backends.
const (
	AvatarBackendSQLite = "sqlite"
	AvatarBackendBadger = "badger"
)

// AppConfig captures runtime configuration for the bridge.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string

	PluralKitBaseURL        string
	PluralKitRequestTimeout time.Duration
	PluralKitRatePerSecond  float64
	PluralKitBurst          int

	AvatarFreshness      time.Duration
	AvatarBackend        string
	AvatarBadgerPath     string
	AvatarMaxBytes       int64
	AvatarRequestTimeout time.Duration

	AttachmentsDir           string
	AttachmentsMaxBytes      int64
	AttachmentsMaxAge        time.Duration
	AttachmentsPruneInterval time.Duration

	PipelineDeadline time.Duration
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
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("pluralkit.base_url", defaultPluralKitBaseURL)
	configViper.SetDefault("pluralkit.request_timeout", defaultPluralKitTimeout)
	configViper.SetDefault("pluralkit.rate_per_second", defaultPluralKitRate)
	configViper.SetDefault("pluralkit.burst", defaultPluralKitBurst)
	configViper.SetDefault("avatars.freshness", defaultAvatarFreshness)
	configViper.SetDefault("avatars.backend", defaultAvatarBackend)
	configViper.SetDefault("avatars.badger_path", defaultAvatarBadgerPath)
	configViper.SetDefault("avatars.max_bytes", defaultAvatarMaxBytes)
	configViper.SetDefault("avatars.request_timeout", defaultAvatarRequestTimeout)
	configViper.SetDefault("attachments.dir", defaultAttachmentsDir)
	configViper.SetDefault("attachments.max_bytes", defaultAttachmentsMaxBytes)
	configViper.SetDefault("attachments.max_age", defaultAttachmentsMaxAge)
	configViper.SetDefault("attachments.prune_interval", defaultAttachmentsPrune)
	configViper.SetDefault("pipeline.deadline", defaultPipelineDeadline)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		AllowedOrigins:           splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		AuthSigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:               configViper.GetString("auth.issuer"),
		AuthAudience:             configViper.GetString("auth.audience"),
		PluralKitBaseURL:         configViper.GetString("pluralkit.base_url"),
		PluralKitRequestTimeout:  configViper.GetDuration("pluralkit.request_timeout"),
		PluralKitRatePerSecond:   configViper.GetFloat64("pluralkit.rate_per_second"),
		PluralKitBurst:           configViper.GetInt("pluralkit.burst"),
		AvatarFreshness:          configViper.GetDuration("avatars.freshness"),
		AvatarBackend:            strings.ToLower(strings.TrimSpace(configViper.GetString("avatars.backend"))),
		AvatarBadgerPath:         configViper.GetString("avatars.badger_path"),
		AvatarMaxBytes:           configViper.GetInt64("avatars.max_bytes"),
		AvatarRequestTimeout:     configViper.GetDuration("avatars.request_timeout"),
		AttachmentsDir:           configViper.GetString("attachments.dir"),
		AttachmentsMaxBytes:      configViper.GetInt64("attachments.max_bytes"),
		AttachmentsMaxAge:        configViper.GetDuration("attachments.max_age"),
		AttachmentsPruneInterval: configViper.GetDuration("attachments.prune_interval"),
		PipelineDeadline:         configViper.GetDuration("pipeline.deadline"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AuthEnabled reports whether host requests must carry a bearer token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.PluralKitBaseURL) == "" {
		return fmt.Errorf("pluralkit.base_url is required")
	}
	switch c.AvatarBackend {
	case AvatarBackendSQLite:
	case AvatarBackendBadger:
		if strings.TrimSpace(c.AvatarBadgerPath) == "" {
			return fmt.Errorf("avatars.badger_path is required for the badger backend")
		}
	default:
		return fmt.Errorf("avatars.backend must be %q or %q, got %q", AvatarBackendSQLite, AvatarBackendBadger, c.AvatarBackend)
	}
	if strings.TrimSpace(c.AttachmentsDir) == "" {
		return fmt.Errorf("attachments.dir is required")
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"pluralkit.request_timeout", c.PluralKitRequestTimeout},
		{"avatars.freshness", c.AvatarFreshness},
		{"avatars.request_timeout", c.AvatarRequestTimeout},
		{"attachments.max_age", c.AttachmentsMaxAge},
		{"attachments.prune_interval", c.AttachmentsPruneInterval},
		{"pipeline.deadline", c.PipelineDeadline},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s must be positive", duration.key)
		}
	}
	if c.AvatarMaxBytes <= 0 {
		return fmt.Errorf("avatars.max_bytes must be positive")
	}
	if c.AttachmentsMaxBytes <= 0 {
		return fmt.Errorf("attachments.max_bytes must be positive")
	}
	if c.PluralKitBurst < 0 {
		return fmt.Errorf("pluralkit.burst must not be negative")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
