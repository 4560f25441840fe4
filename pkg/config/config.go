package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envConfigPath       = "CROSSPOST_CONFIG"
	envJWTSecret        = "CROSSPOST_JWT_SECRET"
	envDatabaseURL      = "DATABASE_URL"
	envRedisAddr        = "REDIS_ADDR"
	envRedisPassword    = "REDIS_PASSWORD"
	envSentryDSN        = "SENTRY_DSN"
	envXConsumerKey     = "X_CONSUMER_KEY"
	envXConsumerSecret  = "X_CONSUMER_SECRET"
	envXClientID        = "X_CLIENT_ID"
	envXClientSecret    = "X_CLIENT_SECRET"
	envGoogleClientID   = "GOOGLE_CLIENT_ID"
	envGoogleSecret     = "GOOGLE_CLIENT_SECRET"
	envDiscordBotToken  = "DISCORD_BOT_TOKEN"
	envDiscordAppID     = "DISCORD_APPLICATION_ID"
	envRedditClientID   = "REDDIT_CLIENT_ID"
	envRedditSecret     = "REDDIT_CLIENT_SECRET"
	envMinioEndpoint    = "MINIO_ENDPOINT"
	envMinioAccessKey   = "MINIO_ACCESS_KEY"
	envMinioSecretKey   = "MINIO_SECRET_KEY"
	envMinioBucket      = "MINIO_BUCKET"
	envMinioPublicURL   = "MINIO_PUBLIC_URL"
	envMinioUseSSL      = "MINIO_USE_SSL"
	envChannelDenyList  = "CROSSPOST_CHANNEL_DENY"
	envPublishParallel  = "CROSSPOST_MAX_PARALLEL"
	envGatewayPort      = "CROSSPOST_PORT"
	defaultGatewayHost  = "127.0.0.1"
	defaultGatewayPort  = 18790
	defaultMaxParallel  = 8
	defaultPipelineSecs = 120
	defaultRetryBackoff = 500
	defaultRetryAttempt = 3
	defaultCacheTTLSecs = 300
	defaultCacheEntries = 1024
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Logging      LoggingConfig      `json:"logging,omitempty"`
	Publish      PublishConfig      `json:"publish"`
	Upload       UploadConfig       `json:"upload"`
	ChannelCache ChannelCacheConfig `json:"channel_cache"`
	Store        StoreConfig        `json:"store"`
	MediaHost    MediaHostConfig    `json:"media_host"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
	Platforms    PlatformsConfig    `json:"platforms"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	// MaxBodyBytes bounds the POST /posts body, which carries base64 media.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// PublishConfig bounds the per-request fan-out.
type PublishConfig struct {
	MaxParallel            int `json:"max_parallel"`
	PipelineTimeoutSeconds int `json:"pipeline_timeout_seconds"`
	RetryMaxAttempts       int `json:"retry_max_attempts"`
	RetryBackoffMillis     int `json:"retry_backoff_millis"`
}

// UploadConfig tunes the chunked media upload engine.
type UploadConfig struct {
	SmallFileThresholdBytes int64 `json:"small_file_threshold_bytes"`
	ChunkSizeBytes          int   `json:"chunk_size_bytes"`
	MaxStatusPolls          int   `json:"max_status_polls"`
}

// ChannelCacheConfig configures destination channel caching.
type ChannelCacheConfig struct {
	Backend           string   `json:"backend"`
	TTLSeconds        int      `json:"ttl_seconds"`
	MaxEntries        int      `json:"max_entries"`
	RedisAddr         string   `json:"redis_addr,omitempty"`
	RedisPassword     string   `json:"redis_password,omitempty"`
	RedisDB           int      `json:"redis_db,omitempty"`
	KeyPrefix         string   `json:"key_prefix,omitempty"`
	DenySubstrings    []string `json:"deny_substrings,omitempty"`
	HideRules         bool     `json:"hide_rules"`
	HideAnnouncements bool     `json:"hide_announcements"`
}

// StoreConfig selects the account/token store.
type StoreConfig struct {
	Driver       string `json:"driver"`
	DatabaseURL  string `json:"database_url,omitempty"`
	AccountsFile string `json:"accounts_file,omitempty"`
}

// MediaHostConfig configures the object store used to expose media by URL.
type MediaHostConfig struct {
	Enabled          bool   `json:"enabled"`
	Endpoint         string `json:"endpoint"`
	AccessKey        string `json:"access_key,omitempty"`
	SecretKey        string `json:"secret_key,omitempty"`
	Bucket           string `json:"bucket"`
	Region           string `json:"region,omitempty"`
	UseSSL           bool   `json:"use_ssl"`
	URLExpirySeconds int    `json:"url_expiry_seconds"`
	// PublicBaseURL serves bucket objects without a signature, for links
	// that must outlive url_expiry_seconds.
	PublicBaseURL string `json:"public_base_url,omitempty"`
}

// TelemetryConfig configures error reporting.
type TelemetryConfig struct {
	SentryDSN   string `json:"sentry_dsn,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// PlatformsConfig stores per-platform adapter settings.
type PlatformsConfig struct {
	X         XConfig         `json:"x"`
	YouTube   YouTubeConfig   `json:"youtube"`
	Discord   DiscordConfig   `json:"discord"`
	Reddit    RedditConfig    `json:"reddit"`
	Instagram InstagramConfig `json:"instagram"`
	Telegram  TelegramConfig  `json:"telegram"`
}

// XConfig configures the X adapter. Consumer key and secret sign media
// uploads; client id and secret refresh the posting token.
type XConfig struct {
	Enabled            bool   `json:"enabled"`
	APIBaseURL         string `json:"api_base_url,omitempty"`
	UploadURL          string `json:"upload_url,omitempty"`
	TokenURL           string `json:"token_url,omitempty"`
	OAuthBaseURL       string `json:"oauth_base_url,omitempty"`
	ConsumerKey        string `json:"consumer_key,omitempty"`
	ConsumerSecret     string `json:"consumer_secret,omitempty"`
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second,omitempty"`
}

// YouTubeConfig configures the YouTube adapter.
type YouTubeConfig struct {
	Enabled            bool   `json:"enabled"`
	UploadURL          string `json:"upload_url,omitempty"`
	TokenURL           string `json:"token_url,omitempty"`
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	DefaultPrivacy     string `json:"default_privacy,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled            bool   `json:"enabled"`
	APIBaseURL         string `json:"api_base_url,omitempty"`
	BotToken           string `json:"bot_token,omitempty"`
	ApplicationID      string `json:"application_id,omitempty"`
	InvitePermissions  string `json:"invite_permissions,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second,omitempty"`
}

// RedditConfig configures the Reddit adapter.
type RedditConfig struct {
	Enabled            bool   `json:"enabled"`
	APIBaseURL         string `json:"api_base_url,omitempty"`
	TokenURL           string `json:"token_url,omitempty"`
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second,omitempty"`
}

// InstagramConfig configures the Instagram Graph adapter.
type InstagramConfig struct {
	Enabled            bool   `json:"enabled"`
	GraphBaseURL       string `json:"graph_base_url,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	APIServer string `json:"api_server,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
// A .env file in the working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports configuration that cannot produce a working runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	switch c.ChannelCache.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.ChannelCache.RedisAddr) == "" {
			return errors.New("channel_cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported channel cache backend %q", c.ChannelCache.Backend)
	}

	if c.MediaHost.Enabled && (c.MediaHost.Endpoint == "" || c.MediaHost.Bucket == "") {
		return errors.New("media_host.endpoint and media_host.bucket are required when media_host is enabled")
	}

	if raw := strings.TrimSpace(c.MediaHost.PublicBaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("media_host.public_base_url %q must be an absolute http(s) url", raw)
		}
	}

	if c.Platforms.Instagram.Enabled && !c.MediaHost.Enabled {
		return errors.New("platforms.instagram requires media_host to be enabled")
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrideString(&cfg.Gateway.JWTSecret, envJWTSecret)
	overrideString(&cfg.Store.DatabaseURL, envDatabaseURL)
	overrideString(&cfg.ChannelCache.RedisAddr, envRedisAddr)
	overrideString(&cfg.ChannelCache.RedisPassword, envRedisPassword)
	overrideString(&cfg.Telemetry.SentryDSN, envSentryDSN)

	overrideString(&cfg.Platforms.X.ConsumerKey, envXConsumerKey)
	overrideString(&cfg.Platforms.X.ConsumerSecret, envXConsumerSecret)
	overrideString(&cfg.Platforms.X.ClientID, envXClientID)
	overrideString(&cfg.Platforms.X.ClientSecret, envXClientSecret)
	overrideString(&cfg.Platforms.YouTube.ClientID, envGoogleClientID)
	overrideString(&cfg.Platforms.YouTube.ClientSecret, envGoogleSecret)
	overrideString(&cfg.Platforms.Discord.BotToken, envDiscordBotToken)
	overrideString(&cfg.Platforms.Discord.ApplicationID, envDiscordAppID)
	overrideString(&cfg.Platforms.Reddit.ClientID, envRedditClientID)
	overrideString(&cfg.Platforms.Reddit.ClientSecret, envRedditSecret)

	overrideString(&cfg.MediaHost.Endpoint, envMinioEndpoint)
	overrideString(&cfg.MediaHost.AccessKey, envMinioAccessKey)
	overrideString(&cfg.MediaHost.SecretKey, envMinioSecretKey)
	overrideString(&cfg.MediaHost.Bucket, envMinioBucket)
	overrideString(&cfg.MediaHost.PublicBaseURL, envMinioPublicURL)
	if raw := strings.TrimSpace(os.Getenv(envMinioUseSSL)); raw != "" {
		cfg.MediaHost.UseSSL = parseBool(raw)
	}

	if raw := strings.TrimSpace(os.Getenv(envChannelDenyList)); raw != "" {
		cfg.ChannelCache.DenySubstrings = parseCSV(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(envPublishParallel)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Publish.MaxParallel = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envGatewayPort)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.Port = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = defaultGatewayHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = defaultGatewayPort
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = 256 << 20
	}
	if cfg.Publish.MaxParallel <= 0 {
		cfg.Publish.MaxParallel = defaultMaxParallel
	}
	if cfg.Publish.PipelineTimeoutSeconds <= 0 {
		cfg.Publish.PipelineTimeoutSeconds = defaultPipelineSecs
	}
	if cfg.Publish.RetryMaxAttempts <= 0 {
		cfg.Publish.RetryMaxAttempts = defaultRetryAttempt
	}
	if cfg.Publish.RetryBackoffMillis <= 0 {
		cfg.Publish.RetryBackoffMillis = defaultRetryBackoff
	}
	if cfg.Upload.SmallFileThresholdBytes <= 0 {
		cfg.Upload.SmallFileThresholdBytes = 5 << 20
	}
	if cfg.Upload.ChunkSizeBytes <= 0 {
		cfg.Upload.ChunkSizeBytes = 4 << 20
	}
	if cfg.Upload.MaxStatusPolls <= 0 {
		cfg.Upload.MaxStatusPolls = 20
	}
	if cfg.ChannelCache.Backend == "" {
		cfg.ChannelCache.Backend = "memory"
	}
	if cfg.ChannelCache.TTLSeconds <= 0 {
		cfg.ChannelCache.TTLSeconds = defaultCacheTTLSecs
	}
	if cfg.ChannelCache.MaxEntries <= 0 {
		cfg.ChannelCache.MaxEntries = defaultCacheEntries
	}
	if cfg.ChannelCache.KeyPrefix == "" {
		cfg.ChannelCache.KeyPrefix = "crosspost:channels:"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.MediaHost.URLExpirySeconds <= 0 {
		cfg.MediaHost.URLExpirySeconds = 3600
	}
	if cfg.Platforms.YouTube.DefaultPrivacy == "" {
		cfg.Platforms.YouTube.DefaultPrivacy = "public"
	}
	if cfg.Platforms.Reddit.UserAgent == "" {
		cfg.Platforms.Reddit.UserAgent = "crosspost/1.0"
	}
}

func overrideString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CROSSPOST_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
