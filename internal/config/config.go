package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config holds all runtime configuration for the shiftline server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort         int
	PublicBaseDomain string // public hostname used in webhook callbacks and SMS links
	LogLevel         string
	LogFormat        string // log output format: "text" or "json"

	// Record system (row-oriented catalog API).
	CatalogAPIKey  string
	CatalogBaseID  string
	CatalogBaseURL string // override for tests / self-hosted gateways

	// Redis (call state, job queue, event streams).
	RedisURL string

	// Carrier (telephony) credentials.
	CarrierAccountSID  string
	CarrierAuthToken   string
	CarrierVoiceNumber string // E.164 number outbound offer calls originate from
	CarrierBaseURL     string // override for tests

	// Message gateway.
	MessagingServiceID string
	SMSFromNumber      string

	// Speech engines.
	TTSEndpoint  string // text-to-speech engine URL, returns mu-law 8 kHz audio
	STTEndpoint  string // speech-to-text engine URL, accepts mu-law 8 kHz audio
	SpeechAPIKey string

	// Object storage for call recordings.
	S3Region        string
	S3Bucket        string
	S3Prefix        string
	S3AccessKey     string
	S3SecretKey     string
	S3Endpoint      string // optional, for S3-compatible stores
	PresignValidity int    // presigned recording URL validity in days

	// Call handling.
	TransferFallbackNumber string // representative transfer target when a provider has none
	PINLength              int
	MaxPhaseAttempts       int
	ShiftPageSize          int
	GatherTimeoutSec       int
	SessionTTLSec          int

	// Cascade.
	MaxVoiceRounds  int
	OfferTimeoutSec int
	LinkSecret      string // HMAC secret signing SMS accept links
	LinkValidityHrs int    // accept link validity in hours

	// Feature flags.
	VoiceAIEnabled   bool
	RecordingEnabled bool
}

// defaults
const (
	defaultHTTPPort        = 8080
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultRedisURL        = "redis://localhost:6379/0"
	defaultPINLength       = 4
	defaultMaxAttempts     = 3
	defaultPageSize        = 3
	defaultGatherTimeout   = 8
	defaultSessionTTL      = 3600
	defaultMaxVoiceRounds  = 2
	defaultOfferTimeout    = 30
	defaultPresignValidity = 7
	defaultLinkValidity    = 24
	defaultCatalogBaseURL  = "https://api.airtable.com/v0"
	defaultCarrierBaseURL  = "https://api.twilio.com/2010-04-01"
)

// envPrefix is the prefix for all shiftline environment variables.
const envPrefix = "SHIFTLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("shiftline", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicBaseDomain, "public-base-domain", "", "public hostname for webhook callbacks and SMS links (e.g. voice.example.com)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.CatalogAPIKey, "catalog-api-key", "", "record system API key")
	fs.StringVar(&cfg.CatalogBaseID, "catalog-base-id", "", "record system base identifier")
	fs.StringVar(&cfg.CatalogBaseURL, "catalog-base-url", defaultCatalogBaseURL, "record system API base URL")

	fs.StringVar(&cfg.RedisURL, "redis-url", defaultRedisURL, "Redis connection URL for state, queue and event streams")

	fs.StringVar(&cfg.CarrierAccountSID, "carrier-account-sid", "", "telephony carrier account SID")
	fs.StringVar(&cfg.CarrierAuthToken, "carrier-auth-token", "", "telephony carrier auth token")
	fs.StringVar(&cfg.CarrierVoiceNumber, "carrier-voice-number", "", "E.164 number outbound offer calls originate from")
	fs.StringVar(&cfg.CarrierBaseURL, "carrier-base-url", defaultCarrierBaseURL, "telephony carrier REST API base URL")

	fs.StringVar(&cfg.MessagingServiceID, "messaging-service-id", "", "message gateway service SID for SMS sends")
	fs.StringVar(&cfg.SMSFromNumber, "sms-from-number", "", "E.164 number SMS notifications are sent from")

	fs.StringVar(&cfg.TTSEndpoint, "tts-endpoint", "", "text-to-speech engine URL")
	fs.StringVar(&cfg.STTEndpoint, "stt-endpoint", "", "speech-to-text engine URL")
	fs.StringVar(&cfg.SpeechAPIKey, "speech-api-key", "", "API key for the speech engines")

	fs.StringVar(&cfg.S3Region, "s3-region", "", "object store region")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", "object store bucket for call recordings")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", "recordings", "object key prefix for call recordings")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", "", "object store access key")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", "", "object store secret key")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "optional endpoint override for S3-compatible object stores")
	fs.IntVar(&cfg.PresignValidity, "presign-validity-days", defaultPresignValidity, "presigned recording URL validity in days")

	fs.StringVar(&cfg.TransferFallbackNumber, "transfer-fallback-number", "", "default representative transfer number when a provider has none")
	fs.IntVar(&cfg.PINLength, "pin-length", defaultPINLength, "worker PIN length for DTMF authentication")
	fs.IntVar(&cfg.MaxPhaseAttempts, "max-phase-attempts", defaultMaxAttempts, "maximum input attempts per call phase")
	fs.IntVar(&cfg.ShiftPageSize, "shift-page-size", defaultPageSize, "shifts presented per page in the shift list menu")
	fs.IntVar(&cfg.GatherTimeoutSec, "gather-timeout", defaultGatherTimeout, "DTMF gather timeout in seconds, reset on each digit")
	fs.IntVar(&cfg.SessionTTLSec, "session-ttl", defaultSessionTTL, "idle call session TTL in seconds")

	fs.IntVar(&cfg.MaxVoiceRounds, "max-voice-rounds", defaultMaxVoiceRounds, "rounds of sequential outbound voice offers per cascade")
	fs.IntVar(&cfg.OfferTimeoutSec, "offer-timeout", defaultOfferTimeout, "per-attempt outbound offer timeout in seconds")
	fs.StringVar(&cfg.LinkSecret, "link-secret", "", "HMAC secret for signing SMS accept links")
	fs.IntVar(&cfg.LinkValidityHrs, "link-validity-hours", defaultLinkValidity, "accept link validity in hours")

	fs.BoolVar(&cfg.VoiceAIEnabled, "voice-ai-enabled", true, "answer inbound calls with the voice agent")
	fs.BoolVar(&cfg.RecordingEnabled, "recording-enabled", true, "record calls and run the recording pipeline")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. The env var name is derived from
// the flag name: "catalog-api-key" becomes SHIFTLINE_CATALOG_API_KEY.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// Set reports a parse error for malformed numeric/bool values;
		// those fall through to validate() via the retained default.
		_ = fs.Set(f.Name, val)
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.PINLength < 3 || c.PINLength > 10 {
		return fmt.Errorf("pin-length must be between 3 and 10, got %d", c.PINLength)
	}
	if c.MaxPhaseAttempts < 1 {
		return fmt.Errorf("max-phase-attempts must be at least 1, got %d", c.MaxPhaseAttempts)
	}
	if c.ShiftPageSize < 1 {
		return fmt.Errorf("shift-page-size must be at least 1, got %d", c.ShiftPageSize)
	}
	if c.MaxVoiceRounds < 1 {
		return fmt.Errorf("max-voice-rounds must be at least 1, got %d", c.MaxVoiceRounds)
	}
	if c.OfferTimeoutSec < 5 {
		return fmt.Errorf("offer-timeout must be at least 5 seconds, got %d", c.OfferTimeoutSec)
	}
	if c.SessionTTLSec < 60 {
		return fmt.Errorf("session-ttl must be at least 60 seconds, got %d", c.SessionTTLSec)
	}

	if c.LinkValidityHrs < 1 {
		return fmt.Errorf("link-validity-hours must be at least 1, got %d", c.LinkValidityHrs)
	}

	if c.RecordingEnabled && c.S3Bucket == "" {
		slog.Warn("recording enabled without s3-bucket, recordings will fall back to carrier-hosted URLs")
	}

	return nil
}

// SlogLevel converts the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PublicURL joins a path onto the configured public base domain.
func (c *Config) PublicURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "https://" + c.PublicBaseDomain + path
}
