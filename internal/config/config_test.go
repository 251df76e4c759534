package config

import (
	"log/slog"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.PINLength != defaultPINLength || cfg.ShiftPageSize != defaultPageSize {
		t.Errorf("call tunables = %d/%d", cfg.PINLength, cfg.ShiftPageSize)
	}
	if cfg.MaxVoiceRounds != defaultMaxVoiceRounds || cfg.LinkValidityHrs != defaultLinkValidity {
		t.Errorf("cascade tunables = %d/%d", cfg.MaxVoiceRounds, cfg.LinkValidityHrs)
	}
	if !cfg.VoiceAIEnabled || !cfg.RecordingEnabled {
		t.Error("feature flags should default on")
	}
}

func TestLoadFlagOverride(t *testing.T) {
	cfg, err := Load([]string{"-http-port", "9090", "-log-level", "DEBUG", "-pin-length", "6"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want normalized lowercase", cfg.LogLevel)
	}
	if cfg.PINLength != 6 {
		t.Errorf("PINLength = %d", cfg.PINLength)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHIFTLINE_HTTP_PORT", "7070")
	t.Setenv("SHIFTLINE_CATALOG_API_KEY", "env-key")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want env value", cfg.HTTPPort)
	}
	if cfg.CatalogAPIKey != "env-key" {
		t.Errorf("CatalogAPIKey = %q", cfg.CatalogAPIKey)
	}
}

func TestFlagsBeatEnv(t *testing.T) {
	t.Setenv("SHIFTLINE_HTTP_PORT", "7070")

	cfg, err := Load([]string{"-http-port", "9091"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9091 {
		t.Errorf("HTTPPort = %d, want flag to win over env", cfg.HTTPPort)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		args []string
		frag string
	}{
		{"bad port", []string{"-http-port", "0"}, "http-port"},
		{"bad log level", []string{"-log-level", "verbose"}, "log-level"},
		{"bad log format", []string{"-log-format", "xml"}, "log-format"},
		{"pin too short", []string{"-pin-length", "2"}, "pin-length"},
		{"no attempts", []string{"-max-phase-attempts", "0"}, "max-phase-attempts"},
		{"zero voice rounds", []string{"-max-voice-rounds", "0"}, "max-voice-rounds"},
		{"offer timeout too low", []string{"-offer-timeout", "2"}, "offer-timeout"},
		{"session ttl too low", []string{"-session-ttl", "10"}, "session-ttl"},
		{"link validity zero", []string{"-link-validity-hours", "0"}, "link-validity-hours"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(c.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.frag) {
				t.Fatalf("err = %v, want mention of %q", err, c.frag)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for lvl, want := range cases {
		c := &Config{LogLevel: lvl}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", lvl, got, want)
		}
	}
}

func TestPublicURL(t *testing.T) {
	c := &Config{PublicBaseDomain: "voice.example.com"}
	if got := c.PublicURL("/a/token"); got != "https://voice.example.com/a/token" {
		t.Errorf("PublicURL = %q", got)
	}
	if got := c.PublicURL("media"); got != "https://voice.example.com/media" {
		t.Errorf("PublicURL without slash = %q", got)
	}
}
