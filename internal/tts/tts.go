package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// Synthesizer turns prompt text into telephony audio: 8 kHz mono mu-law
// bytes, ready to be framed onto the media stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Client calls an HTTP text-to-speech engine that accepts plain text and
// returns mu-law 8 kHz audio.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a TTS client for the given engine endpoint.
func NewClient(endpoint, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logger.With("subsystem", "tts"),
	}
}

// Synthesize posts the text and returns the synthesized audio bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(text)))
	if err != nil {
		return nil, fmt.Errorf("tts: building request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "audio/basic") // mu-law 8 kHz
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("tts: engine returned status %d: %s", resp.StatusCode, body)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: reading audio: %w", err)
	}
	return audio, nil
}

// Cached wraps a Synthesizer with an in-memory cache keyed by text hash.
// Menu prompts repeat constantly across calls; synthesizing each once is
// enough.
type Cached struct {
	inner Synthesizer

	mu    sync.Mutex
	audio map[string][]byte
}

// NewCached wraps the synthesizer with a prompt cache.
func NewCached(inner Synthesizer) *Cached {
	return &Cached{inner: inner, audio: make(map[string][]byte)}
}

// Synthesize returns cached audio for previously seen text, synthesizing
// on first use.
func (c *Cached) Synthesize(ctx context.Context, text string) ([]byte, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	cached, ok := c.audio[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	audio, err := c.inner.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.audio[key] = audio
	c.mu.Unlock()
	return audio, nil
}
