package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// TranscribeClient calls an HTTP speech-to-text engine that accepts mu-law
// 8 kHz audio and returns a plain-text transcript. It serves the
// release-reason capture, where a few seconds of speech become one line of
// text on the shift record.
type TranscribeClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *slog.Logger
}

// NewTranscribeClient creates a transcription client for the given engine
// endpoint.
func NewTranscribeClient(endpoint, apiKey string, logger *slog.Logger) *TranscribeClient {
	return &TranscribeClient{
		httpClient: &http.Client{},
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logger.With("subsystem", "stt"),
	}
}

// Transcribe posts the audio and returns the transcript, trimmed.
func (c *TranscribeClient) Transcribe(ctx context.Context, ulaw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(ulaw))
	if err != nil {
		return "", fmt.Errorf("stt: building request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/basic") // mu-law 8 kHz
	req.Header.Set("Accept", "text/plain")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", fmt.Errorf("stt: engine returned status %d: %s", resp.StatusCode, body)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("stt: reading transcript: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}
