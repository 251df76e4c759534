package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCallNotFound is returned when the carrier has no such call resource.
var ErrCallNotFound = errors.New("telephony: call not found")

// CarrierError is a failed carrier REST call, classified for retry decisions.
type CarrierError struct {
	Status    int
	Code      int // carrier-specific error code, 0 if absent
	Transient bool
	Message   string
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("telephony: carrier error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// IsTransientCarrier reports whether err is worth retrying.
func IsTransientCarrier(err error) bool {
	var ce *CarrierError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return err != nil && !errors.Is(err, ErrCallNotFound) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Retry policy for transient carrier failures.
const (
	carrierMaxRetries = 3
	carrierRetryBase  = 500 * time.Millisecond
	carrierRetryCeil  = 8 * time.Second
)

// CallDetails is the subset of the carrier's call resource the adapter
// consumes.
type CallDetails struct {
	Sid      string `json:"sid"`
	From     string `json:"from"`
	To       string `json:"to"`
	Status   string `json:"status"`
	ParentID string `json:"parent_call_sid"`
}

// Client is the carrier control-API client: call lookup, outbound call
// placement, call teardown, and recording asset management.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a carrier REST client.
func NewClient(baseURL, accountSID, authToken string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		logger:     logger.With("subsystem", "carrier"),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// errorBody is the carrier's JSON error envelope.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one authenticated request with retries on transient failures.
func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values, out any) error {
	var lastErr error
	backoff := carrierRetryBase

	for attempt := 0; attempt < carrierMaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > carrierRetryCeil {
				backoff = carrierRetryCeil
			}
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return fmt.Errorf("telephony: building request: %w", err)
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("telephony: request failed: %w", err)
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("telephony: reading response: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("telephony: decoding response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrCallNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = carrierErr(resp.StatusCode, respBody, true)
			c.logger.Warn("carrier transient failure, will retry",
				"status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			return carrierErr(resp.StatusCode, respBody, false)
		}
	}
	return lastErr
}

func carrierErr(status int, body []byte, transient bool) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Message
	if msg == "" && len(body) > 0 {
		if len(body) > 200 {
			body = body[:200]
		}
		msg = string(body)
	}
	return &CarrierError{Status: status, Code: eb.Code, Transient: transient, Message: msg}
}

func (c *Client) accountURL(resource string) string {
	return c.baseURL + "/Accounts/" + c.accountSID + "/" + resource
}

// Call fetches call details. The adapter uses this as the one-shot
// fallback when the media stream's start frame omits the caller phone.
func (c *Client) Call(ctx context.Context, callSid string) (*CallDetails, error) {
	var out CallDetails
	if err := c.do(ctx, http.MethodGet, c.accountURL("Calls/"+callSid+".json"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceCall originates an outbound call. The carrier fetches the control
// document from answerURL when the callee picks up and posts lifecycle
// changes to statusURL.
func (c *Client) PlaceCall(ctx context.Context, from, to, answerURL, statusURL string, timeoutSec int) (string, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Url", answerURL)
	form.Set("Timeout", fmt.Sprintf("%d", timeoutSec))
	if statusURL != "" {
		form.Set("StatusCallback", statusURL)
	}

	var out CallDetails
	if err := c.do(ctx, http.MethodPost, c.accountURL("Calls.json"), form, &out); err != nil {
		return "", err
	}
	return out.Sid, nil
}

// Hangup tears down a live call leg.
func (c *Client) Hangup(ctx context.Context, callSid string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return c.do(ctx, http.MethodPost, c.accountURL("Calls/"+callSid+".json"), form, nil)
}

// Redirect replaces a live call's control document, used to hand a
// media-stream call off to a PSTN dial.
func (c *Client) Redirect(ctx context.Context, callSid string, doc *Response) error {
	body, err := doc.Encode()
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("Twiml", string(body))
	return c.do(ctx, http.MethodPost, c.accountURL("Calls/"+callSid+".json"), form, nil)
}

// DownloadRecording fetches a finished recording asset from the
// carrier-hosted URL.
func (c *Client) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telephony: building download request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telephony: recording download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", carrierErr(resp.StatusCode, nil, resp.StatusCode >= 500)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telephony: reading recording: %w", err)
	}

	ext := "wav"
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "mpeg") || strings.Contains(ct, "mp3") {
		ext = "mp3"
	}
	return data, ext, nil
}

// DeleteRecording removes the carrier-hosted asset. Called only after the
// object-store upload is confirmed.
func (c *Client) DeleteRecording(ctx context.Context, recordingSid string) error {
	return c.do(ctx, http.MethodDelete, c.accountURL("Recordings/"+recordingSid+".json"), nil, nil)
}
