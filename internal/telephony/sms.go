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
	"unicode/utf8"
)

// MaxSMSBody is the gateway's hard limit on message length.
const MaxSMSBody = 1600

// singleSegmentLimit is the largest body that fits one GSM-7 SMS segment.
const singleSegmentLimit = 160

// multiSegmentSize is the per-segment capacity once concatenation headers
// are in play.
const multiSegmentSize = 153

// ErrBodyTooLong is returned for bodies over the gateway limit.
var ErrBodyTooLong = errors.New("telephony: sms body exceeds gateway limit")

// SegmentCount reports how many SMS segments a body occupies. Bodies at or
// under 160 characters are a single segment; longer bodies concatenate in
// 153-character segments.
func SegmentCount(body string) int {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return 0
	}
	if n <= singleSegmentLimit {
		return 1
	}
	return (n + multiSegmentSize - 1) / multiSegmentSize
}

// SMSClient sends text messages through the message gateway.
type SMSClient struct {
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	serviceID  string
	from       string
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewSMSClient creates a message gateway client. from is the sending
// number; serviceID scopes sends to the configured messaging service.
func NewSMSClient(baseURL, accountSID, authToken, serviceID, from string, logger *slog.Logger) *SMSClient {
	return &SMSClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		serviceID:  serviceID,
		from:       from,
		logger:     logger.With("subsystem", "sms"),
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

// Send delivers one text message and returns the gateway's message sid.
// Transient gateway failures are retried with exponential backoff;
// permanent failure codes surface as non-retriable CarrierError.
func (c *SMSClient) Send(ctx context.Context, to, body string) (string, error) {
	if utf8.RuneCountInString(body) > MaxSMSBody {
		return "", ErrBodyTooLong
	}

	form := url.Values{}
	form.Set("From", c.from)
	form.Set("To", to)
	form.Set("Body", body)
	if c.serviceID != "" {
		form.Set("MessagingServiceSid", c.serviceID)
	}

	var lastErr error
	backoff := carrierRetryBase

	for attempt := 0; attempt < carrierMaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
			if backoff > carrierRetryCeil {
				backoff = carrierRetryCeil
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/Accounts/"+c.accountSID+"/Messages.json",
			strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("telephony: building sms request: %w", err)
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("telephony: sms request failed: %w", err)
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("telephony: reading sms response: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var out struct {
				Sid      string `json:"sid"`
				Segments string `json:"num_segments"`
			}
			if err := json.Unmarshal(respBody, &out); err != nil {
				return "", fmt.Errorf("telephony: decoding sms response: %w", err)
			}
			c.logger.Debug("sms sent", "to", to, "message_sid", out.Sid, "segments", SegmentCount(body))
			return out.Sid, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = carrierErr(resp.StatusCode, respBody, true)
			continue
		default:
			return "", carrierErr(resp.StatusCode, respBody, false)
		}
	}
	return "", lastErr
}
