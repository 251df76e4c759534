package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("catalog: record not found")

// UpstreamError is a failed record-system call, classified so callers can
// decide between retrying and surfacing the failure.
type UpstreamError struct {
	Status    int
	Transient bool
	Body      string
}

func (e *UpstreamError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("catalog: %s upstream error (status %d): %s", kind, e.Status, e.Body)
}

// IsTransient reports whether err is a retryable upstream failure
// (timeout, connection error, 429 or 5xx). Cancellation and not-found are
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	// Network-level failures carry no HTTP status and are assumed transient.
	return true
}

// Retry policy for transient upstream failures.
const (
	maxRetries   = 3
	retryBase    = 500 * time.Millisecond
	retryFactor  = 2
	retryCeiling = 8 * time.Second
)

// record is the wire shape of a single row in the record system.
type record struct {
	ID          string         `json:"id"`
	CreatedTime time.Time      `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

// recordList is the wire shape of a list response.
type recordList struct {
	Records []record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// Client is a read-through client for the row-oriented record system.
// Reads are cached with a short TTL; writes go straight through and
// invalidate the affected table.
type Client struct {
	httpClient *http.Client
	baseURL    string
	baseID     string
	apiKey     string
	cache      *cache
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCacheTTL overrides the read cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cache = newCache(ttl) }
}

// NewClient creates a record-system client for the given base.
func NewClient(baseURL, baseID, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		baseID:     baseID,
		apiKey:     apiKey,
		cache:      newCache(DefaultCacheTTL),
		logger:     logger.With("subsystem", "catalog"),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doJSON performs one HTTP request with retries on transient failures and
// decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte, out any) error {
	var lastErr error
	backoff := retryBase

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= retryFactor
			if backoff > retryCeiling {
				backoff = retryCeiling
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return fmt.Errorf("building catalog request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("catalog request failed: %w", err)
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("reading catalog response: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decoding catalog response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &UpstreamError{Status: resp.StatusCode, Transient: true, Body: truncate(respBody, 200)}
			c.logger.Warn("catalog transient failure, will retry",
				"status", resp.StatusCode,
				"attempt", attempt+1,
			)
			continue
		default:
			return &UpstreamError{Status: resp.StatusCode, Transient: false, Body: truncate(respBody, 200)}
		}
	}

	return lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (c *Client) tableURL(table string) string {
	return c.baseURL + "/" + c.baseID + "/" + url.PathEscape(table)
}

// getRecord fetches a single record by id, serving from cache when fresh.
func (c *Client) getRecord(ctx context.Context, table, id string) (*record, time.Duration, error) {
	key := cacheKey(table, id)
	if v, age, ok := c.cache.get(key); ok {
		rec := v.(record)
		return &rec, age, nil
	}

	var rec record
	if err := c.doJSON(ctx, http.MethodGet, c.tableURL(table)+"/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, 0, err
	}
	c.cache.put(key, rec)
	return &rec, 0, nil
}

// query lists records matching a filter formula, caching by the query
// fingerprint (table + formula).
func (c *Client) query(ctx context.Context, table, formula string) ([]record, time.Duration, error) {
	key := cacheKey(table, "q:"+formula)
	if v, age, ok := c.cache.get(key); ok {
		return v.([]record), age, nil
	}

	q := url.Values{}
	if formula != "" {
		q.Set("filterByFormula", formula)
	}
	var all []record
	offset := ""
	for {
		if offset != "" {
			q.Set("offset", offset)
		}
		var page recordList
		if err := c.doJSON(ctx, http.MethodGet, c.tableURL(table)+"?"+q.Encode(), nil, &page); err != nil {
			return nil, 0, err
		}
		all = append(all, page.Records...)
		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}

	c.cache.put(key, all)
	return all, 0, nil
}

// writeRecord creates or patches a record and invalidates the table's cache.
func (c *Client) writeRecord(ctx context.Context, method, rawURL string, fields map[string]any, table string) (*record, error) {
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("encoding catalog write: %w", err)
	}
	var rec record
	if err := c.doJSON(ctx, method, rawURL, body, &rec); err != nil {
		return nil, err
	}
	c.cache.invalidateTable(table)
	return &rec, nil
}

// escapeFormulaValue escapes a value for interpolation into a filter formula.
func escapeFormulaValue(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

// WorkerByPhone looks up an active worker by E.164 phone number.
func (c *Client) WorkerByPhone(ctx context.Context, phone string) (*Worker, error) {
	formula := fmt.Sprintf("{Phone} = '%s'", escapeFormulaValue(phone))
	recs, _, err := c.query(ctx, TableWorkers, formula)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	w := workerFromRecord(&recs[0])
	return &w, nil
}

// WorkerByPIN looks up a worker by their DTMF PIN.
func (c *Client) WorkerByPIN(ctx context.Context, pin string) (*Worker, error) {
	formula := fmt.Sprintf("{PIN} = '%s'", escapeFormulaValue(pin))
	recs, _, err := c.query(ctx, TableWorkers, formula)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	w := workerFromRecord(&recs[0])
	return &w, nil
}

// Worker fetches a single worker by record id.
func (c *Client) Worker(ctx context.Context, id string) (*Worker, error) {
	rec, _, err := c.getRecord(ctx, TableWorkers, id)
	if err != nil {
		return nil, err
	}
	w := workerFromRecord(rec)
	return &w, nil
}

// Provider fetches a single provider by record id.
func (c *Client) Provider(ctx context.Context, id string) (*Provider, error) {
	rec, _, err := c.getRecord(ctx, TableProviders, id)
	if err != nil {
		return nil, err
	}
	p := providerFromRecord(rec)
	return &p, nil
}

// Providers fetches multiple providers by id, preserving input order.
func (c *Client) Providers(ctx context.Context, ids []string) ([]Provider, error) {
	out := make([]Provider, 0, len(ids))
	for _, id := range ids {
		p, err := c.Provider(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// ActiveProviderWorkers lists active workers of a provider that have a
// phone number, the raw material of a cascade pool.
func (c *Client) ActiveProviderWorkers(ctx context.Context, providerID string) ([]Worker, error) {
	recs, _, err := c.query(ctx, TableWorkers, "{Active} = TRUE()")
	if err != nil {
		return nil, err
	}
	var out []Worker
	for i := range recs {
		w := workerFromRecord(&recs[i])
		if w.Phone == "" {
			continue
		}
		for _, pid := range w.ProviderIDs {
			if pid == providerID {
				out = append(out, w)
				break
			}
		}
	}
	return out, nil
}

// ScheduledShiftsForWorker lists a worker's future Scheduled shifts ordered
// ascending by scheduled time, ties broken by record id. Age is the cache
// age of the underlying query; callers that write back a shift must
// re-fetch when it exceeds their freshness bound.
func (c *Client) ScheduledShiftsForWorker(ctx context.Context, workerID string, now time.Time) ([]Shift, time.Duration, error) {
	formula := fmt.Sprintf("AND({Assigned Worker ID} = '%s', {Status} = '%s')",
		escapeFormulaValue(workerID), ShiftScheduled)
	recs, age, err := c.query(ctx, TableShifts, formula)
	if err != nil {
		return nil, 0, err
	}

	var out []Shift
	for i := range recs {
		s := shiftFromRecord(&recs[i])
		if s.ScheduledAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, age, nil
}

// Shift fetches a shift by id, possibly served from cache. Age reports how
// stale the value is.
func (c *Client) Shift(ctx context.Context, id string) (*Shift, time.Duration, error) {
	rec, age, err := c.getRecord(ctx, TableShifts, id)
	if err != nil {
		return nil, 0, err
	}
	s := shiftFromRecord(rec)
	return &s, age, nil
}

// ShiftFresh fetches a shift bypassing the cache. Status re-checks in the
// cascade and any transition that writes back must use this.
func (c *Client) ShiftFresh(ctx context.Context, id string) (*Shift, error) {
	c.cache.invalidate(cacheKey(TableShifts, id))
	s, _, err := c.Shift(ctx, id)
	return s, err
}

// UpdateShiftStatus transitions a shift's status, optionally reassigning
// the worker. An empty workerID clears the assignment. The transition is
// validated against the allowed monotonic paths.
func (c *Client) UpdateShiftStatus(ctx context.Context, id string, from, to ShiftStatus, workerID string) (*Shift, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("catalog: shift %s: illegal status transition %s -> %s", id, from, to)
	}
	fields := map[string]any{
		"Status":             string(to),
		"Assigned Worker ID": workerID,
	}
	rec, err := c.writeRecord(ctx, http.MethodPatch, c.tableURL(TableShifts)+"/"+url.PathEscape(id), fields, TableShifts)
	if err != nil {
		return nil, err
	}
	s := shiftFromRecord(rec)
	return &s, nil
}

// CreateCallLog writes a new call log row.
func (c *Client) CreateCallLog(ctx context.Context, cl *CallLog) (*CallLog, error) {
	fields := map[string]any{
		"Call ID":      cl.CallID,
		"Worker ID":    cl.WorkerID,
		"Provider ID":  cl.ProviderID,
		"Direction":    cl.Direction,
		"Duration Sec": cl.DurationSec,
		"Outcome":      cl.Outcome,
	}
	rec, err := c.writeRecord(ctx, http.MethodPost, c.tableURL(TableCallLogs), fields, TableCallLogs)
	if err != nil {
		return nil, err
	}
	out := callLogFromRecord(rec)
	return &out, nil
}

// CallLogByCallID finds the call log row for a root call id.
func (c *Client) CallLogByCallID(ctx context.Context, callID string) (*CallLog, error) {
	formula := fmt.Sprintf("{Call ID} = '%s'", escapeFormulaValue(callID))
	recs, _, err := c.query(ctx, TableCallLogs, formula)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	out := callLogFromRecord(&recs[0])
	return &out, nil
}

// UpdateCallLog patches fields on an existing call log row.
func (c *Client) UpdateCallLog(ctx context.Context, id string, fields map[string]any) error {
	_, err := c.writeRecord(ctx, http.MethodPatch, c.tableURL(TableCallLogs)+"/"+url.PathEscape(id), fields, TableCallLogs)
	return err
}

// Field extraction helpers. The record system is schemaless on the wire;
// absent fields decode to zero values.

func fieldString(f map[string]any, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

func fieldBool(f map[string]any, key string) bool {
	if v, ok := f[key].(bool); ok {
		return v
	}
	return false
}

func fieldInt(f map[string]any, key string) int {
	if v, ok := f[key].(float64); ok {
		return int(v)
	}
	return 0
}

func fieldStrings(f map[string]any, key string) []string {
	raw, ok := f[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func fieldTime(f map[string]any, key string) time.Time {
	s := fieldString(f, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func workerFromRecord(r *record) Worker {
	return Worker{
		ID:          r.ID,
		DisplayName: fieldString(r.Fields, "Display Name"),
		PIN:         fieldString(r.Fields, "PIN"),
		Phone:       fieldString(r.Fields, "Phone"),
		ProviderIDs: fieldStrings(r.Fields, "Providers"),
		Active:      fieldBool(r.Fields, "Active"),
	}
}

func providerFromRecord(r *record) Provider {
	return Provider{
		ID:             r.ID,
		Name:           fieldString(r.Fields, "Name"),
		Greeting:       fieldString(r.Fields, "Greeting"),
		Timezone:       fieldString(r.Fields, "Timezone"),
		TransferNumber: fieldString(r.Fields, "Transfer Number"),
	}
}

func shiftFromRecord(r *record) Shift {
	return Shift{
		ID:               r.ID,
		TemplateID:       fieldString(r.Fields, "Template ID"),
		ProviderID:       fieldString(r.Fields, "Provider ID"),
		AssignedWorkerID: fieldString(r.Fields, "Assigned Worker ID"),
		PatientDisplay:   fieldString(r.Fields, "Patient"),
		Suburb:           fieldString(r.Fields, "Suburb"),
		ScheduledAt:      fieldTime(r.Fields, "Scheduled At"),
		LocalDisplay:     fieldString(r.Fields, "Local Display"),
		Status:           ShiftStatus(fieldString(r.Fields, "Status")),
	}
}

func callLogFromRecord(r *record) CallLog {
	return CallLog{
		ID:           r.ID,
		CallID:       fieldString(r.Fields, "Call ID"),
		WorkerID:     fieldString(r.Fields, "Worker ID"),
		ProviderID:   fieldString(r.Fields, "Provider ID"),
		Direction:    fieldString(r.Fields, "Direction"),
		RecordingURL: fieldString(r.Fields, "Recording URL"),
		DurationSec:  fieldInt(r.Fields, "Duration Sec"),
		Outcome:      fieldString(r.Fields, "Outcome"),
	}
}
