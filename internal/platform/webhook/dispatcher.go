// Package webhook delivers case events to external HTTP endpoints with
// HMAC-SHA256 signing, bounded retries and an in-memory delivery log.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/events"
	"github.com/ehr/triage/pkg/pagination"
)

// ErrQueueFull is returned by Publish when the delivery backlog is full.
var ErrQueueFull = errors.New("webhook delivery queue is full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("webhook dispatcher is closed")

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Endpoint is a webhook destination and the event types it subscribes to.
type Endpoint struct {
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events"`
}

// DeliveryAttempt records one POST of an event to an endpoint.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	CaseID       string        `json:"case_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success" or "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

// eventMatches returns true if the event type matches a subscription pattern.
// Patterns are exact ("case.reopened"), a prefix wildcard ("case.*") or "*".
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) matches(eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. One attempt is made per
// delay plus the first.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// WithBacklog sets how many events may wait for delivery. Non-positive
// values keep the default.
func WithBacklog(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.backlog = n
		}
	}
}

// Dispatcher implements events.Publisher. Publish only enqueues; a single
// worker delivers events in order once Start is called.
type Dispatcher struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	backlog     int
	logger      zerolog.Logger

	queue  chan events.Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	stop   context.CancelFunc
	closed bool

	logMu   sync.RWMutex
	log     []DeliveryAttempt
	maxLogs int
}

// NewDispatcher validates the endpoints and builds a dispatcher.
func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := ValidateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook %q: %w", ep.URL, err)
		}
	}
	d := &Dispatcher{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second},
		backlog:     256,
		logger:      logger.With().Str("component", "webhook").Logger(),
		maxLogs:     500,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan events.Event, d.backlog)
	return d, nil
}

// Start launches the delivery worker. It stops when ctx is cancelled or
// Shutdown drains the backlog.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stop = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-d.queue:
				if !ok || ctx.Err() != nil {
					return
				}
				d.Deliver(ctx, e)
			}
		}
	}()
}

// Shutdown stops accepting events and waits for the worker to drain the
// backlog. When ctx expires first, in-flight deliveries are cancelled,
// undelivered events are dropped and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	stop := d.stop
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if stop != nil {
			stop()
		}
		<-done
		if n := len(d.queue); n > 0 {
			d.logger.Warn().Int("events", n).Msg("dropping undelivered webhook events")
		}
		return ctx.Err()
	}
}

// Publish enqueues the event for delivery.
func (d *Dispatcher) Publish(_ context.Context, e events.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- e:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for case %s", ErrQueueFull, e.Type, e.CaseID)
	}
}

// Deliver sends the event to every matching endpoint and returns the final
// attempt per endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, e events.Event) []DeliveryAttempt {
	payload, err := json.Marshal(e)
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", e.ID).Msg("failed to marshal event")
		return nil
	}

	var results []DeliveryAttempt
	for _, ep := range d.endpoints {
		if !ep.matches(e.Type) {
			continue
		}
		results = append(results, d.deliverWithRetry(ctx, ep, e, payload))
	}
	return results
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, e events.Event, payload []byte) DeliveryAttempt {
	var attempt DeliveryAttempt
	for i := 0; ; i++ {
		attempt = d.post(ctx, ep, e, payload)
		attempt.Attempt = i + 1
		d.record(attempt)
		if attempt.Status == "success" || i >= len(d.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return attempt
		case <-time.After(d.retryDelays[i]):
		}
	}

	if attempt.Status != "success" {
		d.logger.Warn().
			Str("url", ep.URL).
			Str("event_type", e.Type).
			Str("case_id", e.CaseID).
			Int("attempts", attempt.Attempt).
			Str("error", attempt.Error).
			Msg("webhook delivery failed")
	}
	return attempt
}

// post signs the payload and POSTs it to the endpoint once.
func (d *Dispatcher) post(ctx context.Context, ep Endpoint, e events.Event, payload []byte) DeliveryAttempt {
	now := time.Now()
	attempt := DeliveryAttempt{
		ID:        uuid.New().String(),
		URL:       ep.URL,
		EventType: e.Type,
		EventID:   e.ID,
		CaseID:    e.CaseID,
		CreatedAt: now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", e.Type)
	req.Header.Set("X-Webhook-ID", e.ID)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

func (d *Dispatcher) record(a DeliveryAttempt) {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	d.log = append(d.log, a)
	if len(d.log) > d.maxLogs {
		d.log = d.log[len(d.log)-d.maxLogs:]
	}
}

// Deliveries returns recorded attempts, newest first.
func (d *Dispatcher) Deliveries() []DeliveryAttempt {
	d.logMu.RLock()
	defer d.logMu.RUnlock()
	out := make([]DeliveryAttempt, len(d.log))
	for i, a := range d.log {
		out[len(d.log)-1-i] = a
	}
	return out
}

// Endpoints returns the configured endpoints. Secrets are not serialized.
func (d *Dispatcher) Endpoints() []Endpoint {
	return append([]Endpoint(nil), d.endpoints...)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler exposes webhook configuration and delivery logs to admins.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.ListEndpoints)
	g.GET("/deliveries", h.ListDeliveries)
}

func (h *Handler) ListEndpoints(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": h.dispatcher.Endpoints(),
	})
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	p := pagination.FromContext(c)
	all := h.dispatcher.Deliveries()
	if status := c.QueryParam("status"); status != "" {
		filtered := all[:0:0]
		for _, a := range all {
			if a.Status == status {
				filtered = append(filtered, a)
			}
		}
		all = filtered
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(all, p), len(all), p))
}
