// Package webhook notifies user-configured endpoints about stream lifecycle
// events.
//
// Delivery is best effort: each webhook gets a single attempt on a context
// detached from the caller, bounded by a per-delivery timeout. Failures are
// logged and counted but never returned to the orchestrator.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Relaycast-Event"
	HeaderDelivery  = "X-Relaycast-Webhook"
	HeaderSignature = "X-Relaycast-Signature"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
	maxErrorBody       = 512
)

// Source lists the webhooks configured on a stream.
type Source interface {
	ListWebhooks(ctx context.Context, streamID string) ([]models.Webhook, error)
}

// DeliveryError describes a failed delivery attempt.
type DeliveryError struct {
	WebhookID  string
	URL        string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s: %s returned status %d", e.WebhookID, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("webhook %s: %s: %v", e.WebhookID, e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config configures a Dispatcher.
type Config struct {
	Source      Source
	Client      *http.Client
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

// Dispatcher delivers lifecycle events to webhooks.
type Dispatcher struct {
	source      Source
	client      *http.Client
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
	inflight    sync.WaitGroup
}

// NewDispatcher applies defaults to cfg and returns a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Source == nil {
		return nil, errors.New("webhook dispatcher requires a source")
	}
	d := &Dispatcher{
		source:      cfg.Source,
		client:      cfg.Client,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.concurrency <= 0 {
		d.concurrency = defaultConcurrency
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = logging.WithComponent(d.logger, "webhook")
	if d.metrics == nil {
		d.metrics = metrics.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Fire schedules delivery of event in the background and returns
// immediately. Use Wait to block until scheduled deliveries finish.
func (d *Dispatcher) Fire(ctx context.Context, stream models.Stream, event string, accounts []models.Account) {
	detached := context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Deliver(detached, stream, event, accounts)
	}()
}

// Wait blocks until every delivery scheduled by Fire has completed.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Deliver sends event to every matching webhook and returns the failures.
// Deliveries run concurrently up to the configured bound; one failing
// endpoint does not affect the others.
func (d *Dispatcher) Deliver(ctx context.Context, stream models.Stream, event string, accounts []models.Account) []error {
	logger := logging.WithContext(ctx, d.logger).With("stream_id", stream.ID, "event", event)
	hooks, err := d.source.ListWebhooks(ctx, stream.ID)
	if err != nil {
		logger.Error("failed to list webhooks", "error", err)
		return []error{fmt.Errorf("list webhooks: %w", err)}
	}
	var targets []models.Webhook
	for _, hook := range hooks {
		if hook.Enabled(event) {
			targets = append(targets, hook)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	payload := Payload{
		Event:     event,
		Stream:    streamInfo(stream),
		Accounts:  accountInfo(accounts),
		Timestamp: d.now().UTC(),
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	group := new(errgroup.Group)
	group.SetLimit(d.concurrency)
	for _, hook := range targets {
		hook := hook
		group.Go(func() error {
			err := d.deliver(ctx, hook, payload)
			d.metrics.ObserveWebhook(hook.Type, err)
			if err != nil {
				logger.Warn("webhook delivery failed", "webhook_id", hook.ID, "error", err)
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return failures
}

func (d *Dispatcher) deliver(ctx context.Context, hook models.Webhook, payload Payload) error {
	body, err := Render(hook.Type, payload)
	if err != nil {
		return &DeliveryError{WebhookID: hook.ID, URL: hook.URL, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{WebhookID: hook.ID, URL: hook.URL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, payload.Event)
	req.Header.Set(HeaderDelivery, hook.ID)
	if hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{WebhookID: hook.ID, URL: hook.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{
			WebhookID:  hook.ID,
			URL:        hook.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
