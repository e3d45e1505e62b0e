package networks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned when a network API answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a later attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type retryPolicy struct {
	attempts int
	interval time.Duration
}

func (p retryPolicy) normalized() retryPolicy {
	if p.attempts <= 0 {
		p.attempts = 1
	}
	if p.interval < 0 {
		p.interval = 0
	}
	return p
}

func sendJSON(ctx context.Context, client *http.Client, method, url string, payload, dest interface{}, mutate func(*http.Request), logger *slog.Logger, policy retryPolicy) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = encoded
	}
	return doWithRetry(ctx, client, method, url, body, mutate, dest, logger, policy)
}

// doWithRetry issues the request until it succeeds, the error is not
// retryable, or the attempt budget is spent.
func doWithRetry(ctx context.Context, client *http.Client, method, url string, payload []byte, mutate func(*http.Request), dest interface{}, logger *slog.Logger, policy retryPolicy) error {
	policy = policy.normalized()
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.attempts; attempt++ {
		lastErr = doOnce(ctx, client, method, url, payload, mutate, dest)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.Retryable() {
			return lastErr
		}
		if attempt == policy.attempts {
			break
		}
		logger.Warn("network API request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
		timer := time.NewTimer(policy.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func doOnce(ctx context.Context, client *http.Client, method, url string, payload []byte, mutate func(*http.Request), dest interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
