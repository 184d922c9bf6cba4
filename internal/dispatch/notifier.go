package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent          = "invenrich/0.1"
	secretHeader       = "x-agent-secret"
	maxNotifyRetries   = 3
	initialNotifyDelay = 500 * time.Millisecond
)

// Notifier delivers a finished run's payload to an external callback.
type Notifier interface {
	Notify(ctx context.Context, payload []byte) error
}

// NewNotifier returns an HTTP notifier posting to callbackURL, or a no-op
// notifier when no callback is configured.
func NewNotifier(callbackURL, secret string, timeout time.Duration) Notifier {
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return noopNotifier{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		endpoint: callbackURL,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
		backoff:  initialNotifyDelay,
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, []byte) error { return nil }

// HTTPNotifier POSTs the payload as JSON. 429 and 5xx answers and transport
// errors are retried with exponential backoff.
type HTTPNotifier struct {
	endpoint string
	secret   string
	client   *http.Client
	backoff  time.Duration
}

// statusError is a non-2xx callback answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("callback returned HTTP %d", e.code)
	}
	return fmt.Sprintf("callback returned HTTP %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (n *HTTPNotifier) Notify(ctx context.Context, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= maxNotifyRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(n.backoff) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = n.send(ctx, payload)
		if lastErr == nil {
			return nil
		}
		if se, ok := lastErr.(*statusError); ok && !se.retryable() {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("notify after %d attempts: %w", maxNotifyRetries+1, lastErr)
}

func (n *HTTPNotifier) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if n.secret != "" {
		req.Header.Set(secretHeader, n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
}
