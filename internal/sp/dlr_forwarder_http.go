package sp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/thrillee/smsgateway/internal/logging"
	"github.com/thrillee/smsgateway/internal/sms"
)

// ErrCircuitOpen is returned when the callback host is being skipped.
var ErrCircuitOpen = errors.New("dlr callback circuit open")

// HTTPForwarderConfig holds configuration for the HTTP client.
type HTTPForwarderConfig struct {
	Timeout time.Duration
	Breaker CircuitBreakerConfig
}

// HTTPForwarder POSTs DLR payloads as JSON to callback URLs.
type HTTPForwarder struct {
	config HTTPForwarderConfig
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewHTTPForwarder creates a new HTTP DLR forwarder.
func NewHTTPForwarder(cfg HTTPForwarderConfig) *HTTPForwarder {
	return &HTTPForwarder{
		config:   cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (f *HTTPForwarder) breakerFor(host string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[host]
	if !ok {
		cfg := f.config.Breaker
		cfg.Host = host
		cb = NewCircuitBreaker(cfg)
		f.breakers[host] = cb
	}
	return cb
}

// ForwardDLR posts payload to callbackURL. Any non-2xx answer is an error.
func (f *HTTPForwarder) ForwardDLR(ctx context.Context, callbackURL string, payload *sms.DlrPayload) error {
	if callbackURL == "" {
		return errors.New("cannot forward DLR via HTTP: missing callback URL")
	}
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("invalid callback URL %q: %w", callbackURL, err)
	}

	logCtx := logging.ContextWithInternalID(ctx, payload.ForwardingID)
	cb := f.breakerFor(u.Host)
	if !cb.AllowRequest() {
		slog.WarnContext(logCtx, "Skipping DLR forward, callback circuit open", slog.String("host", u.Host))
		return ErrCircuitOpen
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DLR payload: %w", err)
	}

	req, err := http.NewRequestWithContext(logCtx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP DLR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "smsgateway-dlr-forwarder/1.0")

	slog.DebugContext(logCtx, "Sending HTTP DLR request", slog.String("url", callbackURL), slog.String("payload", string(body)))
	resp, err := f.client.Do(req)
	if err != nil {
		cb.RecordFailure()
		return fmt.Errorf("failed to send HTTP DLR request to %s: %w", callbackURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		cb.RecordSuccess()
		slog.InfoContext(logCtx, "Successfully forwarded DLR via HTTP", slog.Int("http_status", resp.StatusCode))
		return nil
	}
	cb.RecordFailure()
	return fmt.Errorf("received non-2xx status code (%d) from DLR callback %s", resp.StatusCode, callbackURL)
}
