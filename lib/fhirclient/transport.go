package fhirclient

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RetryConfig controls C1's retry/backoff policy (spec.md §4.1).
type RetryConfig struct {
	Retries       int
	BackoffFactor float64 // deterministic exponential backoff factor
	BaseDelay     time.Duration
}

// DefaultRetryConfig matches the spec's "N attempts... exponential
// backoff with a deterministic backoff factor".
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Retries: 3, BackoffFactor: 2, BaseDelay: 200 * time.Millisecond}
}

// RetryTransport wraps an http.RoundTripper with the correlation-id
// header and retry policy from spec.md §4.1: retries on 429/5xx and on
// network/timeout errors, never on DNS/TLS errors, reusing the same
// correlation id across attempts of one logical request.
type RetryTransport struct {
	Base   http.RoundTripper
	Config RetryConfig
}

// WrapRetry wraps base (nil means http.DefaultTransport) with the retry
// policy.
func WrapRetry(base http.RoundTripper, config RetryConfig) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RetryTransport{Base: base, Config: config}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	correlationID := req.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var resp *http.Response
	var err error
	attempts := t.Config.Retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		cloned := req.Clone(req.Context())
		cloned.Header.Set("X-Correlation-Id", correlationID)

		resp, err = t.Base.RoundTrip(cloned)
		classified := Classify(err, statusOf(resp))
		if classified == nil {
			return resp, nil
		}
		if !classified.Retryable() || attempt == attempts-1 {
			return resp, err
		}
		if resp != nil {
			resp.Body.Close()
		}
		delay := time.Duration(float64(t.Config.BaseDelay) * math.Pow(t.Config.BackoffFactor, float64(attempt)))
		slog.DebugContext(req.Context(), "Retrying FHIR request", slog.String("correlation_id", correlationID), slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
	return resp, err
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode
	}
	return 0
}

// NewHTTPClient builds the http.Client C1 uses: separate connect/read
// timeouts layered under the retry transport. The connect timeout is set
// on a clone of base when base is nil (http.DefaultTransport) or an
// *http.Transport; any other RoundTripper is wrapped as given, without a
// connect timeout. The defaults (5s connect, 30s read) keep the connect
// timeout the smaller one; given values are not compared with each other.
func NewHTTPClient(connectTimeout, readTimeout time.Duration, base http.RoundTripper, retry RetryConfig) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	if base == nil {
		base = http.DefaultTransport
	}
	transport := base
	if t, ok := base.(*http.Transport); ok && t != nil {
		clone := t.Clone()
		dialer := &net.Dialer{Timeout: connectTimeout}
		clone.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
		transport = clone
	}
	return &http.Client{
		Timeout:   readTimeout,
		Transport: WrapRetry(transport, retry),
	}
}
