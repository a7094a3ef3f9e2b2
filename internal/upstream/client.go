package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transitops/arrivals-proxy/internal/models"
	"github.com/transitops/arrivals-proxy/internal/observability"
)

// maxDetailBytes caps the upstream diagnostic body carried in an Error.
const maxDetailBytes = 500

// Fetcher is the capability the cache manager consumes: given a credential,
// return the current arrival records or a typed failure.
type Fetcher interface {
	Fetch(ctx context.Context, credential string) ([]models.Arrival, error)
}

// ErrMissingCredential is returned when Fetch is called with an empty credential.
var ErrMissingCredential = errors.New("missing credential")

// Error is a typed upstream failure carrying the HTTP status and a truncated
// diagnostic body. Status 500 is classified as transient; everything else is
// permanent (see IsTransient).
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Detail)
}

// IsTransient reports whether err is an upstream-internal failure (HTTP 500)
// that qualifies for background retry. All other failures, including transport
// errors and malformed payloads, are permanent.
func IsTransient(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.StatusCode == http.StatusInternalServerError
}

// Client fetches arrivals from the upstream transit API over HTTP.
type Client struct {
	apiURL  string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates an upstream Client for the given API URL. timeout bounds
// each request; the cache manager relies on it as the only bound on refresh.
func NewClient(apiURL string, timeout time.Duration) (*Client, error) {
	if apiURL == "" {
		return nil, errors.New("upstream API URL is required")
	}
	return &Client{
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Fetch performs one upstream call and decodes the JSON arrival records.
// Non-2xx responses become *Error with the body truncated to 500 bytes.
func (c *Client) Fetch(ctx context.Context, credential string) ([]models.Arrival, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}

	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", credential)
	req.Header.Set("Accept", "application/json")

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(duration)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var arrivals []models.Arrival
	if err := json.Unmarshal(body, &arrivals); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	return arrivals, nil
}

// readError drains the error response body into a typed *Error, truncating the
// diagnostic detail so error payloads stay bounded.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes+1))
	if len(body) > maxDetailBytes {
		body = body[:maxDetailBytes]
	}
	return &Error{
		StatusCode: resp.StatusCode,
		Detail:     string(body),
	}
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
