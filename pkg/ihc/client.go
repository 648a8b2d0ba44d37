// Package ihc provides a client for the IHC attribution scoring API.
package ihc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/attribution-cli/internal/resilience"
)

const defaultBaseURL = "https://api.ihc-attribution.com"

// Client defines the IHC scoring API operations.
type Client interface {
	// ComputeIHC scores a set of customer journeys and returns one weight per
	// submitted touchpoint.
	ComputeIHC(ctx context.Context, convTypeID string, req Request) (*Response, error)
}

// Request is the body for POST /v1/compute_ihc.
type Request struct {
	CustomerJourneys []Touchpoint `json:"customer_journeys"`
}

// Touchpoint is the wire form of a journey touchpoint. Engagement flags are
// 0/1 integers.
type Touchpoint struct {
	ConversionID          string  `json:"conversion_id"`
	SessionID             string  `json:"session_id"`
	Timestamp             string  `json:"timestamp"`
	ChannelLabel          string  `json:"channel_label"`
	HolderEngagement      int     `json:"holder_engagement"`
	CloserEngagement      int     `json:"closer_engagement"`
	ImpressionInteraction int     `json:"impression_interaction"`
	Conversion            int     `json:"conversion"`
	Revenue               float64 `json:"revenue"`
}

// Response is the parsed compute_ihc response.
type Response struct {
	StatusCode int      `json:"statusCode,omitempty"`
	Value      []Weight `json:"value"`
}

// Weight is the credit assigned to one touchpoint.
type Weight struct {
	ConversionID string  `json:"conversion_id"`
	SessionID    string  `json:"session_id"`
	IHC          float64 `json:"ihc"`
}

// UnmarshalJSON accepts the conversion id under either "conversion_id" or
// "conv_id".
func (w *Weight) UnmarshalJSON(data []byte) error {
	var raw struct {
		ConversionID *string  `json:"conversion_id"`
		ConvID       *string  `json:"conv_id"`
		SessionID    string   `json:"session_id"`
		IHC          *float64 `json:"ihc"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.ConversionID != nil:
		w.ConversionID = *raw.ConversionID
	case raw.ConvID != nil:
		w.ConversionID = *raw.ConvID
	default:
		return eris.New("ihc: weight missing conversion id")
	}
	if raw.SessionID == "" {
		return eris.Errorf("ihc: weight for conversion %s missing session_id", w.ConversionID)
	}
	if raw.IHC == nil {
		return eris.Errorf("ihc: weight %s/%s missing ihc", w.ConversionID, raw.SessionID)
	}
	w.SessionID = raw.SessionID
	w.IHC = *raw.IHC
	return nil
}

// StatusError is returned when the API answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ihc: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the IHC client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit sets the requests-per-second limit. Non-positive disables it.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new IHC client. The client is safe for concurrent use;
// all callers share one rate limiter.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(2, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ComputeIHC(ctx context.Context, convTypeID string, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ihc: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "ihc: marshal request")
	}

	reqURL := fmt.Sprintf("%s/v1/compute_ihc?conv_type_id=%s", c.baseURL, url.QueryEscape(convTypeID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ihc: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(eris.Wrap(err, "ihc: request failed"), 0)
		}
		return nil, eris.Wrap(err, "ihc: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ihc: read response body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 512),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, &resilience.TransientError{Err: se, StatusCode: se.StatusCode, RetryAfter: se.RetryAfter}
		}
		return nil, se
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "ihc: unmarshal response")
	}
	if result.Value == nil {
		return nil, eris.New("ihc: response missing value")
	}
	return &result, nil
}

// parseRetryAfter reads a Retry-After header given either as delay seconds or
// an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
