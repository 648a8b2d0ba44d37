package ihc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attribution-cli/internal/resilience"
)

func sampleRequest() Request {
	return Request{CustomerJourneys: []Touchpoint{
		{ConversionID: "c1", SessionID: "s1", Timestamp: "2023-09-01 10:00:00", ChannelLabel: "Paid Search", HolderEngagement: 1, Conversion: 0, Revenue: 50},
		{ConversionID: "c1", SessionID: "s2", Timestamp: "2023-09-02 11:00:00", ChannelLabel: "Email", CloserEngagement: 1, Conversion: 1, Revenue: 50},
	}}
}

func TestComputeIHC_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/compute_ihc", r.URL.Path)
		assert.Equal(t, "all_markets", r.URL.Query().Get("conv_type_id"))
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string][]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		journeys := body["customer_journeys"]
		require.Len(t, journeys, 2)
		assert.Equal(t, "c1", journeys[0]["conversion_id"])
		assert.Equal(t, float64(1), journeys[0]["holder_engagement"])
		assert.Equal(t, float64(1), journeys[1]["conversion"])
		assert.Equal(t, "2023-09-02 11:00:00", journeys[1]["timestamp"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"statusCode":200,"value":[
			{"conversion_id":"c1","session_id":"s1","ihc":0.25},
			{"conversion_id":"c1","session_id":"s2","ihc":0.75}]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(0))
	got, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())

	require.NoError(t, err)
	require.Len(t, got.Value, 2)
	assert.Equal(t, Weight{ConversionID: "c1", SessionID: "s1", IHC: 0.25}, got.Value[0])
	assert.Equal(t, Weight{ConversionID: "c1", SessionID: "s2", IHC: 0.75}, got.Value[1])
}

func TestComputeIHC_ConvIDKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"value":[{"conv_id":"c9","session_id":"s1","ihc":1}]}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
	got, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())

	require.NoError(t, err)
	require.Len(t, got.Value, 1)
	assert.Equal(t, "c9", got.Value[0].ConversionID)
}

func TestComputeIHC_EmptyValue(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
	got, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())

	require.NoError(t, err)
	assert.Empty(t, got.Value)
}

func TestComputeIHC_MalformedBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing value", `{"statusCode":200}`},
		{"missing conversion id", `{"value":[{"session_id":"s1","ihc":1}]}`},
		{"missing ihc", `{"value":[{"conv_id":"c1","session_id":"s1"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
			_, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())
			require.Error(t, err)
			assert.False(t, resilience.IsTransient(err))
		})
	}
}

func TestComputeIHC_PermanentStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"too many sessions"}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
	_, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())

	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, err.Error(), "too many sessions")
	assert.False(t, resilience.IsTransient(err))
}

func TestComputeIHC_TransientStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
	_, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var te *resilience.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3*time.Second, te.RetryAfter)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}

func TestComputeIHC_RetryWithResilience(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"value":[{"conversion_id":"c1","session_id":"s1","ihc":1}]}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
	cfg := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	got, err := resilience.DoVal(context.Background(), cfg, func(ctx context.Context) (*Response, error) {
		return client.ComputeIHC(ctx, "all_markets", sampleRequest())
	})

	require.NoError(t, err)
	assert.Len(t, got.Value, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestComputeIHC_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("k", WithBaseURL(srv.URL))
	_, err := client.ComputeIHC(ctx, "all_markets", sampleRequest())
	require.Error(t, err)
}

func TestComputeIHC_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(20))

	start := time.Now()
	for i := 0; i < 25; i++ {
		_, err := client.ComputeIHC(context.Background(), "all_markets", sampleRequest())
		require.NoError(t, err)
	}
	// Burst of 20, then 5 more at 20 rps.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"negative", "-1", 0},
		{"http date", now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseRetryAfter(tt.in, now))
		})
	}
}
