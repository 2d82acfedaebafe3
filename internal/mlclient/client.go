package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// ErrUnavailable is returned when the ML service is disabled, its
// breaker is open, or its health check fails. Callers treat it as
// "skip analysis", never as a request failure.
var ErrUnavailable = errors.New("mlclient: service unavailable")

const healthCacheTTL = 30 * time.Second

// Anomaly is one finding from the detection endpoint.
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Path      string    `json:"path"`
	Value     float64   `json:"value"`
	Expected  float64   `json:"expected"`
	Score     float64   `json:"score"`
	Severity  string    `json:"severity"`
}

// MetricPoint is one aggregated per-minute bucket shipped to the
// service.
type MetricPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	StatusCode    int       `json:"statusCode"`
	Count         int64     `json:"count"`
	AvgDurationMs float64   `json:"avgDurationMs"`
	RateLimited   int64     `json:"rateLimited"`
}

// DetectResponse is the detection endpoint's reply.
type DetectResponse struct {
	Anomalies    []Anomaly `json:"anomalies"`
	ModelVersion string    `json:"modelVersion"`
}

// OptimizeRequest asks for a tuned limit for one endpoint/tier pair.
type OptimizeRequest struct {
	Endpoint      string `json:"endpoint"`
	Tier          string `json:"tier"`
	Strategy      string `json:"strategy"`
	CurrentLimit  int    `json:"currentLimit"`
	WindowSeconds int    `json:"windowSeconds"`
}

// OptimizeResponse carries the suggested limit.
type OptimizeResponse struct {
	RecommendedLimit int     `json:"recommendedLimit"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
}

// Recommendation is one standing suggestion from the service.
type Recommendation struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Endpoint    string    `json:"endpoint"`
	Tier        string    `json:"tier"`
	Current     int       `json:"current"`
	Recommended int       `json:"recommended"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Client talks to the anomaly/optimization service. A nil *Client is
// the disabled mode: IsAvailable reports false and every call returns
// ErrUnavailable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	maxRetries uint64
	retryWait  time.Duration

	healthMu      sync.Mutex
	healthOK      bool
	healthChecked time.Time
}

// New returns nil when the service is not configured.
func New(cfg config.MLConfig) *Client {
	if !cfg.Enabled || cfg.URL == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ml-service",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("ml service breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		maxRetries: uint64(maxRetries),
		retryWait:  500 * time.Millisecond,
	}
}

// Enabled reports whether a service is configured at all.
func (c *Client) Enabled() bool { return c != nil }

// IsAvailable polls the health endpoint, caching the verdict for 30s.
// A breaker in the open state short-circuits to false.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if c == nil {
		return false
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}

	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if time.Since(c.healthChecked) < healthCacheTTL {
		return c.healthOK
	}

	c.healthChecked = time.Now()
	c.healthOK = c.checkHealth(ctx)
	return c.healthOK
}

func (c *Client) checkHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.Debug("ml service health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// DetectAnomalies ships aggregated metrics and returns any findings.
func (c *Client) DetectAnomalies(ctx context.Context, points []MetricPoint) (*DetectResponse, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out DetectResponse
	body := map[string]any{"metrics": points}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/anomalies/detect", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OptimizeRateLimit asks the service for a tuned limit.
func (c *Client) OptimizeRateLimit(ctx context.Context, req OptimizeRequest) (*OptimizeResponse, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out OptimizeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ratelimit/optimize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecommendations fetches the service's standing suggestions.
func (c *Client) GetRecommendations(ctx context.Context) ([]Recommendation, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out struct {
		Recommendations []Recommendation `json:"recommendations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/recommendations", nil, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

// linearBackOff waits attempt*interval between tries.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{interval: c.retryWait}, c.maxRetries), ctx)

	raw, err := backoff.RetryWithData(func() ([]byte, error) {
		return c.attempt(ctx, method, path, payload)
	}, policy)
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("ml service response: %w", err)
		}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("ml service returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors are not retryable.
			return nil, backoff.Permanent(fmt.Errorf("ml service returned %d", resp.StatusCode))
		}
		return raw, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, backoff.Permanent(ErrUnavailable)
	}
	return raw, err
}
