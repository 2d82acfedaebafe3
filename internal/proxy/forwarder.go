package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/logging"
	"github.com/aegisgw/aegis/internal/router"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "upstream_requests_total",
		Help:      "Upstream responses by backend and status code.",
	}, []string{"backend", "code"})

	upstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "upstream_retries_total",
		Help:      "Retried upstream attempts by backend.",
	}, []string{"backend"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "upstream_duration_seconds",
		Help:      "Upstream round-trip latency by backend.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})
)

// maxRetryBody caps how much request body is buffered to make a
// request replayable. Bigger bodies are streamed and never retried.
const maxRetryBody = 1 << 20

// Outcome reports what the forwarder did with one request.
type Outcome struct {
	StatusCode int
	BytesOut   int64
	Attempts   int
	Err        error
}

// Forwarder sends requests to backends over pooled transports with
// bounded retries on transport errors and 5xx responses.
type Forwarder struct {
	pool           *TransportPool
	defaultTimeout time.Duration
}

// NewForwarder builds the forwarder.
func NewForwarder(defaultTimeout time.Duration) *Forwarder {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Forwarder{
		pool:           NewTransportPool(),
		defaultTimeout: defaultTimeout,
	}
}

// CloseIdleConnections drains the transport pool on shutdown.
func (f *Forwarder) CloseIdleConnections() {
	f.pool.CloseIdleConnections()
}

// Forward proxies one request to the backend and writes the upstream
// response. On error nothing is written; the caller renders the
// gateway error body. clientIP is appended to X-Forwarded-For.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, backend *router.Backend, clientIP string) Outcome {
	transport := f.pool.Get(backend.Name)

	timeout := backend.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}

	maxAttempts := backend.RetryAttempts + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Replaying a request needs a rewindable body. Buffer small
	// bodies; oversized or unbounded bodies forfeit retries.
	var bodyBytes []byte
	if maxAttempts > 1 && r.Body != nil && r.Body != http.NoBody {
		if r.ContentLength < 0 || r.ContentLength > maxRetryBody {
			maxAttempts = 1
		} else {
			buf, err := io.ReadAll(io.LimitReader(r.Body, maxRetryBody+1))
			r.Body.Close()
			if err != nil || len(buf) > maxRetryBody {
				maxAttempts = 1
				r.Body = io.NopCloser(bytes.NewReader(buf))
			} else {
				bodyBytes = buf
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
		}
	}

	pooledHeader := acquireProxyHeader()
	defer releaseProxyHeader(pooledHeader)

	var (
		resp     *http.Response
		lastErr  error
		attempts int
	)
	start := time.Now()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			upstreamRetries.WithLabelValues(backend.Name).Inc()
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(r.Context(), timeout)
		proxyReq := buildProxyRequest(attemptCtx, r, backend.URL, clientIP, pooledHeader)

		resp, lastErr = transport.RoundTrip(proxyReq)
		if lastErr != nil {
			cancel()
			if r.Context().Err() != nil {
				break // client gone or deadline hit, stop retrying
			}
			continue
		}
		if resp.StatusCode >= 500 && attempt < maxAttempts-1 {
			// Drain so the connection is reusable, then retry
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			cancel()
			resp = nil
			continue
		}

		defer cancel()
		break
	}

	latency := time.Since(start)
	upstreamLatency.WithLabelValues(backend.Name).Observe(latency.Seconds())

	if resp == nil {
		if lastErr == nil {
			lastErr = context.DeadlineExceeded
		}
		upstreamRequests.WithLabelValues(backend.Name, "error").Inc()
		logging.Warn("upstream request failed",
			zap.String("backend", backend.Name),
			zap.Int("attempts", attempts),
			zap.Error(lastErr))
		return Outcome{Attempts: attempts, Err: lastErr}
	}
	defer resp.Body.Close()

	upstreamRequests.WithLabelValues(backend.Name, strconv.Itoa(resp.StatusCode)).Inc()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	return Outcome{
		StatusCode: resp.StatusCode,
		BytesOut:   written,
		Attempts:   attempts,
	}
}

var proxyHeaderPool = sync.Pool{
	New: func() any { return make(http.Header, 16) },
}

func acquireProxyHeader() http.Header {
	h := proxyHeaderPool.Get().(http.Header)
	clear(h)
	return h
}

func releaseProxyHeader(h http.Header) {
	// Oversized maps are not worth keeping around
	if len(h) <= 64 {
		proxyHeaderPool.Put(h)
	}
}

// buildProxyRequest constructs the outbound request without a
// URL.String/Parse round-trip.
func buildProxyRequest(ctx context.Context, r *http.Request, target *url.URL, clientIP string, header http.Header) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	for k := range header {
		delete(header, k)
	}
	for k, vv := range r.Header {
		header[k] = vv
	}
	proxyReq.Header = header

	if clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(proxyReq.Header)
	return proxyReq
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	// RFC 7230: Connection lists additional hop-by-hop headers
	for _, spec := range h.Values("Connection") {
		for _, name := range strings.Split(spec, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}
