package realtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

var (
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "realtime",
		Name:      "dropped_messages_total",
		Help:      "Messages dropped because a client send buffer was full.",
	})
	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "realtime",
		Name:      "connections_rejected_total",
		Help:      "Upgrade attempts rejected by the per-IP connection cap.",
	})
)

// Stream names a client can subscribe to.
const (
	StreamOverview   = "overview"
	StreamRequests   = "requests"
	StreamRateLimits = "rateLimits"
	StreamBackends   = "backends"
	StreamAll        = "all"
)

var knownStreams = map[string]bool{
	StreamOverview:   true,
	StreamRequests:   true,
	StreamRateLimits: true,
	StreamBackends:   true,
	StreamAll:        true,
}

// Sources supplies the snapshot producers behind each stream. ClientIP
// resolves the address used for the per-IP connection cap.
type Sources struct {
	Overview   func() any
	Requests   func() any
	RateLimits func() any
	Backends   func() any
	ClientIP   func(r *http.Request) string
}

// Hub fans gateway state out to websocket dashboards. Periodic
// snapshots are per-client (subscription set + interval); alert events
// are broadcast to everyone. Stalled clients lose messages, they never
// block the hub.
type Hub struct {
	cfg      config.RealtimeConfig
	sources  Sources
	upgrader websocket.Upgrader

	clients sync.Map // *client -> struct{}

	ipMu  sync.Mutex
	perIP map[string]int

	dropped atomic.Int64
	served  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub builds the hub. Zero config fields fall back to defaults.
func NewHub(cfg config.RealtimeConfig, sources Sources) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = 10
	}
	if cfg.MinInterval < time.Second {
		cfg.MinInterval = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}

	return &Hub{
		cfg:     cfg,
		sources: sources,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards connect cross-origin in dev setups.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		perIP: make(map[string]int),
		done:  make(chan struct{}),
	}
}

// Path returns the configured websocket endpoint path.
func (h *Hub) Path() string { return h.cfg.Path }

// ServeHTTP upgrades the connection and runs the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ip := "unknown"
	if h.sources.ClientIP != nil {
		ip = h.sources.ClientIP(r)
	}

	if !h.reserveIP(ip) {
		rejectedTotal.Inc()
		logging.Warn("websocket connection rejected, per-ip cap reached",
			zap.String("ip", ip),
			zap.Int("cap", h.cfg.MaxConnectionsPerIP))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.releaseIP(ip)
		// Upgrade already wrote the error response.
		logging.Debug("websocket upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	c := newClient(h, conn, ip)
	h.clients.Store(c, struct{}{})
	h.served.Add(1)
	clientsGauge.Inc()
	logging.Debug("websocket client connected", zap.String("ip", ip))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) reserveIP(ip string) bool {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	if h.perIP[ip] >= h.cfg.MaxConnectionsPerIP {
		return false
	}
	h.perIP[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	if h.perIP[ip] <= 1 {
		delete(h.perIP, ip)
	} else {
		h.perIP[ip]--
	}
}

func (h *Hub) removeClient(c *client) {
	if _, loaded := h.clients.LoadAndDelete(c); !loaded {
		return
	}
	h.releaseIP(c.ip)
	clientsGauge.Dec()
	logging.Debug("websocket client disconnected",
		zap.String("ip", c.ip),
		zap.Int64("dropped", c.dropped.Load()))
}

// BroadcastAlert pushes an alert lifecycle event to every client.
func (h *Hub) BroadcastAlert(action string, alert any) {
	msg := envelope{
		Type:      "alert",
		Data:      map[string]any{"action": action, "alert": alert},
		Timestamp: time.Now().UTC(),
	}
	h.clients.Range(func(key, _ any) bool {
		key.(*client).trySend(msg)
		return true
	})
}

func (h *Hub) snapshot(stream string) (any, bool) {
	var fn func() any
	switch stream {
	case StreamOverview:
		fn = h.sources.Overview
	case StreamRequests:
		fn = h.sources.Requests
	case StreamRateLimits:
		fn = h.sources.RateLimits
	case StreamBackends:
		fn = h.sources.Backends
	}
	if fn == nil {
		return nil, false
	}
	return fn(), true
}

// Stats reports hub counters for the admin API.
type Stats struct {
	Clients       int   `json:"clients"`
	TotalServed   int64 `json:"totalServed"`
	DroppedFrames int64 `json:"droppedFrames"`
}

func (h *Hub) Stats() Stats {
	n := 0
	h.clients.Range(func(any, any) bool { n++; return true })
	return Stats{
		Clients:       n,
		TotalServed:   h.served.Load(),
		DroppedFrames: h.dropped.Load(),
	}
}

// Shutdown closes every client connection and stops accepting new ones.
func (h *Hub) Shutdown(ctx context.Context) {
	h.closeOnce.Do(func() { close(h.done) })

	h.clients.Range(func(key, _ any) bool {
		key.(*client).close(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if h.Stats().Clients == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
