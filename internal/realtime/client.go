package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxControlSize = 4096
)

// envelope is the wire framing in both directions. Server-to-client
// types: connected, metrics, alert, error, pong. Client-to-server
// types: subscribe, unsubscribe, ping.
type envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// subscribePayload is the data of subscribe/unsubscribe frames.
type subscribePayload struct {
	Streams    []string `json:"streams"`
	IntervalMs int      `json:"intervalMs"`
}

// metricsPayload is the data of a metrics frame.
type metricsPayload struct {
	Stream string `json:"stream"`
	Stats  any    `json:"stats"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	ip   string

	send chan envelope

	mu       sync.Mutex
	subs     map[string]bool
	interval time.Duration

	dropped   atomic.Int64
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, ip string) *client {
	return &client{
		hub:      h,
		conn:     conn,
		ip:       ip,
		send:     make(chan envelope, h.cfg.SendBuffer),
		subs:     make(map[string]bool),
		interval: h.cfg.MinInterval,
	}
}

func now() time.Time { return time.Now().UTC() }

// trySend enqueues without blocking. A stalled client loses the frame.
func (c *client) trySend(msg envelope) {
	select {
	case c.send <- msg:
	default:
		c.dropped.Add(1)
		c.hub.dropped.Add(1)
		droppedTotal.Inc()
	}
}

// readPump consumes control frames and pongs. A missed pong cycle
// trips the read deadline and tears the connection down.
func (c *client) readPump() {
	defer c.teardown()

	pongWait := c.hub.cfg.PingInterval + c.hub.cfg.PingInterval/2
	c.conn.SetReadLimit(maxControlSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("websocket read ended", zap.String("ip", c.ip), zap.Error(err))
			}
			return
		}

		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.trySend(envelope{Type: "error", Data: "invalid frame", Timestamp: now()})
			continue
		}
		c.handleControl(frame.Type, frame.Data)
	}
}

func (c *client) handleControl(frameType string, data json.RawMessage) {
	switch frameType {
	case "subscribe", "unsubscribe":
		var p subscribePayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				c.trySend(envelope{Type: "error", Data: "invalid subscribe payload", Timestamp: now()})
				return
			}
		}
		added := c.updateSubs(p, frameType == "subscribe")
		// New subscriptions get a snapshot right away instead of
		// waiting out the first tick.
		for _, stream := range added {
			c.pushSnapshot(stream)
		}
	case "ping":
		// Application-level ping, distinct from protocol pings.
		c.trySend(envelope{Type: "pong", Timestamp: now()})
	default:
		c.trySend(envelope{Type: "error", Data: "unknown frame type " + frameType, Timestamp: now()})
	}
}

// updateSubs applies a subscription change and returns the streams
// that became newly active.
func (c *client) updateSubs(p subscribePayload, on bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []string
	for _, s := range p.Streams {
		if !knownStreams[s] {
			continue
		}
		streams := []string{s}
		if s == StreamAll {
			streams = []string{StreamOverview, StreamRequests, StreamRateLimits, StreamBackends}
		}
		for _, stream := range streams {
			if on && !c.subs[stream] {
				c.subs[stream] = true
				added = append(added, stream)
			} else if !on {
				delete(c.subs, stream)
			}
		}
	}

	if on && p.IntervalMs > 0 {
		iv := time.Duration(p.IntervalMs) * time.Millisecond
		if iv < c.hub.cfg.MinInterval {
			iv = c.hub.cfg.MinInterval
		}
		c.interval = iv
	}
	return added
}

func (c *client) pushSnapshot(stream string) {
	if data, ok := c.hub.snapshot(stream); ok {
		c.trySend(envelope{
			Type:      "metrics",
			Data:      metricsPayload{Stream: stream, Stats: data},
			Timestamp: now(),
		})
	}
}

func (c *client) snapshotTargets() (streams []string, interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		streams = append(streams, s)
	}
	return streams, c.interval
}

// writePump owns all writes: queued frames, periodic snapshots, pings.
func (c *client) writePump() {
	defer c.teardown()

	if !c.writeJSON(envelope{Type: "connected", Timestamp: now()}) {
		return
	}

	_, interval := c.snapshotTargets()
	snapTick := time.NewTicker(interval)
	defer snapTick.Stop()
	pingTick := time.NewTicker(c.hub.cfg.PingInterval)
	defer pingTick.Stop()

	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}

		case <-snapTick.C:
			streams, iv := c.snapshotTargets()
			if iv != interval {
				interval = iv
				snapTick.Reset(interval)
			}
			for _, stream := range streams {
				if data, ok := c.hub.snapshot(stream); ok {
					msg := envelope{
						Type:      "metrics",
						Data:      metricsPayload{Stream: stream, Stats: data},
						Timestamp: now(),
					}
					if !c.writeJSON(msg) {
						return
					}
				}
			}

		case <-pingTick.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.done:
			return
		}
	}
}

func (c *client) writeJSON(msg envelope) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		logging.Debug("websocket write failed", zap.String("ip", c.ip), zap.Error(err))
		return false
	}
	return true
}

func (c *client) close(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.teardown()
}

func (c *client) teardown() {
	c.closeOnce.Do(func() {
		c.hub.removeClient(c)
		c.conn.Close()
	})
}
