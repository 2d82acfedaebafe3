package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // rejecting requests
	StateHalfOpen              // admitting a single probe
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "aegis",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Breaker state per backend (0=closed, 1=open, 2=half_open).",
}, []string{"backend"})

// Breaker protects one backend. Consecutive failures trip it open;
// after openDuration a single probe is admitted, and consecutive
// probe successes close it again.
type Breaker struct {
	name string

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	probeInFlight        bool
	lastStateChange      time.Time
	openedAt             time.Time

	failureThreshold int
	successThreshold int
	openDuration     time.Duration

	// totals are atomic so Stats readers never contend with the
	// request path
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	openCount      atomic.Int64
	rejections     atomic.Int64
}

// NewBreaker builds a breaker for the named backend, filling in
// threshold defaults.
func NewBreaker(name string, cfg config.CircuitBreakerConfig) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}
	openDuration := cfg.OpenDuration
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}

	b := &Breaker{
		name:             name,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openDuration:     openDuration,
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a request may proceed. In half-open only one
// probe is admitted at a time; everything else is rejected until the
// probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.transition(StateHalfOpen)
			b.probeInFlight = true
			return true
		}
		b.rejections.Add(1)
		return false

	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		b.rejections.Add(1)
		return false
	}
	return false
}

// RecordSuccess reports a successful upstream response.
func (b *Breaker) RecordSuccess() {
	b.totalSuccesses.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure reports a transport error or upstream 5xx.
func (b *Breaker) RecordFailure() {
	b.totalFailures.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// probe failed, back to open for a full openDuration
		b.probeInFlight = false
		b.trip()
	}
}

// ForceOpen trips the breaker regardless of counters. Operator
// action, always logged.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	logging.Warn("circuit breaker forced open", zap.String("backend", b.name))
	if b.state != StateOpen {
		b.trip()
	} else {
		b.openedAt = time.Now()
	}
}

// ForceClose resets the breaker to closed. Operator action, always
// logged.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	logging.Warn("circuit breaker forced closed", zap.String("backend", b.name))
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// State returns the stored state. The open→half_open transition only
// happens in Allow, on the first request after the open window, so a
// breaker nobody is probing reads as open even past the deadline.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// trip moves to open and stamps the open window. Caller holds mu.
func (b *Breaker) trip() {
	b.openedAt = time.Now()
	b.openCount.Add(1)
	b.transition(StateOpen)
}

// transition changes state with logging and metrics. Caller holds mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()
	if to == StateClosed {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.probeInFlight = false
	}
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	logging.Info("circuit breaker state change",
		zap.String("backend", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Backend              string    `json:"backend"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	FailureThreshold     int       `json:"failureThreshold"`
	SuccessThreshold     int       `json:"successThreshold"`
	OpenDurationMs       int64     `json:"openDurationMs"`
	LastStateChange      time.Time `json:"lastStateChange"`
	TotalSuccesses       int64     `json:"totalSuccesses"`
	TotalFailures        int64     `json:"totalFailures"`
	OpenCount            int64     `json:"openCount"`
	Rejections           int64     `json:"rejections"`
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Backend:              b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		FailureThreshold:     b.failureThreshold,
		SuccessThreshold:     b.successThreshold,
		OpenDurationMs:       b.openDuration.Milliseconds(),
		LastStateChange:      b.lastStateChange,
		TotalSuccesses:       b.totalSuccesses.Load(),
		TotalFailures:        b.totalFailures.Load(),
		OpenCount:            b.openCount.Load(),
		Rejections:           b.rejections.Load(),
	}
}
