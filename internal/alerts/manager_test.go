package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegisgw/aegis/internal/config"
)

func testRule(id string, threshold float64) *Rule {
	return &Rule{
		ID:        id,
		Name:      "high error rate",
		Metric:    "error_rate",
		Condition: ConditionGT,
		Threshold: threshold,
		Window:    5 * time.Minute,
		Severity:  SeverityCritical,
		Enabled:   true,
		Cooldown:  time.Minute,
		CreatedAt: time.Now(),
	}
}

// metricStub returns a settable value for every metric.
type metricStub struct{ value atomic.Value }

func (s *metricStub) fn(context.Context, string, time.Duration, string, string) (float64, error) {
	return s.value.Load().(float64), nil
}

func newTestManager(t *testing.T, stub *metricStub) *Manager {
	t.Helper()
	m := NewManager(config.AlertsConfig{
		Enabled:         true,
		CheckInterval:   time.Minute,
		DefaultCooldown: time.Minute,
	}, nil, stub.fn, nil)
	if err := m.SaveRule(context.Background(), testRule("r1", 0.05)); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	return m
}

func TestRuleValidate(t *testing.T) {
	good := testRule("", 0.1)
	good.ID = ""
	if err := good.Validate(); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}
	notEqual := testRule("", 0.1)
	notEqual.Condition = ConditionNE
	if err := notEqual.Validate(); err != nil {
		t.Errorf("ne condition rejected: %v", err)
	}

	cases := map[string]func(*Rule){
		"empty name":        func(r *Rule) { r.Name = "" },
		"unknown metric":    func(r *Rule) { r.Metric = "cpu_temperature" },
		"unknown condition": func(r *Rule) { r.Condition = "approx" },
		"unknown severity":  func(r *Rule) { r.Severity = "mild" },
		"zero window":       func(r *Rule) { r.Window = 0 },
		"backend metric without backend": func(r *Rule) {
			r.Metric = "backend_error_rate"
			r.Backend = ""
		},
	}
	for name, mutate := range cases {
		r := testRule("", 0.1)
		mutate(r)
		if err := r.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestRuleMet(t *testing.T) {
	cases := []struct {
		condition string
		value     float64
		want      bool
	}{
		{ConditionGT, 0.06, true},
		{ConditionGT, 0.05, false},
		{ConditionGTE, 0.05, true},
		{ConditionLT, 0.04, true},
		{ConditionLTE, 0.05, true},
		{ConditionEQ, 0.05, true},
		{ConditionEQ, 0.06, false},
		{ConditionNE, 0.06, true},
		{ConditionNE, 0.05, false},
	}
	for _, c := range cases {
		r := &Rule{Condition: c.condition, Threshold: 0.05}
		if got := r.Met(c.value); got != c.want {
			t.Errorf("%s %v vs 0.05: met = %v, want %v", c.condition, c.value, got, c.want)
		}
	}
}

func TestEvaluateTriggersAndAutoResolves(t *testing.T) {
	stub := &metricStub{}
	stub.value.Store(0.2)
	m := newTestManager(t, stub)

	var events []string
	m.OnEvent = func(action string, a *Alert) { events = append(events, action) }

	ctx := context.Background()
	m.Evaluate(ctx)

	open := m.Open()
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(open))
	}
	a := open[0]
	if a.Status != StatusActive || a.Value != 0.2 {
		t.Errorf("alert = %+v, want active with value 0.2", a)
	}

	// Still firing: no duplicate alert
	m.Evaluate(ctx)
	if len(m.Open()) != 1 {
		t.Fatal("refiring rule must not create a second alert")
	}

	// Condition clears
	stub.value.Store(0.01)
	m.Evaluate(ctx)
	if len(m.Open()) != 0 {
		t.Fatal("alert should auto-resolve when the condition clears")
	}

	want := []string{"triggered", "resolved"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestCooldownSuppressesRefiring(t *testing.T) {
	stub := &metricStub{}
	stub.value.Store(0.2)
	m := newTestManager(t, stub)
	ctx := context.Background()

	m.Evaluate(ctx)
	stub.value.Store(0.01)
	m.Evaluate(ctx) // resolves

	// Flapping back within the cooldown must not re-alert
	stub.value.Store(0.2)
	m.Evaluate(ctx)
	if len(m.Open()) != 0 {
		t.Error("refire inside the cooldown should be suppressed")
	}
}

func TestLifecycleOps(t *testing.T) {
	stub := &metricStub{}
	stub.value.Store(0.2)
	m := newTestManager(t, stub)
	ctx := context.Background()
	m.Evaluate(ctx)

	id := m.Open()[0].ID

	a, err := m.Acknowledge(ctx, id, "alice")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if a.Status != StatusAcknowledged || a.AcknowledgedBy != "alice" {
		t.Errorf("alert = %+v, want acknowledged by alice", a)
	}

	a, err = m.Resolve(ctx, id, "alice", "fixed upstream")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Status != StatusResolved || a.ResolveNote != "fixed upstream" {
		t.Errorf("alert = %+v, want resolved", a)
	}

	// Resolved is terminal
	if _, err := m.Acknowledge(ctx, id, "bob"); err == nil {
		t.Error("acknowledging a resolved alert should fail")
	}
	if _, err := m.Mute(ctx, id, time.Now().Add(time.Hour)); err == nil {
		t.Error("muting a resolved alert should fail")
	}
}

func TestMuteExpiry(t *testing.T) {
	stub := &metricStub{}
	stub.value.Store(0.2)
	m := newTestManager(t, stub)
	ctx := context.Background()
	m.Evaluate(ctx)

	id := m.Open()[0].ID
	if _, err := m.Mute(ctx, id, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("Mute: %v", err)
	}

	// While muted, a clearing condition does not silently resolve
	stub.value.Store(0.01)
	m.Evaluate(ctx)
	if got := m.Open()[0].Status; got != StatusMuted {
		t.Fatalf("status = %s, want still muted", got)
	}

	time.Sleep(30 * time.Millisecond)
	stub.value.Store(0.2)
	m.Evaluate(ctx)
	if got := m.Open()[0].Status; got != StatusActive {
		t.Errorf("status = %s, want active after mute expired", got)
	}

	if _, err := m.Mute(ctx, id, time.Now().Add(-time.Hour)); err == nil {
		t.Error("mute deadline in the past should be rejected")
	}
}

func TestDeleteRuleResolvesAlert(t *testing.T) {
	stub := &metricStub{}
	stub.value.Store(0.2)
	m := newTestManager(t, stub)
	ctx := context.Background()
	m.Evaluate(ctx)

	if err := m.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if len(m.Open()) != 0 {
		t.Error("deleting a rule should resolve its open alert")
	}
	if len(m.Rules()) != 0 {
		t.Error("rule should be gone")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(body)
	}))
	defer srv.Close()

	n := NewNotifier([]config.AlertChannelConfig{
		{Type: "webhook", Name: "hook", URL: srv.URL},
	}, "http://gw.example")

	a := &Alert{ID: "a1", RuleName: "r", Message: "m", Severity: SeverityWarning, Status: StatusActive}
	n.Notify(context.Background(), a, nil)

	deadline := time.Now().Add(2 * time.Second)
	for got.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	body, _ := got.Load().([]byte)
	if body == nil {
		t.Fatal("webhook never called")
	}

	var payload struct {
		Link  string `json:"link"`
		Alert Alert  `json:"alert"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Alert.ID != "a1" {
		t.Errorf("alert id = %s", payload.Alert.ID)
	}
	if payload.Link != "http://gw.example/api/alerts/a1" {
		t.Errorf("link = %s", payload.Link)
	}
}

func TestEmailAndPagerDutyChannels(t *testing.T) {
	n := NewNotifier([]config.AlertChannelConfig{
		{Type: "email", Name: "oncall-mail", URL: "oncall@example.com"},
		{Type: "pagerduty", Name: "oncall-pd", URL: "routing-key-123"},
	}, "")

	if len(n.entries) != 2 {
		t.Fatalf("channels = %d, want 2", len(n.entries))
	}
	a := &Alert{ID: "a1", RuleName: "r", Message: "m", Severity: SeverityCritical}
	for _, e := range n.entries {
		if err := e.channel.Send(context.Background(), a); err != nil {
			t.Errorf("%s: send failed: %v", e.channel.Name(), err)
		}
	}
}

func TestNotifierChannelSelectionAndPacing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := NewNotifier([]config.AlertChannelConfig{
		{Type: "webhook", Name: "paced", URL: srv.URL, RatePerMinute: 1},
		{Type: "log", Name: "log"},
	}, "")

	a := &Alert{ID: "a1", RuleName: "r", Message: "m", Severity: SeverityInfo}

	// Only the named channel fires; the burst of 1 allows exactly one
	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), a, []string{"paced"})
	}
	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("webhook calls = %d, want 1 (paced at 1/min)", got)
	}
}
