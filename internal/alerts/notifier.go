package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// Channel delivers one alert notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// LogChannel writes alerts to the gateway log. Always succeeds.
type LogChannel struct {
	name string
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, a *Alert) error {
	logging.Warn("alert",
		zap.String("rule", a.RuleName),
		zap.String("severity", a.Severity),
		zap.String("status", a.Status),
		zap.String("metric", a.Metric),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold))
	return nil
}

// WebhookChannel POSTs the alert as JSON.
type WebhookChannel struct {
	name    string
	url     string
	client  *http.Client
	baseURL string
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, a *Alert) error {
	payload := map[string]any{
		"alert": a,
		"link":  c.baseURL + "/api/alerts/" + a.ID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel POSTs a Slack-style webhook message.
type SlackChannel struct {
	name   string
	url    string
	client *http.Client
}

func (c *SlackChannel) Name() string { return c.name }

func (c *SlackChannel) Send(ctx context.Context, a *Alert) error {
	emoji := ":information_source:"
	switch a.Severity {
	case SeverityWarning:
		emoji = ":warning:"
	case SeverityCritical:
		emoji = ":rotating_light:"
	}
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("%s *%s* — %s", emoji, a.RuleName, a.Message),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel records the delivery in the log until an SMTP or mail
// API transport is wired in. to comes from the channel url field.
type EmailChannel struct {
	name string
	to   string
}

func (c *EmailChannel) Name() string { return c.name }

func (c *EmailChannel) Send(_ context.Context, a *Alert) error {
	logging.Warn("alert email delivery not wired, logging instead",
		zap.String("to", c.to),
		zap.String("rule", a.RuleName),
		zap.String("severity", a.Severity),
		zap.String("message", a.Message))
	return nil
}

// PagerDutyChannel records the delivery in the log until the Events
// API transport is wired in. routingKey comes from the channel url
// field.
type PagerDutyChannel struct {
	name       string
	routingKey string
}

func (c *PagerDutyChannel) Name() string { return c.name }

func (c *PagerDutyChannel) Send(_ context.Context, a *Alert) error {
	logging.Warn("alert pagerduty delivery not wired, logging instead",
		zap.String("routing_key", c.routingKey),
		zap.String("rule", a.RuleName),
		zap.String("severity", a.Severity),
		zap.String("message", a.Message))
	return nil
}

type channelEntry struct {
	channel Channel
	limiter *rate.Limiter // nil = unpaced
}

// Notifier fans an alert out to its channels. Delivery is
// fire-and-log: a failing channel never blocks the others or the
// evaluator.
type Notifier struct {
	entries []channelEntry
}

// NewNotifier builds channels from config. Unknown types are skipped
// with a warning. baseURL feeds the links in webhook payloads.
func NewNotifier(cfgs []config.AlertChannelConfig, baseURL string) *Notifier {
	n := &Notifier{}
	for _, cc := range cfgs {
		timeout := cc.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		name := cc.Name
		if name == "" {
			name = cc.Type
		}

		var ch Channel
		switch cc.Type {
		case "log":
			ch = &LogChannel{name: name}
		case "webhook":
			if cc.URL == "" {
				logging.Warn("webhook alert channel has no url, skipping", zap.String("name", name))
				continue
			}
			ch = &WebhookChannel{name: name, url: cc.URL, client: &http.Client{Timeout: timeout}, baseURL: baseURL}
		case "slack":
			if cc.URL == "" {
				logging.Warn("slack alert channel has no url, skipping", zap.String("name", name))
				continue
			}
			ch = &SlackChannel{name: name, url: cc.URL, client: &http.Client{Timeout: timeout}}
		case "email":
			ch = &EmailChannel{name: name, to: cc.URL}
		case "pagerduty":
			ch = &PagerDutyChannel{name: name, routingKey: cc.URL}
		default:
			logging.Warn("unknown alert channel type, skipping",
				zap.String("type", cc.Type), zap.String("name", name))
			continue
		}

		var limiter *rate.Limiter
		if cc.RatePerMinute > 0 {
			limiter = rate.NewLimiter(rate.Limit(float64(cc.RatePerMinute)/60), cc.RatePerMinute)
		}
		n.entries = append(n.entries, channelEntry{channel: ch, limiter: limiter})
	}
	return n
}

// Notify delivers to every channel, or only the named ones when the
// rule narrows the set.
func (n *Notifier) Notify(ctx context.Context, a *Alert, only []string) {
	selected := make(map[string]bool, len(only))
	for _, name := range only {
		selected[name] = true
	}

	for _, e := range n.entries {
		if len(only) > 0 && !selected[e.channel.Name()] {
			continue
		}
		if e.limiter != nil && !e.limiter.Allow() {
			logging.Warn("alert notification rate limited",
				zap.String("channel", e.channel.Name()),
				zap.String("rule", a.RuleName))
			continue
		}
		go func(ch Channel) {
			if err := ch.Send(ctx, a); err != nil {
				logging.Error("alert notification failed",
					zap.String("channel", ch.Name()),
					zap.String("rule", a.RuleName),
					zap.Error(err))
			}
		}(e.channel)
	}
}
