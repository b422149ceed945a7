// Package notify delivers dispute lifecycle notifications to an external
// webhook endpoint (typically the platform's notification fan-out service).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rentloop/disputes/internal/idgen"
	"github.com/rentloop/disputes/internal/retry"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentloop",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentloop",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Event is the webhook payload delivered for every notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Recipient string         `json:"recipient"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher posts signed events to the configured webhook URL.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
}

// NewDispatcher creates a dispatcher for the given webhook target. The
// secret signs every payload with HMAC-SHA256.
func NewDispatcher(url, secret string) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send delivers one event, retrying transient failures with backoff.
// A 4xx response is permanent: the receiver rejected the payload and a
// retry cannot change that.
func (d *Dispatcher) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Rentloop-Event", event.Type)
		req.Header.Set("X-Rentloop-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if d.secret != "" {
			req.Header.Set("X-Rentloop-Signature", sign(payload, d.secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("webhook rejected: status %d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook delivery failed: status %d", resp.StatusCode)
		}
	})
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Emitter wraps a Dispatcher for fire-and-forget use from the dispute
// service. All methods return immediately; delivery happens in a goroutine
// and failures are logged, never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Notify queues one notification for delivery.
func (e *Emitter) Notify(recipient, eventType string, payload map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(eventType).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Recipient: recipient,
		Timestamp: time.Now(),
		Data:      payload,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.d.Send(ctx, event); err != nil {
			notifyEmitErrors.WithLabelValues(eventType).Inc()
			e.logger.Warn("notification delivery failed",
				"event", eventType, "recipient", recipient, "error", err)
		}
	}()
}
