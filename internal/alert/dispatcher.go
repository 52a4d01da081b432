package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-log-service/internal/config"
	"security-log-service/internal/model"
)

// Dispatcher pushes one webhook notification per alert-worthy event.
// Delivery is strictly best effort: one attempt, bounded timeout, and a
// failure is logged, never surfaced to the code path that produced the
// event.
type Dispatcher struct {
	cfg         config.AlertingConfig
	production  bool
	service     string
	environment string
	client      *http.Client
	logger      *zap.Logger

	wg     sync.WaitGroup
	closed atomic.Bool

	attempted  atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
}

func NewDispatcher(cfg *config.Config, logger *zap.Logger) *Dispatcher {
	timeout := cfg.Alerting.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg:         cfg.Alerting,
		production:  cfg.IsProduction(),
		service:     cfg.Service.Name,
		environment: cfg.Environment,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// ShouldAlert reports whether the event's class warrants paging.
// Critical events always page; high only pages in production; injection
// style attacks page regardless of their computed severity.
func (d *Dispatcher) ShouldAlert(event *model.SecurityEvent) bool {
	if event.Type.IsInjection() {
		return true
	}
	if event.Severity == model.SeverityCritical {
		return true
	}
	if event.Severity == model.SeverityHigh && d.production {
		return true
	}
	return false
}

// DispatchAsync fires the webhook without blocking the caller. Events
// matching the alert policy while real-time alerting is off are counted
// as suppressed so operators can see what they are not being paged for.
func (d *Dispatcher) DispatchAsync(event *model.SecurityEvent) {
	if d.closed.Load() {
		return
	}
	if !d.cfg.Enabled || d.cfg.WebhookURL == "" {
		return
	}
	if !d.cfg.RealTime {
		d.suppressed.Add(1)
		return
	}

	evCopy := *event
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(context.Background(), &evCopy)
	}()
}

// Dispatch performs the single delivery attempt synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, event *model.SecurityEvent) {
	d.attempted.Add(1)

	body, err := json.Marshal(map[string]any{
		"alert_id":     uuid.NewString(),
		"triggered_at": time.Now().UTC().Format(time.RFC3339Nano),
		"service":      d.service,
		"environment":  d.environment,
		"event":        event,
	})
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("Failed to encode alert payload",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("Failed to build alert request",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.WebhookSecret != "" {
		req.Header.Set("X-Signature-256", "sha256="+signPayload(body, d.cfg.WebhookSecret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("Alert delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusMultipleChoices {
		d.failed.Add(1)
		d.logger.Error("Alert endpoint rejected notification",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("status", resp.StatusCode))
		return
	}

	d.delivered.Add(1)
	d.logger.Debug("Alert delivered",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))
}

// Stats is a point-in-time snapshot of delivery counters.
type Stats struct {
	Attempted  int64 `json:"attempted"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Suppressed int64 `json:"suppressed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Attempted:  d.attempted.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Suppressed: d.suppressed.Load(),
	}
}

func (d *Dispatcher) Reset() {
	d.attempted.Store(0)
	d.delivered.Store(0)
	d.failed.Store(0)
	d.suppressed.Store(0)
}

// Close waits for in-flight deliveries. New dispatches after Close are
// dropped.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.wg.Wait()
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
