package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/annel0/gotas/internal/eventbus"
	"github.com/annel0/gotas/internal/logging"
)

// Webhook - исходящий webhook для событий сессии
type Webhook struct {
	Name    string        `json:"name"`
	URL     string        `json:"url"`
	Secret  string        `json:"-"`
	Events  []string      `json:"events"` // пусто или "*" - все типы
	Timeout time.Duration `json:"timeout"`
	Retries uint64        `json:"retries"`
}

// WebhookStatus - webhook и статистика доставки
type WebhookStatus struct {
	Webhook
	Delivered    uint64     `json:"delivered"`
	FailureCount uint64     `json:"failure_count"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// WebhookDispatcher пересылает события шины на webhook'и.
// События доставляются по одному в порядке поступления.
type WebhookDispatcher struct {
	hooks      []*WebhookStatus
	queue      chan *eventbus.Envelope
	httpClient *http.Client
	logger     *logging.Logger
	retryBase  time.Duration

	mu     sync.RWMutex
	sub    eventbus.Subscription
	closed bool
	done   chan struct{}
}

// NewWebhookDispatcher создаёт диспетчер и запускает воркер доставки
func NewWebhookDispatcher(hooks []Webhook, logger *logging.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = logging.GetComponentLogger("api")
	}
	d := &WebhookDispatcher{
		queue:      make(chan *eventbus.Envelope, 1000), // Буфер для событий
		httpClient: &http.Client{},
		logger:     logger,
		retryBase:  time.Second,
		done:       make(chan struct{}),
	}
	for _, h := range hooks {
		if h.Timeout <= 0 {
			h.Timeout = 10 * time.Second
		}
		d.hooks = append(d.hooks, &WebhookStatus{Webhook: h})
	}

	go d.eventWorker()
	return d
}

// Attach подписывает диспетчер на все события шины
func (d *WebhookDispatcher) Attach(ctx context.Context, bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(ctx, eventbus.Filter{}, func(_ context.Context, ev *eventbus.Envelope) {
		d.Enqueue(ev)
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	d.logger.Info("🪝 Webhooks: %d receivers subscribed to session events", len(d.hooks))
	return nil
}

// Enqueue ставит событие в очередь доставки
func (d *WebhookDispatcher) Enqueue(ev *eventbus.Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("⚠️ Webhook queue is full, event %s dropped", ev.EventType)
	}
}

// Close отписывается от шины и дожидается доставки поставленных событий
func (d *WebhookDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	sub := d.sub
	d.sub = nil
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	<-d.done
}

// Webhooks возвращает копию списка со статистикой
func (d *WebhookDispatcher) Webhooks() []WebhookStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]WebhookStatus, 0, len(d.hooks))
	for _, h := range d.hooks {
		out = append(out, *h)
	}
	return out
}

func (d *WebhookDispatcher) eventWorker() {
	defer close(d.done)
	for ev := range d.queue {
		for _, h := range d.hooks {
			if subscribed(h.Events, ev.EventType) {
				d.send(h, ev)
			}
		}
	}
}

func subscribed(events []string, eventType string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// send отправляет событие одному webhook'у с повторами
func (d *WebhookDispatcher) send(h *WebhookStatus, ev *eventbus.Envelope) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("❌ Webhook %s: marshal %s: %v", h.Name, ev.EventType, err)
		return
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.retryBase
	eb.MaxElapsedTime = 0
	attempt := 0
	operation := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "gotas/1.0")
		req.Header.Set("X-Event-Type", ev.EventType)
		req.Header.Set("X-Session-ID", ev.CorrelationID)
		if h.Secret != "" {
			req.Header.Set("X-Webhook-Signature", Signature(body, h.Secret))
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		d.logger.Warn("⚠️ Webhook %s attempt %d: %v, retry in %v", h.Name, attempt, err, next)
	}
	err = backoff.RetryNotify(operation, backoff.WithMaxRetries(eb, h.Retries), notify)

	d.mu.Lock()
	now := time.Now()
	h.LastUsed = &now
	if err != nil {
		h.FailureCount++
	} else {
		h.Delivered++
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("❌ Webhook %s: %s not delivered: %v", h.Name, ev.EventType, err)
		return
	}
	d.logger.Debug("✅ Webhook %s: %s delivered", h.Name, ev.EventType)
}

// Signature - HMAC-SHA256 тела запроса в формате "sha256=<hex>"
func Signature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
