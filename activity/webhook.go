package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound entries.
const webhookQueueSize = 1024

// Webhook forwards entries to an external HTTP endpoint. Entries are
// enqueued without blocking and sent by a background goroutine; when the
// queue is full they are dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan Entry
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ Sink = (*Webhook)(nil)

// NewWebhook creates a webhook dispatcher and starts its background loop.
func NewWebhook(url, authHeader string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "activity_webhook"),
		retryDelay: time.Second,
		events:     make(chan Entry, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Append enqueues e. It never blocks and never fails.
func (w *Webhook) Append(_ context.Context, e Entry) error {
	select {
	case w.events <- e:
	default:
		w.logger.Warn("queue full, dropping entry", "action", e.Action)
	}
	return nil
}

// Close stops the dispatcher after draining queued entries.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
	})
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for e := range w.events {
		w.send(e)
	}
}

// send POSTs the entry with one retry on 5xx or transport errors.
func (w *Webhook) send(e Entry) {
	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Gamified-IMS-Activity-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
