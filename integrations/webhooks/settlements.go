package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"halloffame/core/events"
	"halloffame/core/types"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultTimeout     = 15 * time.Second

	headerEvent     = "X-Halloffame-Event"
	headerSignature = "X-Halloffame-Signature"
	headerDelivery  = "X-Halloffame-Delivery"
)

// Payload is the webhook body for a forwarded sale event.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
	DeliveryID string            `json:"delivery_id"`
}

// Dispatcher delivers selected sale events to an HTTP endpoint with retry
// and exponential backoff. It satisfies events.Emitter.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	topics      map[string]struct{}
	maxAttempts uint
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType string
	id        string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = uint(maxAttempts)
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithTopics restricts deliveries to the listed event types.
func WithTopics(topics ...string) Option {
	return func(d *Dispatcher) {
		for _, topic := range topics {
			if topic = strings.TrimSpace(topic); topic != "" {
				d.topics[topic] = struct{}{}
			}
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      slog.Default(),
		topics:      make(map[string]struct{}),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 64),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the worker and waits for it to exit. Queued deliveries are
// abandoned and an in-flight delivery is cancelled.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Emit implements events.Emitter. Events outside the configured topics are
// ignored; a full queue drops the event.
func (d *Dispatcher) Emit(e events.Event) {
	if d == nil || e == nil || e.Event() == nil {
		return
	}
	evt := e.Event()
	if len(d.topics) > 0 {
		if _, ok := d.topics[evt.Type]; !ok {
			return
		}
	}
	if err := d.Enqueue(evt); err != nil {
		d.logger.Warn("webhook enqueue failed", "type", evt.Type, "error", err)
	}
}

// Enqueue schedules evt for delivery.
func (d *Dispatcher) Enqueue(evt *types.Event) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	id := fmt.Sprintf("%s-%s-%d", evt.Type, evt.Attr("id"), time.Now().UnixNano())
	data, err := json.Marshal(Payload{
		Type:       evt.Type,
		Attributes: evt.Attributes,
		Timestamp:  evt.Timestamp,
		DeliveryID: id,
	})
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{eventType: evt.Type, id: id, body: data}:
		return nil
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	default:
		return errors.New("webhook: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.minBackoff
	policy.MaxInterval = d.maxBackoff

	timeout := d.client.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(d.ctx, timeout)
		defer cancel()
		return struct{}{}, d.send(ctx, job)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(d.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.logger.Info("webhook delivery retry", "delivery", job.id, "error", err, "backoff", wait)
		}))
	if err != nil {
		d.logger.Error("webhook delivery abandoned", "delivery", job.id, "type", job.eventType, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, job.eventType)
	req.Header.Set(headerDelivery, job.id)
	req.Header.Set(headerSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("webhook: delivery rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
	}
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
}
