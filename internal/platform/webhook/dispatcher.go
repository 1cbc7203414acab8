package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// Dispatcher fans sync notifications out to registered endpoints. It
// implements the sync engine's notifier contract: Broadcast enqueues and
// returns immediately, a small worker pool does the HTTP work.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	logger   zerolog.Logger

	// Tunables, set before Start.
	Workers       int
	QueueSize     int
	MaxAttempts   int           // per delivery; transport errors and 5xx are retried
	RetryInterval time.Duration // initial backoff between attempts

	mu      sync.Mutex
	queue   chan job
	running bool
	wg      sync.WaitGroup
}

type job struct {
	endpointID string
	entityType string
	body       []byte
}

// NewDispatcher creates a dispatcher with defaults sized for a handful of
// endpoints. Tune the exported fields before Start.
func NewDispatcher(registry *Registry, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:      registry,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		Workers:       2,
		QueueSize:     256,
		MaxAttempts:   3,
		RetryInterval: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.queue = make(chan job, d.QueueSize)
	d.running = true
	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains queued deliveries and waits for the workers to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Broadcast queues the payload for delivery to every active endpoint
// subscribed to entityType. It never blocks: when the queue is full the
// message is dropped and logged, the same contract the hub applies to slow
// websocket clients.
func (d *Dispatcher) Broadcast(entityType string, payload interface{}) {
	targets := d.registry.active(entityType)
	if len(targets) == 0 {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error().Err(err).Msg("webhook payload not serializable")
		return
	}
	body, err := json.Marshal(Message{
		ID:         uuid.New().String(),
		EntityType: entityType,
		Payload:    raw,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("webhook envelope not serializable")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	for _, ep := range targets {
		select {
		case d.queue <- job{endpointID: ep.ID, entityType: entityType, body: body}:
		default:
			d.logger.Warn().Str("endpoint_id", ep.ID).Msg("webhook queue full, dropping notification")
		}
	}
}

// Ping sends a synthetic test message to one endpoint, bypassing the queue.
func (d *Dispatcher) Ping(id string) (*Delivery, error) {
	ep, err := d.registry.Get(id)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(Message{
		ID:         uuid.New().String(),
		EntityType: "webhook.test",
		Payload:    json.RawMessage(`{"test":true}`),
		SentAt:     time.Now().UTC(),
	})
	rec := d.send(ep, "webhook.test", body)
	d.registry.RecordDelivery(rec)
	return rec, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

// deliver re-checks the endpoint right before sending so deletions and
// pauses that happened after enqueue are honored.
func (d *Dispatcher) deliver(j job) {
	ep, err := d.registry.Get(j.endpointID)
	if err != nil || !ep.Active {
		return
	}
	rec := d.send(ep, j.entityType, j.body)
	d.registry.RecordDelivery(rec)
	if rec.Status == DeliveryFailed {
		d.logger.Warn().
			Str("endpoint_id", ep.ID).
			Str("url", ep.URL).
			Int("attempts", rec.Attempts).
			Str("error", rec.Error).
			Msg("webhook delivery failed")
	}
}

// send signs and POSTs the body, retrying transport errors and 5xx
// responses with exponential backoff. A 3xx or 4xx answer means the
// endpoint saw the payload and rejected it, so it is not retried.
func (d *Dispatcher) send(ep *Endpoint, entityType string, body []byte) *Delivery {
	sig := SignPayload(body, ep.Secret)
	rec := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EntityType: entityType,
		Payload:    body,
		Signature:  sig,
		Status:     DeliveryFailed,
		CreatedAt:  time.Now().UTC(),
	}

	start := time.Now()
	operation := func() error {
		rec.Attempts++
		code, err := d.post(ep.URL, entityType, rec.ID, sig, body)
		rec.StatusCode = code
		if err != nil {
			rec.Error = err.Error()
			return err
		}
		if code >= 500 {
			rec.Error = fmt.Sprintf("endpoint returned %d", code)
			return errors.New(rec.Error)
		}
		if code >= 300 {
			rec.Error = fmt.Sprintf("endpoint rejected delivery with %d", code)
			return backoff.Permanent(errors.New(rec.Error))
		}
		rec.Error = ""
		rec.Status = DeliveryDelivered
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.RetryInterval
	_ = backoff.Retry(operation, backoff.WithMaxRetries(exp, uint64(d.MaxAttempts-1)))
	rec.Duration = time.Since(start)
	return rec
}

func (d *Dispatcher) post(rawURL, entityType, deliveryID, sig string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CareBridge-Signature", "sha256="+sig)
	req.Header.Set("X-CareBridge-Event", entityType)
	req.Header.Set("X-CareBridge-Delivery", deliveryID)
	req.Header.Set("X-CareBridge-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	return resp.StatusCode, nil
}
