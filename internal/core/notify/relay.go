// Package notify is the best-effort callback relay for invocation outcomes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"cloudfunctions/internal/core/functions"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config tunes the relay.
type Config struct {
	Timeout   time.Duration // per delivery
	Workers   int
	QueueSize int
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   5 * time.Second,
		Workers:   4,
		QueueSize: 256,
	}
}

type delivery struct {
	ctx          context.Context
	url          string
	body         []byte
	function     string
	invocationID string
	status       functions.Status
}

// Relay queues outcome deliveries and POSTs them from a fixed set of workers.
// Delivery problems are logged and otherwise dropped.
type Relay struct {
	client *http.Client
	cfg    Config
	queue  chan delivery
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	lg zerolog.Logger
}

// NewRelay builds a relay; client may be nil to use a default client.
func NewRelay(cfg Config, client *http.Client, lg zerolog.Logger) *Relay {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Relay{
		client: client,
		cfg:    cfg,
		queue:  make(chan delivery, cfg.QueueSize),
		lg:     lg.With().Str("component", "notification-relay").Logger(),
	}
}

// Start launches the delivery workers.
func (r *Relay) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	r.lg.Info().Int("workers", r.cfg.Workers).Int("queue_size", r.cfg.QueueSize).Msg("notification relay started")
}

// Notify enqueues a delivery of outcome to the target matching its polarity.
// It never blocks: with no target it does nothing, with a full queue it drops.
func (r *Relay) Notify(ctx context.Context, outcome *functions.Outcome, targets functions.Targets) {
	url := targets.URLFor(outcome)
	if url == "" {
		return
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		r.lg.Error().Err(err).Str("function", outcome.FunctionName).Msg("encode notification")
		return
	}
	d := delivery{
		ctx:          context.WithoutCancel(ctx),
		url:          url,
		body:         body,
		function:     outcome.FunctionName,
		invocationID: outcome.InvocationID,
		status:       outcome.Status,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.lg.Warn().Str("function", d.function).Str("url", url).Msg("relay closed, notification dropped")
		return
	}
	select {
	case r.queue <- d:
	default:
		r.lg.Warn().Str("function", d.function).Str("url", url).Msg("notification queue full, notification dropped")
	}
}

// Pending is the number of queued, not yet picked up deliveries.
func (r *Relay) Pending() int {
	return len(r.queue)
}

// Close stops accepting deliveries and waits for queued ones until ctx is done.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain notifications: %w", ctx.Err())
	}
}

func (r *Relay) work() {
	defer r.wg.Done()
	for d := range r.queue {
		if err := r.deliver(d); err != nil {
			r.lg.Warn().Err(err).
				Str("function", d.function).
				Str("invocation_id", d.invocationID).
				Str("url", d.url).
				Msg("notification delivery failed")
			continue
		}
		r.lg.Debug().
			Str("function", d.function).
			Str("invocation_id", d.invocationID).
			Str("url", d.url).
			Str("status", string(d.status)).
			Msg("notification delivered")
	}
}

func (r *Relay) deliver(d delivery) error {
	ctx, cancel := context.WithTimeout(d.ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Function-Name", d.function)
	req.Header.Set("X-Invocation-ID", d.invocationID)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned non-2xx status: %s", resp.Status)
	}
	return nil
}

var _ functions.Notifier = (*Relay)(nil)
