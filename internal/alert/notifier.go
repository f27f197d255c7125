package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"predarb/internal/bus"
)

// Auditor is the slice of the audit log the notifier needs. Every routed
// event is audited regardless of whether it is delivered externally.
type Auditor interface {
	Append(ctx context.Context, eventType, module string, details map[string]any) error
}

// Transport delivers one message to the external channel.
type Transport interface {
	Post(ctx context.Context, m Message) error
}

// DeliveryError is a transport failure, optionally carrying a
// server-provided retry hint.
type DeliveryError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("alert delivery failed with status %d", e.Status)
}

// Options configures the notifier.
type Options struct {
	BufferSize          int
	ConsecutiveFailures uint32
	BreakDuration       time.Duration
	SendRetries         int
	DrainSpacing        time.Duration
}

func (o *Options) defaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.ConsecutiveFailures == 0 {
		o.ConsecutiveFailures = 5
	}
	if o.BreakDuration <= 0 {
		o.BreakDuration = time.Minute
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 2
	}
	if o.DrainSpacing <= 0 {
		o.DrainSpacing = time.Second
	}
}

// Notifier fans out events to the external channel. Delivery failures
// buffer the message; a circuit breaker stops HTTP attempts entirely
// after repeated failures.
type Notifier struct {
	opts      Options
	transport Transport
	auditLog  Auditor
	breaker   *gobreaker.CircuitBreaker
	buffer    *buffer
	logger    *slog.Logger

	// delivering guards against a failing delivery attempt recursively
	// triggering further attempts through its own error events.
	delivering atomic.Bool

	mu        sync.Mutex
	holdUntil time.Time
}

// NewNotifier creates a notifier over the given transport.
func NewNotifier(opts Options, transport Transport, auditLog Auditor, logger *slog.Logger) *Notifier {
	opts.defaults()
	n := &Notifier{
		opts:      opts,
		transport: transport,
		auditLog:  auditLog,
		buffer:    newBuffer(opts.BufferSize),
		logger:    logger.With("component", "alerts"),
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Timeout:     opts.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("alert circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return n
}

// Notify routes one bus event: audit always, external delivery per the
// severity routing rules.
func (n *Notifier) Notify(ctx context.Context, evt bus.Event) {
	msg := Message{
		EventType:     evt.Name,
		Severity:      Classify(evt.Name),
		Venue:         string(evt.Venue),
		CorrelationID: evt.CorrelationID,
		Details:       evt.Payload,
		CreatedAt:     evt.At,
	}

	if n.auditLog != nil {
		details := map[string]any{"severity": msg.Severity.String()}
		for k, v := range evt.Payload {
			details[k] = v
		}
		if err := n.auditLog.Append(ctx, evt.Name, "alerting", details); err != nil {
			n.logger.Error("auditing alert failed", "event", evt.Name, "error", err)
		}
	}

	if n.transport == nil || !Deliverable(evt.Name) {
		return
	}

	if !n.delivering.CompareAndSwap(false, true) {
		// Re-entrant call from a delivery already in flight.
		n.buffer.push(msg)
		return
	}
	defer n.delivering.Store(false)

	if !n.canAttempt() {
		if n.buffer.push(msg) {
			n.logger.Warn("alert buffer full, evicted lowest priority message")
		}
		return
	}

	if err := n.send(ctx, msg); err != nil {
		n.recordFailure(err)
		n.buffer.push(msg)
		n.logger.Warn("alert delivery failed, buffered",
			"event", msg.EventType,
			"severity", msg.Severity.String(),
			"buffered", n.buffer.len(),
			"error", err,
		)
		return
	}

	n.drain(ctx)
}

// Buffered returns the number of undelivered messages.
func (n *Notifier) Buffered() int { return n.buffer.len() }

// Flush attempts to deliver everything still buffered. Used on shutdown.
func (n *Notifier) Flush(ctx context.Context) {
	if n.transport == nil || !n.delivering.CompareAndSwap(false, true) {
		return
	}
	defer n.delivering.Store(false)
	if n.canAttempt() {
		n.drain(ctx)
	}
}

// canAttempt reports whether an HTTP attempt is allowed right now.
func (n *Notifier) canAttempt() bool {
	if n.breaker.State() == gobreaker.StateOpen {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return !time.Now().Before(n.holdUntil)
}

func (n *Notifier) send(ctx context.Context, m Message) error {
	_, err := n.breaker.Execute(func() (any, error) {
		return nil, n.transport.Post(ctx, m)
	})
	return err
}

// recordFailure extends the hold window when the server asked for a
// longer pause than the breaker's own break duration.
func (n *Notifier) recordFailure(err error) {
	var de *DeliveryError
	if asDelivery(err, &de) && de.RetryAfter > n.opts.BreakDuration {
		n.mu.Lock()
		until := time.Now().Add(de.RetryAfter)
		if until.After(n.holdUntil) {
			n.holdUntil = until
		}
		n.mu.Unlock()
	}
}

func asDelivery(err error, target **DeliveryError) bool {
	for err != nil {
		if de, ok := err.(*DeliveryError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// drain sends buffered messages highest priority first with bounded
// retries and fixed spacing. On a hard failure the remainder goes back
// into the buffer.
func (n *Notifier) drain(ctx context.Context) {
	pending := n.buffer.drainSorted()
	for i, m := range pending {
		if i > 0 {
			select {
			case <-time.After(n.opts.DrainSpacing):
			case <-ctx.Done():
				n.requeue(pending[i:])
				return
			}
		}

		var err error
		for attempt := 0; attempt < n.opts.SendRetries; attempt++ {
			if err = n.send(ctx, m); err == nil {
				break
			}
			if n.breaker.State() == gobreaker.StateOpen {
				break
			}
		}
		if err != nil {
			n.recordFailure(err)
			n.requeue(pending[i:])
			return
		}
	}
}

func (n *Notifier) requeue(ms []Message) {
	for _, m := range ms {
		n.buffer.push(m)
	}
}

// WebhookTransport posts messages as JSON to a single external webhook.
type WebhookTransport struct {
	client *resty.Client
	url    string
}

// NewWebhookTransport creates the production transport with a short
// per-request timeout.
func NewWebhookTransport(url string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WebhookTransport{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

func (w *WebhookTransport) Post(ctx context.Context, m Message) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(m).
		Post(w.url)
	if err != nil {
		return &DeliveryError{Status: 0}
	}
	if resp.IsError() {
		de := &DeliveryError{Status: resp.StatusCode()}
		if s := resp.Header().Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				de.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return de
	}
	return nil
}
