// Package notify carries security-relevant events (verification mail,
// password change, account lock) to an external delivery collaborator.
// Emission is at-least-once after the triggering state change is durably
// recorded; delivery itself is best-effort and retried in the background.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"aegisid.org/internal/obs"
)

// Event kinds emitted by the authority.
const (
	KindVerification    = "identity.verification"
	KindPasswordChanged = "identity.password_changed"
	KindAccountLocked   = "identity.locked"
)

// Event is a single outbound notification.
type Event struct {
	ID        string
	Kind      string
	Subject   string // identity id
	Recipient string // handle / e-mail address
	Data      map[string]string
	EmittedAt time.Time
}

// Mailer delivers events to the outside world.
type Mailer interface {
	Send(ctx context.Context, ev Event) error
}

// Emitter is the narrow surface the authority depends on.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Dispatcher queues events and retries failed deliveries. Losing an event
// after repeated failures is logged, never fatal.
type Dispatcher struct {
	mailer   Mailer
	queue    chan Event
	retries  int
	backoff  time.Duration
	done     chan struct{}
	shutdown chan struct{}
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithRetries sets the delivery attempts per event (default 3).
func WithRetries(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.retries = n
		}
	}
}

// WithBackoff sets the pause between attempts (default 2s).
func WithBackoff(b time.Duration) Option {
	return func(d *Dispatcher) {
		if b > 0 {
			d.backoff = b
		}
	}
}

// NewDispatcher starts a background delivery worker over the given mailer.
func NewDispatcher(mailer Mailer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mailer:   mailer,
		queue:    make(chan Event, 256),
		retries:  3,
		backoff:  2 * time.Second,
		done:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Emit enqueues an event for delivery. It never blocks the caller beyond
// queue admission; callers invoke it only after their state change has
// been durably recorded.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		obs.Error("notify enqueue aborted", map[string]any{"event": ev.Kind, "id": ev.ID})
	}
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	close(d.shutdown)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.shutdown:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for attempt := 1; attempt <= d.retries; attempt++ {
		if err := d.mailer.Send(ctx, ev); err == nil {
			return
		} else if attempt == d.retries {
			obs.Error("notify delivery failed", map[string]any{
				"event":    ev.Kind,
				"id":       ev.ID,
				"attempts": attempt,
				"error":    err.Error(),
			})
			return
		}
		time.Sleep(d.backoff)
	}
}

// LogMailer is the default collaborator: it writes the event to the
// structured log instead of sending mail. Useful for development and for
// deployments that consume events from the log stream.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, ev Event) error {
	obs.Info("notification", map[string]any{
		"event":     ev.Kind,
		"id":        ev.ID,
		"subject":   ev.Subject,
		"recipient": ev.Recipient,
	})
	return nil
}
