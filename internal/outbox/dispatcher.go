// Package outbox sends operator messages to the AI transport. While the
// transport is not ready, the latest message waits in a single pending slot
// and is flushed once when readiness arrives.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sovereign/sovereign/internal/audit"
	"github.com/sovereign/sovereign/internal/notify"
	"github.com/sovereign/sovereign/internal/transport"
)

// ErrBusy is returned by Submit while another message is being sent.
var ErrBusy = errors.New("a message is already being sent")

// Transport is the part of transport.Client the dispatcher needs.
type Transport interface {
	Ready() bool
	Send(ctx context.Context, conversationID, text string) (string, error)
	Subscribe(fn func(transport.Status)) func()
}

// Recorder receives the audit actions of the dispatcher. *session.Session
// satisfies it.
type Recorder interface {
	LogAction(action string, metadata map[string]any) error
}

// Status is the outcome of Submit.
type Status string

const (
	StatusSent   Status = "sent"
	StatusQueued Status = "queued"
)

// Receipt describes what Submit did with a message.
type Receipt struct {
	Status Status `json:"status"`
	Reply  string `json:"reply,omitempty"`
}

// Delivery reports the result of a send, including flushed messages.
type Delivery struct {
	SessionID      string
	ConversationID string
	Text           string
	Reply          string
	Flushed        bool
	Err            error
}

// Options configures a Dispatcher.
type Options struct {
	SessionID string
	Locale    string
	Transport Transport
	Recorder  Recorder
	Notifier  notify.Notifier
	Logger    *slog.Logger

	// OnDelivery, if set, is called after every send attempt.
	OnDelivery func(Delivery)
}

type message struct {
	conversationID string
	text           string
}

// Dispatcher serializes the messages of one session onto the transport.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	pending    *message
	processing bool
	closed     bool

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a dispatcher and subscribes it to transport readiness.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:   opts,
		logger: opts.Logger.With("component", "outbox.Dispatcher", "session_id", opts.SessionID),
		ctx:    ctx,
		cancel: cancel,
	}
	d.unsubscribe = opts.Transport.Subscribe(d.onStatus)
	return d
}

// Submit sends text now when the transport is ready. Otherwise it replaces
// the pending message and returns StatusQueued. A failed send is reported
// once and not retried.
func (d *Dispatcher) Submit(ctx context.Context, conversationID, text string) (Receipt, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Receipt{}, errors.New("outbox closed")
	}
	if d.processing {
		d.mu.Unlock()
		return Receipt{}, ErrBusy
	}
	if !d.opts.Transport.Ready() {
		replaced := d.pending != nil
		d.pending = &message{conversationID: conversationID, text: text}
		d.mu.Unlock()

		d.logger.Info("transport not ready, message queued", "conversation_id", conversationID, "replaced", replaced)
		d.record(audit.ActionMessageQueued, map[string]any{
			"conversationId": conversationID,
			"replaced":       replaced,
		})
		d.opts.Notifier.Notify(notify.MessageQueued(d.opts.SessionID, d.opts.Locale))

		// Readiness may have arrived between the check and the queueing.
		if d.opts.Transport.Ready() {
			d.flush()
		}
		return Receipt{Status: StatusQueued}, nil
	}
	d.processing = true
	d.mu.Unlock()

	reply, err := d.deliver(ctx, message{conversationID: conversationID, text: text}, false)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Status: StatusSent, Reply: reply}, nil
}

// Pending reports whether a message is waiting for the transport.
func (d *Dispatcher) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Processing reports whether a send is in flight.
func (d *Dispatcher) Processing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processing
}

// Close unsubscribes from the transport, drops any pending message and waits
// for an in-flight flush.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = nil
	d.mu.Unlock()

	d.unsubscribe()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) onStatus(s transport.Status) {
	if s.Ready() {
		d.flush()
	}
}

// flush sends the pending message in the background unless a send is
// already in flight. deliver calls it again when that send finishes.
func (d *Dispatcher) flush() {
	d.mu.Lock()
	if d.closed || d.processing || d.pending == nil {
		d.mu.Unlock()
		return
	}
	msg := *d.pending
	d.pending = nil
	d.processing = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		_, _ = d.deliver(d.ctx, msg, true)
	}()
}

// deliver sends msg with the processing flag already set and clears it.
func (d *Dispatcher) deliver(ctx context.Context, msg message, flushed bool) (string, error) {
	reply, err := d.opts.Transport.Send(ctx, msg.conversationID, msg.text)

	d.mu.Lock()
	d.processing = false
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("message send failed", "conversation_id", msg.conversationID, "flushed", flushed, "error", err)
		d.record(audit.ActionMessageSendError, map[string]any{
			"conversationId": msg.conversationID,
			"error":          err.Error(),
		})
		d.opts.Notifier.Notify(notify.MessageFailed(d.opts.SessionID, err, d.opts.Locale))
		err = fmt.Errorf("failed to send message: %w", err)
	} else {
		d.logger.Info("message sent", "conversation_id", msg.conversationID, "flushed", flushed)
		d.record(audit.ActionMessageSent, map[string]any{
			"conversationId": msg.conversationID,
			"flushed":        flushed,
		})
	}

	if d.opts.OnDelivery != nil {
		d.opts.OnDelivery(Delivery{
			SessionID:      d.opts.SessionID,
			ConversationID: msg.conversationID,
			Text:           msg.text,
			Reply:          reply,
			Flushed:        flushed,
			Err:            err,
		})
	}

	// Readiness reported during the send was ignored while processing.
	if d.opts.Transport.Ready() {
		d.flush()
	}
	return reply, err
}

func (d *Dispatcher) record(action string, metadata map[string]any) {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.LogAction(action, metadata); err != nil {
		d.logger.Warn("failed to record outbox action", "action", action, "error", err)
	}
}
