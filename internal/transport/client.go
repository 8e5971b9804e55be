// Package transport connects to the external AI chat endpoint over a
// websocket. The endpoint is an opaque collaborator: the client only knows
// how to authenticate, send a message and wait for the matching reply.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by Send when the client is not both
	// connected and authenticated.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectionFailed wraps failures while a message is in flight.
	ErrConnectionFailed = errors.New("transport connection failed")

	// ErrRejected is returned when the endpoint answers a message with an error.
	ErrRejected = errors.New("message rejected by endpoint")

	errAuthFailed = errors.New("authentication failed")
)

// Frame types exchanged with the endpoint.
const (
	FrameAuth      = "auth"
	FrameAuthOK    = "auth_ok"
	FrameAuthError = "auth_error"
	FrameMessage   = "message"
	FrameReply     = "reply"
	FrameError     = "error"

	frameClosed = "closed"
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Status is the readiness of the client.
type Status struct {
	Connected     bool `json:"connected"`
	Authenticated bool `json:"authenticated"`
}

// Ready reports whether messages can be sent.
func (s Status) Ready() bool { return s.Connected && s.Authenticated }

// Config configures a Client.
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	ReconnectDelay   time.Duration
}

// Client maintains one websocket connection to the endpoint, reconnecting
// after failures until Close.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	pending map[string]chan Frame
	subs    map[int]func(Status)
	nextSub int

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. Call Start to begin connecting.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger.With("component", "transport.Client"),
		pending: make(map[string]chan Frame),
		subs:    make(map[int]func(Status)),
	}
}

// Start launches the connection loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Status returns the current readiness.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ready reports whether the client is connected and authenticated.
func (c *Client) Ready() bool { return c.Status().Ready() }

// Subscribe registers fn for readiness changes. fn is called without locks
// held, from the connection goroutine. The returned func unregisters it.
func (c *Client) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Send delivers text to the endpoint and waits for its reply.
func (c *Client) Send(ctx context.Context, conversationID, text string) (string, error) {
	c.mu.Lock()
	if !c.status.Ready() || c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	reply := make(chan Frame, 1)
	c.pending[id] = reply
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
	}

	err := c.write(conn, Frame{Type: FrameMessage, ID: id, ConversationID: conversationID, Text: text})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	select {
	case f := <-reply:
		switch f.Type {
		case FrameReply:
			return f.Text, nil
		case FrameError:
			return "", fmt.Errorf("%w: %s", ErrRejected, f.Error)
		default:
			return "", fmt.Errorf("%w: connection closed before reply", ErrConnectionFailed)
		}
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("transport disconnected, retrying", "url", c.cfg.URL, "error", err, "delay", c.cfg.ReconnectDelay)

		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-connDone:
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(Status{Connected: true})
	c.logger.Info("transport connected", "url", c.cfg.URL)

	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			ch <- Frame{Type: frameClosed, ID: id}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.setStatus(Status{})
	}()

	if err := c.write(conn, Frame{Type: FrameAuth, Token: c.cfg.Token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Type {
		case FrameAuthOK:
			c.setStatus(Status{Connected: true, Authenticated: true})
			c.logger.Info("transport authenticated")
		case FrameAuthError:
			return fmt.Errorf("%w: %s", errAuthFailed, f.Error)
		case FrameReply, FrameError:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			} else {
				c.logger.Debug("dropping frame for unknown request", "id", f.ID, "type", f.Type)
			}
		default:
			c.logger.Debug("ignoring unknown frame", "type", f.Type)
		}
	}
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	subs := make([]func(Status), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
