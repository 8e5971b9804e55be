package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEndpoint speaks the chat protocol: it authenticates with token, echoes
// messages, rejects "fail" and hangs up on "drop".
func fakeEndpoint(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth Frame
		if err := conn.ReadJSON(&auth); err != nil || auth.Type != FrameAuth {
			return
		}
		if auth.Token != token {
			_ = conn.WriteJSON(Frame{Type: FrameAuthError, Error: "bad token"})
			return
		}
		if err := conn.WriteJSON(Frame{Type: FrameAuthOK}); err != nil {
			return
		}

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Text {
			case "drop":
				return
			case "fail":
				_ = conn.WriteJSON(Frame{Type: FrameError, ID: f.ID, Error: "model overloaded"})
			default:
				_ = conn.WriteJSON(Frame{Type: FrameReply, ID: f.ID, Text: "echo[" + f.ConversationID + "]: " + f.Text})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch <-chan Status, want func(Status) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if want(s) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for transport status")
		}
	}
}

func startClient(t *testing.T, url, token string) (*Client, <-chan Status) {
	t.Helper()
	c := New(Config{URL: url, Token: token, ReconnectDelay: 50 * time.Millisecond, SendTimeout: 5 * time.Second}, testLogger())
	statuses := make(chan Status, 32)
	c.Subscribe(func(s Status) {
		select {
		case statuses <- s:
		default:
		}
	})
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	return c, statuses
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, testLogger())
	_, err := c.Send(context.Background(), "conv", "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if c.Ready() {
		t.Error("Ready() = true before Start")
	}
}

func TestClient_AuthenticateAndSend(t *testing.T) {
	srv := fakeEndpoint(t, "secret")
	c, statuses := startClient(t, wsURL(srv), "secret")

	waitFor(t, statuses, Status.Ready)

	reply, err := c.Send(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if reply != "echo[c1]: hello" {
		t.Errorf("reply = %q", reply)
	}
}

func TestClient_ConnectedButNotAuthenticatedIsNotReady(t *testing.T) {
	srv := fakeEndpoint(t, "secret")
	c, statuses := startClient(t, wsURL(srv), "wrong")

	waitFor(t, statuses, func(s Status) bool { return s.Connected && !s.Authenticated })
	if c.Status().Authenticated {
		t.Error("client authenticated with a bad token")
	}
	if _, err := c.Send(context.Background(), "c1", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_RejectedMessage(t *testing.T) {
	srv := fakeEndpoint(t, "secret")
	c, statuses := startClient(t, wsURL(srv), "secret")
	waitFor(t, statuses, Status.Ready)

	_, err := c.Send(context.Background(), "c1", "fail")
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Send() error = %v, want ErrRejected", err)
	}
}

func TestClient_ConnectionLostDuringSend(t *testing.T) {
	srv := fakeEndpoint(t, "secret")
	c, statuses := startClient(t, wsURL(srv), "secret")
	waitFor(t, statuses, Status.Ready)

	_, err := c.Send(context.Background(), "c1", "drop")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Send() error = %v, want ErrConnectionFailed", err)
	}

	// The client reconnects on its own.
	waitFor(t, statuses, Status.Ready)
	if _, err := c.Send(context.Background(), "c1", "again"); err != nil {
		t.Errorf("Send() after reconnect error: %v", err)
	}
}

func TestClient_CloseStopsLoop(t *testing.T) {
	srv := fakeEndpoint(t, "secret")
	c := New(Config{URL: wsURL(srv), Token: "secret"}, testLogger())
	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}
	if c.Ready() {
		t.Error("Ready() = true after Close")
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, testLogger())
	calls := 0
	unsub := c.Subscribe(func(Status) { calls++ })
	unsub()
	c.setStatus(Status{Connected: true})
	if calls != 0 {
		t.Errorf("unsubscribed callback called %d times", calls)
	}
}
