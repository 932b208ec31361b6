package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/teslashibe/go-habla/pkg/session"
)

var _ session.Notifier = (*Hub)(nil)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func attach(h *Hub, buf int) *Client {
	c := &Client{hub: h, send: make(chan []byte, buf)}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestNotifyFansOut(t *testing.T) {
	h, _ := startHub(t)
	a := attach(h, 4)
	b := attach(h, 4)

	if got := h.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}

	h.Notify(session.Notification{
		Kind:      session.NotifyToastError,
		SessionID: "visit-42",
		Message:   "Connection failed",
	})

	for _, c := range []*Client{a, b} {
		var n session.Notification
		if err := json.Unmarshal(receive(t, c), &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Kind != session.NotifyToastError || n.SessionID != "visit-42" || n.Message != "Connection failed" {
			t.Errorf("notification = %+v", n)
		}
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h, _ := startHub(t)
	c := attach(h, 1)
	h.unregister <- c

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}
	if got := h.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}

func TestSlowClientDropped(t *testing.T) {
	h, _ := startHub(t)
	slow := attach(h, 1)
	fast := attach(h, 8)

	h.Broadcast([]byte(`{"n":1}`))
	h.Broadcast([]byte(`{"n":2}`))

	receive(t, fast)
	receive(t, fast)

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want 1", h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := string(receive(t, slow)); got != `{"n":1}` {
		t.Errorf("slow client first message = %s", got)
	}
}

func TestRunClosesClientsOnCancel(t *testing.T) {
	h, cancel := startHub(t)
	c := attach(h, 1)
	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestStoppedHubDoesNotBlockClients(t *testing.T) {
	h, cancel := startHub(t)
	c := attach(h, 1)
	cancel()
	<-h.Done()

	returned := make(chan struct{})
	go func() {
		c.leave()
		late := NewClient(h, nil)
		if _, ok := <-late.send; ok {
			t.Error("late client send channel open")
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("client blocked on a stopped hub")
	}
}
