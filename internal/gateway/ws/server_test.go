package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/boma/internal/events"
	"github.com/jkaninda/boma/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func publish(t *testing.T, hub *events.Hub, typ protocol.EventType, taskID string) {
	t.Helper()
	ev, err := protocol.NewEvent(typ, taskID, nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	hub.Publish(ev)
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) *protocol.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return &ev
}

func TestStreamDeliversEvents(t *testing.T) {
	hub := events.NewHub(16, testLogger())
	srv := httptest.NewServer(NewServer(hub, "", testLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Subscription races the dial; give the server a moment to register.
	waitForSubscriber(t, hub)
	publish(t, hub, protocol.EventSessionCreated, "task-1")

	ev := readEvent(t, ctx, conn)
	if ev.Type != protocol.EventSessionCreated || ev.TaskID != "task-1" {
		t.Errorf("event = %s/%s", ev.Type, ev.TaskID)
	}
}

func TestStreamTaskFilter(t *testing.T) {
	hub := events.NewHub(16, testLogger())
	srv := httptest.NewServer(NewServer(hub, "", testLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"?task_id=task-2", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForSubscriber(t, hub)
	publish(t, hub, protocol.EventSessionCreated, "task-1")
	publish(t, hub, protocol.EventSessionCreated, "task-2")

	// Only the task-2 event should arrive.
	ev := readEvent(t, ctx, conn)
	if ev.TaskID != "task-2" {
		t.Errorf("TaskID = %q, want task-2", ev.TaskID)
	}
}

func TestTokenRequired(t *testing.T) {
	hub := events.NewHub(16, testLogger())
	srv := httptest.NewServer(NewServer(hub, "secret", testLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"?token=secret", nil)
	if err != nil {
		t.Fatalf("Dial with token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

func waitForSubscriber(t *testing.T, hub *events.Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
