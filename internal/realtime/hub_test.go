package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"stockroom/internal/events"

	"github.com/gorilla/websocket"
)

func startHubServer(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(hub.Handler())
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Close)

	conn := startHubServer(t, hub)
	// Give the register handshake a moment before publishing.
	time.Sleep(20 * time.Millisecond)

	msg := []byte(`{"event_type":"saga.compensated","entity_id":"order-1"}`)
	hub.Broadcast(msg)

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		if string(got) != string(msg) {
			t.Fatalf("expected %q, got %q", msg, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHub_ReceivesFanoutEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Close)

	conn := startHubServer(t, hub)
	// Give the register handshake a moment before publishing.
	time.Sleep(20 * time.Millisecond)

	publisher := events.NewFanoutPublisher(hub, events.NewLocalPublisher())
	err := publisher.Publish(context.Background(), events.Event{
		EventType: events.TypeInventoryReserved,
		EntityID:  "order-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		var event events.Event
		if err := json.Unmarshal(got, &event); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if event.EventType != events.TypeInventoryReserved || event.EntityID != "order-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestHub_BroadcastNeverBlocksWithoutClients(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	// No run loop at all: Broadcast must still return.
	for i := 0; i < 200; i++ {
		hub.Broadcast([]byte("msg"))
	}
}
