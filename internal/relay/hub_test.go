package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/HerbHall/esplink/internal/testutil"
)

func dialHub(t *testing.T, hub *Hub, onMessage func(ctx context.Context, data []byte)) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.serveWS(w, r, onMessage)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(testutil.Logger())
	conn := dialHub(t, hub, nil)
	waitForClients(t, hub, 1)

	hub.Broadcast(wsMessage{
		Kind:     "status",
		DeviceID: "sensor-1",
		SentAt:   time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if msg.Kind != "status" || msg.DeviceID != "sensor-1" {
		t.Errorf("frame = %+v", msg)
	}
}

func TestHubInboundFrames(t *testing.T) {
	hub := NewHub(testutil.Logger())
	received := make(chan []byte, 1)
	conn := dialHub(t, hub, func(_ context.Context, data []byte) {
		received <- data
	})
	waitForClients(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"device_id":"sensor-1","command":"led_on"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case data := <-received:
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		if cmd.DeviceID != "sensor-1" || cmd.Command != CommandLEDOn {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound frame never reached the handler")
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub(testutil.Logger())
	conn := dialHub(t, hub, nil)
	waitForClients(t, hub, 1)

	hub.Close()
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("client count = %d after Close, want 0", got)
	}

	// The client sees the connection go away.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read succeeded after hub close")
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub(testutil.Logger())

	// A client that is never drained: inject directly rather than over a
	// real connection so the send queue backs up deterministically.
	c := &wsClient{send: make(chan []byte, clientQueueSize)}
	if !hub.add(c) {
		t.Fatal("add failed")
	}

	for i := 0; i < clientQueueSize+1; i++ {
		hub.Broadcast(wsMessage{Kind: "status", SentAt: time.Now().UTC()})
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("client count = %d, want 0 (slow client dropped)", got)
	}
}
