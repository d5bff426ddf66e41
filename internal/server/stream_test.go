package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afroash/smartplant/internal/cache"
	"github.com/afroash/smartplant/internal/models"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *StreamHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamHub_PushesStoredReadings(t *testing.T) {
	hub := NewStreamHub(StreamConfig{}, cache.New(), testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.ReadingStored(models.Reading{ID: 9, Timestamp: "2024-01-01 12:00:00", Temperature: 22})

	msg := readMessage(t, conn)
	if msg.Type != models.MessageTypeReading {
		t.Errorf("Type = %q, want reading", msg.Type)
	}
	var got models.Reading
	if err := msg.UnmarshalPayload(&got); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if got.Timestamp != "2024-01-01 12:00:00" || got.Temperature != 22 {
		t.Errorf("payload = %+v", got)
	}
}

func TestStreamHub_SnapshotOnConnect(t *testing.T) {
	c := cache.New()
	c.Set(models.Reading{Timestamp: "2024-01-01 08:00:00", Light: 512})

	hub := NewStreamHub(StreamConfig{}, c, testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg.Type != models.MessageTypeSnapshot {
		t.Fatalf("Type = %q, want snapshot", msg.Type)
	}
	var got models.Reading
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Light != 512 {
		t.Errorf("Light = %v, want 512", got.Light)
	}
}

func TestStreamHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewStreamHub(StreamConfig{AllowedOrigins: []string{"http://plants.local"}}, nil, testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err == nil {
		t.Fatal("expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	header.Set("Origin", "http://plants.local")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestStreamHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewStreamHub(StreamConfig{BufferSize: 1}, nil, testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.ReadingStored(models.Reading{Timestamp: "t", Temperature: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReadingStored blocked on a slow client")
	}
}

func TestStreamHub_ClientDisconnect(t *testing.T) {
	hub := NewStreamHub(StreamConfig{}, nil, testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestStreamHub_Close(t *testing.T) {
	hub := NewStreamHub(StreamConfig{}, nil, testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Close()
	hub.Close()

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after Close", hub.ClientCount())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}

	if _, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil); err == nil {
		t.Error("hub accepted a client after Close")
	}
}

func TestStreamHub_RegisterQueuesSnapshotBeforeLiveReadings(t *testing.T) {
	c := cache.New()
	c.Set(models.Reading{Timestamp: "2024-01-01 08:00:00", Temperature: 20})
	hub := NewStreamHub(StreamConfig{BufferSize: 4}, c, testLogger())

	client := &streamClient{send: make(chan []byte, 4), remoteAddr: "test"}
	if !hub.register(client) {
		t.Fatal("register() = false on an open hub")
	}
	// Stored right after registration, before the writer runs
	hub.ReadingStored(models.Reading{Timestamp: "2024-01-01 08:00:05", Temperature: 21})

	want := []models.MessageType{models.MessageTypeSnapshot, models.MessageTypeReading}
	for i, wantType := range want {
		select {
		case data := <-client.send:
			var msg models.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("message %d: %v", i, err)
			}
			if msg.Type != wantType {
				t.Errorf("message %d Type = %q, want %q", i, msg.Type, wantType)
			}
		default:
			t.Fatalf("message %d missing, want %q", i, wantType)
		}
	}
}

func TestStreamHub_RegisterAfterClose(t *testing.T) {
	c := cache.New()
	c.Set(models.Reading{Timestamp: "2024-01-01 08:00:00"})
	hub := NewStreamHub(StreamConfig{}, c, testLogger())
	hub.Close()

	client := &streamClient{send: make(chan []byte, 1), remoteAddr: "test"}
	if hub.register(client) {
		t.Fatal("register() = true on a closed hub")
	}
	if len(client.send) != 0 {
		t.Error("closed hub queued a snapshot")
	}
}

func TestDropNotice(t *testing.T) {
	c := &streamClient{}

	if _, ok := dropNotice(c); ok {
		t.Fatal("no notice expected before any drop")
	}

	c.dropped.Add(3)
	data, ok := dropNotice(c)
	if !ok {
		t.Fatal("expected a notice after drops")
	}

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("notice is not a message: %v", err)
	}
	if msg.Type != models.MessageTypeError {
		t.Errorf("Type = %q, want error", msg.Type)
	}
	var payload models.ErrorMessage
	if err := msg.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if payload.Code != "slow_consumer" || payload.Message != "3 readings dropped" {
		t.Errorf("payload = %+v", payload)
	}

	if _, ok := dropNotice(c); ok {
		t.Error("the same drops must not be announced twice")
	}

	c.dropped.Add(2)
	data, _ = dropNotice(c)
	json.Unmarshal(data, &msg)
	msg.UnmarshalPayload(&payload)
	if payload.Message != "2 readings dropped" {
		t.Errorf("second notice = %q, want only the new drops", payload.Message)
	}
}
