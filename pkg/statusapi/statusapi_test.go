package statusapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadowmesh/shadowmesh/pkg/event"
	"github.com/shadowmesh/shadowmesh/pkg/server"
)

func TestHubBroadcastsSnapshotAndEvents(t *testing.T) {
	table := server.NewTable(0)
	table.Insert(&server.Record{})

	hub := NewHub(table, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, 20*time.Millisecond)
	defer hub.Stop()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageSnapshot || msg.Snapshot == nil || msg.Snapshot.ConnectionCount != 1 {
		t.Fatalf("unexpected snapshot message: %+v", msg)
	}

	hub.PublishEvent(&event.Event{Kind: event.ConnectionCreated, ConnectionID: 101})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.Type == MessageEvent {
			if m.Event.Kind != event.ConnectionCreated.String() || m.Event.ConnectionID != 101 {
				t.Fatalf("unexpected event message: %+v", m)
			}
			return
		}
	}
}
