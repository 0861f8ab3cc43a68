package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"vocleair/internal/discovery"
)

func recvEvent(t *testing.T, sub *subscriber) discovery.Event {
	t.Helper()
	select {
	case frame, ok := <-sub.queue:
		if !ok {
			t.Fatal("queue closed")
		}
		var ev discovery.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	default:
		t.Fatal("no frame queued")
		return discovery.Event{}
	}
}

func TestEventStreamSnapshotFirst(t *testing.T) {
	es := newEventStream(testLogger())
	es.publish(discovery.Event{Type: discovery.EventStatusChanged})

	sub := es.subscribe(discovery.Event{Type: "snapshot"})
	es.publish(discovery.Event{Type: discovery.EventSpeedChanged, Data: map[string]any{"percentage": 75}})

	if ev := recvEvent(t, sub); ev.Type != "snapshot" {
		t.Errorf("first frame = %q, want snapshot", ev.Type)
	}
	ev := recvEvent(t, sub)
	if ev.Type != discovery.EventSpeedChanged || ev.Data["percentage"] != float64(75) {
		t.Errorf("second frame = %+v", ev)
	}
	if len(sub.queue) != 0 {
		t.Errorf("%d extra frames queued", len(sub.queue))
	}
}

func TestEventStreamFanOut(t *testing.T) {
	es := newEventStream(testLogger())
	subs := []*subscriber{
		es.subscribe(discovery.Event{Type: "snapshot"}),
		es.subscribe(discovery.Event{Type: "snapshot"}),
	}
	if n := es.len(); n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}

	es.publish(discovery.Event{Type: discovery.EventAddressChanged, Data: map[string]any{"address": "192.168.1.57"}})
	for i, sub := range subs {
		recvEvent(t, sub)
		if ev := recvEvent(t, sub); ev.Data["address"] != "192.168.1.57" {
			t.Errorf("subscriber %d got %+v", i, ev)
		}
	}
}

func TestEventStreamUnsubscribe(t *testing.T) {
	es := newEventStream(testLogger())
	sub := es.subscribe(discovery.Event{Type: "snapshot"})

	es.unsubscribe(sub)
	es.unsubscribe(sub) // already gone
	if n := es.len(); n != 0 {
		t.Errorf("len = %d, want 0", n)
	}
	<-sub.queue
	if _, ok := <-sub.queue; ok {
		t.Error("queue open after unsubscribe")
	}
}

func TestEventStreamEvictsSlowSubscriber(t *testing.T) {
	es := newEventStream(testLogger())
	slow := es.subscribe(discovery.Event{Type: "snapshot"})
	fast := es.subscribe(discovery.Event{Type: "snapshot"})

	// The snapshot occupies one slot, so the queue overflows on the last event.
	for i := 0; i < wsQueueSize; i++ {
		es.publish(discovery.Event{Type: discovery.EventSpeedChanged})
		if i == 0 {
			for len(fast.queue) > 0 {
				<-fast.queue
			}
		}
	}

	if n := es.len(); n != 1 {
		t.Fatalf("len = %d, want 1 after eviction", n)
	}
	drained := 0
	for range slow.queue {
		drained++
	}
	if drained != wsQueueSize {
		t.Errorf("slow subscriber drained %d frames, want %d", drained, wsQueueSize)
	}
	if slow.reason != "too slow" {
		t.Errorf("reason = %q", slow.reason)
	}
}

func TestEventStreamClose(t *testing.T) {
	es := newEventStream(testLogger())
	sub := es.subscribe(discovery.Event{Type: "snapshot"})

	es.close()
	es.close() // idempotent

	<-sub.queue
	if _, ok := <-sub.queue; ok {
		t.Error("queue open after close")
	}
	if sub.reason != "server shutdown" {
		t.Errorf("reason = %q", sub.reason)
	}
	if es.subscribe(discovery.Event{Type: "snapshot"}) != nil {
		t.Error("subscribe succeeded after close")
	}
	es.publish(discovery.Event{Type: discovery.EventStatusChanged})
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) discovery.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev discovery.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestWSStreamsEvents(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	snap := readEvent(t, ctx, conn)
	if snap.Type != "snapshot" || snap.Data["status"] != "unknown" {
		t.Fatalf("first message = %+v, want unknown snapshot", snap)
	}

	// Wait for the stream to register the client before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for env.srv.stream.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := env.coord.Reset(); err != nil {
		t.Fatal(err)
	}

	// Reset emits address_changed then status_changed.
	for {
		ev := readEvent(t, ctx, conn)
		if ev.Type != discovery.EventStatusChanged {
			continue
		}
		if ev.Data["status"] != "not_configured" {
			t.Errorf("status = %v, want not_configured", ev.Data["status"])
		}
		break
	}
}

func TestWSServerStopClosesConnection(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEvent(t, ctx, conn)

	env.srv.Stop()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read err = %v, want going away close", err)
	}
}
