package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"vocleair/internal/discovery"
)

const (
	wsQueueSize    = 64
	wsWriteTimeout = 10 * time.Second
)

// eventStream fans coordinator events out to WebSocket subscribers. Each
// event is encoded once; a subscriber whose queue is full is dropped rather
// than slowing the event bus.
type eventStream struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	queue chan []byte
	// reason is set before queue is closed by the stream.
	reason string
}

func newEventStream(logger *slog.Logger) *eventStream {
	return &eventStream{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// subscribe registers a subscriber whose first frame is first. It returns
// nil once the stream is closed.
func (es *eventStream) subscribe(first discovery.Event) *subscriber {
	frame, err := json.Marshal(first)
	if err != nil {
		es.logger.Error("ws encode snapshot", "err", err)
		return nil
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return nil
	}
	sub := &subscriber{queue: make(chan []byte, wsQueueSize)}
	sub.queue <- frame
	es.subs[sub] = struct{}{}
	es.logger.Debug("ws client connected", "total", len(es.subs))
	return sub
}

// unsubscribe removes sub. It is a no-op if the stream already dropped it.
func (es *eventStream) unsubscribe(sub *subscriber) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if _, ok := es.subs[sub]; ok {
		es.drop(sub, "")
		es.logger.Debug("ws client disconnected", "total", len(es.subs))
	}
}

// publish queues ev for every subscriber without blocking.
func (es *eventStream) publish(ev discovery.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		es.logger.Error("ws encode event", "type", ev.Type, "err", err)
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	for sub := range es.subs {
		select {
		case sub.queue <- frame:
		default:
			es.drop(sub, "too slow")
			es.logger.Warn("ws client evicted (too slow)", "event", ev.Type)
		}
	}
}

// close drops every subscriber and refuses new ones. Safe to call more than
// once.
func (es *eventStream) close() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.closed = true
	for sub := range es.subs {
		es.drop(sub, "server shutdown")
	}
}

func (es *eventStream) len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.subs)
}

// drop must be called with es.mu held.
func (es *eventStream) drop(sub *subscriber, reason string) {
	delete(es.subs, sub)
	sub.reason = reason
	close(sub.queue)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowed origins nhooyr enforces same-origin.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub := s.stream.subscribe(s.snapshot())
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.stream.unsubscribe(sub)

	// The stream is one-way: incoming messages are discarded and ctx ends
	// when the peer goes away.
	ctx := conn.CloseRead(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.queue:
			if !ok {
				status := websocket.StatusGoingAway
				if sub.reason == "too slow" {
					status = websocket.StatusPolicyViolation
				}
				conn.Close(status, sub.reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// snapshot is the first message sent to a new WebSocket client so it does
// not have to poll /api/status.
func (s *Server) snapshot() discovery.Event {
	return discovery.Event{
		Type: "snapshot",
		Time: time.Now(),
		Data: map[string]any{
			"status":       s.coord.Status().String(),
			"address":      s.coord.Address(),
			"provisioning": s.coord.Provisioning(),
			"fan":          s.fanResponse(),
		},
	}
}
