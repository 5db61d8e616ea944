package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"curvevm/core/events"
	"curvevm/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 16
)

// Hub fans committed curve events out to websocket subscribers. Slow
// subscribers lose events rather than stalling the engine.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscriber
}

type subscriber struct {
	position string
	ch       chan *types.Event
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil {
		return
	}
	transformed, ok := evt.(events.CurveTransformed)
	if !ok {
		return
	}
	payload := transformed.Event()
	position := payload.Attributes["position"]
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.position != position {
			continue
		}
		select {
		case sub.ch <- payload.Clone():
		default:
		}
	}
}

// Subscribe registers interest in position. The returned cancel function must
// be called to release the subscription.
func (h *Hub) Subscribe(position string) (<-chan *types.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	sub := &subscriber{position: strings.TrimSpace(position), ch: make(chan *types.Event, subscriberBuffer)}
	h.subs[id] = sub
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key, _, ok := s.position(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "stream_disabled", "event streaming not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe(key)
	defer cancel()
	// the client never sends; CloseRead handles control frames and cancels ctx
	// once the peer goes away
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
