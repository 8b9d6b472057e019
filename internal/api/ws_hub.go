package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atmx/farm-engine/internal/metrics"
	"github.com/atmx/farm-engine/internal/model"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendQueue    = 64
)

// WSMessage is one activity pushed to subscribers.
type WSMessage struct {
	Type     string         `json:"type"`
	Activity model.Activity `json:"activity"`
}

// subscriber is one feed connection. An empty user or kinds set matches
// everything.
type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	user  string
	kinds map[string]bool
}

func (s *subscriber) wants(a model.Activity) bool {
	if s.user != "" && s.user != a.UserID {
		return false
	}
	return len(s.kinds) == 0 || s.kinds[a.Kind]
}

// WSHub fans committed activities out to feed subscribers. Slow
// subscribers whose queue fills up are disconnected.
type WSHub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	events chan model.Activity
	join   chan *subscriber
	leave  chan *subscriber
	done   chan struct{}
	log    zerolog.Logger
}

// NewWSHub creates a hub. Call Run to start it.
func NewWSHub(log zerolog.Logger) *WSHub {
	return &WSHub{
		subs:   make(map[*subscriber]struct{}),
		events: make(chan model.Activity, 256),
		join:   make(chan *subscriber),
		leave:  make(chan *subscriber),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "ws_hub").Logger(),
	}
}

// Subscribers is the number of connected feed clients.
func (h *WSHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Run owns the subscriber set until ctx is done, then disconnects everyone.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Debug().Str("user", s.user).Int("total", n).Msg("feed subscriber joined")

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case a := <-h.events:
			h.fanOut(a)
		}
	}
}

func (h *WSHub) fanOut(a model.Activity) {
	data, err := json.Marshal(WSMessage{Type: a.Kind, Activity: a})
	if err != nil {
		h.log.Error().Err(err).Str("activity", a.ID).Msg("encode activity")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(a) {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.log.Warn().Str("user", s.user).Msg("feed subscriber too slow, disconnecting")
			h.drop(s)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// drop removes s and closes its queue, which ends its writer. Caller holds mu.
func (h *WSHub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
}

// Broadcast queues a committed activity. It never blocks the engine; when
// the queue is full the activity is dropped from the feed.
func (h *WSHub) Broadcast(a model.Activity) {
	select {
	case h.events <- a:
	default:
		h.log.Warn().Str("kind", a.Kind).Msg("feed queue full, dropping activity")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws. Optional query parameters narrow the
// feed: user=<id> and kinds=deposit,harvest,...
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, sendQueue), user: r.URL.Query().Get("user")}
	if k := r.URL.Query().Get("kinds"); k != "" {
		s.kinds = make(map[string]bool)
		for _, kind := range strings.Split(k, ",") {
			if kind = strings.TrimSpace(kind); kind != "" {
				s.kinds[kind] = true
			}
		}
	}

	select {
	case h.join <- s:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writeLoop(s)
	go h.readLoop(s)
}

// writeLoop is the only writer on the connection.
func (h *WSHub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and notices disconnects.
func (h *WSHub) readLoop(s *subscriber) {
	defer func() {
		select {
		case h.leave <- s:
		case <-h.done:
		}
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
