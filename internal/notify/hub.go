package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/invizible/moduled/internal/module"
	"github.com/rs/zerolog/log"
)

const (
	subscriberBuffer = 64
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the admin listener is local
	},
}

// subscriber is one websocket client of the hub.
type subscriber struct {
	conn      *websocket.Conn
	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		_ = s.conn.Close()
	})
}

// writeLoop sends queued events and keepalive pings.
func (s *subscriber) writeLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug().Err(err).Msg("event subscriber ping failed")
				s.close()
				return
			}
		case data := <-s.writeChan:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("event subscriber write failed")
				s.close()
				return
			}
		}
	}
}

// Hub broadcasts notifications as JSON events to websocket subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	// Snapshot, when set, is attached to status events.
	Snapshot func() map[module.Module]module.State
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[*subscriber]struct{})}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) ModuleDied(m module.Module) {
	h.Broadcast(Event{Type: EventModuleDied, Module: m})
}

func (h *Hub) StatusChanged() {
	ev := Event{Type: EventStatusChanged}
	if h.Snapshot != nil {
		ev.States = h.Snapshot()
	}
	h.Broadcast(ev)
}

func (h *Hub) Notice(m module.Module, msg string) {
	h.Broadcast(Event{Type: EventNotice, Module: m, Message: msg})
}

// Broadcast queues ev for every subscriber. Slow subscribers miss events
// instead of blocking the caller.
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		select {
		case s.writeChan <- data:
		default:
			log.Debug().Str("type", ev.Type).Msg("event subscriber lagging, event dropped")
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("event websocket upgrade failed")
		return
	}

	s := &subscriber{
		conn:      conn,
		writeChan: make(chan []byte, subscriberBuffer),
		closeChan: make(chan struct{}),
	}
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Msg("event subscriber connected")

	go s.writeLoop()
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, s)
		h.mu.Unlock()
		s.close()
		log.Debug().Str("remote", r.RemoteAddr).Msg("event subscriber disconnected")
	}()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Clients never send anything; reading drives pong and close handling.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("event subscriber read error")
			}
			return
		}
	}
}
