package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"adspanel/internal/live"
	"adspanel/internal/views"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// ClientMessage is sent by the page.
type ClientMessage struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible,omitempty"`
	Date    string `json:"date,omitempty"`
}

// ServerMessage is pushed to the page.
type ServerMessage struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	View    *views.Snapshot `json:"view,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Hub owns the open page sessions.
type Hub struct {
	broker  live.Broker
	sources Sources
	opts    Options
	log     zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHub(broker live.Broker, sources Sources, opts Options, log zerolog.Logger) *Hub {
	if opts.Channel == "" {
		opts.Channel = live.DefaultChannel
	}
	return &Hub{
		broker:  broker,
		sources: sources,
		opts:    opts,
		log:     log.With().Str("component", "panel").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Open registers a session rendering into sink. The caller starts it.
func (h *Hub) Open(sink views.Sink) *Session {
	s := newSession(h.broker, h.sources, h.opts, sink, h.log)
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Info().Str("session", s.ID).Int("open", n).Msg("page opened")
	return s
}

func (h *Hub) Release(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	h.log.Info().Str("session", s.ID).Int("open", n).Msg("page closed")
}

func (h *Hub) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sweep pokes every open session in parallel and waits for them.
func (h *Hub) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range h.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Poke(ctx)
		}(s)
	}
	wg.Wait()
}

func (h *Hub) Shutdown() {
	for _, s := range h.Sessions() {
		h.Release(s)
	}
}

// ServeHTTP upgrades to a websocket and runs one page session over it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{}), log: h.log}
	s := h.Open(views.SinkFunc(func(snap views.Snapshot) {
		c.push(ServerMessage{Type: "view", View: &snap})
	}))
	c.push(ServerMessage{Type: "hello", Session: s.ID})

	go c.writePump()
	go s.Start()

	c.readPump(s)
	h.Release(s)
	c.stop()
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	once sync.Once
	done chan struct{}
}

// push drops the message when the client cannot keep up.
func (c *wsClient) push(msg ServerMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("encode message")
		return
	}
	select {
	case <-c.done:
	case c.send <- raw:
	default:
		c.log.Warn().Str("type", msg.Type).Msg("slow client, message dropped")
	}
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) readPump(s *Session) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.push(ServerMessage{Type: "error", Error: "invalid message"})
			continue
		}
		if err := dispatch(s, msg); err != nil {
			c.push(ServerMessage{Type: "error", Error: err.Error()})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errMissingVisible = errors.New("visibility message without visible")

type errUnknownMessage string

func (e errUnknownMessage) Error() string { return "unknown message type " + string(e) }

func dispatch(s *Session, msg ClientMessage) error {
	switch msg.Type {
	case "visibility":
		if msg.Visible == nil {
			return errMissingVisible
		}
		s.ApplyVisibility(*msg.Visible)
	case "filter":
		return s.SetFilter(s.ctx, msg.Date)
	case "reset":
		s.ResetFilter(s.ctx)
	default:
		return errUnknownMessage(msg.Type)
	}
	return nil
}
