package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/events"
)

// handleEvents returns the queued events of the caller with an order id
// above ?after, acknowledging everything up to it.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	s := ws.actor(r)
	pending := s.Pending(after)
	out := make([]eventJSON, 0, len(pending))
	for _, ev := range pending {
		out = append(out, toEventJSON(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": s.ChannelID(),
		"events":  out,
	})
}

// handleDisconnect takes the caller out of its channel and drops its
// session.
func (ws *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c := ClaimsFromContext(r.Context())
	s, ok := ws.sessions.Disconnect(c.UserID)
	if !ok {
		writeKind(w, channel.NoChange)
		return
	}
	if id := s.ChannelID(); id != channel.NoChannel {
		ws.mgr.Leave(s, id)
	}
	writeKind(w, channel.Success)
}

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 50 * time.Second
)

// wsClient pushes one user's events over a websocket. It is subscribed on
// the bus for that user. Receive runs inside channel fan-out and must not
// block, so a client that falls behind is disconnected.
type wsClient struct {
	conn *websocket.Conn
	send chan events.Event

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) Receive(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		log.Warn().Str("module", "web").Int("user", ev.User).Msg("websocket client too slow, closing")
		c.closeLocked()
	}
}

func (c *wsClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsClient) close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *wsClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleWebSocket upgrades the request and streams the caller's events.
// Events that arrive while no websocket is open stay queued for
// GET /api/v1/events.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s := ws.actor(r)
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("module", "web").Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan events.Event, wsSendBuffer)}
	ws.bus.Subscribe(s.ID(), client)
	log.Info().Str("module", "web").Int("user", s.ID()).Msg("websocket opened")

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteJSON(map[string]any{
		"type":        "hello",
		"userID":      s.ID(),
		"channel":     s.ChannelID(),
		"lastOrderID": s.LastOrderID(),
	})

	go ws.wsWriteLoop(client)
	ws.wsReadLoop(client)

	client.close()
	ws.bus.Unsubscribe(s.ID(), client)
	log.Info().Str("module", "web").Int("user", s.ID()).Msg("websocket closed")
}

// wsReadLoop only services control frames; clients act through REST.
func (ws *WebServer) wsReadLoop(c *wsClient) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("module", "web").Msg("websocket read error")
			}
			return
		}
	}
}

func (ws *WebServer) wsWriteLoop(c *wsClient) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(toEventJSON(ev)); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
