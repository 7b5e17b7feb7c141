// Package websocket is the transport gateway: it parses client
// control/audio messages, drives the session registry, and serializes
// outbound recognition events back to the client in production order.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voxgate/server/domain"
	"github.com/voxgate/server/internal/auth"
	"github.com/voxgate/server/internal/codec"
	"github.com/voxgate/server/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio frames

	// Outbound event buffer per connection.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Gateway owns the set of active connections and hands their commands to
// the session registry.
type Gateway struct {
	registry      *session.Registry
	authenticator *auth.Authenticator // nil disables auth

	// PartialThrottle is the minimum interval between forwarded partial
	// events per connection. Zero disables throttling. Terminal events
	// are never throttled.
	partialThrottle time.Duration

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	logger *zap.Logger
}

// NewGateway creates a gateway over the given registry.
func NewGateway(registry *session.Registry, authenticator *auth.Authenticator, partialThrottle time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry:        registry,
		authenticator:   authenticator,
		partialThrottle: partialThrottle,
		clients:         make(map[string]*Client),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		logger:          logger,
	}
}

// Run starts the gateway's connection bookkeeping loop.
func (g *Gateway) Run() {
	for {
		select {
		case client := <-g.register:
			g.mu.Lock()
			g.clients[client.clientID] = client
			g.mu.Unlock()
			g.logger.Info("Client connected", zap.String("clientID", client.clientID))

		case client := <-g.unregister:
			g.mu.Lock()
			if current, ok := g.clients[client.clientID]; ok && current == client {
				delete(g.clients, client.clientID)
				close(client.send)
			}
			g.mu.Unlock()
			g.logger.Info("Client disconnected", zap.String("clientID", client.clientID))
		}
	}
}

// Shutdown force-closes every connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, client := range g.clients {
		client.conn.Close()
	}
}

// Client is a middleman between one websocket connection and its session.
type Client struct {
	gateway *Gateway

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	clientID string
	session  *session.Session

	// sessions tracks every session this connection attached, so teardown
	// can wait for all of their goroutines before the send channel closes.
	// Touched only from the readPump goroutine.
	sessions []*session.Session

	// lastPartial is touched only from the session goroutine via sink.
	lastPartial time.Time

	logger *zap.Logger
}

// Handle upgrades the request and binds a session to the connection.
func (g *Gateway) Handle(c echo.Context) error {
	clientID, err := g.identify(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		gateway:  g,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		clientID: clientID,
		logger:   g.logger,
	}
	client.session = g.registry.Attach(clientID, client.sink)
	client.sessions = append(client.sessions, client.session)

	g.register <- client

	go client.writePump()
	go client.readPump()

	return nil
}

// identify resolves the client id from the JWT token, or mints one when
// auth is disabled.
func (g *Gateway) identify(c echo.Context) (string, error) {
	if g.authenticator == nil {
		if id := c.QueryParam("client_id"); id != "" {
			return id, nil
		}
		return uuid.NewString(), nil
	}

	token := c.QueryParam("token")
	if token == "" {
		token = auth.BearerToken(c.Request())
	}
	claims, err := g.authenticator.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.ClientID, nil
}

// sink receives session events. It runs on the session goroutine, so the
// order written to send matches production order.
func (c *Client) sink(ev domain.Event) {
	if ev.Kind == domain.EventPartial && c.gateway.partialThrottle > 0 {
		now := time.Now()
		if now.Sub(c.lastPartial) < c.gateway.partialThrottle {
			return
		}
		c.lastPartial = now
	}

	payload := codec.EncodeEvent(ev)
	select {
	case c.send <- payload:
	default:
		if ev.Terminal() {
			// A client too slow to drain a terminal event cannot observe
			// the end of its utterance; drop the connection so teardown
			// runs instead of wedging the session.
			c.logger.Warn("Send buffer full on terminal event, closing connection",
				zap.String("clientID", c.clientID))
			c.conn.Close()
			return
		}
		c.logger.Warn("Dropping partial event, send buffer full",
			zap.String("clientID", c.clientID))
	}
}

// readPump pumps messages from the websocket connection into the session.
// Connection loss is terminal for the session: the deferred teardown
// removes it from the registry, which force-closes the upstream stream.
func (c *Client) readPump() {
	defer func() {
		c.gateway.registry.Detach(c.clientID, c.session)
		// The send channel must outlive every session goroutine that can
		// write into sink.
		for _, s := range c.sessions {
			<-s.Done()
		}
		c.gateway.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}
		c.handleMessage(message)
	}
}

// handleMessage dispatches one inbound message. Malformed input yields an
// error event on the same connection, never a close.
func (c *Client) handleMessage(message []byte) {
	msg, err := ParseClientMessage(message)
	if err != nil {
		c.sink(domain.ErrorEvent(err))
		return
	}

	if c.session.Closed() {
		// The idle sweep can evict a session out from under a live
		// connection. The command addressed a session that no longer
		// exists; report it and attach a fresh one for what follows.
		c.sink(domain.ErrorEvent(domain.ErrSessionNotFound))
		c.session = c.gateway.registry.Attach(c.clientID, c.sink)
		c.sessions = append(c.sessions, c.session)
		return
	}

	switch msg.Type {
	case MessageTypeStart:
		c.session.Start()
	case MessageTypeAudio:
		pcm, err := codec.DecodeAudio(msg.Data)
		if err != nil {
			c.sink(domain.ErrorEvent(err))
			return
		}
		c.session.Frame(pcm)
	case MessageTypeStop:
		c.session.Stop()
	}
}

// writePump pumps outbound events to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
