package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/filebridge/internal/events"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	writeTimeout        = 10 * time.Second
)

// Relay streams bus events to WebSocket clients as JSON. Clients may narrow
// the stream with ?resource=<id> and ?type=<t1,t2>.
type Relay struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *events.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewRelay creates a relay over bus.
func NewRelay(bus *events.Bus, logger *events.Logger) *Relay {
	return &Relay{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:       logger.WithField("component", "ws_relay"),
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
	}
}

type eventFilter struct {
	resource string
	types    map[events.EventType]bool
}

func (f eventFilter) match(e events.Event) bool {
	if f.resource != "" && e.ResourceID != f.resource {
		return false
	}
	if len(f.types) > 0 && !f.types[e.Type] {
		return false
	}
	return true
}

func parseFilter(r *http.Request) eventFilter {
	f := eventFilter{resource: r.URL.Query().Get("resource")}
	if t := r.URL.Query().Get("type"); t != "" {
		f.types = make(map[events.EventType]bool)
		for _, name := range strings.Split(t, ",") {
			f.types[events.EventType(strings.TrimSpace(name))] = true
		}
	}
	return f
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	filter := parseFilter(req)
	sub, cancel := r.bus.Subscribe(256)
	defer cancel()

	logger := r.logger.WithField("remote", req.RemoteAddr)
	logger.Debug("Event client connected")

	done := make(chan struct{})
	go r.readLoop(conn, done)

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if !filter.match(e) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				logger.WithError(err).Debug("Event write failed")
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.WithError(err).Debug("Ping failed")
				return
			}

		case <-done:
			logger.Debug("Event client disconnected")
			return
		}
	}
}

// readLoop drains client frames so control messages are processed, and
// closes done when the client goes away.
func (r *Relay) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(r.pongTimeout + r.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.pongTimeout + r.pingInterval))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// WSClient follows a relay's event stream.
type WSClient struct {
	url    string
	logger *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	events chan events.Event
	errors chan error
	done   chan struct{}

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a client for the relay at wsURL. http(s) URLs are
// converted to ws(s).
func NewWSClient(wsURL string, logger *events.Logger) *WSClient {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &WSClient{
		url:          wsURL,
		logger:       logger.WithField("component", "ws_client"),
		events:       make(chan events.Event, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
	}
}

// Connect establishes the WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logger.WithField("url", c.url).Debug("Connecting to event relay")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	c.conn = conn
	c.closed = false

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Events returns the event channel. It is closed when the stream ends.
func (c *WSClient) Events() <-chan events.Event {
	return c.events
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

func (c *WSClient) readLoop() {
	defer func() {
		c.Close()
		close(c.events)
		close(c.errors)
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Event stream read error")
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		select {
		case c.events <- e:
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
