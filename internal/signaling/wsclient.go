package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall/pkg/constants"
	"peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// Compile-time interface check.
var _ Transport = (*WSClient)(nil)

// WSClientConfig configures the relay connection
type WSClientConfig struct {
	URL     string
	Token   string
	PeerID  string
	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	// Reconnect backoff bounds used by Run
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WSClient is the agent's WebSocket link to the signaling relay.
// Every disconnect is reported through OnConnectionChange; Run redials with
// backoff while its context is alive.
type WSClient struct {
	cfg    WSClientConfig
	fanout *fanout
	log    *zap.Logger

	mu   sync.Mutex
	conn *wsConn
}

// wsConn is one dialled connection and its pumps
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(constants.WebSocketWriteWait))
		c.ws.Close()
	})
}

// NewWSClient creates a disconnected client
func NewWSClient(cfg WSClientConfig) *WSClient {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &WSClient{
		cfg:    cfg,
		fanout: newFanout(),
		log:    logger.ForComponent("signaling", zap.String("peer_id", cfg.PeerID)),
	}
}

// LocalID returns the peer id
func (c *WSClient) LocalID() string {
	return c.cfg.PeerID
}

// Subscribe returns inbound envelopes. Subscriptions survive reconnects.
func (c *WSClient) Subscribe() (<-chan *Envelope, func()) {
	return c.fanout.subscribe()
}

// OnConnectionChange registers a connect / disconnect handler
func (c *WSClient) OnConnectionChange(fn func(bool)) {
	c.fanout.onConnectionChange(fn)
}

// Connected reports whether a relay connection is up
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the relay once and starts the pumps
func (c *WSClient) Connect(ctx context.Context) (<-chan struct{}, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}

	conn := &wsConn{
		ws:   ws,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.log.Info("Connected to signaling relay", zap.String("url", c.cfg.URL))
	c.fanout.notify(true)
	return conn.done, nil
}

// Run keeps the client connected until ctx is done
func (c *WSClient) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		done, err := c.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("Relay connection failed, retrying",
				zap.Duration("backoff", backoff),
				zap.Error(err))
		} else {
			backoff = c.cfg.MinBackoff
			select {
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			case <-done:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// Send queues an event for the relay
func (c *WSClient) Send(ctx context.Context, to string, event Event, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.TransportDisconnectedError(fmt.Errorf("not connected to relay"))
	}

	env, err := NewEnvelope(c.cfg.PeerID, to, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case conn.send <- data:
		c.cfg.Metrics.RecordSignal(string(event), "out")
		return nil
	case <-conn.done:
		return errors.TransportDisconnectedError(fmt.Errorf("relay connection closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops the current connection, reporting the disconnect
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.disconnect(conn, nil)
	}
}

func (c *WSClient) disconnect(conn *wsConn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.close()
	if !current {
		return
	}

	c.cfg.Metrics.RecordTransportDisconnect()
	if cause != nil {
		c.log.Warn("Signaling relay disconnected", zap.Error(cause))
	} else {
		c.log.Info("Signaling relay connection closed")
	}
	c.fanout.notify(false)
}

// readPump reads envelopes from the relay and hands them to subscribers in order
func (c *WSClient) readPump(conn *wsConn) {
	var cause error
	defer func() { c.disconnect(conn, cause) }()

	conn.ws.SetReadLimit(constants.WebSocketMaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cause = err
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn("Invalid envelope from relay", zap.Error(err))
			continue
		}
		c.cfg.Metrics.RecordSignal(string(env.Event), "in")
		c.fanout.deliver(&env)
	}
}

// writePump writes queued envelopes and keeps the connection alive
func (c *WSClient) writePump(conn *wsConn) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			return

		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cfg.Metrics.RecordWebSocketError("write")
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
