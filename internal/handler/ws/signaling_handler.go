package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall/internal/middleware"
	"peercall/internal/signaling"
	"peercall/pkg/constants"
	pkgctx "peercall/pkg/context"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
	"peercall/pkg/response"
	"peercall/pkg/sanitize"
)

// Presence records which peers are connected to some relay instance
type Presence interface {
	SetPeerOnline(ctx context.Context, peerID, instanceID string) error
	SetPeerOffline(ctx context.Context, peerID string) error
	IsPeerOnline(ctx context.Context, peerID string) (bool, error)
	RefreshPresence(ctx context.Context, peerID string) error
}

// Fanout carries envelopes to peers connected to other relay instances
type Fanout interface {
	Publish(ctx context.Context, peerID string, msg []byte) (int64, error)
	Subscribe(ctx context.Context, peerID string) (<-chan []byte, error)
}

// HubConfig configures a SignalingHub
type HubConfig struct {
	InstanceID     string
	MaxConnections int
	// Browser origins allowed to connect. Agents send no Origin and are always allowed.
	AllowedOrigins []string
	// Both nil for a single-instance relay
	Fanout   Fanout
	Presence Presence
	Metrics  *metrics.Metrics
}

// SignalingHub routes signaling envelopes between connected peers by peer id.
// It never inspects payloads. An envelope that cannot reach its recipient is
// answered with signal:undeliverable.
type SignalingHub struct {
	instanceID string

	// Connected peers on this instance
	peers map[string]*SignalingClient

	fanout   Fanout
	presence Presence
	metrics  *metrics.Metrics

	mu sync.RWMutex

	register   chan *SignalingClient
	unregister chan *SignalingClient
	done       chan struct{}
	stopOnce   sync.Once

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}

	upgrader websocket.Upgrader
}

// SignalingClient is one peer's WebSocket connection
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	peerID string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignalingHub creates a new signaling hub and starts its run loop
func NewSignalingHub(cfg HubConfig) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.DefaultMaxRelayConnections
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	hub := &SignalingHub{
		instanceID:     cfg.InstanceID,
		peers:          make(map[string]*SignalingClient),
		fanout:         cfg.Fanout,
		presence:       cfg.Presence,
		metrics:        cfg.Metrics,
		register:       make(chan *SignalingClient),
		unregister:     make(chan *SignalingClient),
		done:           make(chan struct{}),
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowed[origin]
			},
		},
	}

	go hub.run()

	return hub
}

// Stop ends the run loop and closes every connection
func (h *SignalingHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ConnectedPeers returns how many peers are connected to this instance
func (h *SignalingHub) ConnectedPeers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// run handles hub membership
func (h *SignalingHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.peers {
				delete(h.peers, id)
				close(client.send)
				client.cancel()
			}
			h.metrics.SetWebSocketConnections(0)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.peers[client.peerID]; ok {
				// the newest connection for a peer id wins
				logger.Info("Replacing existing relay connection", zap.String("peer_id", client.peerID))
				close(old.send)
				old.cancel()
			}
			h.peers[client.peerID] = client
			h.metrics.SetWebSocketConnections(len(h.peers))
			h.mu.Unlock()

			h.markOnline(client)
			if h.fanout != nil {
				go h.subscribeToPeer(client)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.peers[client.peerID]
			if ok && current == client {
				delete(h.peers, client.peerID)
				close(client.send)
				client.cancel()
				h.metrics.SetWebSocketConnections(len(h.peers))
			}
			h.mu.Unlock()

			if ok && current == client {
				h.markOffline(client.peerID)
			}
		}
	}
}

func (h *SignalingHub) markOnline(client *SignalingClient) {
	if h.presence == nil {
		return
	}
	ctx, cancel := pkgctx.WithStoreTimeout(context.Background())
	defer cancel()
	if err := h.presence.SetPeerOnline(ctx, client.peerID, h.instanceID); err != nil {
		logger.Warn("Failed to mark peer online", zap.String("peer_id", client.peerID), zap.Error(err))
	}
}

func (h *SignalingHub) markOffline(peerID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := pkgctx.WithStoreTimeout(context.Background())
	defer cancel()
	if err := h.presence.SetPeerOffline(ctx, peerID); err != nil {
		logger.Warn("Failed to mark peer offline", zap.String("peer_id", peerID), zap.Error(err))
	}
}

// subscribeToPeer forwards envelopes other instances publish for this peer
func (h *SignalingHub) subscribeToPeer(client *SignalingClient) {
	ch, err := h.fanout.Subscribe(client.ctx, client.peerID)
	if err != nil {
		logger.Error("Failed to subscribe to peer channel",
			zap.String("peer_id", client.peerID),
			zap.Error(err))
		return
	}

	for msg := range ch {
		if !h.deliverLocal(client.peerID, msg) {
			logger.Debug("Dropping fanned-out signal for departed peer", zap.String("peer_id", client.peerID))
		}
	}
}

// route delivers env to its recipient, here or on another instance
func (h *SignalingHub) route(ctx context.Context, env *signaling.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to marshal envelope", zap.Error(err))
		return
	}

	if h.deliverLocal(env.To, data) || h.deliverRemote(ctx, env.To, data) {
		h.metrics.RecordSignal(string(env.Event), "relayed")
		return
	}

	h.metrics.RecordUndeliverable(string(env.Event))
	logger.Debug("Signal undeliverable",
		zap.String("event", string(env.Event)),
		zap.String("from", env.From),
		zap.String("to", env.To))
	h.bounce(env)
}

func (h *SignalingHub) deliverLocal(peerID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.peers[peerID]
	if !ok {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		logger.Warn("Relay send buffer full", zap.String("peer_id", peerID))
		h.metrics.RecordWebSocketError("send_buffer_full")
		return false
	}
}

func (h *SignalingHub) deliverRemote(ctx context.Context, peerID string, data []byte) bool {
	if h.fanout == nil {
		return false
	}

	if h.presence != nil {
		online, err := h.presence.IsPeerOnline(ctx, peerID)
		if err == nil && !online {
			return false
		}
	}

	n, err := h.fanout.Publish(ctx, peerID, data)
	if err != nil {
		logger.Warn("Failed to fan out signal", zap.String("peer_id", peerID), zap.Error(err))
		return false
	}
	return n > 0
}

// bounce tells the sender its envelope went nowhere
func (h *SignalingHub) bounce(env *signaling.Envelope) {
	if env.Event == signaling.EventUndeliverable {
		return
	}
	reply, err := signaling.NewEnvelope("", env.From, signaling.EventUndeliverable, signaling.UndeliverablePayload{
		To:     env.To,
		Event:  env.Event,
		CallID: signaling.CallIDOf(env),
	})
	if err != nil {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	h.deliverLocal(env.From, data)
}

// ServeWS handles WebSocket requests for signaling
// GET /v1/signaling/ws
func (h *SignalingHub) ServeWS(c *gin.Context) {
	peerID, ok := middleware.PeerIDFromContext(c)
	if !ok {
		response.Unauthorized(c, "Missing peer identity")
		return
	}

	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.ServiceUnavailable(c, "Relay at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("peer_id", peerID),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		peerID: peerID,
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		cancel()
		conn.Close()
		return
	}

	logger.Info("Peer connected to relay", zap.String("peer_id", peerID))

	go client.writePump()
	go client.readPump()
}

// readPump reads envelopes from the peer and routes them in arrival order
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		<-c.hub.semaphore
		logger.Info("Peer disconnected from relay", zap.String("peer_id", c.peerID))
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("peer_id", c.peerID),
					zap.Error(err))
			}
			break
		}

		var env signaling.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("peer_id", c.peerID),
				zap.Error(err))
			c.hub.metrics.RecordWebSocketError("malformed")
			continue
		}
		if !env.Event.Valid() || !sanitize.ValidatePeerID(env.To) {
			logger.Warn("Dropping unroutable envelope",
				zap.String("peer_id", c.peerID),
				zap.String("event", string(env.Event)))
			continue
		}

		// the relay stamps the sender, peers cannot spoof it
		env.From = c.peerID

		ctx, cancel := pkgctx.WithSignalTimeout(c.ctx)
		c.hub.route(ctx, &env)
		cancel()
	}
}

// writePump writes envelopes to the peer and keeps the connection alive
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if c.hub.presence != nil {
				go c.refreshPresence()
			}
		}
	}
}

func (c *SignalingClient) refreshPresence() {
	ctx, cancel := pkgctx.WithStoreTimeout(c.ctx)
	defer cancel()
	if err := c.hub.presence.RefreshPresence(ctx, c.peerID); err != nil {
		logger.Debug("Failed to refresh presence", zap.String("peer_id", c.peerID), zap.Error(err))
	}
}
