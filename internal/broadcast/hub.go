package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"threatwatch-service/internal/config"
	"threatwatch-service/internal/domain/threat"
)

const writeTimeout = 10 * time.Second

// Mirror receives every encoded event after local fan-out.
type Mirror interface {
	PublishRaw(data []byte) error
}

// Observer is notified of drops and session changes.
type Observer interface {
	BroadcastDropped()
	ClientConnected()
	ClientDisconnected()
}

type nopObserver struct{}

func (nopObserver) BroadcastDropped()   {}
func (nopObserver) ClientConnected()    {}
func (nopObserver) ClientDisconnected() {}

type Option func(*Hub)

func WithMirror(m Mirror) Option           { return func(h *Hub) { h.mirror = m } }
func WithObserver(o Observer) Option       { return func(h *Hub) { h.obs = o } }
func WithOriginPatterns(p []string) Option { return func(h *Hub) { h.origins = p } }

// Hub fans live events out to every connected dashboard session. Broadcast
// only enqueues; a single Run goroutine drains the queue so events leave in
// the order they were broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	queue   chan []byte

	clientBuffer int
	pingInterval time.Duration
	pongTimeout  time.Duration
	origins      []string

	mirror Mirror
	obs    Observer
	log    zerolog.Logger
}

type client struct {
	id       string
	callerID string
	conn     *websocket.Conn
	send     chan []byte
	cancel   context.CancelFunc
}

func NewHub(cfg config.BroadcastConfig, log zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[*client]struct{}),
		queue:        make(chan []byte, cfg.QueueSize),
		clientBuffer: cfg.ClientBuffer,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.ReadTimeout,
		obs:          nopObserver{},
		log:          log,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 30 * time.Second
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = 60 * time.Second
	}
	return h
}

// Broadcast enqueues evt for delivery. It never blocks and never fails;
// when the queue is full the event is dropped and counted.
func (h *Hub) Broadcast(evt threat.LiveEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error().Err(err).Str("type", evt.Type).Msg("failed to encode live event")
		return
	}
	select {
	case h.queue <- data:
	default:
		h.obs.BroadcastDropped()
		h.log.Warn().Str("type", evt.Type).Msg("broadcast queue full, event dropped")
	}
}

// Run drains the queue until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.queue:
			h.fanOut(data)
			if h.mirror != nil {
				if err := h.mirror.PublishRaw(data); err != nil {
					h.log.Warn().Err(err).Msg("failed to mirror live event")
				}
			}
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// client too slow, skip
			h.obs.BroadcastDropped()
			h.log.Debug().Str("session_id", c.id).Msg("client buffer full, event dropped")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.obs.ClientConnected()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.mu.Unlock()
		h.obs.ClientDisconnected()
		return
	}
	h.mu.Unlock()
}

// HandleWS upgrades an already authenticated request and serves the session
// until either side closes it.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, callerID string) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:       uuid.NewString(),
		callerID: callerID,
		conn:     conn,
		send:     make(chan []byte, h.clientBuffer),
		cancel:   cancel,
	}

	hello, _ := json.Marshal(threat.LiveEvent{Type: "hello", Data: map[string]string{"session_id": c.id}})
	c.send <- hello
	h.register(c)

	h.log.Info().Str("session_id", c.id).Str("caller_id", callerID).Msg("live session connected")

	go h.pingLoop(ctx, c)
	go h.writePump(ctx, c)
	h.readPump(ctx, c)

	h.log.Info().Str("session_id", c.id).Msg("live session closed")
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister(c)
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// dashboards do not send anything meaningful; reading keeps control
	// frames (pongs, close) flowing
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	for data := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.cancel()
			return
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.pongTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Str("session_id", c.id).Msg("ping failed, dropping session")
				c.cancel()
				return
			}
		}
	}
}
