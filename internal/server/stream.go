package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/smartplant/internal/ingest"
	"github.com/afroash/smartplant/internal/models"
)

// Constants for WebSocket timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultStreamBuffer = 16
)

// Compile-time interface check
var _ ingest.Listener = (*StreamHub)(nil)

// StreamHub pushes every stored reading to connected WebSocket clients
type StreamHub struct {
	upgrader       websocket.Upgrader
	snapshot       LatestReader
	logger         zerolog.Logger
	allowedOrigins []string
	bufferSize     int
	writeTimeout   time.Duration

	clients map[*streamClient]struct{}
	closed  bool
	mutex   sync.RWMutex
}

// streamClient represents one connected viewer
type streamClient struct {
	conn        *websocket.Conn
	send        chan []byte
	remoteAddr  string
	connectedAt time.Time
	dropped     atomic.Int64
	// reported is the dropped count already announced; writer goroutine only
	reported int64
}

// StreamConfig tunes per-client buffering and write deadlines
type StreamConfig struct {
	BufferSize     int
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// NewStreamHub creates a hub. snapshot, when non-nil, is sent to each client on connect.
func NewStreamHub(cfg StreamConfig, snapshot LatestReader, logger zerolog.Logger) *StreamHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultStreamBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeWait
	}

	h := &StreamHub{
		snapshot:       snapshot,
		logger:         logger.With().Str("component", "stream").Logger(),
		allowedOrigins: cfg.AllowedOrigins,
		bufferSize:     cfg.BufferSize,
		writeTimeout:   cfg.WriteTimeout,
		clients:        make(map[*streamClient]struct{}),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the incoming request's Origin against the configured allowlist
func (h *StreamHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// No Origin header means same-origin request
	if origin == "" {
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}

	h.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// ServeHTTP upgrades the request and streams readings until the client goes away
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mutex.RLock()
	closed := h.closed
	h.mutex.RUnlock()
	if closed {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &streamClient{
		conn:        conn,
		send:        make(chan []byte, h.bufferSize),
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
	}

	if !h.register(client) {
		conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *StreamHub) currentSnapshot() (models.Reading, bool) {
	if h.snapshot == nil {
		return models.Reading{}, false
	}
	return h.snapshot.Get()
}

// register adds c and queues the snapshot while holding the hub lock, so
// no stored reading can fall between the snapshot and the live feed.
// c.send must be empty and buffered.
func (h *StreamHub) register(c *streamClient) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if reading, ok := h.currentSnapshot(); ok {
		if data, err := encodeMessage(models.MessageTypeSnapshot, reading); err == nil {
			c.send <- data
		}
	}
	h.logger.Info().Str("remote", c.remoteAddr).Int("clients", len(h.clients)).Msg("Stream client connected")
	return true
}

// unregister removes c and closes its send channel, which stops its writer
func (h *StreamHub) unregister(c *streamClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info().
		Str("remote", c.remoteAddr).
		Dur("connected_for", time.Since(c.connectedAt)).
		Int64("dropped", c.dropped.Load()).
		Msg("Stream client disconnected")
}

// readPump discards inbound frames and keeps the read deadline alive on pongs
func (h *StreamHub) readPump(c *streamClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn().Err(err).Str("remote", c.remoteAddr).Msg("Failed to send reading")
				return
			}
			if notice, ok := dropNotice(c); ok {
				if err := c.conn.WriteMessage(websocket.TextMessage, notice); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadingStored fans a stored reading out to all clients. Clients whose
// buffer is full miss this reading.
func (h *StreamHub) ReadingStored(reading models.Reading) {
	data, err := encodeMessage(models.MessageTypeReading, reading)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode reading")
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.dropped.Add(1)
			h.logger.Debug().Str("remote", c.remoteAddr).Msg("Stream client too slow, reading dropped")
		}
	}
}

// ClientCount returns the number of connected stream clients
func (h *StreamHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *StreamHub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.logger.Info().Msg("Stream hub closed")
}

// dropNotice builds a slow_consumer error for readings dropped since the last notice
func dropNotice(c *streamClient) ([]byte, bool) {
	n := c.dropped.Load()
	if n <= c.reported {
		return nil, false
	}
	msg := models.NewErrorMessage(models.ErrorCodeSlowConsumer, fmt.Sprintf("%d readings dropped", n-c.reported))
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	c.reported = n
	return data, true
}

func encodeMessage(msgType models.MessageType, reading models.Reading) ([]byte, error) {
	msg, err := models.NewMessage(msgType, reading)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
