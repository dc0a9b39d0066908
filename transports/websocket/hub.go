// Package websocket carries caller audio over a websocket per room. Browsers
// and telephony gateways connect to /v1/media/{room} and exchange binary
// 16-bit mono PCM frames; the session side joins the same room through Hub.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apitransport "github.com/tiger/voice-orchestrator/api/transport"
)

// clearAudioMessage tells the client to drop audio it has buffered for playback.
var clearAudioMessage = []byte(`{"type":"clear_audio"}`)

// Config tunes the media websocket.
type Config struct {
	SampleRateHz    int           `yaml:"sample_rate_hz"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	AcceptTimeout   time.Duration `yaml:"accept_timeout"`
	OutboundQueue   int           `yaml:"outbound_queue"`
	InboundQueue    int           `yaml:"inbound_queue"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	// AllowedOrigins lists accepted browser origins. "*" accepts any; empty
	// keeps the same-host check.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 3 * c.PingInterval
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 15 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

// Validate rejects negative sizes and a pong wait shorter than the ping interval.
func (c Config) Validate() error {
	if c.WriteTimeout < 0 || c.PingInterval < 0 || c.PongWait < 0 || c.AcceptTimeout < 0 {
		return fmt.Errorf("transport timeouts must be >=0")
	}
	if c.OutboundQueue < 0 || c.InboundQueue < 0 || c.MaxMessageBytes < 0 {
		return fmt.Errorf("transport queue sizes must be >=0")
	}
	d := c.withDefaults()
	if d.PongWait <= d.PingInterval {
		return fmt.Errorf("transport pong_wait must exceed ping_interval")
	}
	return d.Capabilities().Validate()
}

// Capabilities describes the websocket transport for cfg.
func (c Config) Capabilities() apitransport.Capabilities {
	return apitransport.Capabilities{
		TransportKind:        apitransport.TransportWebSocket,
		SupportsIngressAudio: true,
		SupportsEgressAudio:  true,
		SupportsClearAudio:   true,
		SampleRateHz:         c.withDefaults().SampleRateHz,
	}
}

// Hub pairs caller websockets with joining sessions by room. It implements
// transport.Joiner and http.Handler.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	ready   chan struct{}
	claimed chan struct{}
	conn    *Conn
	joined  bool
}

// NewHub returns a hub with no rooms.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "transport"), zap.String("transport_kind", string(apitransport.TransportWebSocket))),
		rooms:  map[string]*room{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Capabilities describes this hub.
func (h *Hub) Capabilities() apitransport.Capabilities {
	return h.cfg.Capabilities()
}

func (h *Hub) roomLocked(ref string) *room {
	r, ok := h.rooms[ref]
	if !ok {
		r = &room{ready: make(chan struct{}), claimed: make(chan struct{})}
		h.rooms[ref] = r
	}
	return r
}

func (h *Hub) forget(ref string, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[ref] == r {
		delete(h.rooms, ref)
	}
}

// Join waits until a caller connects to roomRef.
func (h *Hub) Join(ctx context.Context, roomRef string) (apitransport.Connection, error) {
	if err := apitransport.ValidateRoomRef(roomRef); err != nil {
		return nil, err
	}
	h.mu.Lock()
	r := h.roomLocked(roomRef)
	if r.joined {
		h.mu.Unlock()
		return nil, fmt.Errorf("room %s already joined", roomRef)
	}
	r.joined = true
	h.mu.Unlock()

	select {
	case <-r.ready:
		close(r.claimed)
		return r.conn, nil
	case <-ctx.Done():
		h.mu.Lock()
		r.joined = false
		abandoned := r.conn == nil
		h.mu.Unlock()
		if abandoned {
			h.forget(roomRef, r)
		}
		return nil, fmt.Errorf("join room %s: %w", roomRef, ctx.Err())
	}
}

// ServeHTTP upgrades a caller connection for the room named by the last path
// segment (or the {room} pattern value) and serves it until disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ref := req.PathValue("room")
	if ref == "" {
		ref = path.Base(req.URL.Path)
	}
	if err := apitransport.ValidateRoomRef(ref); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	r := h.roomLocked(ref)
	if r.conn != nil {
		h.mu.Unlock()
		http.Error(w, "room already has a caller", http.StatusConflict)
		return
	}
	// reserve the room while upgrading
	r.conn = &Conn{}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.mu.Lock()
		r.conn = nil
		joined := r.joined
		h.mu.Unlock()
		if !joined {
			h.forget(ref, r)
		}
		h.logger.Debug("media upgrade failed", zap.String("room", ref), zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("room", ref))
	conn := newConn(ws, h.cfg, logger, func() { h.forget(ref, r) })
	h.mu.Lock()
	r.conn = conn
	h.mu.Unlock()
	close(r.ready)
	logger.Info("caller connected", zap.String("remote_addr", req.RemoteAddr))

	go conn.writeLoop()
	go h.awaitClaim(r, conn)
	conn.readLoop()
	logger.Info("caller disconnected")
}

func (h *Hub) awaitClaim(r *room, conn *Conn) {
	timer := time.NewTimer(h.cfg.AcceptTimeout)
	defer timer.Stop()
	select {
	case <-r.claimed:
	case <-conn.done:
	case <-timer.C:
		conn.logger.Warn("no session joined the room", zap.Duration("accept_timeout", h.cfg.AcceptTimeout))
		conn.closeWith(websocket.CloseTryAgainLater, "no session")
	}
}

// Conn is the session side of one caller websocket.
type Conn struct {
	ws      *websocket.Conn
	cfg     Config
	logger  *zap.Logger
	release func()

	inbound  chan []byte
	outbound chan []byte
	control  chan []byte
	done     chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	once        sync.Once
}

func newConn(ws *websocket.Conn, cfg Config, logger *zap.Logger, release func()) *Conn {
	return &Conn{
		ws:        ws,
		cfg:       cfg,
		logger:    logger,
		release:   release,
		inbound:   make(chan []byte, cfg.InboundQueue),
		outbound:  make(chan []byte, cfg.OutboundQueue),
		control:   make(chan []byte, 8),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Frames delivers caller audio; it is closed on disconnect.
func (c *Conn) Frames() <-chan []byte { return c.inbound }

// Done is closed on disconnect or Close.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendAudioFrame queues one frame for the writer.
func (c *Conn) SendAudioFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return apitransport.ErrClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return apitransport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearAudio drops queued outbound frames and asks the client to flush its
// playback buffer. It returns the number of frames dropped here.
func (c *Conn) ClearAudio() int {
	dropped := 0
drain:
	for {
		select {
		case <-c.outbound:
			dropped++
		default:
			break drain
		}
	}
	select {
	case c.control <- clearAudioMessage:
	default:
	}
	return dropped
}

// Close ends the connection with a normal closure.
func (c *Conn) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

func (c *Conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
		c.release()
	})
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	defer c.closeWith(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	dropped := 0
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("media read ended", zap.Error(err))
			}
			if dropped > 0 {
				c.logger.Warn("dropped inbound frames", zap.Int("dropped", dropped))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case c.inbound <- data:
		default:
			dropped++
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		// control frames preempt queued audio
		select {
		case msg := <-c.control:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.fail(err)
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.cfg.WriteTimeout))
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
		case msg := <-c.control:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.fail(err)
				return
			}
		case frame := <-c.outbound:
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, data)
}

func (c *Conn) fail(err error) {
	c.logger.Debug("media write failed", zap.Error(err))
	c.closeWith(websocket.CloseInternalServerErr, "")
}
