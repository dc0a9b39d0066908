// Package memory is an in-process media transport. The caller side of a room
// is a Peer; the session side is the transport.Connection returned by Join.
package memory

import (
	"context"
	"fmt"
	"sync"

	apitransport "github.com/tiger/voice-orchestrator/api/transport"
)

// Config sizes the per-room frame buffers.
type Config struct {
	SampleRateHz int
	Buffer       int
}

func (c Config) withDefaults() Config {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

// Hub holds the rooms. It implements transport.Joiner.
type Hub struct {
	cfg Config

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub returns an empty hub.
func NewHub(cfg Config) *Hub {
	return &Hub{cfg: cfg.withDefaults(), rooms: map[string]*room{}}
}

// Capabilities describes the memory transport.
func (h *Hub) Capabilities() apitransport.Capabilities {
	return apitransport.Capabilities{
		TransportKind:        apitransport.TransportMemory,
		SupportsIngressAudio: true,
		SupportsEgressAudio:  true,
		SupportsClearAudio:   true,
		SampleRateHz:         h.cfg.SampleRateHz,
	}
}

type room struct {
	ready chan struct{}
	link  *link
	once  sync.Once
}

func (h *Hub) room(ref string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[ref]
	if !ok {
		r = &room{ready: make(chan struct{}), link: newLink(h.cfg.Buffer)}
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

// Dial attaches the caller to roomRef and completes any pending Join.
func (h *Hub) Dial(roomRef string) (*Peer, error) {
	if err := apitransport.ValidateRoomRef(roomRef); err != nil {
		return nil, err
	}
	r := h.room(roomRef)
	dialed := false
	r.once.Do(func() {
		close(r.ready)
		dialed = true
	})
	if !dialed {
		return nil, fmt.Errorf("room %s already has a caller", roomRef)
	}
	return &Peer{link: r.link}, nil
}

// Join waits until a caller dials roomRef.
func (h *Hub) Join(ctx context.Context, roomRef string) (apitransport.Connection, error) {
	if err := apitransport.ValidateRoomRef(roomRef); err != nil {
		return nil, err
	}
	r := h.room(roomRef)
	select {
	case <-r.ready:
		return &Conn{link: r.link, release: func() { h.forget(roomRef, r) }}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("join room %s: %w", roomRef, ctx.Err())
	}
}

type link struct {
	mu       sync.Mutex
	closed   bool
	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}
}

func newLink(buffer int) *link {
	return &link{
		inbound:  make(chan []byte, buffer),
		outbound: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (l *link) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	close(l.done)
	close(l.inbound)
	return true
}

// Conn is the session side of a room.
type Conn struct {
	link    *link
	release func()
	once    sync.Once
}

// Frames delivers caller audio.
func (c *Conn) Frames() <-chan []byte { return c.link.inbound }

// Done is closed on hangup or Close.
func (c *Conn) Done() <-chan struct{} { return c.link.done }

// SendAudioFrame queues one frame toward the caller.
func (c *Conn) SendAudioFrame(ctx context.Context, frame []byte) error {
	c.link.mu.Lock()
	closed := c.link.closed
	c.link.mu.Unlock()
	if closed {
		return apitransport.ErrClosed
	}
	select {
	case c.link.outbound <- frame:
		return nil
	case <-c.link.done:
		return apitransport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearAudio drops frames the caller has not read yet.
func (c *Conn) ClearAudio() int {
	dropped := 0
	for {
		select {
		case <-c.link.outbound:
			dropped++
		default:
			return dropped
		}
	}
}

// Close ends the room from the session side.
func (c *Conn) Close() error {
	c.link.close()
	c.once.Do(c.release)
	return nil
}

// Peer is the caller side of a room.
type Peer struct {
	link *link
}

// Send delivers one caller frame. Frames are dropped while the session is
// not reading fast enough.
func (p *Peer) Send(frame []byte) error {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	if p.link.closed {
		return apitransport.ErrClosed
	}
	select {
	case p.link.inbound <- frame:
	default:
	}
	return nil
}

// Received yields frames sent by the session.
func (p *Peer) Received() <-chan []byte { return p.link.outbound }

// Closed is closed when either side ends the room.
func (p *Peer) Closed() <-chan struct{} { return p.link.done }

// Hangup disconnects the caller.
func (p *Peer) Hangup() {
	p.link.close()
}
