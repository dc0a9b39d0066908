package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var roomRefRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ErrClosed is returned by SendAudioFrame once the connection is gone.
var ErrClosed = errors.New("media connection closed")

// TransportKind identifies adapter-level transport modality.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportMemory    TransportKind = "memory"
)

// Joiner establishes the media connection for a room.
// Join blocks until the handshake completes, ctx ends, or the join fails.
type Joiner interface {
	Join(ctx context.Context, roomRef string) (Connection, error)
}

// Connection is one established media connection carrying 16-bit mono PCM frames.
type Connection interface {
	// Frames delivers inbound audio in arrival order. It is closed on disconnect.
	Frames() <-chan []byte
	// Done is closed when the remote side disconnects or the connection is closed.
	Done() <-chan struct{}
	// SendAudioFrame queues one outbound frame.
	SendAudioFrame(ctx context.Context, frame []byte) error
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// AudioClearer is implemented by connections that buffer outbound audio and
// can drop frames that have not been played yet.
type AudioClearer interface {
	ClearAudio() int
}

// Capabilities declares normalized transport capability shape.
type Capabilities struct {
	TransportKind        TransportKind `json:"transport_kind"`
	SupportsIngressAudio bool          `json:"supports_ingress_audio"`
	SupportsEgressAudio  bool          `json:"supports_egress_audio"`
	SupportsClearAudio   bool          `json:"supports_clear_audio"`
	SampleRateHz         int           `json:"sample_rate_hz"`
}

// Validate enforces capability contract invariants.
func (c Capabilities) Validate() error {
	if !isTransportKind(c.TransportKind) {
		return fmt.Errorf("invalid transport_kind: %q", c.TransportKind)
	}
	if !c.SupportsIngressAudio || !c.SupportsEgressAudio {
		return fmt.Errorf("conversation transports require ingress and egress audio")
	}
	switch c.SampleRateHz {
	case 8000, 16000, 22050, 24000, 48000:
	default:
		return fmt.Errorf("unsupported sample_rate_hz: %d", c.SampleRateHz)
	}
	return nil
}

// ValidateRoomRef enforces the room reference shape shared by all transports.
func ValidateRoomRef(roomRef string) error {
	if !roomRefRE.MatchString(roomRef) {
		return fmt.Errorf("invalid room reference: %q", roomRef)
	}
	return nil
}

func isTransportKind(v TransportKind) bool {
	switch v {
	case TransportWebSocket, TransportMemory:
		return true
	default:
		return false
	}
}
