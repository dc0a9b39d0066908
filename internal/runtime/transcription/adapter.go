// Package transcription turns inbound PCM frames into an ordered stream of
// partial and final utterance events over a streaming speech-to-text provider.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
)

// ErrStopped is returned by SendAudio after Stop.
var ErrStopped = errors.New("transcription stream stopped")

// Event is one utterance update. For a given UtteranceID, partials precede
// exactly one final and nothing follows the final.
type Event struct {
	UtteranceID int64
	Text        string
	Finality    conversation.Finality
	Confidence  float64
	Duration    time.Duration
	Timestamp   time.Time
}

// UsageSink receives one record per provider connection.
type UsageSink interface {
	Append(conversation.UsageRecord) (conversation.UsageRecord, error)
}

// Config configures the adapter.
type Config struct {
	// MaxReconnects bounds consecutive reconnects without a recognized result.
	MaxReconnects int
	// AudioBuffer is the number of frames queued toward the provider.
	AudioBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects < 1 {
		c.MaxReconnects = 3
	}
	if c.AudioBuffer < 1 {
		c.AudioBuffer = 64
	}
	return c
}

// StartRequest opens one session's recognition stream.
type StartRequest struct {
	SessionID string
	Stream    contracts.TranscriptionConfig
	Usage     UsageSink
}

// Adapter wraps a transcription provider.
type Adapter struct {
	provider contracts.TranscriptionProvider
	invoker  *invocation.Controller
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdapter builds an adapter.
func NewAdapter(provider contracts.TranscriptionProvider, invoker *invocation.Controller, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		provider: provider,
		invoker:  invoker,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "transcription")),
		now:      time.Now,
	}
}

// Start opens the provider connection in the background and returns the
// session stream. Connection failures surface through Err once Events closes.
func (a *Adapter) Start(ctx context.Context, req StartRequest) (*Stream, error) {
	if req.Stream.SampleRateHz <= 0 {
		return nil, fmt.Errorf("sample rate is required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		adapter: a,
		req:     req,
		logger:  a.logger.With(zap.String("session_id", req.SessionID)),
		audio:   make(chan []byte, a.cfg.AudioBuffer),
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.run(runCtx)
	return s, nil
}

// Stream is one session's recognition stream.
type Stream struct {
	adapter *Adapter
	req     StartRequest
	logger  *zap.Logger

	audio  chan []byte
	events chan Event
	stop   chan struct{}
	cancel context.CancelFunc

	stopOnce sync.Once
	wg       sync.WaitGroup

	mu  sync.Mutex
	err error

	// utterance ids are owned by the run goroutine
	currentID   int64
	openPartial bool

	dropped atomic.Int64
}

// Events yields utterance events in order. It is closed when the stream stops
// or fails.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports the terminal transcription failure, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped reports frames discarded because the provider queue was full.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// SendAudio queues one frame. It never blocks; frames are dropped while the
// queue is full, for example during a reconnect.
func (s *Stream) SendAudio(frame []byte) error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	select {
	case s.audio <- frame:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Stop closes the provider connection. No event is delivered after Stop
// returns. Stop is idempotent.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
	s.wg.Wait()
	for range s.events {
	}
	return nil
}

func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	reconnects := 0
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			if !s.stopped() && !failure.IsCanceled(err) {
				s.fail(err)
			}
			return
		}
		recognized, bytesSent, err := s.pump(ctx, conn)
		_ = conn.Close()
		s.recordUsage(bytesSent)
		if err == nil || s.stopped() {
			return
		}
		if recognized {
			reconnects = 0
		}
		reconnects++
		if reconnects > s.adapter.cfg.MaxReconnects {
			s.fail(failure.New(failure.KindTranscription, "stream", failure.ReasonRetriesExhausted, err))
			return
		}
		s.logger.Warn("transcription stream dropped, reconnecting", zap.Int("reconnect", reconnects), zap.Error(err))
	}
}

func (s *Stream) connect(ctx context.Context) (contracts.TranscriptionStream, error) {
	var conn contracts.TranscriptionStream
	call := invocation.Call{ProviderID: s.adapter.provider.ProviderID(), Modality: contracts.ModalitySTT, SessionID: s.req.SessionID}
	result, err := s.adapter.invoker.Do(ctx, call, func(attemptCtx context.Context, _ int) error {
		c, err := s.adapter.provider.Open(attemptCtx, s.req.Stream)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if failure.IsCanceled(err) {
			return nil, err
		}
		return nil, failure.New(failure.KindTranscription, "open", result.FailureReason(), err)
	}
	return conn, nil
}

// pump moves audio to the provider and results to Events until the stream
// is stopped (nil error) or the provider connection breaks.
func (s *Stream) pump(ctx context.Context, conn contracts.TranscriptionStream) (bool, int64, error) {
	recognized := false
	var bytesSent int64
	results := conn.Results()
	for {
		select {
		case <-s.stop:
			return recognized, bytesSent, nil
		case <-ctx.Done():
			return recognized, bytesSent, nil
		case frame := <-s.audio:
			if err := conn.SendAudio(frame); err != nil {
				return recognized, bytesSent, fmt.Errorf("send audio: %w", err)
			}
			bytesSent += int64(len(frame))
		case res, ok := <-results:
			if !ok {
				if err := conn.Err(); err != nil {
					return recognized, bytesSent, err
				}
				return recognized, bytesSent, errors.New("provider closed the stream")
			}
			recognized = true
			ev, emit := s.toEvent(res)
			if !emit {
				continue
			}
			select {
			case <-s.stop:
				return recognized, bytesSent, nil
			case s.events <- ev:
			}
		}
	}
}

// toEvent assigns utterance ids: partials carry the current id, a final
// carries it and then advances it. Empty partials are dropped; an empty
// final is only emitted when it closes an open utterance.
func (s *Stream) toEvent(res contracts.TranscriptResult) (Event, bool) {
	text := strings.TrimSpace(res.Text)
	ev := Event{
		UtteranceID: s.currentID,
		Text:        text,
		Confidence:  res.Confidence,
		Duration:    res.Duration,
		Timestamp:   s.adapter.now(),
	}
	if !res.IsFinal {
		if text == "" {
			return Event{}, false
		}
		ev.Finality = conversation.Partial
		s.openPartial = true
		return ev, true
	}
	if text == "" && !s.openPartial {
		return Event{}, false
	}
	ev.Finality = conversation.Final
	s.currentID++
	s.openPartial = false
	return ev, true
}

func (s *Stream) recordUsage(bytesSent int64) {
	if s.req.Usage == nil || bytesSent == 0 {
		return
	}
	seconds := float64(bytesSent) / float64(2*s.req.Stream.SampleRateHz)
	if _, err := s.req.Usage.Append(conversation.UsageRecord{
		Stage:      conversation.StageTranscription,
		ProviderID: s.adapter.provider.ProviderID(),
		Units:      seconds,
	}); err != nil {
		s.logger.Warn("usage record rejected", zap.Error(err))
	}
}

func (s *Stream) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.logger.Error("transcription failed", zap.Error(err))
}
