// Package synthesis streams response text through a text-to-speech provider
// and reframes the audio into fixed-size PCM frames for the media transport.
package synthesis

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
)

// Config controls framing and pacing of synthesized audio.
type Config struct {
	SampleRateHz  int
	FrameDuration time.Duration
	// Pace releases frames no faster than real time plus PaceLead.
	Pace     bool
	PaceLead time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.PaceLead <= 0 {
		c.PaceLead = 200 * time.Millisecond
	}
	return c
}

// FrameBytes is the size of one 16-bit mono PCM frame.
func (c Config) FrameBytes() int {
	return int(int64(c.SampleRateHz) * 2 * int64(c.FrameDuration) / int64(time.Second))
}

// UsageSink receives one record per synthesis that delivered audio.
type UsageSink interface {
	Append(conversation.UsageRecord) (conversation.UsageRecord, error)
}

// Request is one synthesis of response text.
type Request struct {
	SessionID string
	TurnID    string
	Text      string
	Voice     string
	Locale    string
	Usage     UsageSink
}

// Result summarizes delivered audio.
type Result struct {
	Frames int
	Bytes  int
	Audio  time.Duration
}

// Adapter wraps a synthesis provider.
type Adapter struct {
	provider contracts.SynthesisProvider
	invoker  *invocation.Controller
	cfg      Config
	logger   *zap.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewAdapter builds an adapter.
func NewAdapter(provider contracts.SynthesisProvider, invoker *invocation.Controller, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		provider: provider,
		invoker:  invoker,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("component", "synthesis")),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Config returns the effective framing configuration.
func (a *Adapter) Config() Config {
	return a.cfg
}

// Speak synthesizes req.Text and delivers frames to onFrame in order. Provider
// failures are retried only until the first frame has been produced. Pacing
// happens in a playout loop outside the provider attempt, so the attempt
// timeout bounds generation and not playback. After ctx is cancelled no
// further frame is delivered. Usage is recorded whenever audio reached
// onFrame, including cancelled and failed calls.
func (a *Adapter) Speak(ctx context.Context, req Request, onFrame func([]byte) error) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "synthesis.speak",
		attribute.String("session.id", req.SessionID),
		attribute.String("turn.id", req.TurnID),
		attribute.Int("text.chars", utf8.RuneCountInString(text)))

	speakCtx, stop := context.WithCancel(ctx)
	defer stop()

	queue := newFrameQueue()
	var result Result
	played := make(chan error, 1)
	go func() {
		err := a.play(speakCtx, queue, onFrame, &result)
		if err != nil {
			stop()
		}
		played <- err
	}()

	frameBytes := a.cfg.FrameBytes()
	var providerUsage contracts.SynthesisUsage
	call := invocation.Call{ProviderID: a.provider.ProviderID(), Modality: contracts.ModalityTTS, SessionID: req.SessionID, TurnID: req.TurnID}
	invokeResult, err := a.invoker.Do(speakCtx, call, func(attemptCtx context.Context, _ int) error {
		pending := make([]byte, 0, frameBytes*2)
		produced := 0
		u, err := a.provider.Synthesize(attemptCtx, contracts.SynthesisRequest{
			Text:         text,
			VoiceID:      req.Voice,
			Locale:       req.Locale,
			SampleRateHz: a.cfg.SampleRateHz,
		}, func(chunk []byte) error {
			if err := speakCtx.Err(); err != nil {
				return err
			}
			pending = append(pending, chunk...)
			for len(pending) >= frameBytes {
				frame := make([]byte, frameBytes)
				copy(frame, pending[:frameBytes])
				pending = pending[frameBytes:]
				queue.push(frame)
				produced++
			}
			return nil
		})
		if err == nil && len(pending) > 0 {
			// pad the tail so every frame has the same duration
			frame := make([]byte, frameBytes)
			copy(frame, pending)
			queue.push(frame)
			produced++
		}
		if err != nil {
			if produced > 0 {
				return invocation.Committed(err)
			}
			return err
		}
		providerUsage = u
		return nil
	})
	// frames produced before a provider failure still play out
	queue.close()
	playErr := <-played
	result.Audio = time.Duration(result.Frames) * a.cfg.FrameDuration

	reason := invokeResult.FailureReason()
	if playErr != nil && (err == nil || failure.IsCanceled(err)) {
		err = playErr
		reason = failure.ReasonNonRetryable
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if result.Frames > 0 || err == nil {
		a.recordUsage(req, text, providerUsage)
	}
	if err != nil {
		telemetry.EndSpan(span, err)
		if failure.IsCanceled(err) {
			return result, err
		}
		return result, failure.New(failure.KindSynthesis, "speak", reason, err)
	}
	telemetry.EndSpan(span, nil)
	return result, nil
}

// play delivers queued frames to onFrame, no faster than real time plus
// PaceLead when pacing is on. The clock starts at the first frame.
func (a *Adapter) play(ctx context.Context, queue *frameQueue, onFrame func([]byte) error, result *Result) error {
	var start time.Time
	for {
		frame, ok, err := queue.next(ctx)
		if err != nil || !ok {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if start.IsZero() {
			start = a.now()
		}
		if a.cfg.Pace {
			due := start.Add(time.Duration(result.Frames)*a.cfg.FrameDuration - a.cfg.PaceLead)
			if wait := due.Sub(a.now()); wait > 0 {
				if err := a.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		if err := onFrame(frame); err != nil {
			return err
		}
		result.Frames++
		result.Bytes += len(frame)
	}
}

// recordUsage appends one synthesis record. Characters come from the
// provider when it reported them, otherwise from the requested text.
func (a *Adapter) recordUsage(req Request, text string, u contracts.SynthesisUsage) {
	if req.Usage == nil {
		return
	}
	chars := u.Characters
	if chars <= 0 {
		chars = utf8.RuneCountInString(text)
	}
	if _, err := req.Usage.Append(conversation.UsageRecord{
		Stage:        conversation.StageSynthesis,
		ProviderID:   a.provider.ProviderID(),
		Units:        float64(chars),
		Cost:         u.CostUSD,
		CostReported: u.CostReported,
	}); err != nil {
		a.logger.Warn("usage record rejected", zap.String("session_id", req.SessionID), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
