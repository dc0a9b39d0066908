package invocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

// Config controls bounded provider retry behavior.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each delay by up to ±25%.
	Jitter bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// Call identifies one logical provider invocation.
type Call struct {
	ProviderID string
	Modality   contracts.Modality
	SessionID  string
	TurnID     string
}

// Attempt records one provider attempt with its normalized outcome.
type Attempt struct {
	Number  int
	Outcome contracts.Outcome
	Latency time.Duration
}

// Result summarizes a finished invocation.
type Result struct {
	Attempts []Attempt
	Outcome  contracts.Outcome
}

// FailureReason names why a failed invocation was given up.
func (r Result) FailureReason() string {
	if r.Outcome.Retryable {
		return failure.ReasonRetriesExhausted
	}
	return failure.ReasonNonRetryable
}

type committedError struct {
	err error
}

func (e committedError) Error() string { return e.err.Error() }
func (e committedError) Unwrap() error { return e.err }

// Committed marks err as raised after output was already delivered to the
// caller. Such failures are never retried.
func Committed(err error) error {
	if err == nil {
		return nil
	}
	return committedError{err: err}
}

// Controller executes provider attempts with timeout and backoff.
type Controller struct {
	cfg     Config
	logger  *zap.Logger
	emitter telemetry.Emitter

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// NewController builds a controller; zero config fields take defaults.
func NewController(cfg Config, logger *zap.Logger, emitter telemetry.Emitter) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("component", "invocation")),
		emitter: emitter,
		now:     time.Now,
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Do runs fn until it succeeds, fails non-retryably, commits output, or the
// attempt budget is exhausted. Cancellation of ctx is returned as-is and is
// never retried.
func (c *Controller) Do(ctx context.Context, call Call, fn func(ctx context.Context, attempt int) error) (Result, error) {
	result := Result{Attempts: make([]Attempt, 0, c.cfg.MaxAttempts)}
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Outcome = contracts.OutcomeOf(err)
			return result, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		start := c.now()
		err := fn(attemptCtx, attempt)
		latency := c.now().Sub(start)
		cancel()

		outcome := contracts.OutcomeOf(err)
		if err != nil && ctx.Err() != nil {
			outcome = contracts.OutcomeOf(ctx.Err())
		}
		var committed committedError
		if errors.As(err, &committed) && outcome.Retryable {
			outcome.Retryable = false
			outcome.Reason = "output_committed"
		}

		result.Attempts = append(result.Attempts, Attempt{Number: attempt, Outcome: outcome, Latency: latency})
		result.Outcome = outcome
		c.record(call, outcome, latency)

		if err == nil {
			if attempt > 1 {
				c.logger.Info("provider recovered after retry",
					zap.String("provider_id", call.ProviderID),
					zap.String("modality", string(call.Modality)),
					zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if outcome.Class == contracts.OutcomeCancelled {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, err
		}
		if !outcome.Retryable || attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt, outcome)
		c.logger.Warn("provider attempt failed, retrying",
			zap.String("provider_id", call.ProviderID),
			zap.String("modality", string(call.Modality)),
			zap.String("session_id", call.SessionID),
			zap.Int("attempt", attempt),
			zap.String("outcome", string(outcome.Class)),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			result.Outcome = contracts.OutcomeOf(err)
			return result, err
		}
	}

	return result, fmt.Errorf("%s provider %s failed after %d attempt(s): %w",
		call.Modality, call.ProviderID, len(result.Attempts), lastErr)
}

func (c *Controller) backoff(attempt int, outcome contracts.Outcome) time.Duration {
	delay := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.Multiplier, float64(attempt-1))
	if delay > float64(c.cfg.MaxBackoff) {
		delay = float64(c.cfg.MaxBackoff)
	}
	if c.cfg.Jitter {
		delay += (c.jitter()*2 - 1) * delay * 0.25
	}
	if hint := time.Duration(outcome.BackoffMS) * time.Millisecond; hint > time.Duration(delay) {
		delay = float64(hint)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (c *Controller) record(call Call, outcome contracts.Outcome, latency time.Duration) {
	emitter := telemetry.OrDefault(c.emitter)
	correlation := telemetry.Correlation{SessionID: call.SessionID, TurnID: call.TurnID, Component: "invocation"}
	emitter.EmitMetric(telemetry.MetricProviderAttempts, 1, map[string]string{
		"modality": string(call.Modality),
		"provider": call.ProviderID,
		"outcome":  string(outcome.Class),
	}, correlation)
	emitter.EmitMetric(telemetry.MetricProviderLatencySeconds, latency.Seconds(), map[string]string{
		"modality": string(call.Modality),
		"provider": call.ProviderID,
	}, correlation)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
