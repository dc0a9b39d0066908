// Package turnarbiter decides who may produce audio in a session: it opens
// response turns on final utterances, grants the single outbound audio
// stream, and detects barge-in while the agent is speaking.
//
// The arbiter only returns decisions. The session controller applies them:
// it cancels the named turn, changes state and forwards or drops audio.
package turnarbiter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/voice-orchestrator/internal/runtime/transcription"
)

// Cancellation reasons recorded on the fence.
const (
	ReasonBargeIn    = "barge_in"
	ReasonSuperseded = "superseded"
	ReasonPreempted  = "preempted"
	ReasonSessionEnd = "session_end"
)

// Action is what the controller must do with an event.
type Action string

const (
	// ActionNone leaves everything as is.
	ActionNone Action = "none"
	// ActionListen marks the user as speaking.
	ActionListen Action = "listen"
	// ActionBargeIn cancels the speaking turn and hands the floor to the user.
	ActionBargeIn Action = "barge_in"
	// ActionRespond opens TurnID for the final utterance.
	ActionRespond Action = "respond"
	// ActionSpeak grants TurnID the outbound audio stream.
	ActionSpeak Action = "speak"
	// ActionForward sends the audio chunk to the transport.
	ActionForward Action = "forward"
	// ActionDiscard drops a late or stale event.
	ActionDiscard Action = "discard"
	// ActionComplete closes TurnID normally.
	ActionComplete Action = "complete"
)

// Decision is the arbiter's answer to one event. Next is empty when the
// session state does not change. CancelTurnID names a turn whose reasoning
// and synthesis must be cancelled before anything else is applied.
type Decision struct {
	Action       Action
	TurnID       string
	CancelTurnID string
	Next         conversation.State
	Reason       string
}

// Config holds the barge-in thresholds. A partial transcript interrupts the
// agent when its confidence reaches MinConfidence and either its audio
// duration reaches MinDuration or it has at least MinWords words.
type Config struct {
	MinConfidence float64       `yaml:"min_confidence"`
	MinDuration   time.Duration `yaml:"min_duration"`
	MinWords      int           `yaml:"min_words"`
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 300 * time.Millisecond
	}
	if c.MinWords <= 0 {
		c.MinWords = 2
	}
	return c
}

// Validate rejects thresholds that could never trigger.
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("barge-in min_confidence must be within [0,1]")
	}
	if c.MinDuration < 0 {
		return fmt.Errorf("barge-in min_duration must be >=0")
	}
	if c.MinWords < 0 {
		return fmt.Errorf("barge-in min_words must be >=0")
	}
	return nil
}

// Arbiter is the per-session turn-taking authority.
type Arbiter struct {
	sessionID string
	cfg       Config
	fence     *cancellation.Fence
	logger    *zap.Logger

	mu sync.Mutex
	// current is the open response turn, reasoning or speaking.
	current string
	// streaming is the turn holding the outbound audio stream.
	streaming   string
	userSpeech  bool
	turnCounter int64
}

// New returns an arbiter for one session. fence may be shared with other
// sessions; a nil fence gets a private one.
func New(sessionID string, cfg Config, fence *cancellation.Fence, logger *zap.Logger) *Arbiter {
	if fence == nil {
		fence = cancellation.NewFence()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		fence:     fence,
		logger:    logger.With(zap.String("component", "turn_arbiter"), zap.String("session_id", sessionID)),
	}
}

// Config returns the effective thresholds.
func (a *Arbiter) Config() Config {
	return a.cfg
}

// CurrentTurn returns the open response turn, if any.
func (a *Arbiter) CurrentTurn() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// StreamingTurn returns the turn that holds the outbound audio stream.
func (a *Arbiter) StreamingTurn() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// Fenced reports whether cancellation was accepted for turnID.
func (a *Arbiter) Fenced(turnID string) bool {
	return a.fence.IsFenced(a.sessionID, turnID)
}

// QualifiesForBargeIn applies the configured thresholds to a partial.
func (a *Arbiter) QualifiesForBargeIn(ev transcription.Event) bool {
	if strings.TrimSpace(ev.Text) == "" {
		return false
	}
	if ev.Confidence < a.cfg.MinConfidence {
		return false
	}
	return ev.Duration >= a.cfg.MinDuration || len(strings.Fields(ev.Text)) >= a.cfg.MinWords
}

// OnPartialTranscript handles an interim transcript. While the agent is
// speaking, a qualifying partial is a barge-in; weaker partials are treated
// as noise and ignored.
func (a *Arbiter) OnPartialTranscript(ev transcription.Event) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.streaming != "" {
		if !a.QualifiesForBargeIn(ev) {
			return Decision{Action: ActionNone, Reason: "below_barge_in_threshold"}
		}
		return a.bargeInLocked()
	}
	if strings.TrimSpace(ev.Text) == "" {
		return Decision{Action: ActionNone}
	}
	a.userSpeech = true
	return Decision{Action: ActionListen, Next: conversation.StateListening}
}

// OnFinalTranscript handles a settled utterance. Non-empty text opens a new
// response turn and supersedes any turn still reasoning or speaking.
func (a *Arbiter) OnFinalTranscript(ev transcription.Event) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.userSpeech = false
	if strings.TrimSpace(ev.Text) == "" {
		if a.current == "" {
			return Decision{Action: ActionNone, Next: conversation.StateActive, Reason: "empty_utterance"}
		}
		return Decision{Action: ActionNone, Reason: "empty_utterance"}
	}

	decision := Decision{Action: ActionRespond, Next: conversation.StateListening}
	if a.current != "" {
		reason := ReasonSuperseded
		if a.streaming != "" {
			reason = ReasonBargeIn
		}
		decision.CancelTurnID = a.fenceLocked(a.current, reason)
		decision.Reason = reason
	}
	decision.TurnID = a.openTurnLocked()
	return decision
}

// OnAgentInitiated opens a response turn that no utterance asked for, such
// as the greeting or a spoken apology. It supersedes any open turn.
func (a *Arbiter) OnAgentInitiated() Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	decision := Decision{Action: ActionRespond}
	if a.current != "" {
		decision.CancelTurnID = a.fenceLocked(a.current, ReasonPreempted)
		decision.Reason = ReasonPreempted
	}
	decision.TurnID = a.openTurnLocked()
	return decision
}

// OnAgentAudioStart asks for the outbound stream on behalf of turnID.
func (a *Arbiter) OnAgentAudioStart(turnID string) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.staleLocked(turnID) {
		return Decision{Action: ActionDiscard, TurnID: turnID, Reason: "stale_turn"}
	}
	if a.streaming == turnID {
		return Decision{Action: ActionNone, TurnID: turnID}
	}
	decision := Decision{Action: ActionSpeak, TurnID: turnID, Next: conversation.StateSpeaking}
	if a.streaming != "" {
		decision.CancelTurnID = a.fenceLocked(a.streaming, ReasonPreempted)
	}
	a.streaming = turnID
	return decision
}

// OnAgentAudioChunk gates one synthesized frame.
func (a *Arbiter) OnAgentAudioChunk(turnID string) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.staleLocked(turnID) || a.streaming != turnID {
		return Decision{Action: ActionDiscard, TurnID: turnID, Reason: "not_streaming"}
	}
	return Decision{Action: ActionForward, TurnID: turnID}
}

// OnAgentAudioDone closes turnID after its last frame, or after it finished
// without producing audio. A cancelled turn's completion is discarded.
func (a *Arbiter) OnAgentAudioDone(turnID string) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.staleLocked(turnID) {
		return Decision{Action: ActionDiscard, TurnID: turnID, Reason: "stale_turn"}
	}
	a.current = ""
	a.streaming = ""
	next := conversation.StateActive
	if a.userSpeech {
		next = conversation.StateListening
	}
	return Decision{Action: ActionComplete, TurnID: turnID, Next: next}
}

// Shutdown fences the open turn so no late output escapes after the
// session ends. It returns the turn to cancel, if any.
func (a *Arbiter) Shutdown() Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	decision := Decision{Action: ActionNone, Reason: ReasonSessionEnd}
	if a.current != "" {
		decision.CancelTurnID = a.fenceLocked(a.current, ReasonSessionEnd)
	}
	if a.streaming != "" && a.streaming != decision.CancelTurnID {
		_ = a.fenceLocked(a.streaming, ReasonSessionEnd)
	}
	a.current = ""
	a.streaming = ""
	a.userSpeech = false
	return decision
}

func (a *Arbiter) bargeInLocked() Decision {
	turnID := a.streaming
	a.fenceLocked(turnID, ReasonBargeIn)
	a.userSpeech = true
	a.logger.Info("barge-in", zap.String("turn_id", turnID))
	return Decision{
		Action:       ActionBargeIn,
		CancelTurnID: turnID,
		Next:         conversation.StateListening,
		Reason:       ReasonBargeIn,
	}
}

// fenceLocked accepts cancellation for turnID and releases whatever it held.
func (a *Arbiter) fenceLocked(turnID, reason string) string {
	if err := a.fence.Accept(a.sessionID, turnID, reason); err != nil {
		a.logger.Warn("cancel fence rejected turn", zap.String("turn_id", turnID), zap.Error(err))
	}
	if a.current == turnID {
		a.current = ""
	}
	if a.streaming == turnID {
		a.streaming = ""
	}
	a.logger.Debug("turn cancelled", zap.String("turn_id", turnID), zap.String("reason", reason))
	return turnID
}

func (a *Arbiter) openTurnLocked() string {
	a.turnCounter++
	a.current = fmt.Sprintf("turn-%d", a.turnCounter)
	return a.current
}

func (a *Arbiter) staleLocked(turnID string) bool {
	return turnID == "" || turnID != a.current || a.fence.IsFenced(a.sessionID, turnID)
}
