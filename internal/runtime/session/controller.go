// Package session owns the per-session state machine. A Controller joins the
// media transport, feeds inbound audio to transcription, runs one response
// worker per turn and serializes every state change through a single event
// queue. A Manager tracks the live controllers of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/api/transport"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/runtime/budget"
	"github.com/tiger/voice-orchestrator/internal/runtime/cancellation"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/reasoning"
	"github.com/tiger/voice-orchestrator/internal/runtime/synthesis"
	"github.com/tiger/voice-orchestrator/internal/runtime/transcription"
	"github.com/tiger/voice-orchestrator/internal/runtime/turnarbiter"
	"github.com/tiger/voice-orchestrator/internal/runtime/usage"
)

// End reasons reported in the session summary.
const (
	ReasonCallerEnded = "caller_ended"
	ReasonAgentEnded  = "agent_ended"
	ReasonShutdown    = "shutdown"
)

// Config tunes session behaviour shared by every session of a process.
type Config struct {
	ConnectTimeout  time.Duration
	BudgetInterval  time.Duration
	Budget          budget.Spec
	BargeIn         turnarbiter.Config
	FallbackMessage string
	SampleRateHz    int
	QueueSize       int
	RecordTimeout   time.Duration
	// MinSegmentRunes is the shortest response segment sent to synthesis.
	MinSegmentRunes int
	// MaxSegmentRunes caps a segment that has no sentence boundary.
	MaxSegmentRunes int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BudgetInterval <= 0 {
		c.BudgetInterval = time.Second
	}
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 16000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = 5 * time.Second
	}
	if c.MinSegmentRunes <= 0 {
		c.MinSegmentRunes = 12
	}
	if c.MaxSegmentRunes <= 0 {
		c.MaxSegmentRunes = 200
	}
	if c.MaxSegmentRunes < c.MinSegmentRunes {
		c.MaxSegmentRunes = c.MinSegmentRunes
	}
	return c
}

// Dependencies are the collaborators shared across sessions.
type Dependencies struct {
	Transcription *transcription.Adapter
	Reasoning     *reasoning.Engine
	Synthesis     *synthesis.Adapter
	Recorder      conversation.Recorder
	Pricing       usage.Pricing
	Fence         *cancellation.Fence
	Emitter       telemetry.Emitter
	Logger        *zap.Logger
}

// Params identify one session.
type Params struct {
	ID           string
	Room         string
	Channel      conversation.Channel
	Agent        conversation.AgentProfile
	CallerNumber string
	CalledNumber string
	Joiner       transport.Joiner
}

type eventKind int

const (
	evTranscript eventKind = iota
	evTranscriptionClosed
	evDisconnected
	evBudgetTick
	evAudioStart
	evAudioChunk
	evTurnFinished
)

type event struct {
	kind       eventKind
	transcript transcription.Event
	turn       *turnRun
	frame      []byte
	err        error
}

// turnRun is one open response turn. Fields below the worker comment are
// written by the worker goroutine before it posts evTurnFinished.
type turnRun struct {
	id       string
	token    *cancellation.Token
	record   conversation.ConversationTurn
	scripted string
	fallback bool

	// worker results
	result reasoning.Result
	spoken string
	// cutOff is set when the last spoken segment was only partly played.
	cutOff    bool
	reasonErr error
	synthErr  error
}

// Controller runs one session. All state changes happen on the goroutine
// executing Run.
type Controller struct {
	params  Params
	cfg     Config
	deps    Dependencies
	logger  *zap.Logger
	emitter telemetry.Emitter
	now     func() time.Time

	fsm     *FSM
	arbiter *turnarbiter.Arbiter
	ledger  *usage.Ledger
	budgets budget.Manager

	queue        chan event
	closing      chan struct{}
	endRequested chan struct{}
	done         chan struct{}
	endOnce      sync.Once
	running      atomic.Bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	workers   sync.WaitGroup
	pumps     sync.WaitGroup
	conn      transport.Connection
	stream    *transcription.Stream

	startedAt    time.Time
	turns        map[string]*turnRun
	closed       []conversation.ConversationTurn
	sequence     int64
	budgetWarned bool

	mu        sync.Mutex
	endReason string
	snapshot  conversation.Session
	summary   conversation.SessionSummary
	err       error
}

// NewController validates params and builds an idle controller.
func NewController(params Params, cfg Config, deps Dependencies) (*Controller, error) {
	if strings.TrimSpace(params.ID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if params.Joiner == nil {
		return nil, fmt.Errorf("media transport is required")
	}
	if err := params.Channel.Validate(); err != nil {
		return nil, err
	}
	if err := params.Agent.Validate(); err != nil {
		return nil, err
	}
	if err := transport.ValidateRoomRef(params.Room); err != nil {
		return nil, err
	}
	if deps.Transcription == nil || deps.Reasoning == nil || deps.Synthesis == nil {
		return nil, fmt.Errorf("transcription, reasoning, and synthesis are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.BargeIn.Validate(); err != nil {
		return nil, err
	}
	if deps.Fence == nil {
		deps.Fence = cancellation.NewFence()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "session"), zap.String("session_id", params.ID))

	c := &Controller{
		params:       params,
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		emitter:      telemetry.OrDefault(deps.Emitter),
		now:          time.Now,
		arbiter:      turnarbiter.New(params.ID, cfg.BargeIn, deps.Fence, logger),
		ledger:       usage.NewLedger(deps.Pricing),
		budgets:      budget.NewManager(),
		queue:        make(chan event, cfg.QueueSize),
		closing:      make(chan struct{}),
		endRequested: make(chan struct{}),
		done:         make(chan struct{}),
		turns:        map[string]*turnRun{},
	}
	c.fsm = NewFSM(func() time.Time { return c.now() })
	c.snapshot = conversation.Session{
		ID:           params.ID,
		Room:         params.Room,
		Channel:      params.Channel,
		Agent:        params.Agent,
		State:        conversation.StateConnecting,
		CallerNumber: params.CallerNumber,
		CalledNumber: params.CalledNumber,
	}
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.params.ID
}

// Done is closed once the session is terminal and recorded.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() conversation.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshot
	if s.EndedAt != nil {
		ended := *s.EndedAt
		s.EndedAt = &ended
	}
	return s
}

// Summary returns the terminal summary. It is zero until Done is closed.
func (c *Controller) Summary() conversation.SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Err returns the failure that drove the session to ERROR, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Usage returns a copy of the usage records appended so far.
func (c *Controller) Usage() []conversation.UsageRecord {
	return c.ledger.Records()
}

// RequestEnd asks the session to end gracefully without waiting. Only the
// first request counts.
func (c *Controller) RequestEnd(reason string) {
	c.endOnce.Do(func() {
		if strings.TrimSpace(reason) == "" {
			reason = ReasonCallerEnded
		}
		c.mu.Lock()
		c.endReason = reason
		c.mu.Unlock()
		close(c.endRequested)
	})
}

// End requests a graceful end and waits until the session is terminal. A
// second call observes the terminal session and has no further effect.
func (c *Controller) End(ctx context.Context, reason string) (conversation.SessionSummary, error) {
	c.RequestEnd(reason)
	select {
	case <-c.done:
		return c.Summary(), nil
	case <-ctx.Done():
		return conversation.SessionSummary{}, ctx.Err()
	}
}

// Run drives the session until it reaches a terminal state. Cancelling ctx
// ends the session gracefully with reason "shutdown".
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s is already running", c.params.ID)
	}
	defer close(c.done)

	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	defer c.cancelRun()

	c.startedAt = c.now()
	c.mu.Lock()
	c.snapshot.StartedAt = c.startedAt
	c.mu.Unlock()
	c.emitter.EmitMetric(telemetry.MetricSessionsStarted, 1, map[string]string{"channel": string(c.params.Channel)}, c.correlation(""))
	c.logger.Info("session started", zap.String("room", c.params.Room), zap.String("agent", c.params.Agent.Name))
	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.OnSessionStart(ctx, c.Snapshot()); err != nil {
			c.logger.Warn("recorder rejected session start", zap.Error(err))
		}
	}

	conn, err := c.join(ctx)
	if err != nil {
		c.joinFailed(ctx, err)
		return c.Err()
	}
	c.conn = conn
	c.moveTo(TriggerHandshake, conversation.StateActive)

	stream, err := c.deps.Transcription.Start(c.runCtx, transcription.StartRequest{
		SessionID: c.params.ID,
		Stream: contracts.TranscriptionConfig{
			Model:        c.params.Agent.STTModel,
			Language:     c.params.Agent.Locale,
			SampleRateHz: c.cfg.SampleRateHz,
		},
		Usage:     c.ledger,
	})
	if err != nil {
		c.terminate(conversation.StateError, TriggerFailure, "transcription_start_failed",
			failure.New(failure.KindTranscription, "start", failure.ReasonNonRetryable, err))
		return c.Err()
	}
	c.stream = stream

	c.pumps.Add(2)
	go c.pumpTranscripts()
	go c.pumpIngress()
	if c.budgetEnabled() {
		c.pumps.Add(1)
		go c.tickBudget()
	}
	if greeting := strings.TrimSpace(c.params.Agent.Greeting); greeting != "" {
		c.speakScripted(greeting, false)
	}
	return c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) error {
	for !c.fsm.IsTerminal() {
		select {
		case <-ctx.Done():
			c.terminate(conversation.StateEnded, TriggerEndRequested, ReasonShutdown, nil)
		case <-c.endRequested:
			c.mu.Lock()
			reason := c.endReason
			c.mu.Unlock()
			c.terminate(conversation.StateEnded, TriggerEndRequested, reason, nil)
		case ev := <-c.queue:
			c.handle(ev)
		}
	}
	return c.Err()
}

func (c *Controller) join(ctx context.Context) (transport.Connection, error) {
	joinCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.endRequested:
			cancel()
		case <-joinCtx.Done():
		}
	}()
	conn, err := c.params.Joiner.Join(joinCtx, c.params.Room)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Controller) joinFailed(ctx context.Context, err error) {
	select {
	case <-c.endRequested:
		c.mu.Lock()
		reason := c.endReason
		c.mu.Unlock()
		c.terminate(conversation.StateEnded, TriggerEndRequested, reason, nil)
		return
	default:
	}
	if ctx.Err() != nil {
		c.terminate(conversation.StateEnded, TriggerEndRequested, ReasonShutdown, nil)
		return
	}
	reason := "join_failed"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = failure.ReasonHandshakeTimeout
	}
	c.terminate(conversation.StateError, TriggerFailure, reason, failure.New(failure.KindTransport, "join", reason, err))
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evTranscript:
		c.onTranscript(ev.transcript)
	case evTranscriptionClosed:
		if ev.err != nil {
			c.terminate(conversation.StateError, TriggerFailure, reasonOr(ev.err, "transcription_failed"), ev.err)
		}
	case evDisconnected:
		c.terminate(conversation.StateAbandoned, TriggerDisconnected, failure.ReasonDisconnected,
			failure.Newf(failure.KindTransport, "media", failure.ReasonDisconnected, "media connection lost in %s", c.fsm.State()))
	case evBudgetTick:
		c.checkBudget()
	case evAudioStart:
		c.apply(c.arbiter.OnAgentAudioStart(ev.turn.id))
	case evAudioChunk:
		c.onAudioChunk(ev.turn, ev.frame)
	case evTurnFinished:
		c.onTurnFinished(ev.turn)
	}
}

func (c *Controller) onTranscript(ev transcription.Event) {
	if ev.Finality == conversation.Partial {
		c.apply(c.arbiter.OnPartialTranscript(ev))
		return
	}
	var utterance conversation.Utterance
	if strings.TrimSpace(ev.Text) != "" {
		utterance = c.nextUtterance(conversation.SpeakerUser, ev.Text, ev.UtteranceID, ev.Confidence, ev.Timestamp)
	}
	d := c.arbiter.OnFinalTranscript(ev)
	c.apply(d)
	if d.Action == turnarbiter.ActionRespond {
		c.startResponse(d.TurnID, utterance)
	}
}

// apply carries out an arbiter decision: cancellation first, then the state
// change.
func (c *Controller) apply(d turnarbiter.Decision) {
	if d.CancelTurnID != "" {
		if t := c.turns[d.CancelTurnID]; t != nil {
			t.token.Cancel(d.Reason)
		}
	}
	if d.Reason == turnarbiter.ReasonBargeIn && d.CancelTurnID != "" {
		c.emitter.EmitMetric(telemetry.MetricBargeIns, 1, map[string]string{"channel": string(c.params.Channel)}, c.correlation(d.CancelTurnID))
		if clearer, ok := c.conn.(transport.AudioClearer); ok {
			dropped := clearer.ClearAudio()
			c.logger.Debug("cleared queued audio", zap.Int("frames", dropped))
		}
	}
	if d.Next != "" {
		c.moveTo(c.triggerFor(d), d.Next)
	}
}

func (c *Controller) triggerFor(d turnarbiter.Decision) Trigger {
	from := c.fsm.State()
	if d.Action == turnarbiter.ActionComplete {
		return TriggerResponseDone
	}
	switch d.Next {
	case conversation.StateListening:
		if from == conversation.StateSpeaking {
			return TriggerBargeIn
		}
		return TriggerUserSpeech
	case conversation.StateSpeaking:
		if from == conversation.StateActive {
			return TriggerAgentInitiated
		}
		return TriggerResponseStarted
	default:
		return TriggerUtteranceSettled
	}
}

func (c *Controller) moveTo(trigger Trigger, to conversation.State) {
	tr, changed, err := c.fsm.Fire(trigger, to)
	if err != nil {
		c.logger.Warn("transition rejected", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	c.mu.Lock()
	c.snapshot.State = to
	c.mu.Unlock()
	c.emitter.EmitMetric(telemetry.MetricStateTransitions, 1, map[string]string{"from": string(tr.From), "to": string(tr.To)}, c.correlation(""))
	c.logger.Debug("state transition", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)), zap.String("trigger", string(trigger)))
}

func (c *Controller) startResponse(turnID string, utterance conversation.Utterance) {
	t := c.openTurn(turnID)
	u := utterance
	t.record.UserUtterance = &u
	req := reasoning.Request{
		SessionID: c.params.ID,
		TurnID:    turnID,
		Agent:     c.params.Agent,
		History:   append([]conversation.ConversationTurn(nil), c.closed...),
		Utterance: utterance,
		Usage:     c.ledger,
	}
	c.workers.Add(1)
	go c.runResponse(t, req)
}

// speakScripted opens an agent-initiated turn that speaks fixed text.
func (c *Controller) speakScripted(text string, fallback bool) {
	d := c.arbiter.OnAgentInitiated()
	c.apply(d)
	t := c.openTurn(d.TurnID)
	t.scripted = text
	t.fallback = fallback
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		parts := splitText(text, c.cfg.MinSegmentRunes, c.cfg.MaxSegmentRunes)
		segments := make(chan string, len(parts))
		for _, part := range parts {
			segments <- part
		}
		close(segments)
		_ = c.speakSegments(t.token.Context(), t, segments)
		c.post(event{kind: evTurnFinished, turn: t})
	}()
}

func (c *Controller) openTurn(turnID string) *turnRun {
	t := &turnRun{
		id:    turnID,
		token: cancellation.NewToken(c.runCtx),
		record: conversation.ConversationTurn{
			ID:       turnID,
			OpenedAt: c.now(),
		},
	}
	c.turns[turnID] = t
	return t
}

// runResponse streams reasoning into synthesis. Text is cut into segments so
// the first sentence is spoken while the model is still generating.
func (c *Controller) runResponse(t *turnRun, req reasoning.Request) {
	defer c.workers.Done()

	segments := make(chan string, 16)
	g, ctx := errgroup.WithContext(t.token.Context())
	g.Go(func() error {
		defer close(segments)
		splitter := newSentenceSplitter(c.cfg.MinSegmentRunes, c.cfg.MaxSegmentRunes)
		send := func(segment string) error {
			select {
			case segments <- segment:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		result, err := c.deps.Reasoning.Respond(ctx, req, func(text string) error {
			for _, segment := range splitter.Push(text) {
				if err := send(segment); err != nil {
					return err
				}
			}
			return nil
		})
		t.result = result
		if err != nil {
			t.reasonErr = err
			return err
		}
		if rest := splitter.Flush(); rest != "" {
			return send(rest)
		}
		return nil
	})
	g.Go(func() error {
		return c.speakSegments(ctx, t, segments)
	})
	_ = g.Wait()
	c.post(event{kind: evTurnFinished, turn: t})
}

func (c *Controller) speakSegments(ctx context.Context, t *turnRun, segments <-chan string) error {
	var spoken []string
	defer func() { t.spoken = strings.Join(spoken, " ") }()

	started := false
	for segment := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		played, err := c.deps.Synthesis.Speak(ctx, synthesis.Request{
			SessionID: c.params.ID,
			TurnID:    t.id,
			Text:      segment,
			Voice:     c.params.Agent.TTSVoice,
			Locale:    c.params.Agent.Locale,
			Usage:     c.ledger,
		}, func(frame []byte) error {
			if !started {
				started = true
				if !c.postTurn(ctx, event{kind: evAudioStart, turn: t}) {
					return canceledErr(ctx)
				}
			}
			if !c.postTurn(ctx, event{kind: evAudioChunk, turn: t, frame: frame}) {
				return canceledErr(ctx)
			}
			return nil
		})
		if err != nil {
			if played.Frames > 0 {
				spoken = append(spoken, segment)
				t.cutOff = true
			}
			t.synthErr = err
			return err
		}
		spoken = append(spoken, segment)
	}
	return nil
}

func (c *Controller) onAudioChunk(t *turnRun, frame []byte) {
	d := c.arbiter.OnAgentAudioChunk(t.id)
	if d.Action != turnarbiter.ActionForward || c.conn == nil {
		return
	}
	if err := c.conn.SendAudioFrame(c.runCtx, frame); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("send audio frame failed", zap.Error(err))
	}
}

func (c *Controller) onTurnFinished(t *turnRun) {
	delete(c.turns, t.id)
	defer t.token.Release()
	c.recordToolUsage(t.result.ToolCalls)

	switch {
	case t.token.Reason() != "":
		c.closeTurn(t, conversation.TurnInterrupted)
		return
	case t.synthErr != nil && !failure.IsCanceled(t.synthErr):
		c.closeTurn(t, conversation.TurnFailed)
		c.terminate(conversation.StateError, TriggerFailure, reasonOr(t.synthErr, "synthesis_failed"), t.synthErr)
		return
	case t.reasonErr != nil && !failure.IsCanceled(t.reasonErr):
		c.closeTurn(t, conversation.TurnFailed)
		if t.fallback || strings.TrimSpace(c.cfg.FallbackMessage) == "" {
			c.terminate(conversation.StateError, TriggerFailure, reasonOr(t.reasonErr, "reasoning_failed"), t.reasonErr)
			return
		}
		c.logger.Warn("reasoning failed, speaking fallback", zap.String("turn_id", t.id), zap.Error(t.reasonErr))
		c.speakScripted(c.cfg.FallbackMessage, true)
		return
	}

	d := c.arbiter.OnAgentAudioDone(t.id)
	if d.Action != turnarbiter.ActionComplete {
		c.closeTurn(t, conversation.TurnInterrupted)
		return
	}
	c.closeTurn(t, conversation.TurnCompleted)
	c.apply(d)
	if t.result.EndSession {
		c.terminate(conversation.StateEnded, TriggerEndRequested, ReasonAgentEnded, nil)
	}
}

// closeTurn appends the finished turn. Closed turns are never mutated.
func (c *Controller) closeTurn(t *turnRun, outcome conversation.TurnOutcome) {
	rec := t.record
	rec.ToolCalls = append([]conversation.ToolCall(nil), t.result.ToolCalls...)
	text := t.result.Text
	if t.scripted != "" {
		text = t.scripted
	}
	if outcome != conversation.TurnCompleted {
		text = t.spoken
	}
	if strings.TrimSpace(text) != "" {
		u := c.nextUtterance(conversation.SpeakerAgent, text, 0, 0, c.now())
		if outcome != conversation.TurnCompleted && t.cutOff {
			u.Finality = conversation.Partial
		}
		rec.AgentResponse = &u
	}
	rec.Outcome = outcome
	rec.ClosedAt = c.now()
	c.closed = append(c.closed, rec)
}

func (c *Controller) nextUtterance(speaker conversation.Speaker, text string, utteranceID int64, confidence float64, at time.Time) conversation.Utterance {
	c.sequence++
	if at.IsZero() {
		at = c.now()
	}
	return conversation.Utterance{
		Sequence:    c.sequence,
		UtteranceID: utteranceID,
		Speaker:     speaker,
		Text:        strings.TrimSpace(text),
		Finality:    conversation.Final,
		Confidence:  confidence,
		Timestamp:   at,
	}
}

func (c *Controller) recordToolUsage(calls []conversation.ToolCall) {
	for _, call := range calls {
		if _, err := c.ledger.Append(conversation.UsageRecord{
			Stage:      conversation.StageTool,
			ProviderID: call.Name,
			Units:      1,
		}); err != nil {
			c.logger.Warn("usage record rejected", zap.Error(err))
		}
	}
}

func (c *Controller) budgetEnabled() bool {
	b := c.cfg.Budget
	return b.MaxDuration > 0 || b.MaxCostUSD > 0 || b.WarnAfter > 0 || b.WarnAtCostUSD > 0
}

func (c *Controller) checkBudget() {
	d, err := c.budgets.Evaluate(c.cfg.Budget, budget.Usage{
		Elapsed: c.now().Sub(c.startedAt),
		CostUSD: c.ledger.Total(),
	})
	if err != nil {
		c.logger.Warn("budget evaluation failed", zap.Error(err))
		return
	}
	if d.Action == budget.ActionTerminate {
		c.logger.Info("session budget exhausted", zap.String("dimension", d.Dimension))
		c.terminate(conversation.StateEnded, TriggerEndRequested, budget.ReasonExhausted, nil)
		return
	}
	if d.EmitWarning && !c.budgetWarned {
		c.budgetWarned = true
		c.logger.Warn("session budget warning", zap.String("dimension", d.Dimension))
	}
}

// terminate applies the terminal transition once: it cancels every turn,
// releases adapter resources, totals usage and hands the summary to the
// recorder.
func (c *Controller) terminate(state conversation.State, trigger Trigger, reason string, cause error) {
	if c.fsm.IsTerminal() {
		return
	}
	if _, _, err := c.fsm.Fire(trigger, state); err != nil {
		c.logger.Error("terminal transition rejected", zap.Error(err))
		return
	}

	c.arbiter.Shutdown()
	open := make([]*turnRun, 0, len(c.turns))
	for _, t := range c.turns {
		t.token.Cancel(turnarbiter.ReasonSessionEnd)
		open = append(open, t)
	}
	if c.cancelRun != nil {
		c.cancelRun()
	}
	close(c.closing)
	if c.stream != nil {
		_ = c.stream.Stop()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.workers.Wait()
	c.pumps.Wait()

	sort.Slice(open, func(i, j int) bool { return open[i].record.OpenedAt.Before(open[j].record.OpenedAt) })
	for _, t := range open {
		c.recordToolUsage(t.result.ToolCalls)
		c.closeTurn(t, conversation.TurnInterrupted)
		t.token.Release()
	}
	c.turns = map[string]*turnRun{}

	endedAt := c.now()
	status, _ := conversation.StatusForState(state)
	total := c.ledger.Total()
	summary := conversation.SessionSummary{
		SessionID:    c.params.ID,
		Room:         c.params.Room,
		Channel:      c.params.Channel,
		AgentName:    c.params.Agent.Name,
		Status:       status,
		Reason:       reason,
		StartedAt:    c.startedAt,
		EndedAt:      endedAt,
		Duration:     endedAt.Sub(c.startedAt),
		TotalCost:    total,
		Usage:        c.ledger.Records(),
		Turns:        append([]conversation.ConversationTurn(nil), c.closed...),
		CallerNumber: c.params.CallerNumber,
		CalledNumber: c.params.CalledNumber,
	}

	c.mu.Lock()
	c.snapshot.State = state
	c.snapshot.Status = status
	c.snapshot.Reason = reason
	c.snapshot.TotalCost = total
	c.snapshot.EndedAt = &endedAt
	c.summary = summary
	c.err = cause
	c.mu.Unlock()

	if c.deps.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtxOrBackground()), c.cfg.RecordTimeout)
		if err := c.deps.Recorder.OnSessionEnd(ctx, summary); err != nil {
			c.logger.Error("recorder rejected session end", zap.Error(err))
		}
		cancel()
	}
	c.deps.Fence.Forget(c.params.ID)

	labels := map[string]string{"status": string(status)}
	c.emitter.EmitMetric(telemetry.MetricSessionsEnded, 1, map[string]string{"status": string(status), "reason": reason}, c.correlation(""))
	c.emitter.EmitMetric(telemetry.MetricSessionDurationSeconds, summary.Duration.Seconds(), labels, c.correlation(""))
	c.emitter.EmitMetric(telemetry.MetricSessionCostUSD, total, labels, c.correlation(""))

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Duration("duration", summary.Duration),
		zap.Float64("cost_usd", total),
		zap.Int("turns", len(summary.Turns)),
	}
	if cause != nil {
		c.logger.Error("session failed", append(fields, zap.Error(cause))...)
		return
	}
	c.logger.Info("session ended", fields...)
}

func (c *Controller) runCtxOrBackground() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Controller) pumpTranscripts() {
	defer c.pumps.Done()
	for ev := range c.stream.Events() {
		if !c.post(event{kind: evTranscript, transcript: ev}) {
			return
		}
	}
	c.post(event{kind: evTranscriptionClosed, err: c.stream.Err()})
}

func (c *Controller) pumpIngress() {
	defer c.pumps.Done()
	frames := c.conn.Frames()
	disconnected := c.conn.Done()
	for {
		select {
		case <-c.closing:
			return
		case <-disconnected:
			c.post(event{kind: evDisconnected})
			return
		case frame, ok := <-frames:
			if !ok {
				c.post(event{kind: evDisconnected})
				return
			}
			if err := c.stream.SendAudio(frame); errors.Is(err, transcription.ErrStopped) {
				return
			}
		}
	}
}

func (c *Controller) tickBudget() {
	defer c.pumps.Done()
	ticker := time.NewTicker(c.cfg.BudgetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			if !c.post(event{kind: evBudgetTick}) {
				return
			}
		}
	}
}

// post enqueues ev unless the session is closing.
func (c *Controller) post(ev event) bool {
	select {
	case c.queue <- ev:
		return true
	case <-c.closing:
		return false
	}
}

// postTurn enqueues turn output unless the turn or the session is done.
func (c *Controller) postTurn(ctx context.Context, ev event) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.queue <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.closing:
		return false
	}
}

func (c *Controller) correlation(turnID string) telemetry.Correlation {
	return telemetry.Correlation{SessionID: c.params.ID, TurnID: turnID, Component: "session"}
}

func canceledErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func reasonOr(err error, fallback string) string {
	if reason := failure.ReasonOf(err); reason != "" {
		return reason
	}
	return fallback
}
