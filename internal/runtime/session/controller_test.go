package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/recorder"
	"github.com/tiger/voice-orchestrator/internal/runtime/budget"
	"github.com/tiger/voice-orchestrator/internal/runtime/failure"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/invocation"
	"github.com/tiger/voice-orchestrator/internal/runtime/reasoning"
	"github.com/tiger/voice-orchestrator/internal/runtime/synthesis"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
	"github.com/tiger/voice-orchestrator/internal/runtime/transcription"
	"github.com/tiger/voice-orchestrator/internal/runtime/usage"
	"github.com/tiger/voice-orchestrator/transports/memory"
)

const waitFor = 3 * time.Second

// --- transcription fake ---

type sttConn struct {
	results chan contracts.TranscriptResult
	closed  chan struct{}
	once    sync.Once
}

func (c *sttConn) SendAudio([]byte) error                     { return nil }
func (c *sttConn) Results() <-chan contracts.TranscriptResult { return c.results }
func (c *sttConn) Err() error                                 { return nil }
func (c *sttConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *sttConn) partial(text string, confidence float64, d time.Duration) {
	c.results <- contracts.TranscriptResult{Text: text, Confidence: confidence, Duration: d}
}

func (c *sttConn) final(text string) {
	c.results <- contracts.TranscriptResult{Text: text, IsFinal: true, Confidence: 0.95, Duration: time.Second}
}

type fakeSTT struct {
	opened chan *sttConn
}

func newFakeSTT() *fakeSTT { return &fakeSTT{opened: make(chan *sttConn, 8)} }

func (p *fakeSTT) ProviderID() string           { return "stt-fake" }
func (p *fakeSTT) Modality() contracts.Modality { return contracts.ModalitySTT }

func (p *fakeSTT) Open(context.Context, contracts.TranscriptionConfig) (contracts.TranscriptionStream, error) {
	c := &sttConn{results: make(chan contracts.TranscriptResult, 32), closed: make(chan struct{})}
	p.opened <- c
	return c, nil
}

// --- reasoning fake ---

type llmStep func(ctx context.Context, req contracts.ReasoningRequest, emit func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error)

type scriptedLLM struct {
	mu       sync.Mutex
	steps    []llmStep
	requests []contracts.ReasoningRequest
}

func (l *scriptedLLM) ProviderID() string           { return "llm-fake" }
func (l *scriptedLLM) Modality() contracts.Modality { return contracts.ModalityLLM }

func (l *scriptedLLM) Stream(ctx context.Context, req contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
	l.mu.Lock()
	n := len(l.requests)
	l.requests = append(l.requests, req)
	step := say("Okay.")
	if n < len(l.steps) {
		step = l.steps[n]
	}
	l.mu.Unlock()
	return step(ctx, req, onDelta)
}

func (l *scriptedLLM) request(i int) contracts.ReasoningRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[i]
}

var tokenUsage = contracts.ReasoningUsage{InputTokens: 120, OutputTokens: 30, StopReason: "end_turn"}

// say streams text word by word.
func say(text string) llmStep {
	return func(_ context.Context, _ contracts.ReasoningRequest, emit func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		for _, word := range strings.SplitAfter(text, " ") {
			if err := emit(contracts.ReasoningDelta{Text: word}); err != nil {
				return contracts.ReasoningUsage{}, err
			}
		}
		return tokenUsage, nil
	}
}

func callTool(id, name, args string) llmStep {
	return func(_ context.Context, _ contracts.ReasoningRequest, emit func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		use := &contracts.ToolUse{ID: id, Name: name, Arguments: json.RawMessage(args)}
		if err := emit(contracts.ReasoningDelta{ToolUse: use}); err != nil {
			return contracts.ReasoningUsage{}, err
		}
		return contracts.ReasoningUsage{InputTokens: 100, OutputTokens: 15, StopReason: "tool_use"}, nil
	}
}

func failWith(err error) llmStep {
	return func(context.Context, contracts.ReasoningRequest, func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		return contracts.ReasoningUsage{}, err
	}
}

// --- synthesis fake ---

type fakeTTS struct {
	mu         sync.Mutex
	texts      []string
	blockCalls int
	err        error
	canceled   atomic.Bool
}

func (p *fakeTTS) ProviderID() string           { return "tts-fake" }
func (p *fakeTTS) Modality() contracts.Modality { return contracts.ModalityTTS }

func (p *fakeTTS) Synthesize(ctx context.Context, req contracts.SynthesisRequest, onAudio func([]byte) error) (contracts.SynthesisUsage, error) {
	p.mu.Lock()
	call := len(p.texts)
	p.texts = append(p.texts, req.Text)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return contracts.SynthesisUsage{}, err
	}
	// two 20ms frames at 16kHz
	if err := onAudio(make([]byte, 1280)); err != nil {
		return contracts.SynthesisUsage{}, err
	}
	if call < p.blockCalls {
		<-ctx.Done()
		p.canceled.Store(true)
		return contracts.SynthesisUsage{}, ctx.Err()
	}
	return contracts.SynthesisUsage{Characters: len([]rune(req.Text))}, nil
}

func (p *fakeTTS) spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// --- harness ---

type setup struct {
	cfg      Config
	greeting string
	steps    []llmStep
	tools    []tools.Definition
	tts      *fakeTTS
	noDial   bool
}

type harness struct {
	t       *testing.T
	stt     *fakeSTT
	llm     *scriptedLLM
	tts     *fakeTTS
	rec     *recorder.Memory
	emitter *telemetry.MemoryEmitter
	hub     *memory.Hub
	peer    *memory.Peer
	ctrl    *Controller
	cancel  context.CancelFunc
	runErr  chan error
}

func testAgent() conversation.AgentProfile {
	return conversation.AgentProfile{
		Name:         "support",
		SystemPrompt: "You are a concise phone assistant.",
		LLMModel:     "claude-test",
		STTModel:     "nova-test",
		TTSVoice:     "Joanna",
		Locale:       "en-US",
		Temperature:  0.3,
		MaxTokens:    256,
	}
}

func newDeps(t *testing.T, s setup) (Dependencies, *fakeSTT, *scriptedLLM, *fakeTTS, *recorder.Memory, *telemetry.MemoryEmitter) {
	t.Helper()
	emitter := telemetry.NewMemoryEmitter()
	invoker := invocation.NewController(invocation.Config{
		MaxAttempts:    2,
		AttemptTimeout: 5 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, nil, emitter)

	stt := newFakeSTT()
	llm := &scriptedLLM{steps: s.steps}
	tts := s.tts
	if tts == nil {
		tts = &fakeTTS{}
	}
	var executor *tools.Executor
	if len(s.tools) > 0 {
		registry, err := tools.NewRegistry(s.tools...)
		require.NoError(t, err)
		executor = tools.NewExecutor(registry, tools.ExecutorConfig{}, nil, emitter)
	}
	engine, err := reasoning.NewEngine(llm, executor, invoker, reasoning.Config{}, nil)
	require.NoError(t, err)

	rec := recorder.NewMemory()
	return Dependencies{
		Transcription: transcription.NewAdapter(stt, invoker, transcription.Config{}, nil),
		Reasoning:     engine,
		Synthesis:     synthesis.NewAdapter(tts, invoker, synthesis.Config{}, nil),
		Recorder:      rec,
		Pricing:       usage.DefaultPricing(),
		Emitter:       emitter,
	}, stt, llm, tts, rec, emitter
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	deps, stt, llm, tts, rec, emitter := newDeps(t, s)
	hub := memory.NewHub(memory.Config{})
	agent := testAgent()
	agent.Greeting = s.greeting

	ctrl, err := NewController(Params{
		ID:      "sess-1",
		Room:    "room-1",
		Channel: conversation.ChannelWeb,
		Agent:   agent,
		Joiner:  hub,
	}, s.cfg, deps)
	require.NoError(t, err)

	h := &harness{t: t, stt: stt, llm: llm, tts: tts, rec: rec, emitter: emitter, hub: hub, ctrl: ctrl, runErr: make(chan error, 1)}
	if !s.noDial {
		h.peer, err = hub.Dial("room-1")
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), waitFor)
		defer endCancel()
		_, _ = ctrl.End(endCtx, "test_cleanup")
		cancel()
	})
	return h
}

func (h *harness) conn() *sttConn {
	h.t.Helper()
	select {
	case c := <-h.stt.opened:
		return c
	case <-time.After(waitFor):
		h.t.Fatal("transcription stream was not opened")
		return nil
	}
}

func (h *harness) waitState(state conversation.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.ctrl.Snapshot().State == state }, waitFor, 2*time.Millisecond,
		"state %s never reached, now %s", state, h.ctrl.Snapshot().State)
}

func (h *harness) transitions(from, to conversation.State) float64 {
	return h.emitter.Sum(telemetry.MetricStateTransitions, map[string]string{"from": string(from), "to": string(to)})
}

func (h *harness) waitTransition(from, to conversation.State, n float64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.transitions(from, to) >= n }, waitFor, 2*time.Millisecond,
		"transition %s->%s seen %v times", from, to, h.transitions(from, to))
}

func (h *harness) waitDone() conversation.SessionSummary {
	h.t.Helper()
	select {
	case <-h.ctrl.Done():
	case <-time.After(waitFor):
		h.t.Fatalf("session did not terminate, state %s", h.ctrl.Snapshot().State)
	}
	return h.ctrl.Summary()
}

func (h *harness) end(reason string) conversation.SessionSummary {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	summary, err := h.ctrl.End(ctx, reason)
	require.NoError(h.t, err)
	return summary
}

func turnByID(t *testing.T, turns []conversation.ConversationTurn, id string) conversation.ConversationTurn {
	t.Helper()
	for _, turn := range turns {
		if turn.ID == id {
			return turn
		}
	}
	t.Fatalf("turn %s not recorded", id)
	return conversation.ConversationTurn{}
}

func stagesOf(records []conversation.UsageRecord) map[conversation.Stage]int {
	out := map[conversation.Stage]int{}
	for _, r := range records {
		out[r.Stage]++
	}
	return out
}

func calculatorTool() tools.Definition {
	return tools.Definition{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`),
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Expression != "25*4" {
				return nil, errors.New("unsupported expression")
			}
			return json.RawMessage(`{"result":"100"}`), nil
		},
	}
}

// --- scenarios ---

func TestTurnWithToolCallCompletesAndRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{
		steps: []llmStep{
			callTool("tu-1", "calculate", `{"expression":"25*4"}`),
			say("25 times 4 is 100."),
		},
		tools: []tools.Definition{calculatorTool()},
	})
	stt := h.conn()
	h.waitState(conversation.StateActive)

	stt.partial("what is twenty", 0.8, 300*time.Millisecond)
	h.waitState(conversation.StateListening)
	stt.final("what is 25 times 4")

	h.waitTransition(conversation.StateListening, conversation.StateSpeaking, 1)
	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)
	require.Eventually(t, func() bool { return len(h.peer.Received()) > 0 }, waitFor, 2*time.Millisecond)

	second := h.llm.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.ToolOutputs, 1)
	assert.JSONEq(t, `{"result":"100"}`, string(last.ToolOutputs[0].Content))
	assert.Equal(t, []string{"25 times 4 is 100."}, h.tts.spoken())

	summary := h.end(ReasonCallerEnded)
	assert.Equal(t, conversation.StatusEnded, summary.Status)
	assert.Equal(t, ReasonCallerEnded, summary.Reason)
	require.Len(t, summary.Turns, 1)
	turn := summary.Turns[0]
	assert.Equal(t, conversation.TurnCompleted, turn.Outcome)
	require.NotNil(t, turn.UserUtterance)
	require.NotNil(t, turn.AgentResponse)
	assert.Equal(t, "what is 25 times 4", turn.UserUtterance.Text)
	assert.Equal(t, "25 times 4 is 100.", turn.AgentResponse.Text)
	assert.Less(t, turn.UserUtterance.Sequence, turn.AgentResponse.Sequence)
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, "calculate", turn.ToolCalls[0].Name)
	assert.JSONEq(t, `{"result":"100"}`, string(turn.ToolCalls[0].Result))

	stages := stagesOf(summary.Usage)
	assert.Equal(t, 2, stages[conversation.StageReasoning])
	assert.Equal(t, 1, stages[conversation.StageSynthesis])
	assert.Equal(t, 1, stages[conversation.StageTool])
	assert.Greater(t, summary.TotalCost, 0.0)

	require.Len(t, h.rec.Started(), 1)
	require.Len(t, h.rec.Ended(), 1)
	assert.Equal(t, summary, h.rec.Ended()[0])
}

func TestGreetingIsSpokenFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{greeting: "Hello! How can I help you today?"})
	h.conn()
	h.waitTransition(conversation.StateActive, conversation.StateSpeaking, 1)
	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)

	summary := h.end(ReasonCallerEnded)
	require.Len(t, summary.Turns, 1)
	assert.Nil(t, summary.Turns[0].UserUtterance)
	require.NotNil(t, summary.Turns[0].AgentResponse)
	assert.Equal(t, "Hello! How can I help you today?", summary.Turns[0].AgentResponse.Text)
	assert.Equal(t, []string{"Hello! How can I help you today?"}, h.tts.spoken())
}

func TestLongGreetingIsSpokenInSegments(t *testing.T) {
	t.Parallel()

	greeting := "Welcome to the front desk of the grand hotel"
	h := newHarness(t, setup{cfg: Config{MaxSegmentRunes: 20}, greeting: greeting})
	h.conn()
	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)

	assert.Equal(t, []string{"Welcome to the", "front desk of the", "grand hotel"}, h.tts.spoken())
	summary := h.end(ReasonCallerEnded)
	require.Len(t, summary.Turns, 1)
	require.NotNil(t, summary.Turns[0].AgentResponse)
	assert.Equal(t, greeting, summary.Turns[0].AgentResponse.Text)
	assert.Equal(t, 3, stagesOf(summary.Usage)[conversation.StageSynthesis])
}

func TestResponseIsSpokenSentenceBySentence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{steps: []llmStep{say("Sure thing, here is the plan. First we check the weather. Then we book.")}})
	stt := h.conn()
	h.waitState(conversation.StateActive)
	stt.final("plan my trip")

	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)
	assert.Equal(t, []string{
		"Sure thing, here is the plan.",
		"First we check the weather.",
		"Then we book.",
	}, h.tts.spoken())
}

func TestDisconnectWhileListeningAbandons(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{steps: []llmStep{say("Hi there, nice to meet you.")}})
	stt := h.conn()
	h.waitState(conversation.StateActive)
	stt.final("hello")
	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)

	stt.partial("and one more", 0.7, 100*time.Millisecond)
	h.waitState(conversation.StateListening)
	h.peer.Hangup()

	summary := h.waitDone()
	assert.Equal(t, conversation.StatusAbandoned, summary.Status)
	assert.Equal(t, failure.ReasonDisconnected, summary.Reason)
	assert.Greater(t, summary.TotalCost, 0.0)
	assert.True(t, failure.IsKind(<-h.runErr, failure.KindTransport))

	again := h.end(ReasonCallerEnded)
	assert.Equal(t, summary, again)
	assert.Len(t, h.rec.Ended(), 1)
}

func TestEndIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	h.conn()
	h.waitState(conversation.StateActive)

	first := h.end(ReasonCallerEnded)
	second := h.end("other")
	assert.Equal(t, first, second)
	assert.Equal(t, ReasonCallerEnded, second.Reason)
	assert.Len(t, h.rec.Ended(), 1)
	assert.Equal(t, 1.0, h.emitter.Sum(telemetry.MetricSessionsEnded, nil))
	assert.Equal(t, conversation.StateEnded, h.ctrl.Snapshot().State)
	require.NotNil(t, h.ctrl.Snapshot().EndedAt)
}

func TestBargeInCancelsReasoningAndSynthesis(t *testing.T) {
	t.Parallel()

	var llmCanceled atomic.Bool
	slow := func(ctx context.Context, _ contracts.ReasoningRequest, emit func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
		if err := emit(contracts.ReasoningDelta{Text: "Sure, let me look that up for you. "}); err != nil {
			return contracts.ReasoningUsage{}, err
		}
		<-ctx.Done()
		llmCanceled.Store(true)
		return contracts.ReasoningUsage{}, ctx.Err()
	}
	h := newHarness(t, setup{
		steps: []llmStep{slow, say("Okay, cancelled.")},
		tts:   &fakeTTS{blockCalls: 1},
	})
	stt := h.conn()
	h.waitState(conversation.StateActive)

	stt.final("book a table for two")
	h.waitState(conversation.StateSpeaking)

	// below threshold: ignored
	stt.partial("uh", 0.3, 50*time.Millisecond)
	stt.partial("no wait stop", 0.9, 500*time.Millisecond)
	h.waitTransition(conversation.StateSpeaking, conversation.StateListening, 1)
	require.Eventually(t, func() bool { return llmCanceled.Load() && h.tts.canceled.Load() }, waitFor, 2*time.Millisecond)
	assert.Equal(t, 1.0, h.emitter.Sum(telemetry.MetricBargeIns, nil))

	stt.final("never mind")
	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)

	summary := h.end(ReasonCallerEnded)
	interrupted := turnByID(t, summary.Turns, "turn-1")
	assert.Equal(t, conversation.TurnInterrupted, interrupted.Outcome)
	// the caller heard part of the first segment
	require.NotNil(t, interrupted.AgentResponse)
	assert.Equal(t, "Sure, let me look that up for you.", interrupted.AgentResponse.Text)
	assert.Equal(t, conversation.Partial, interrupted.AgentResponse.Finality)
	completed := turnByID(t, summary.Turns, "turn-2")
	assert.Equal(t, conversation.TurnCompleted, completed.Outcome)
	assert.Equal(t, "Okay, cancelled.", completed.AgentResponse.Text)
	assert.Equal(t, conversation.Final, completed.AgentResponse.Finality)

	// the interrupted turn is billed for the audio and text it delivered
	stages := stagesOf(summary.Usage)
	assert.Equal(t, 2, stages[conversation.StageSynthesis])
	assert.Equal(t, 2, stages[conversation.StageReasoning])
}

func TestReasoningFailureSpeaksFallback(t *testing.T) {
	t.Parallel()

	blocked := contracts.NewProviderError("llm-fake", contracts.ModalityLLM,
		contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "content_blocked"}, errors.New("refused"))
	h := newHarness(t, setup{
		cfg:   Config{FallbackMessage: "Sorry, I had trouble with that."},
		steps: []llmStep{failWith(blocked)},
	})
	stt := h.conn()
	h.waitState(conversation.StateActive)
	stt.final("hello")

	h.waitTransition(conversation.StateSpeaking, conversation.StateActive, 1)
	assert.Equal(t, []string{"Sorry, I had trouble with that."}, h.tts.spoken())
	assert.False(t, h.ctrl.Snapshot().State.IsTerminal())

	summary := h.end(ReasonCallerEnded)
	assert.Equal(t, conversation.TurnFailed, turnByID(t, summary.Turns, "turn-1").Outcome)
	fallback := turnByID(t, summary.Turns, "turn-2")
	assert.Equal(t, conversation.TurnCompleted, fallback.Outcome)
	assert.Equal(t, "Sorry, I had trouble with that.", fallback.AgentResponse.Text)
}

func TestReasoningFailureWithoutFallbackErrors(t *testing.T) {
	t.Parallel()

	blocked := contracts.NewProviderError("llm-fake", contracts.ModalityLLM,
		contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "content_blocked"}, errors.New("refused"))
	h := newHarness(t, setup{steps: []llmStep{failWith(blocked)}})
	stt := h.conn()
	h.waitState(conversation.StateActive)
	stt.final("hello")

	summary := h.waitDone()
	assert.Equal(t, conversation.StatusError, summary.Status)
	assert.True(t, failure.IsKind(h.ctrl.Err(), failure.KindReasoning))
	require.Len(t, summary.Turns, 1)
	assert.Equal(t, conversation.TurnFailed, summary.Turns[0].Outcome)
}

func TestSynthesisFailureErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{
		greeting: "Welcome back.",
		tts: &fakeTTS{err: contracts.NewProviderError("tts-fake", contracts.ModalityTTS,
			contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "voice_unavailable"}, errors.New("no voice"))},
	})
	summary := h.waitDone()
	assert.Equal(t, conversation.StatusError, summary.Status)
	assert.True(t, failure.IsKind(h.ctrl.Err(), failure.KindSynthesis))
}

func TestConnectTimeoutErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{cfg: Config{ConnectTimeout: 30 * time.Millisecond}, noDial: true})
	summary := h.waitDone()
	assert.Equal(t, conversation.StatusError, summary.Status)
	assert.Equal(t, failure.ReasonHandshakeTimeout, summary.Reason)
	assert.Empty(t, summary.Turns)
	assert.Len(t, h.rec.Ended(), 1)
}

func TestEndWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{noDial: true})
	summary := h.end(ReasonCallerEnded)
	assert.Equal(t, conversation.StatusEnded, summary.Status)
	assert.Equal(t, ReasonCallerEnded, summary.Reason)
}

func TestEndCallToolEndsSession(t *testing.T) {
	t.Parallel()

	endCall := tools.Definition{
		Name:        "end_call",
		Description: "Hang up once the caller is done.",
		EndsSession: true,
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ended":true}`), nil
		},
	}
	h := newHarness(t, setup{
		steps: []llmStep{callTool("tu-9", "end_call", `{}`), say("Goodbye, have a great day.")},
		tools: []tools.Definition{endCall},
	})
	stt := h.conn()
	h.waitState(conversation.StateActive)
	stt.final("that is all, thanks")

	summary := h.waitDone()
	assert.Equal(t, conversation.StatusEnded, summary.Status)
	assert.Equal(t, ReasonAgentEnded, summary.Reason)
	require.Len(t, summary.Turns, 1)
	assert.Equal(t, conversation.TurnCompleted, summary.Turns[0].Outcome)
	assert.Equal(t, "Goodbye, have a great day.", summary.Turns[0].AgentResponse.Text)
}

func TestBudgetExhaustionEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{cfg: Config{
		Budget:         budget.Spec{MaxDuration: 40 * time.Millisecond},
		BudgetInterval: 5 * time.Millisecond,
	}})
	summary := h.waitDone()
	assert.Equal(t, conversation.StatusEnded, summary.Status)
	assert.Equal(t, budget.ReasonExhausted, summary.Reason)
}

func TestParentCancelShutsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	h.conn()
	h.waitState(conversation.StateActive)
	h.cancel()

	summary := h.waitDone()
	assert.Equal(t, conversation.StatusEnded, summary.Status)
	assert.Equal(t, ReasonShutdown, summary.Reason)
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	h.conn()
	assert.Error(t, h.ctrl.Run(context.Background()))
}

func TestNewControllerValidates(t *testing.T) {
	t.Parallel()

	deps, _, _, _, _, _ := newDeps(t, setup{})
	hub := memory.NewHub(memory.Config{})
	valid := Params{ID: "s", Room: "room-x", Channel: conversation.ChannelPhone, Agent: testAgent(), Joiner: hub}
	_, err := NewController(valid, Config{}, deps)
	require.NoError(t, err)

	for name, mutate := range map[string]func(p *Params, d *Dependencies, c *Config){
		"missing id":      func(p *Params, _ *Dependencies, _ *Config) { p.ID = " " },
		"missing joiner":  func(p *Params, _ *Dependencies, _ *Config) { p.Joiner = nil },
		"bad channel":     func(p *Params, _ *Dependencies, _ *Config) { p.Channel = "fax" },
		"bad room":        func(p *Params, _ *Dependencies, _ *Config) { p.Room = "has space" },
		"bad agent":       func(p *Params, _ *Dependencies, _ *Config) { p.Agent.SystemPrompt = "" },
		"missing adapter": func(_ *Params, d *Dependencies, _ *Config) { d.Synthesis = nil },
		"bad budget":      func(_ *Params, _ *Dependencies, c *Config) { c.Budget.MaxCostUSD = -1 },
		"bad barge-in":    func(_ *Params, _ *Dependencies, c *Config) { c.BargeIn.MinConfidence = 2 },
	} {
		p, d, c := valid, deps, Config{}
		mutate(&p, &d, &c)
		_, err := NewController(p, c, d)
		assert.Error(t, err, name)
	}
}
