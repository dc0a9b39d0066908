package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/config"
	"github.com/tiger/voice-orchestrator/internal/recorder"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/bootstrap"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/session"
)

const waitFor = 3 * time.Second

type idleStream struct {
	results chan contracts.TranscriptResult
	once    sync.Once
}

func (s *idleStream) SendAudio([]byte) error                     { return nil }
func (s *idleStream) Results() <-chan contracts.TranscriptResult { return s.results }
func (s *idleStream) Err() error                                 { return nil }
func (s *idleStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type idleSTT struct{}

func (idleSTT) ProviderID() string           { return "stt-idle" }
func (idleSTT) Modality() contracts.Modality { return contracts.ModalitySTT }
func (idleSTT) Open(context.Context, contracts.TranscriptionConfig) (contracts.TranscriptionStream, error) {
	return &idleStream{results: make(chan contracts.TranscriptResult)}, nil
}

type echoLLM struct{}

func (echoLLM) ProviderID() string           { return "llm-echo" }
func (echoLLM) Modality() contracts.Modality { return contracts.ModalityLLM }
func (echoLLM) Stream(_ context.Context, _ contracts.ReasoningRequest, onDelta func(contracts.ReasoningDelta) error) (contracts.ReasoningUsage, error) {
	return contracts.ReasoningUsage{InputTokens: 1, OutputTokens: 1}, onDelta(contracts.ReasoningDelta{Text: "Okay."})
}

type silentTTS struct{}

func (silentTTS) ProviderID() string           { return "tts-silent" }
func (silentTTS) Modality() contracts.Modality { return contracts.ModalityTTS }
func (silentTTS) Synthesize(_ context.Context, req contracts.SynthesisRequest, onAudio func([]byte) error) (contracts.SynthesisUsage, error) {
	return contracts.SynthesisUsage{Characters: len(req.Text)}, onAudio(make([]byte, 640))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Recorder.Drivers = []string{recorder.DriverMemory}
	cfg.Tools.Enabled = []string{"calculate", "end_call"}
	cfg.Agent.Greeting = ""
	cfg.Session.Pace = false
	cfg.Server.ShutdownTimeout = waitFor
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *httptest.Server) {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zap.NewNop(), bootstrap.Providers{
		Transcription: idleSTT{},
		Reasoning:     echoLLM{},
		Synthesis:     silentTTS{},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = a.manager.Shutdown(ctx)
		srv.Close()
		_ = a.close(ctx)
	})
	return a, srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// sessionState is safe to call from Eventually conditions.
func sessionState(base, id string) (conversation.State, int) {
	resp, err := http.Get(base + "/v1/sessions/" + id)
	if err != nil {
		return "", 0
	}
	defer resp.Body.Close()
	var s conversation.Session
	_ = json.NewDecoder(resp.Body).Decode(&s)
	return s.State, resp.StatusCode
}

func TestCreateGetAndEndSession(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, testConfig())

	var created createSessionResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions",
		`{"room":"lobby","agent":{"name":"concierge","tts_voice":"Matthew"}}`, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "lobby", created.Session.Room)
	assert.Equal(t, conversation.ChannelWeb, created.Session.Channel)
	assert.Equal(t, conversation.StateConnecting, created.Session.State)
	assert.Equal(t, "concierge", created.Session.Agent.Name)
	assert.Equal(t, "Matthew", created.Session.Agent.TTSVoice)
	assert.Equal(t, "claude-3-5-haiku-latest", created.Session.Agent.LLMModel)
	assert.Equal(t, "/v1/media/lobby", created.MediaPath)

	var got conversation.Session
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+created.Session.ID, "", &got))
	assert.Equal(t, created.Session.ID, got.ID)

	var listed struct {
		Sessions []conversation.Session `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/sessions", "", &listed))
	require.Len(t, listed.Sessions, 1)

	var summary conversation.SessionSummary
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/"+created.Session.ID+"?reason=operator", "", &summary))
	assert.Equal(t, created.Session.ID, summary.SessionID)
	assert.Equal(t, "operator", summary.Reason)

	require.Eventually(t, func() bool {
		_, status := sessionState(srv.URL, created.Session.ID)
		return status == http.StatusNotFound
	}, waitFor, 10*time.Millisecond)
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, testConfig())

	cases := map[string]string{
		"unknown channel": `{"channel":"fax"}`,
		"invalid agent":   `{"agent":{"max_tokens":0}}`,
		"unknown field":   `{"rooms":"x"}`,
		"malformed":       `{"room":`,
	}
	for name, body := range cases {
		var out map[string]string
		status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", body, &out)
		assert.Equal(t, http.StatusBadRequest, status, name)
		assert.NotEmpty(t, out["error"], name)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, testConfig())

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/nope", "", nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/nope", "", nil))
}

func TestCreateAfterShutdownIsUnavailable(t *testing.T) {
	t.Parallel()
	a, srv := newTestApp(t, testConfig())
	require.NoError(t, a.manager.Shutdown(context.Background()))

	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", `{}`, nil))
}

func TestCallerJoinsThroughMediaEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, testConfig())

	var created createSessionResponse
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", `{}`, &created))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + created.MediaPath
	ws, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool {
		state, _ := sessionState(srv.URL, created.Session.ID)
		return state == conversation.StateActive
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, ws.WriteMessage(gorillaws.BinaryMessage, make([]byte, 640)))

	var summary conversation.SessionSummary
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/"+created.Session.ID, "", &summary))
	assert.Equal(t, "caller_ended", summary.Reason)
	assert.Equal(t, conversation.StatusEnded, summary.Status)
}

func TestToolsHealthAndMetrics(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, testConfig())

	var listed struct {
		Tools []contracts.ToolSpec `json:"tools"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/v1/tools", "", &listed))
	names := make([]string, 0, len(listed.Tools))
	for _, spec := range listed.Tools {
		names = append(names, spec.Name)
	}
	assert.ElementsMatch(t, []string{"calculate", "end_call"}, names)

	var health map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/healthz", "", &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["active_sessions"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(body, []byte("go_goroutines")))
}

func TestMetricsCanBeDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	_, srv := newTestApp(t, cfg)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeDrainsSessionsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := newApp(context.Background(), cfg, zap.NewNop(), bootstrap.Providers{
		Transcription: idleSTT{},
		Reasoning:     echoLLM{},
		Synthesis:     silentTTS{},
	})
	require.NoError(t, err)
	_, err = a.manager.Start(context.Background(), session.StartRequest{Channel: conversation.ChannelWeb, Agent: cfg.Agent})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * waitFor):
		t.Fatal("serve did not return")
	}
	assert.Empty(t, a.manager.Active())
}
