package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/internal/runtime/session"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
)

const maxRequestBytes = 1 << 20

type sessionAPI struct {
	manager *session.Manager
	tools   *tools.Registry
	agent   conversation.AgentProfile
	logger  *zap.Logger
}

// createSessionRequest is the POST /v1/sessions body. Agent fields that are
// set override the configured profile.
type createSessionRequest struct {
	Room         string               `json:"room"`
	Channel      conversation.Channel `json:"channel"`
	CallerNumber string               `json:"caller_number"`
	CalledNumber string               `json:"called_number"`
	Agent        *agentOverrides      `json:"agent"`
}

type agentOverrides struct {
	Name         *string  `json:"name"`
	SystemPrompt *string  `json:"system_prompt"`
	Greeting     *string  `json:"greeting"`
	LLMModel     *string  `json:"llm_model"`
	STTModel     *string  `json:"stt_model"`
	TTSVoice     *string  `json:"tts_voice"`
	Locale       *string  `json:"locale"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

func (o *agentOverrides) apply(p conversation.AgentProfile) conversation.AgentProfile {
	if o == nil {
		return p
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&p.Name, o.Name)
	setString(&p.SystemPrompt, o.SystemPrompt)
	setString(&p.Greeting, o.Greeting)
	setString(&p.LLMModel, o.LLMModel)
	setString(&p.STTModel, o.STTModel)
	setString(&p.TTSVoice, o.TTSVoice)
	setString(&p.Locale, o.Locale)
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.MaxTokens != nil {
		p.MaxTokens = *o.MaxTokens
	}
	return p
}

type createSessionResponse struct {
	Session   conversation.Session `json:"session"`
	MediaPath string               `json:"media_path"`
}

func (a *sessionAPI) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Channel == "" {
		req.Channel = conversation.ChannelWeb
	}
	if err := req.Channel.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agent := req.Agent.apply(a.agent)
	if err := agent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := a.manager.Start(r.Context(), session.StartRequest{
		Room:         strings.TrimSpace(req.Room),
		Channel:      req.Channel,
		Agent:        agent,
		CallerNumber: req.CallerNumber,
		CalledNumber: req.CalledNumber,
	})
	switch {
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("session created", zap.String("session_id", s.ID), zap.String("room", s.Room), zap.String("channel", string(s.Channel)))
	writeJSON(w, http.StatusCreated, createSessionResponse{Session: s, MediaPath: "/v1/media/" + s.Room})
}

func (a *sessionAPI) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.manager.Active()})
}

func (a *sessionAPI) get(w http.ResponseWriter, r *http.Request) {
	s, ok := a.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *sessionAPI) end(w http.ResponseWriter, r *http.Request) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = session.ReasonCallerEnded
	}
	summary, err := a.manager.End(r.Context(), r.PathValue("id"), reason)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *sessionAPI) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": a.tools.Specs()})
}

func (a *sessionAPI) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": len(a.manager.Active()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
