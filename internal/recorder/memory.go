package recorder

import (
	"context"
	"sync"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// Memory keeps every record in process memory.
type Memory struct {
	mu      sync.Mutex
	started []conversation.Session
	ended   []conversation.SessionSummary
}

// NewMemory returns an empty memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) OnSessionStart(_ context.Context, s conversation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, s)
	return nil
}

func (m *Memory) OnSessionEnd(_ context.Context, s conversation.SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, s)
	return nil
}

// Started returns a copy of the recorded session starts.
func (m *Memory) Started() []conversation.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Session(nil), m.started...)
}

// Ended returns a copy of the recorded summaries.
func (m *Memory) Ended() []conversation.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.SessionSummary(nil), m.ended...)
}
