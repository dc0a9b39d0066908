package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
	"github.com/tiger/voice-orchestrator/api/transport"
)

var (
	// ErrNotFound is returned for ids with no live session.
	ErrNotFound = errors.New("session not found")
	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// StartRequest asks for a new conversation.
type StartRequest struct {
	// Room defaults to the generated session id.
	Room         string
	Channel      conversation.Channel
	Agent        conversation.AgentProfile
	CallerNumber string
	CalledNumber string
}

// Manager is the registry of live sessions in this process.
type Manager struct {
	cfg    Config
	deps   Dependencies
	joiner transport.Joiner
	logger *zap.Logger
	newID  func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Controller
	closed   bool
}

// NewManager builds a manager whose sessions join media through joiner.
func NewManager(cfg Config, deps Dependencies, joiner transport.Joiner) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		joiner:   joiner,
		logger:   logger.With(zap.String("component", "session_manager")),
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*Controller{},
	}
}

// Start validates req, creates the session and runs it in the background.
// The returned snapshot is in CONNECTING.
func (m *Manager) Start(ctx context.Context, req StartRequest) (conversation.Session, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Session{}, err
	}
	id := m.newID()
	room := strings.TrimSpace(req.Room)
	if room == "" {
		room = id
	}
	c, err := NewController(Params{
		ID:           id,
		Room:         room,
		Channel:      req.Channel,
		Agent:        req.Agent,
		CallerNumber: req.CallerNumber,
		CalledNumber: req.CalledNumber,
		Joiner:       m.joiner,
	}, m.cfg, m.deps)
	if err != nil {
		return conversation.Session{}, fmt.Errorf("start session: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return conversation.Session{}, ErrShuttingDown
	}
	m.sessions[id] = c
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := c.Run(m.ctx); err != nil {
			m.logger.Warn("session ended with failure", zap.String("session_id", id), zap.Error(err))
		}
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}()
	return c.Snapshot(), nil
}

// Get returns the snapshot of a live session.
func (m *Manager) Get(id string) (conversation.Session, bool) {
	c, ok := m.lookup(id)
	if !ok {
		return conversation.Session{}, false
	}
	return c.Snapshot(), true
}

// End ends a live session and waits for its summary.
func (m *Manager) End(ctx context.Context, id, reason string) (conversation.SessionSummary, error) {
	c, ok := m.lookup(id)
	if !ok {
		return conversation.SessionSummary{}, ErrNotFound
	}
	return c.End(ctx, reason)
}

// Active lists live sessions ordered by start time.
func (m *Manager) Active() []conversation.Session {
	m.mu.Lock()
	out := make([]conversation.Session, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown refuses new sessions, ends every live session and waits for them.
// When ctx expires first, remaining sessions are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.RequestEnd(ReasonShutdown)
	}
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-waited
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}
