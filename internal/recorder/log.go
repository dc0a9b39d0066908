package recorder

import (
	"context"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// Log writes session records to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a recorder logging through logger.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "recorder"))}
}

func (l *Log) OnSessionStart(_ context.Context, s conversation.Session) error {
	l.logger.Info("session record opened",
		zap.String("session_id", s.ID),
		zap.String("room", s.Room),
		zap.String("channel", string(s.Channel)),
		zap.String("agent", s.Agent.Name),
		zap.Time("started_at", s.StartedAt))
	return nil
}

func (l *Log) OnSessionEnd(_ context.Context, s conversation.SessionSummary) error {
	l.logger.Info("session record closed",
		zap.String("session_id", s.SessionID),
		zap.String("status", string(s.Status)),
		zap.String("reason", s.Reason),
		zap.Time("started_at", s.StartedAt),
		zap.Time("ended_at", s.EndedAt),
		zap.Duration("duration", s.Duration),
		zap.Float64("total_cost_usd", s.TotalCost),
		zap.Int("turns", len(s.Turns)))
	return nil
}
