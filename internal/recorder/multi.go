package recorder

import (
	"context"
	"errors"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// Multi fans every record out to all recorders. A failing recorder does not
// stop the others; their errors are joined.
type Multi struct {
	recorders []conversation.Recorder
}

// NewMulti combines recorders. Nil entries are skipped.
func NewMulti(recorders ...conversation.Recorder) *Multi {
	m := &Multi{}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

func (m *Multi) OnSessionStart(ctx context.Context, s conversation.Session) error {
	var errs []error
	for _, r := range m.recorders {
		errs = append(errs, r.OnSessionStart(ctx, s))
	}
	return errors.Join(errs...)
}

func (m *Multi) OnSessionEnd(ctx context.Context, s conversation.SessionSummary) error {
	var errs []error
	for _, r := range m.recorders {
		errs = append(errs, r.OnSessionEnd(ctx, s))
	}
	return errors.Join(errs...)
}
