package cancellation

import (
	"context"
	"errors"
	"sync"
)

// ErrTurnCanceled is the cause attached to a cancelled turn context.
var ErrTurnCanceled = errors.New("turn canceled")

// Token is the single cancellation handle threaded through the reasoning
// and synthesis calls of one turn.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	reason string
}

// NewToken derives a token from parent. Cancelling parent cancels the token.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the context observed by in-flight calls.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel invalidates the token. It reports whether this call performed the
// cancellation; later calls are no-ops.
func (t *Token) Cancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != "" || t.ctx.Err() != nil {
		return false
	}
	t.reason = reason
	t.cancel(ErrTurnCanceled)
	return true
}

// Canceled reports whether the token, or its parent, has been cancelled.
func (t *Token) Canceled() bool {
	return t.ctx.Err() != nil
}

// Reason returns the reason passed to the winning Cancel call.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Release frees the context resources without recording a reason.
func (t *Token) Release() {
	t.cancel(nil)
}
