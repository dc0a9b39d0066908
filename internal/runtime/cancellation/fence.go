package cancellation

import (
	"fmt"
	"strings"
	"sync"
)

// Fence tracks accepted cancellations for session/turn pairs. Completion
// events for a fenced turn are discarded by their consumers.
type Fence struct {
	mu       sync.Mutex
	canceled map[string]string
}

// NewFence returns an empty cancellation fence.
func NewFence() *Fence {
	return &Fence{canceled: map[string]string{}}
}

// Accept marks a turn as cancellation-fenced. The first reason wins.
func (f *Fence) Accept(sessionID, turnID, reason string) error {
	key, err := turnKey(sessionID, turnID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.canceled[key]; !ok {
		f.canceled[key] = reason
	}
	return nil
}

// IsFenced returns true when cancellation has been accepted for the turn.
func (f *Fence) IsFenced(sessionID, turnID string) bool {
	_, ok := f.Reason(sessionID, turnID)
	return ok
}

// Reason returns the cancellation reason recorded for the turn.
func (f *Fence) Reason(sessionID, turnID string) (string, bool) {
	key, err := turnKey(sessionID, turnID)
	if err != nil {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.canceled[key]
	return reason, ok
}

// Forget drops every entry of a finished session.
func (f *Fence) Forget(sessionID string) {
	prefix := strings.TrimSpace(sessionID) + "/"
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.canceled {
		if strings.HasPrefix(key, prefix) {
			delete(f.canceled, key)
		}
	}
}

func turnKey(sessionID, turnID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	turnID = strings.TrimSpace(turnID)
	if sessionID == "" || turnID == "" {
		return "", fmt.Errorf("session_id and turn_id are required")
	}
	return sessionID + "/" + turnID, nil
}
