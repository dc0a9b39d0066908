package session

import (
	"fmt"
	"time"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// Trigger names the cause of a state transition.
type Trigger string

const (
	TriggerHandshake        Trigger = "handshake"
	TriggerUserSpeech       Trigger = "user_speech"
	TriggerResponseStarted  Trigger = "response_started"
	TriggerAgentInitiated   Trigger = "agent_initiated"
	TriggerBargeIn          Trigger = "barge_in"
	TriggerResponseDone     Trigger = "response_done"
	TriggerUtteranceSettled Trigger = "utterance_settled"
	TriggerEndRequested     Trigger = "end_requested"
	TriggerDisconnected     Trigger = "disconnected"
	TriggerFailure          Trigger = "failure"
)

// Transition is one applied state change.
type Transition struct {
	From    conversation.State
	To      conversation.State
	Trigger Trigger
	At      time.Time
}

type edge struct {
	from    conversation.State
	trigger Trigger
	to      conversation.State
}

var transitionTable = func() map[edge]struct{} {
	table := map[edge]struct{}{
		{conversation.StateConnecting, TriggerHandshake, conversation.StateActive}:          {},
		{conversation.StateActive, TriggerUserSpeech, conversation.StateListening}:          {},
		{conversation.StateActive, TriggerAgentInitiated, conversation.StateSpeaking}:       {},
		{conversation.StateListening, TriggerResponseStarted, conversation.StateSpeaking}:   {},
		{conversation.StateListening, TriggerResponseDone, conversation.StateActive}:        {},
		{conversation.StateListening, TriggerUtteranceSettled, conversation.StateActive}:    {},
		{conversation.StateSpeaking, TriggerBargeIn, conversation.StateListening}:           {},
		{conversation.StateSpeaking, TriggerResponseDone, conversation.StateActive}:         {},
		{conversation.StateSpeaking, TriggerResponseDone, conversation.StateListening}:      {},
	}
	for _, from := range []conversation.State{
		conversation.StateConnecting,
		conversation.StateActive,
		conversation.StateListening,
		conversation.StateSpeaking,
	} {
		table[edge{from, TriggerEndRequested, conversation.StateEnded}] = struct{}{}
		table[edge{from, TriggerDisconnected, conversation.StateAbandoned}] = struct{}{}
		table[edge{from, TriggerFailure, conversation.StateError}] = struct{}{}
	}
	return table
}()

// Allowed reports whether the transition table contains from --trigger--> to.
func Allowed(from conversation.State, trigger Trigger, to conversation.State) bool {
	_, ok := transitionTable[edge{from, trigger, to}]
	return ok
}

// FSM is the session state machine. It is not safe for concurrent use; the
// controller's event loop is its only caller.
type FSM struct {
	state   conversation.State
	history []Transition
	now     func() time.Time
}

// NewFSM returns a machine in CONNECTING.
func NewFSM(now func() time.Time) *FSM {
	if now == nil {
		now = time.Now
	}
	return &FSM{state: conversation.StateConnecting, now: now}
}

// State returns the current state.
func (f *FSM) State() conversation.State {
	return f.state
}

// IsTerminal reports whether the machine reached ENDED, ABANDONED or ERROR.
func (f *FSM) IsTerminal() bool {
	return f.state.IsTerminal()
}

// Fire applies trigger toward to. Moving to the current state is a no-op
// that reports changed=false.
func (f *FSM) Fire(trigger Trigger, to conversation.State) (Transition, bool, error) {
	if f.state.IsTerminal() {
		return Transition{}, false, fmt.Errorf("session is terminal in state %s", f.state)
	}
	if to == f.state {
		return Transition{}, false, nil
	}
	if !Allowed(f.state, trigger, to) {
		return Transition{}, false, fmt.Errorf("illegal transition %s --%s--> %s", f.state, trigger, to)
	}
	tr := Transition{From: f.state, To: to, Trigger: trigger, At: f.now()}
	f.state = to
	f.history = append(f.history, tr)
	return tr, true, nil
}

// History returns a copy of the applied transitions.
func (f *FSM) History() []Transition {
	out := make([]Transition, len(f.history))
	copy(out, f.history)
	return out
}
