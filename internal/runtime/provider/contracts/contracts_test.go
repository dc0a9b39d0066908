package contracts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Outcome{Class: OutcomeSuccess}.Validate())
	require.NoError(t, Outcome{Class: OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}.Validate())

	tests := []struct {
		name    string
		outcome Outcome
	}{
		{name: "unknown class", outcome: Outcome{Class: "nope"}},
		{name: "missing reason", outcome: Outcome{Class: OutcomeBlocked}},
		{name: "negative backoff", outcome: Outcome{Class: OutcomeOverload, Reason: "x", BackoffMS: -1}},
		{name: "retryable cancel", outcome: Outcome{Class: OutcomeCancelled, Reason: "x", Retryable: true}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tc.outcome.Validate())
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, OutcomeSuccess, OutcomeOf(nil).Class)

	pe := NewProviderError("tts-amazon-polly", ModalityTTS, Outcome{Class: OutcomeBlocked, Reason: "provider_client_error"}, errors.New("bad ssml"))
	got := OutcomeOf(fmt.Errorf("speak: %w", pe))
	assert.Equal(t, OutcomeBlocked, got.Class)
	assert.False(t, got.Retryable)
	assert.Contains(t, pe.Error(), "tts provider tts-amazon-polly: blocked (provider_client_error): bad ssml")

	assert.Equal(t, OutcomeCancelled, OutcomeOf(context.Canceled).Class)
	timeout := OutcomeOf(fmt.Errorf("wrap: %w", context.DeadlineExceeded))
	assert.Equal(t, OutcomeTimeout, timeout.Class)
	assert.True(t, timeout.Retryable)

	unknown := OutcomeOf(errors.New("boom"))
	assert.Equal(t, OutcomeInfrastructureFailure, unknown.Class)
	assert.True(t, unknown.Retryable)
}

func TestModalityValidate(t *testing.T) {
	t.Parallel()

	for _, m := range []Modality{ModalitySTT, ModalityLLM, ModalityTTS} {
		assert.NoError(t, m.Validate())
	}
	assert.Error(t, Modality("vision").Validate())
}
