package elevenlabs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

func TestConfigFromEnvSecretRefs(t *testing.T) {
	t.Setenv("VOX_TTS_ELEVENLABS_API_KEY", "literal-key")
	t.Setenv("VOX_TTS_ELEVENLABS_API_KEY_REF", "env://VOX_TEST_ELEVENLABS_API_KEY")
	t.Setenv("VOX_TEST_ELEVENLABS_API_KEY", "secret-key")
	t.Setenv("VOX_TTS_ELEVENLABS_ENDPOINT", "")
	t.Setenv("VOX_TTS_ELEVENLABS_ENDPOINT_REF", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, "secret-key", cfg.APIKey)
	assert.Equal(t, "https://api.elevenlabs.io/v1/text-to-speech", cfg.BaseURL)
}

func TestSynthesizeStreamsAlignedPCM(t *testing.T) {
	t.Parallel()

	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1/stream", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "xi-key", r.Header.Get("xi-api-key"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		flusher := w.(http.Flusher)
		for _, n := range []int{3, 5, 2} {
			_, _ = w.Write(make([]byte, n))
			flusher.Flush()
		}
	}))
	defer ts.Close()

	adapter, err := NewAdapter(Config{APIKey: "xi-key", BaseURL: ts.URL + "/v1/text-to-speech/", VoiceID: "default-voice"}, nil)
	require.NoError(t, err)

	total := 0
	usage, err := adapter.Synthesize(context.Background(), contracts.SynthesisRequest{
		Text: "Hello", VoiceID: "voice-1", Locale: "en-US", SampleRateHz: 16000,
	}, func(chunk []byte) error {
		assert.Zero(t, len(chunk)%2, "chunk must hold whole samples")
		total += len(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	assert.Equal(t, 5, usage.Characters)
	assert.Equal(t, "Hello", body["text"])
	assert.Equal(t, "en", body["language_code"])
	assert.Equal(t, "eleven_multilingual_v2", body["model_id"])
}

func TestSynthesizeNormalizesStatus(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"detail":"quota exceeded"}`)
	}))
	defer ts.Close()

	adapter, err := NewAdapter(Config{BaseURL: ts.URL, VoiceID: "v"}, nil)
	require.NoError(t, err)
	_, err = adapter.Synthesize(context.Background(), contracts.SynthesisRequest{Text: "hi"}, func([]byte) error { return nil })
	require.Error(t, err)
	assert.Equal(t, contracts.OutcomeOverload, contracts.OutcomeOf(err).Class)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSynthesizeRejectsUnsupportedRate(t *testing.T) {
	t.Parallel()

	adapter, err := NewAdapter(Config{VoiceID: "v"}, nil)
	require.NoError(t, err)
	_, err = adapter.Synthesize(context.Background(), contracts.SynthesisRequest{Text: "hi", SampleRateHz: 11025}, func([]byte) error { return nil })
	require.Error(t, err)
	assert.Equal(t, contracts.OutcomeBlocked, contracts.OutcomeOf(err).Class)
}
