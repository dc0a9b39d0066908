package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/secrets"
	"github.com/tiger/voice-orchestrator/providers/common/httpadapter"
)

const ProviderID = "tts-elevenlabs"

type Config struct {
	APIKey string
	// BaseURL is the text-to-speech root; the voice id and /stream are appended.
	BaseURL string
	VoiceID string
	ModelID string
	Timeout time.Duration
	// ReadBytes bounds a single read from the response body.
	ReadBytes int
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:  secrets.FromEnv("VOX_TTS_ELEVENLABS_API_KEY", "VOX_TTS_ELEVENLABS_API_KEY_REF", ""),
		BaseURL: secrets.FromEnv("VOX_TTS_ELEVENLABS_ENDPOINT", "VOX_TTS_ELEVENLABS_ENDPOINT_REF", "https://api.elevenlabs.io/v1/text-to-speech"),
		VoiceID: defaultString(os.Getenv("VOX_TTS_ELEVENLABS_VOICE_ID"), "EXAVITQu4vr4xnSDxMaL"),
		ModelID: defaultString(os.Getenv("VOX_TTS_ELEVENLABS_MODEL"), "eleven_multilingual_v2"),
		Timeout: 15 * time.Second,
	}
}

type Adapter struct {
	cfg    Config
	client *httpadapter.Client
}

func NewAdapter(cfg Config, logger *zap.Logger) (*Adapter, error) {
	cfg.BaseURL = strings.TrimRight(defaultString(cfg.BaseURL, "https://api.elevenlabs.io/v1/text-to-speech"), "/")
	cfg.ModelID = defaultString(cfg.ModelID, "eleven_multilingual_v2")
	if cfg.ReadBytes <= 0 {
		cfg.ReadBytes = 4096
	}
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:   ProviderID,
		Modality:     contracts.ModalityTTS,
		APIKey:       cfg.APIKey,
		APIKeyHeader: "xi-api-key",
		Timeout:      cfg.Timeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

func NewAdapterFromEnv(logger *zap.Logger) (*Adapter, error) {
	return NewAdapter(ConfigFromEnv(), logger)
}

func (a *Adapter) ProviderID() string {
	return ProviderID
}

func (a *Adapter) Modality() contracts.Modality {
	return contracts.ModalityTTS
}

func outputFormat(hz int) (string, error) {
	switch hz {
	case 0, 16000:
		return "pcm_16000", nil
	case 8000, 22050, 24000, 44100:
		return fmt.Sprintf("pcm_%d", hz), nil
	default:
		return "", fmt.Errorf("elevenlabs pcm does not support %d Hz", hz)
	}
}

func (a *Adapter) streamURL(voiceID string, format string) (string, error) {
	endpoint := a.cfg.BaseURL + "/" + url.PathEscape(voiceID) + "/stream"
	return httpadapter.WithQuery(endpoint, "output_format", format)
}

// Synthesize streams raw PCM from the streaming endpoint. Chunks are kept
// sample-aligned: an odd trailing byte is carried into the next chunk.
func (a *Adapter) Synthesize(ctx context.Context, req contracts.SynthesisRequest, onAudio func([]byte) error) (contracts.SynthesisUsage, error) {
	usage := contracts.SynthesisUsage{Characters: utf8.RuneCountInString(req.Text)}
	format, err := outputFormat(req.SampleRateHz)
	if err != nil {
		return usage, a.client.Error(contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}, err)
	}
	endpoint, err := a.streamURL(defaultString(req.VoiceID, a.cfg.VoiceID), format)
	if err != nil {
		return usage, err
	}
	body := map[string]any{
		"model_id": a.cfg.ModelID,
		"text":     req.Text,
	}
	if lang, _, _ := strings.Cut(req.Locale, "-"); lang != "" {
		body["language_code"] = strings.ToLower(lang)
	}
	resp, err := a.client.PostJSON(ctx, endpoint, body, map[string]string{"Accept": "audio/pcm"})
	if err != nil {
		return usage, err
	}
	defer resp.Body.Close()
	stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
	defer stop()

	buf := make([]byte, a.cfg.ReadBytes)
	var carry []byte
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			if even > 0 {
				chunk := make([]byte, even)
				copy(chunk, data[:even])
				if err := onAudio(chunk); err != nil {
					return usage, err
				}
			}
			carry = append([]byte(nil), data[even:]...)
		}
		if errors.Is(readErr, io.EOF) {
			return usage, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return usage, ctx.Err()
			}
			return usage, a.client.Error(httpadapter.NormalizeNetworkError(readErr), fmt.Errorf("read elevenlabs audio: %w", readErr))
		}
		if err := ctx.Err(); err != nil {
			return usage, err
		}
	}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
