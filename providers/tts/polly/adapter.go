package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

const ProviderID = "tts-amazon-polly"

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region  string
	VoiceID string
	Engine  string
	// ChunkBytes is the size of PCM chunks handed to the caller.
	ChunkBytes int
	Timeout    time.Duration
}

type Adapter struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func ConfigFromEnv() Config {
	chunk, _ := strconv.Atoi(os.Getenv("VOX_TTS_POLLY_CHUNK_BYTES"))
	return Config{
		Region:     defaultString(os.Getenv("VOX_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID:    defaultString(os.Getenv("VOX_TTS_POLLY_VOICE"), "Joanna"),
		Engine:     defaultString(os.Getenv("VOX_TTS_POLLY_ENGINE"), "neural"),
		ChunkBytes: chunk,
		Timeout:    15 * time.Second,
	}
}

func NewAdapter(cfg Config) (*Adapter, error) {
	return NewAdapterWithClient(cfg, nil)
}

func NewAdapterWithClient(cfg Config, client synthClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 3200
	}
	if cfg.ChunkBytes%2 != 0 {
		cfg.ChunkBytes++
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func NewAdapterFromEnv() (*Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func (a *Adapter) ProviderID() string {
	return ProviderID
}

func (a *Adapter) Modality() contracts.Modality {
	return contracts.ModalityTTS
}

// Polly emits 16-bit mono PCM only at these rates.
func sampleRate(hz int) (string, error) {
	switch hz {
	case 0, 16000:
		return "16000", nil
	case 8000:
		return "8000", nil
	default:
		return "", fmt.Errorf("polly pcm supports 8000 or 16000 Hz, got %d", hz)
	}
}

// Synthesize requests PCM and streams it to onAudio in fixed-size chunks,
// checking ctx between chunks.
func (a *Adapter) Synthesize(ctx context.Context, req contracts.SynthesisRequest, onAudio func([]byte) error) (contracts.SynthesisUsage, error) {
	usage := contracts.SynthesisUsage{Characters: utf8.RuneCountInString(req.Text)}
	rate, err := sampleRate(req.SampleRateHz)
	if err != nil {
		return usage, contracts.NewProviderError(ProviderID, contracts.ModalityTTS,
			contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}, err)
	}
	client, err := a.resolveClient(ctx)
	if err != nil {
		return usage, contracts.NewProviderError(ProviderID, contracts.ModalityTTS,
			contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_credentials"}, err)
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(a.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	input := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   aws.String(rate),
		Text:         aws.String(req.Text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(defaultString(req.VoiceID, a.cfg.VoiceID)),
	}
	if req.Locale != "" {
		input.LanguageCode = pollytypes.LanguageCode(req.Locale)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	output, err := client.SynthesizeSpeech(callCtx, input)
	if err != nil {
		return usage, contracts.NewProviderError(ProviderID, contracts.ModalityTTS, normalizePollyError(err), err)
	}
	if output == nil || output.AudioStream == nil {
		return usage, contracts.NewProviderError(ProviderID, contracts.ModalityTTS,
			contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_empty_audio"}, errors.New("polly returned no audio stream"))
	}
	defer output.AudioStream.Close()

	buf := make([]byte, a.cfg.ChunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			return usage, err
		}
		n, readErr := io.ReadFull(output.AudioStream, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := onAudio(chunk); err != nil {
				return usage, err
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return usage, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return usage, ctx.Err()
			}
			return usage, contracts.NewProviderError(ProviderID, contracts.ModalityTTS, normalizePollyError(readErr), fmt.Errorf("read polly audio: %w", readErr))
		}
	}
}

func normalizePollyError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.Outcome{Class: contracts.OutcomeCancelled, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return contracts.Outcome{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload", BackoffMS: 500}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException",
			"InvalidSampleRateException", "EngineNotSupportedException", "LanguageNotSupportedException", "ValidationException":
			return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
		case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException":
			return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_auth_or_policy_block"}
		default:
			if apiErr.ErrorFault() == smithy.FaultClient {
				return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
			}
			return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_server_error"}
		}
	}

	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (a *Adapter) resolveClient(ctx context.Context) (synthClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = polly.NewFromConfig(awsCfg)
	return a.client, nil
}
