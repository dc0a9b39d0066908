package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/secrets"
	"github.com/tiger/voice-orchestrator/providers/common/httpadapter"
)

const ProviderID = "stt-deepgram"

type Config struct {
	APIKey    string
	Endpoint  string
	Model     string
	Language  string
	Timeout   time.Duration
	KeepAlive time.Duration
	// CloseTimeout bounds how long Close waits for the final results after
	// CloseStream is sent.
	CloseTimeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   secrets.FromEnv("VOX_STT_DEEPGRAM_API_KEY", "VOX_STT_DEEPGRAM_API_KEY_REF", ""),
		Endpoint: defaultString(os.Getenv("VOX_STT_DEEPGRAM_ENDPOINT"), "wss://api.deepgram.com/v1/listen"),
		Model:    defaultString(os.Getenv("VOX_STT_DEEPGRAM_MODEL"), "nova-2"),
		Language: defaultString(os.Getenv("VOX_STT_DEEPGRAM_LANGUAGE"), "en-US"),
		Timeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = "wss://api.deepgram.com/v1/listen"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 8 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 2 * time.Second
	}
	return c
}

// Adapter opens Deepgram live transcription websockets.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewAdapter(cfg Config, logger *zap.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("deepgram endpoint: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logger.With(zap.String("component", "stt"), zap.String("provider_id", ProviderID)),
	}, nil
}

func NewAdapterFromEnv(logger *zap.Logger) (*Adapter, error) {
	return NewAdapter(ConfigFromEnv(), logger)
}

func (a *Adapter) ProviderID() string           { return ProviderID }
func (a *Adapter) Modality() contracts.Modality { return contracts.ModalitySTT }

func (a *Adapter) listenURL(cfg contracts.TranscriptionConfig) (string, error) {
	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", defaultString(cfg.Model, a.cfg.Model))
	if lang := defaultString(cfg.Language, a.cfg.Language); lang != "" {
		q.Set("language", lang)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRateHz))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the live endpoint. ctx bounds the handshake only.
func (a *Adapter) Open(ctx context.Context, cfg contracts.TranscriptionConfig) (contracts.TranscriptionStream, error) {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	endpoint, err := a.listenURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if a.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+a.cfg.APIKey)
	}
	conn, resp, err := a.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			outcome := httpadapter.NormalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
			if outcome.Class == contracts.OutcomeSuccess {
				outcome = contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_handshake_failed", OutputStatusCode: resp.StatusCode}
			}
			return nil, contracts.NewProviderError(ProviderID, contracts.ModalitySTT, outcome, fmt.Errorf("deepgram handshake: %w", err))
		}
		return nil, contracts.NewProviderError(ProviderID, contracts.ModalitySTT, httpadapter.NormalizeNetworkError(err), fmt.Errorf("deepgram dial: %w", err))
	}

	s := &stream{
		conn:    conn,
		cfg:     a.cfg,
		logger:  a.logger,
		results: make(chan contracts.TranscriptResult, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type stream struct {
	conn    *websocket.Conn
	cfg     Config
	logger  *zap.Logger
	results chan contracts.TranscriptResult
	done    chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	closing bool
	err     error

	closeOnce sync.Once
	closeErr  error
}

type liveMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *stream) readLoop() {
	defer close(s.results)
	defer close(s.done)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring undecodable message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "Results":
			res := contracts.TranscriptResult{
				IsFinal:  msg.IsFinal,
				Start:    seconds(msg.Start),
				Duration: seconds(msg.Duration),
			}
			if len(msg.Channel.Alternatives) > 0 {
				res.Text = msg.Channel.Alternatives[0].Transcript
				res.Confidence = msg.Channel.Alternatives[0].Confidence
			}
			s.results <- res
		case "Error":
			s.setErr(contracts.NewProviderError(ProviderID, contracts.ModalitySTT,
				contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_stream_error"},
				fmt.Errorf("deepgram: %s %s", msg.Description, msg.Message)))
			_ = s.conn.Close()
			return
		}
	}
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.err != nil {
		return
	}
	outcome := httpadapter.NormalizeNetworkError(err)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		outcome = contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_stream_closed"}
	}
	s.err = contracts.NewProviderError(ProviderID, contracts.ModalitySTT, outcome, fmt.Errorf("deepgram read: %w", err))
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) keepAlive() {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(`{"type":"KeepAlive"}`); err != nil {
				return
			}
		}
	}
}

func (s *stream) write(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	return s.conn.WriteMessage(kind, data)
}

func (s *stream) writeControl(msg string) error {
	return s.write(websocket.TextMessage, []byte(msg))
}

// SendAudio forwards one linear16 frame.
func (s *stream) SendAudio(frame []byte) error {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("deepgram stream closed")
	default:
	}
	if err := s.write(websocket.BinaryMessage, frame); err != nil {
		return contracts.NewProviderError(ProviderID, contracts.ModalitySTT, httpadapter.NormalizeNetworkError(err), fmt.Errorf("deepgram write: %w", err))
	}
	return nil
}

func (s *stream) Results() <-chan contracts.TranscriptResult {
	return s.results
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks the server to flush pending results, waits briefly for them
// and then releases the connection.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		if err := s.writeControl(`{"type":"CloseStream"}`); err == nil {
			timer := time.NewTimer(s.cfg.CloseTimeout)
			select {
			case <-s.done:
			case <-timer.C:
			}
			timer.Stop()
		}
		s.closeErr = s.conn.Close()
		go func() {
			// unblock a reader stuck on a full results channel
			for range s.results {
			}
		}()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
