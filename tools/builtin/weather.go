package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/secrets"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
	"github.com/tiger/voice-orchestrator/providers/common/httpadapter"
)

const defaultWeatherEndpoint = "https://api.openweathermap.org/data/2.5/weather"

// ErrWeatherUnconfigured is returned to the model when no API key is set.
var ErrWeatherUnconfigured = errors.New("weather service is not configured")

// Weather looks up current conditions on OpenWeatherMap.
type Weather struct {
	apiKey   secrets.Credential
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *zap.Logger
}

// NewWeather builds the client. A missing key is not an error here: the
// tool stays registered and reports ErrWeatherUnconfigured per call.
func NewWeather(cfg WeatherConfig, logger *zap.Logger) (*Weather, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultWeatherEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("tools.weather.endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Weather{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		timeout:  timeout,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With(zap.String("component", "tools"), zap.String("tool", GetWeather)),
	}, nil
}

// Tool returns the get_weather definition.
func (w *Weather) Tool() tools.Definition {
	return tools.Definition{
		Name:        GetWeather,
		Description: "Get the current weather for a city. Temperatures are in degrees Celsius.",
		Schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "location": {"type": "string", "minLength": 1, "maxLength": 100, "description": "city name, optionally with country code, for example Paris,FR"}
  },
  "required": ["location"],
  "additionalProperties": false
}`),
		Timeout:   w.timeout,
		RateLimit: &tools.RateLimit{PerSecond: 5, Burst: 10},
		Handler:   w.handle,
	}
}

type owmResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
}

// Report is what the model receives.
type Report struct {
	Location     string  `json:"location"`
	Description  string  `json:"description"`
	TemperatureC float64 `json:"temperature_c"`
	FeelsLikeC   float64 `json:"feels_like_c"`
	HumidityPct  int     `json:"humidity_pct"`
}

func (w *Weather) handle(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	report, err := w.Lookup(ctx, in.Location)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

// Lookup fetches current conditions for location in metric units.
func (w *Weather) Lookup(ctx context.Context, location string) (Report, error) {
	key, err := w.apiKey.Resolve(nil)
	if err != nil || key == "" {
		return Report{}, ErrWeatherUnconfigured
	}
	endpoint, err := httpadapter.WithQuery(w.endpoint, "q", location)
	if err != nil {
		return Report{}, err
	}
	if endpoint, err = httpadapter.WithQuery(endpoint, "units", "metric"); err != nil {
		return Report{}, err
	}
	if endpoint, err = httpadapter.WithQuery(endpoint, "appid", key); err != nil {
		return Report{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Report{}, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("weather request: %s", httpadapter.NormalizeNetworkError(err).Reason)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Report{}, fmt.Errorf("no weather found for %q", location)
	case resp.StatusCode != http.StatusOK:
		sample, _, _ := httpadapter.ReadBodySample(resp.Body, 512)
		outcome := httpadapter.NormalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
		w.logger.Warn("weather lookup failed", zap.Int("status", resp.StatusCode), zap.ByteString("body", sample))
		return Report{}, fmt.Errorf("weather service unavailable (%s)", outcome.Reason)
	}

	var body owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Report{}, fmt.Errorf("decode weather response: %w", err)
	}
	report := Report{
		Location:     body.Name,
		TemperatureC: round1(body.Main.Temp),
		FeelsLikeC:   round1(body.Main.FeelsLike),
		HumidityPct:  body.Main.Humidity,
	}
	if report.Location == "" {
		report.Location = location
	}
	if len(body.Weather) > 0 {
		report.Description = body.Weather[0].Description
	}
	return report, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
