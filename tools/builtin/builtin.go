// Package builtin provides the tools bundled with voxd.
package builtin

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/secrets"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
)

const (
	Calculate  = "calculate"
	GetWeather = "get_weather"
	EndCall    = "end_call"
)

// Names lists every bundled tool.
func Names() []string {
	return []string{Calculate, EndCall, GetWeather}
}

// WeatherConfig configures the OpenWeatherMap client.
type WeatherConfig struct {
	APIKey   secrets.Credential `yaml:"api_key"`
	Endpoint string             `yaml:"endpoint"`
	Timeout  time.Duration      `yaml:"timeout"`
}

// Config selects and configures bundled tools. An empty Enabled list
// enables all of them.
type Config struct {
	Enabled []string      `yaml:"enabled"`
	Weather WeatherConfig `yaml:"weather"`
}

func (c Config) enabled() []string {
	if len(c.Enabled) == 0 {
		return Names()
	}
	out := make([]string, 0, len(c.Enabled))
	for _, name := range c.Enabled {
		out = append(out, strings.ToLower(strings.TrimSpace(name)))
	}
	return out
}

// Validate rejects unknown tool names.
func (c Config) Validate() error {
	for _, name := range c.enabled() {
		switch name {
		case Calculate, GetWeather, EndCall:
		default:
			return fmt.Errorf("tools.enabled: unknown tool %q", name)
		}
	}
	if c.Weather.Timeout < 0 {
		return fmt.Errorf("tools.weather.timeout must be >=0")
	}
	return nil
}

// Definitions builds the enabled tool definitions.
func Definitions(cfg Config, logger *zap.Logger) ([]tools.Definition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var defs []tools.Definition
	for _, name := range cfg.enabled() {
		switch name {
		case Calculate:
			defs = append(defs, CalculateTool())
		case EndCall:
			defs = append(defs, EndCallTool())
		case GetWeather:
			w, err := NewWeather(cfg.Weather, logger)
			if err != nil {
				return nil, err
			}
			defs = append(defs, w.Tool())
		}
	}
	return defs, nil
}
