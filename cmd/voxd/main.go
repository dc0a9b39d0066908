// Command voxd runs the voice conversation orchestrator.
//
//	voxd [serve] [-config voxd.yaml]   run the HTTP API and media endpoint
//	voxd check-config [-config ...]    validate configuration and providers
//	voxd tools [-config ...]           print the enabled tool schemas
//	voxd version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tiger/voice-orchestrator/internal/config"
	"github.com/tiger/voice-orchestrator/internal/observability/telemetry"
	"github.com/tiger/voice-orchestrator/internal/runtime/provider/bootstrap"
	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
	"github.com/tiger/voice-orchestrator/tools/builtin"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "voxd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, stderr io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return runServe(args, stderr)
	case "check-config":
		return runCheckConfig(args, stdout, stderr)
	case "tools":
		return runTools(args, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "voxd %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  voxd [serve] [-config path]      run the orchestrator
  voxd check-config [-config path] validate configuration
  voxd tools [-config path]        print enabled tool schemas
  voxd version                     print the version

Every configuration key can be overridden with a VOX_* environment variable,
for example VOX_SERVER_ADDR or VOX_SESSION_BUDGET_MAX_DURATION.
`)
}

func loadConfig(name string, args []string, stderr io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", os.Getenv("VOX_CONFIG"), "path to YAML configuration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(args []string, stderr io.Writer) error {
	cfg, err := loadConfig("serve", args, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting voxd", zap.String("version", version))

	providers, err := bootstrap.Build(cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("provider bootstrap failed: %w", err)
	}
	logger.Info(providers.Catalog.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, providers)
	if err != nil {
		return err
	}
	telemetry.SetDefaultEmitter(a.emitter)
	return a.serve(ctx)
}

func runCheckConfig(args []string, stdout io.Writer, stderr io.Writer) error {
	cfg, err := loadConfig("check-config", args, stderr)
	if err != nil {
		return err
	}
	providers, err := bootstrap.Build(cfg.Providers, zap.NewNop())
	if err != nil {
		return fmt.Errorf("provider bootstrap failed: %w", err)
	}
	if _, err := toolRegistry(cfg); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "configuration ok")
	fmt.Fprintf(stdout, "agent: %s (%s)\n", cfg.Agent.Name, cfg.Agent.Locale)
	fmt.Fprintln(stdout, providers.Catalog.Summary())
	fmt.Fprintf(stdout, "recorder drivers: %s\n", strings.Join(cfg.Recorder.Drivers, ","))
	return nil
}

func runTools(args []string, stdout io.Writer, stderr io.Writer) error {
	cfg, err := loadConfig("tools", args, stderr)
	if err != nil {
		return err
	}
	registry, err := toolRegistry(cfg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(registry.Specs())
}

func toolRegistry(cfg *config.Config) (*tools.Registry, error) {
	defs, err := builtin.Definitions(cfg.Tools, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("tool setup failed: %w", err)
	}
	return tools.NewRegistry(defs...)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zcfg zap.Config
	switch cfg.Format {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json", "":
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, errors.New("unsupported log format " + cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}
