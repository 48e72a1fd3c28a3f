// Command gateway is the Ditto OpenAI-compatible LLM proxy server.
//
// It reads configuration from environment variables and config.yaml and
// starts an OpenAI-compatible passthrough proxy on the configured port.
//
// Quick-start (in-memory store, backends from the example config):
//
//	cp config.example.yaml config.yaml
//	OPENAI_API_KEY=sk-... TEAM_A_TOKEN=... ./gateway
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 missing required
// environment variable, 3 store connectivity failure during start.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/ditto-gateway/internal/app"
	"github.com/nulpointcorp/ditto-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		var me *config.MissingEnvError
		if errors.As(err, &me) {
			log.Printf("config: %v", err)
			os.Exit(2)
		}
		log.Printf("config: %v", err)
		os.Exit(1)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		if errors.Is(err, app.ErrStoreInit) {
			os.Exit(3)
		}
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
