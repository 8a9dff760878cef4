// Command murmur-tts is the speech engine: it renders say requests from the
// message channel, plays them and reports their progress on the status
// topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/bus/mqtt"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/pkg/provider/tts/aplay"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "murmur.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "murmur-tts: %v\n", err)
		return 1
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	if cfg.Bus.Broker == "" {
		slog.Error("murmur-tts needs bus.broker")
		return 1
	}
	slog.Info("murmur-tts starting",
		"config", *configPath,
		"version", version,
		"renderer", cfg.TTS.Renderer,
		"broker", cfg.Bus.Broker,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "murmur-tts", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()
	metrics := tel.Metrics

	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	renderer, err := reg.CreateRenderer(cfg.TTS)
	if err != nil {
		slog.Error("failed to create renderer", "renderer", cfg.TTS.Renderer, "err", err)
		return 1
	}
	player := aplay.New(aplay.WithBinary(cfg.TTS.Player.Binary), aplay.WithDevice(cfg.TTS.Player.Device))

	// The broker reconnects on its own; every new session re-announces
	// presence once the worker exists.
	var worker atomic.Pointer[app.Worker]
	topics := speech.NewTopics(cfg.Bus.BaseTopic)
	b, err := app.DialBroker(ctx, cfg.Bus, "murmur-tts", metrics, func(mc *mqtt.Config) {
		mc.Will = &mqtt.Will{
			Topic:   topics.Status,
			Payload: speech.Status{State: speech.Offline}.Marshal(),
			QoS:     speech.StatusQoS,
			Retain:  true,
		}
		mc.OnConnect = func(ctx context.Context, _ bus.Bus) {
			if w := worker.Load(); w != nil {
				w.AnnounceReady(ctx)
			}
		}
	})
	if err != nil {
		slog.Error("failed to connect to broker", "err", err)
		return 1
	}

	w, err := app.NewWorker(cfg, b, renderer, player,
		app.WithWorkerMetrics(metrics),
		app.WithWorkerMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise speech engine", "err", err)
		_ = b.Close()
		return 1
	}
	worker.Store(w)

	code := 0
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := w.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
