// Command murmur is the voice front-end: it listens for the wake word,
// records the request, transcribes it and speaks the reply through the
// speech engine on the message channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/audio/malgo"
	"github.com/MrWong99/murmur/pkg/provider/stt/whisper"
	"github.com/MrWong99/murmur/pkg/provider/tts/fifo"
	"github.com/MrWong99/murmur/pkg/provider/tts/piper"
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
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "murmur: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("murmur starting",
		"config", *configPath,
		"version", version,
		"broker", cfg.Bus.Broker,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "murmur", ServiceVersion: version})
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

	providers, err := buildProviders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithMetrics(metrics), app.WithMetricsHandler(tel.Handler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
		applyLive(d, &level, application)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("murmur ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// buildProviders constructs the microphone, the recognizers, the message
// channel and the local fallback speaker from cfg.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, m *observe.Metrics) (app.Providers, error) {
	var p app.Providers

	p.Source = malgo.New(cfg.Audio.SampleRate,
		malgo.WithDevice(cfg.Audio.Device),
		malgo.WithPeriodMs(cfg.Audio.PeriodMs),
	)

	ww, err := reg.CreateWakeword(cfg.Wakeword)
	if err != nil {
		return p, fmt.Errorf("wake word: %w", err)
	}
	p.Wakeword = ww

	v, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return p, fmt.Errorf("vad: %w", err)
	}
	p.VAD = v

	wopts := []whisper.Option{whisper.WithAPI(whisper.API(cfg.STT.API))}
	if cfg.STT.Language != "" {
		wopts = append(wopts, whisper.WithLanguage(cfg.STT.Language))
	}
	if cfg.STT.Model != "" {
		wopts = append(wopts, whisper.WithModel(cfg.STT.Model))
	}
	if cfg.STT.TargetRate > 0 {
		wopts = append(wopts, whisper.WithTargetRate(cfg.STT.TargetRate))
	}
	if cfg.STT.Timeout > 0 {
		wopts = append(wopts, whisper.WithHTTPClient(&http.Client{Timeout: cfg.STT.Timeout}))
	}
	tr, err := whisper.New(cfg.STT.URL, wopts...)
	if err != nil {
		return p, fmt.Errorf("stt: %w", err)
	}
	p.STT = tr

	p.Local = localSpeaker(cfg.TTS)

	if cfg.Bus.Broker != "" {
		b, err := app.DialBroker(ctx, cfg.Bus, "murmur", m, nil)
		if err != nil {
			return p, err
		}
		p.Bus = b
	}
	return p, nil
}

// localSpeaker tries the warm FIFO renderer first, then a one-shot piper
// pipeline.
func localSpeaker(c config.TTSConfig) *resilience.SpeakerFallback {
	oneshot := piper.NewOneShot(piper.Config{
		Binary:          c.Piper.Binary,
		Model:           c.Piper.Model,
		ModelConfig:     c.Piper.ModelConfig,
		SentenceSilence: c.Piper.SentenceSilence,
	}, piper.WithDevice(c.Player.Device))

	if c.FIFO == "" {
		return resilience.NewSpeakerFallback(oneshot, "piper", resilience.FallbackConfig{})
	}
	sf := resilience.NewSpeakerFallback(fifo.New(c.FIFO), "fifo", resilience.FallbackConfig{})
	sf.AddFallback("piper", oneshot)
	return sf
}

// reloadOnHangup re-reads the config on SIGHUP without waiting for the
// next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: reload rejected, keeping previous config", "err", err)
			}
		}
	}
}

// applyLive applies the settings that can change without a restart.
func applyLive(d config.ConfigDiff, level *slog.LevelVar, a *app.App) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		a.Detector().SetThreshold(d.NewThreshold)
		slog.Info("config: wake word threshold changed", "threshold", d.NewThreshold)
	}
	if d.WordsPerMinuteChanged {
		a.Speaker().SetWordsPerMinute(int(d.NewWordsPerMinute))
		slog.Info("config: speech rate changed", "wpm", d.NewWordsPerMinute)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes need a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
}

func printStartupSummary(cfg *config.Config) {
	broker := cfg.Bus.Broker
	if broker == "" {
		broker = "(local speech only)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         murmur — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Wake word       : %-19s ║\n", cfg.Wakeword.Backend)
	fmt.Printf("║  VAD             : %-19s ║\n", cfg.VAD.Backend)
	fmt.Printf("║  STT             : %-19s ║\n", cfg.STT.API)
	fmt.Printf("║  Broker          : %-19s ║\n", broker)
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Audio.SampleRate)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
