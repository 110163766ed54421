// Command lessonscribe records a lesson from the microphone (and optionally
// system audio), transcribes it live with speaker labels and stores the
// finished transcript. It serves a small HTTP console to drive recordings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/lessonscribe/internal/app"
	"github.com/MrWong99/lessonscribe/internal/config"
	"github.com/MrWong99/lessonscribe/pkg/audio"
	"github.com/MrWong99/lessonscribe/pkg/audio/ffmpeg"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt/soniox"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "how often to poll the config file for changes (0 disables)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The application is created after the watcher, so changes are routed
	// through a variable that is set before the watcher starts polling.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.ApplyConfig(old, new)
		}
	}, config.WithInterval(*watchInterval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lessonscribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lessonscribe: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.LogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lessonscribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", app.Version,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLevelVar(level)}
	if *watchInterval > 0 {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("console ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("soniox", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []soniox.Option
		if entry.Model != "" {
			opts = append(opts, soniox.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, soniox.WithEndpoint(entry.BaseURL))
		}
		return soniox.New(entry.APIKey, opts...), nil
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("ffmpeg", func(cfg config.AudioConfig) (audio.Devices, error) {
		return ffmpeg.New(ffmpeg.Config{
			Binary:        cfg.FFmpegPath,
			InputFormat:   cfg.InputFormat,
			Microphone:    cfg.Microphone,
			SystemDevice:  cfg.SystemDevice,
			FrameDuration: time.Duration(cfg.FrameMS) * time.Millisecond,
		})
	})

	slog.Debug("registered providers", "stt", reg.STTNames())
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	devices, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	return &app.Providers{STT: sttProvider, Devices: devices}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      lessonscribe: startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printRow("Credentials", string(cfg.Credentials.Mode), "")
	printRow("Audio", cfg.Audio.Backend, fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	if cfg.Audio.IncludeSystemAudio {
		printRow("System audio", "on", "")
	} else {
		printRow("System audio", "off", "")
	}
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres", "")
	} else {
		printRow("Storage", "memory", "")
	}
	if hints := cfg.Transcript.LanguageHints; len(hints) > 0 {
		printRow("Languages", strings.Join(hints, ","), "")
	}
	fmt.Printf("║  %-12s    : %-19d ║\n", "Vocabulary", len(cfg.Transcript.Vocabulary))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
