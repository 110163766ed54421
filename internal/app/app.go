// Package app wires all lessonscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the console until its context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithIssuer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lessonscribe/internal/config"
	"github.com/MrWong99/lessonscribe/internal/credentials"
	"github.com/MrWong99/lessonscribe/internal/health"
	"github.com/MrWong99/lessonscribe/internal/lessonstore"
	"github.com/MrWong99/lessonscribe/internal/lessonstore/postgres"
	"github.com/MrWong99/lessonscribe/internal/observe"
	"github.com/MrWong99/lessonscribe/internal/recording"
	"github.com/MrWong99/lessonscribe/pkg/audio"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

// Version is reported in telemetry. Set at build time via -ldflags.
var Version = "dev"

// Providers holds the externally constructed providers. Populated by main.go
// via the config registry.
type Providers struct {
	STT     stt.Provider
	Devices audio.Devices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems: initialised in New, torn down in Shutdown.
	telemetry *observe.Telemetry
	store     lessonstore.Store
	issuer    credentials.Issuer
	machine   *recording.Machine
	recorder  *Recorder
	handler   http.Handler
	server    *http.Server
	watcher   *config.Watcher
	level     *slog.LevelVar

	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	listenMu sync.Mutex
	listener net.Listener

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a lesson store instead of creating one from config.
func WithStore(s lessonstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithIssuer injects a credential issuer instead of creating one from config.
// The issuer is still wrapped in a circuit breaker.
func WithIssuer(i credentials.Issuer) Option {
	return func(a *App) { a.issuer = i }
}

// WithTelemetry injects telemetry providers instead of initialising them.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLevelVar makes hot reload change the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher runs w alongside the server in Run. Changes it reports should
// be routed to [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.Devices == nil {
		return nil, errors.New("app: an STT provider and capture devices are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(LogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Lesson store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Credentials ───────────────────────────────────────────────────
	if err := a.initIssuer(); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}

	// ── 4. Recorder ──────────────────────────────────────────────────────
	a.machine = recording.NewMachine()
	a.recorder = NewRecorder(RecorderConfig{
		Machine:            a.machine,
		Devices:            providers.Devices,
		Provider:           providers.STT,
		ProviderName:       cfg.Providers.STT.Name,
		Issuer:             a.issuer,
		Store:              a.store,
		Metrics:            a.telemetry.Metrics,
		SampleRate:         cfg.Audio.SampleRate,
		IncludeSystemAudio: cfg.Audio.IncludeSystemAudio,
		MicGain:            cfg.Audio.MicGain,
		SystemGain:         cfg.Audio.SystemGain,
		LanguageHints:      cfg.Transcript.LanguageHints,
		Vocabulary:         cfg.Transcript.Vocabulary,
	})

	// ── 5. HTTP console ──────────────────────────────────────────────────
	a.handler = NewHandler(HandlerConfig{
		Recorder: a.recorder,
		Store:    a.store,
		Health:   health.New(a.checkers...),
		Metrics:  a.telemetry.Handler(),
		Observe:  a.telemetry.Metrics,
	})
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel providers unless injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry != nil {
		return nil
	}
	t, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      a.cfg.Telemetry.ServiceName,
		ServiceVersion:   Version,
		TraceSampleRatio: a.cfg.Telemetry.TraceSampleRatio,
		SetGlobal:        true,
	})
	if err != nil {
		return err
	}
	a.telemetry = t
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.Shutdown(ctx)
	})
	return nil
}

// initStore connects to PostgreSQL when a DSN is configured, falls back to a
// JSON-lines file and finally to an in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		if path := a.cfg.Storage.FilePath; path != "" {
			fs, err := lessonstore.NewFileStore(path)
			if err != nil {
				return err
			}
			a.store = fs
			return nil
		}
		a.store = lessonstore.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initIssuer builds the credential issuer for the configured mode and puts
// it behind a circuit breaker.
func (a *App) initIssuer() error {
	c := a.cfg.Credentials
	entry := a.cfg.Providers.STT
	name := string(c.Mode)

	if a.issuer == nil {
		var opts []credentials.HTTPOption
		if c.Timeout > 0 {
			opts = append(opts, credentials.WithTimeout(c.Timeout))
		}
		if c.TTL > 0 {
			opts = append(opts, credentials.WithTTL(c.TTL))
		}
		switch c.Mode {
		case config.CredentialHTTP:
			iss, err := credentials.NewHTTPIssuer(c.Endpoint, c.AuthToken, opts...)
			if err != nil {
				return err
			}
			a.issuer = iss
		case config.CredentialSoniox:
			if c.Endpoint != "" {
				opts = append(opts, credentials.WithEndpoint(c.Endpoint))
			}
			iss, err := credentials.NewSonioxIssuer(entry.APIKey, opts...)
			if err != nil {
				return err
			}
			a.issuer = iss
		default:
			name = string(config.CredentialStatic)
			a.issuer = credentials.StaticIssuer{APIKey: entry.APIKey, WebsocketURL: entry.BaseURL}
		}
	}

	guarded := credentials.NewGuarded(name, a.issuer, credentials.WithMetrics(a.telemetry.Metrics))
	a.issuer = guarded
	a.checkers = append(a.checkers, health.Checker{Name: "credentials", Check: guarded.Check})
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the console (and polls the config watcher, if any) until ctx is
// cancelled. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listenMu.Lock()
	a.listener = ln
	a.listenMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("console listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// Addr returns the address Run listens on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Handler returns the console HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Recorder returns the recorder driving the console.
func (a *App) Recorder() *Recorder { return a.recorder }

// ApplyConfig applies the hot-reloadable parts of a changed config: log
// level, gains (live on an active recording) and vocabulary. Anything else
// is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IsZero() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GainsChanged {
		mic, sys := a.recorder.SetGains(&d.NewMicGain, &d.NewSystemGain)
		slog.Info("gains changed", "mic_gain", mic, "system_gain", sys)
	}
	if d.VocabularyChanged {
		a.recorder.SetVocabulary(d.NewVocabulary)
		slog.Info("vocabulary changed", "terms", len(d.NewVocabulary))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels any recording in progress and tears down all subsystems
// in reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.recorder.Shutdown(ctx); err != nil {
			slog.Warn("recorder shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LogLevel converts a config level to its slog equivalent. Unknown levels
// map to info.
func LogLevel(level config.LogLevel) slog.Level {
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
