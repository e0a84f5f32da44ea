// Package app wires all porteiro subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run brings up the extension listeners and the management API
// and blocks, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDirectory, WithPublisher, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/condoware/porteiro/internal/api"
	"github.com/condoware/porteiro/internal/config"
	"github.com/condoware/porteiro/internal/dialer"
	"github.com/condoware/porteiro/internal/dialog"
	"github.com/condoware/porteiro/internal/directory"
	"github.com/condoware/porteiro/internal/extension"
	"github.com/condoware/porteiro/internal/health"
	"github.com/condoware/porteiro/internal/leg"
	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/internal/phrasecache"
	"github.com/condoware/porteiro/internal/resource"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/internal/vad"
	"github.com/condoware/porteiro/pkg/provider/intent"
	"github.com/condoware/porteiro/pkg/provider/stt"
	"github.com/condoware/porteiro/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry. All three are required.
type Providers struct {
	STT    stt.Transcriber
	TTS    tts.Synthesizer
	Intent intent.Extractor
}

// App owns all subsystem lifetimes and orchestrates the intercom pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	store      directory.Store
	watcher    directory.Watcher
	resources  *resource.Manager
	sampler    *resource.CPUSampler
	cache      *phrasecache.Cache
	publisher  dialer.Publisher
	registry   *session.Registry
	hub        *leg.Hub
	extensions *extension.Manager
	httpSrv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectory injects a directory store and watcher instead of connecting
// to PostgreSQL. Either may be nil.
func WithDirectory(s directory.Store, w directory.Watcher) Option {
	return func(a *App) { a.store, a.watcher = s, w }
}

// WithPublisher injects a click-to-call publisher instead of connecting to
// the AMQP broker.
func WithPublisher(p dialer.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithResources injects a resource manager instead of sizing one from the
// host hardware.
func WithResources(m *resource.Manager) Option {
	return func(a *App) { a.resources = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: stt provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: tts provider is required")
	}
	if providers.Intent == nil {
		return nil, errors.New("app: intent extractor is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initDirectory(ctx); err != nil {
		return nil, fmt.Errorf("app: init directory: %w", err)
	}
	a.initResources()
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init phrase cache: %w", err)
	}
	a.initDialerAndHub()
	a.initExtensions()
	a.initHTTP()

	return a, nil
}

// initDirectory connects the extension directory unless one was injected.
// Without a DSN the app runs on the snapshot and the built-in default pair.
func (a *App) initDirectory(ctx context.Context) error {
	if a.store != nil || a.cfg.Directory.PostgresDSN == "" {
		if a.store == nil {
			a.logger.Warn("no directory configured; running on snapshot and defaults")
		}
		return nil
	}

	store, err := directory.NewPostgresStore(ctx, a.cfg.Directory.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	a.watcher = directory.NewPostgresWatcher(
		a.cfg.Directory.PostgresDSN,
		a.cfg.Directory.NotifyChannel,
		a.logger,
	)
	return nil
}

// initResources sizes the capability semaphores from the host hardware and
// hooks the CPU sampler into the throttling decision.
func (a *App) initResources() {
	a.sampler = resource.NewCPUSampler("")
	if a.resources != nil {
		return
	}
	limits := resource.DetectLimits()
	a.resources = resource.NewManager(limits,
		resource.WithLogger(a.logger),
		resource.WithCPUPercent(a.sampler.Percent),
	)
	a.logger.Info("resource limits detected",
		"transcriptions", limits.Transcriptions,
		"syntheses", limits.Syntheses,
	)
}

// initCache sets up the synthesized-phrase disk cache, gated by the
// synthesis semaphore.
func (a *App) initCache() error {
	dir := a.cfg.Server.CacheDir
	if dir == "" {
		dir = filepath.Join("audio", "cache")
	}
	cache, err := phrasecache.New(dir, a.providers.TTS,
		phrasecache.WithGate(a.resources),
		phrasecache.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.cache = cache
	return nil
}

// initDialerAndHub builds the click-to-call orchestrator (when a bus is
// configured) and the shared session hub.
func (a *App) initDialerAndHub() {
	if a.publisher == nil && a.cfg.Bus.URL != "" {
		pub := dialer.NewAMQPPublisher(
			a.cfg.Bus.URL,
			a.cfg.Bus.Exchange,
			a.cfg.Bus.RoutingKey,
			a.logger,
		)
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	}

	var inviter leg.Inviter
	if a.publisher != nil {
		inviter = dialer.NewOrchestrator(
			a.publisher,
			a.cfg.Bus.License,
			a.cfg.Orchestrator.MaxAttempts,
			a.cfg.Orchestrator.AttemptTimeout(),
			a.logger,
		)
	} else {
		a.logger.Warn("no bus configured; resident dial-out disabled")
	}

	a.registry = session.NewRegistry()
	newMachine := func(sess *session.Session) leg.Stepper {
		return dialog.NewMachine(
			sess,
			a.providers.Intent,
			a.store,
			a.cfg.Conversation,
			a.cfg.CallTermination.GoodbyeMessages,
			a.logger,
		)
	}
	a.hub = leg.NewHub(a.registry, newMachine, inviter)
}

// initExtensions builds the listener-pair manager over the directory.
func (a *App) initExtensions() {
	dataDir := a.cfg.Server.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	a.extensions = extension.NewManager(extension.ManagerConfig{
		BindIP:       a.cfg.Server.BindIP,
		SnapshotPath: filepath.Join(dataDir, extension.SnapshotFile),
		Store:        a.store,
		Watcher:      a.watcher,
		Factory:      a.legFactory(),
		Logger:       a.logger,
	})
}

// initHTTP assembles the management server: the /api routes, health probes,
// and the Prometheus scrape endpoint.
func (a *App) initHTTP() {
	if a.cfg.API.ListenAddr == "" {
		return
	}

	apiSrv := api.NewServer(api.ServerConfig{
		Extensions: a.extensions,
		Registry:   a.registry,
		Resources:  a.resources,
		Store:      a.store,
		Logger:     a.logger,
	})

	var checkers []health.Checker
	if a.store != nil {
		store := a.store
		checkers = append(checkers, health.Checker{
			Name: "directory",
			Check: func(ctx context.Context) error {
				_, err := store.Extensions(ctx)
				return err
			},
		})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", observe.Middleware(observe.DefaultMetrics())(apiSrv))

	a.httpSrv = &http.Server{
		Addr:              a.cfg.API.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// legFactory builds the per-connection handler for each side of a session.
func (a *App) legFactory() extension.HandlerFactory {
	return func(role session.Role) extension.Runner {
		cfg := leg.Config{
			Role:              role,
			Voice:             a.voice(),
			MaxTransaction:    a.cfg.System.MaxTransactionTime(),
			GoodbyeDelay:      a.cfg.System.GoodbyeDelay(),
			TransmissionDelay: a.cfg.Audio.TransmissionDelay(),
			PostAudioDelay:    a.cfg.Audio.PostAudioDelay(),
			DiscardFrames:     a.cfg.Audio.DiscardBufferFrames,
		}
		if role == session.RoleVisitor {
			cfg.Greeting = a.cfg.Greeting.Message
			cfg.GreetingDelay = a.cfg.Greeting.Delay()
			cfg.SilenceBudget = a.cfg.System.SilenceThreshold()
		} else {
			cfg.SilenceBudget = a.cfg.System.ResidentMaxSilence()
		}
		return leg.NewHandler(cfg, a.hub, a.providers.STT, a.cache, a.resources, a.newFilter, a.logger)
	}
}

// newFilter builds the configured voice detection pipeline for one
// connection. Resident legs retain short utterances: one-word replies carry
// the authorization decision.
func (a *App) newFilter(role session.Role) *vad.Filter {
	var det vad.Detector
	switch a.cfg.System.VoiceDetectionType {
	case config.VADStreamingRecognizer:
		det = vad.NewRecognizer(a.cfg.System.SegmentTimeout())
	default:
		det = vad.NewEnergy()
	}
	return vad.NewFilter(vad.FilterConfig{
		Detector:    det,
		RetainShort: role == session.RoleResident,
	})
}

// voice returns the synthesis voice: the greeting override, else the TTS
// provider default.
func (a *App) voice() string {
	if a.cfg.Greeting.Voice != "" {
		return a.cfg.Greeting.Voice
	}
	return a.cfg.Providers.TTS.Voice
}

// prewarmPhrases collects every fixed phrase worth synthesizing ahead of the
// first call.
func (a *App) prewarmPhrases() []string {
	var phrases []string
	if a.cfg.Greeting.Message != "" {
		phrases = append(phrases, a.cfg.Greeting.Message)
	}
	for _, m := range a.cfg.CallTermination.GoodbyeMessages.Visitor {
		phrases = append(phrases, m)
	}
	for _, m := range a.cfg.CallTermination.GoodbyeMessages.Resident {
		phrases = append(phrases, m)
	}
	return phrases
}

// Run starts the extension listeners and the management server, then blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.sampler.Run(ctx, 5*time.Second)

	if phrases := a.prewarmPhrases(); len(phrases) > 0 {
		if err := a.cache.Prewarm(ctx, a.voice(), phrases); err != nil {
			a.logger.Warn("phrase prewarm incomplete", "error", err)
		}
	}

	if err := a.extensions.Start(ctx); err != nil {
		return fmt.Errorf("app: start extensions: %w", err)
	}

	if a.httpSrv != nil {
		go func() {
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("management server error", "error", err)
			}
		}()
		a.logger.Info("management api listening", "addr", a.httpSrv.Addr)
	}

	a.logger.Info("app running", "extensions", len(a.extensions.Running()))
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				a.logger.Warn("management server shutdown error", "error", err)
			}
		}

		a.extensions.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
