// Command porteiro is the main entry point for the intercom automation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	oai "github.com/openai/openai-go"

	"github.com/condoware/porteiro/internal/app"
	"github.com/condoware/porteiro/internal/config"
	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/internal/resilience"
	"github.com/condoware/porteiro/pkg/provider/intent"
	"github.com/condoware/porteiro/pkg/provider/llm"
	"github.com/condoware/porteiro/pkg/provider/llm/anyllm"
	oaillm "github.com/condoware/porteiro/pkg/provider/llm/openai"
	"github.com/condoware/porteiro/pkg/provider/stt"
	azurestt "github.com/condoware/porteiro/pkg/provider/stt/azure"
	"github.com/condoware/porteiro/pkg/provider/stt/deepgram"
	oaistt "github.com/condoware/porteiro/pkg/provider/stt/openai"
	"github.com/condoware/porteiro/pkg/provider/tts"
	azuretts "github.com/condoware/porteiro/pkg/provider/tts/azure"
	"github.com/condoware/porteiro/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "porteiro: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "porteiro: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ConversationChanged || d.GreetingChanged || d.GoodbyesChanged {
			slog.Warn("conversation settings changed on disk; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("porteiro starting",
		"config", *configPath,
		"bind_ip", cfg.Server.BindIP,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmNames are the LLM backends reachable through the any-llm-go adapter.
// "openai" is deliberately absent; it maps to the native SDK provider.
var anyllmNames = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp",
}

// builtinProviders maps provider category names to the implementations that
// ship with porteiro. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt": {"azure", "deepgram", "openai"},
	"tts": {"azure", "elevenlabs"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("azure", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []azurestt.Option
		if entry.Language != "" {
			opts = append(opts, azurestt.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, azurestt.WithEndpoint(entry.BaseURL))
		}
		return azurestt.New(entry.Region, entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oaistt.Option
		if entry.Language != "" {
			opts = append(opts, oaistt.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(oai.AudioModel(entry.Model)))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("azure", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []azuretts.Option
		if entry.Voice != "" {
			opts = append(opts, azuretts.WithVoice(entry.Voice))
		}
		if entry.Language != "" {
			opts = append(opts, azuretts.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, azuretts.WithEndpoint(entry.BaseURL))
		}
		return azuretts.New(entry.Region, entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(entry.Voice))
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai goes through the native SDK.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining hosted backends share the any-llm-go adapter: optional
	// APIKey + optional BaseURL.
	for _, providerName := range anyllmNames {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Intent ────────────────────────────────────────────────────────────────

	// The intent extractor is a prompt layer over whichever LLM backend is
	// configured, so every LLM name doubles as an intent name.
	for _, providerName := range builtinProviders["llm"] {
		reg.RegisterIntent(providerName, func(entry config.ProviderEntry) (intent.Extractor, error) {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, err
			}
			return intent.NewLLMExtractor(p), nil
		})
	}

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. All three slots are required; the intent extractor is derived from
// the LLM entry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = p
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if fb := cfg.Providers.STTFallback; fb.Name != "" {
		secondary, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewSTTFallback(ps.STT, cfg.Providers.STT.Name, fallbackConfig())
		group.AddFallback(fb.Name, secondary)
		ps.STT = group
		slog.Info("provider failover armed", "kind", "stt", "fallback", fb.Name)
	}

	s, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = s
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if fb := cfg.Providers.TTSFallback; fb.Name != "" {
		secondary, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewTTSFallback(ps.TTS, cfg.Providers.TTS.Name, fallbackConfig())
		group.AddFallback(fb.Name, secondary)
		ps.TTS = group
		slog.Info("provider failover armed", "kind", "tts", "fallback", fb.Name)
	}

	ps.Intent, err = buildIntent(cfg, reg)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "intent", "name", cfg.Providers.LLM.Name)

	return ps, nil
}

// buildIntent constructs the intent extractor. With an LLM fallback
// configured, failover wraps the raw LLM providers so a single extractor sees
// a resilient backend.
func buildIntent(cfg *config.Config, reg *config.Registry) (intent.Extractor, error) {
	fb := cfg.Providers.LLMFallback
	if fb.Name == "" {
		e, err := reg.CreateIntent(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create intent extractor %q: %w", cfg.Providers.LLM.Name, err)
		}
		return e, nil
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	secondary, err := reg.CreateLLM(fb)
	if err != nil {
		return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
	}
	group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fallbackConfig())
	group.AddFallback(fb.Name, secondary)
	slog.Info("provider failover armed", "kind", "llm", "fallback", fb.Name)
	return intent.NewLLMExtractor(group), nil
}

// fallbackConfig tunes the per-provider circuit breakers: three consecutive
// failures open a breaker, probed again after 30 s.
func fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         porteiro — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Voice)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	if cfg.Directory.PostgresDSN != "" {
		fmt.Printf("║  Directory       : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Directory       : %-19s ║\n", "(snapshot only)")
	}
	if cfg.Bus.URL != "" {
		fmt.Printf("║  Call bus        : %-19s ║\n", "amqp")
	} else {
		fmt.Printf("║  Call bus        : %-19s ║\n", "(disabled)")
	}
	if cfg.API.ListenAddr != "" {
		fmt.Printf("║  Management API  : %-19s ║\n", cfg.API.ListenAddr)
	} else {
		fmt.Printf("║  Management API  : %-19s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
