package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"azure", "deepgram", "openai"},
	"tts": {"azure", "elevenlabs"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
}

// goodbyeKeys are the outcome keys recognised in goodbye message maps.
var goodbyeKeys = []string{"authorized", "denied", "default"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with operational defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.BindIP == "" {
		cfg.Server.BindIP = "0.0.0.0"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}
	if cfg.Server.CacheDir == "" {
		cfg.Server.CacheDir = "audio/cache"
	}
	if cfg.Greeting.Message == "" {
		cfg.Greeting.Message = "Olá, aqui é a portaria virtual. Em que posso ajudar?"
	}
	if cfg.System.SilenceThresholdSeconds == 0 {
		cfg.System.SilenceThresholdSeconds = 1.5
	}
	if cfg.System.ResidentMaxSilenceSeconds == 0 {
		cfg.System.ResidentMaxSilenceSeconds = 45
	}
	if cfg.System.MaxTransactionTimeSeconds == 0 {
		cfg.System.MaxTransactionTimeSeconds = 60
	}
	if cfg.System.GoodbyeDelaySeconds == 0 {
		cfg.System.GoodbyeDelaySeconds = 1
	}
	if cfg.System.VoiceDetectionType == "" {
		cfg.System.VoiceDetectionType = VADBasic
	}
	if cfg.System.AzureSpeechSegmentTimeoutMs == 0 {
		cfg.System.AzureSpeechSegmentTimeoutMs = 800
	}
	if cfg.Audio.TransmissionDelayMs == 0 {
		cfg.Audio.TransmissionDelayMs = 10
	}
	if cfg.Audio.PostAudioDelaySeconds == 0 {
		cfg.Audio.PostAudioDelaySeconds = 0.3
	}
	if cfg.Audio.DiscardBufferFrames == 0 {
		cfg.Audio.DiscardBufferFrames = 15
	}
	if len(cfg.Conversation.AffirmativeTokens) == 0 {
		cfg.Conversation.AffirmativeTokens = []string{"sim", "pode", "autorizo", "claro"}
	}
	if len(cfg.Conversation.NegativeTokens) == 0 {
		cfg.Conversation.NegativeTokens = []string{"não", "nao", "nego", "negativo"}
	}
	if cfg.Orchestrator.MaxAttempts == 0 {
		cfg.Orchestrator.MaxAttempts = 2
	}
	if cfg.Orchestrator.AttemptTimeoutSeconds == 0 {
		cfg.Orchestrator.AttemptTimeoutSeconds = 10
	}
	if cfg.Bus.RoutingKey == "" {
		cfg.Bus.RoutingKey = "click_to_call"
	}
	if cfg.Directory.NotifyChannel == "" {
		cfg.Directory.NotifyChannel = "change_record_extension_ia"
	}
	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = ":8088"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.System.VoiceDetectionType != "" && !cfg.System.VoiceDetectionType.IsValid() {
		errs = append(errs, fmt.Errorf("system.voice_detection_type %q is invalid; valid values: basic-vad, streaming-recognizer", cfg.System.VoiceDetectionType))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.System.SilenceThresholdSeconds < 0 {
		errs = append(errs, fmt.Errorf("system.silence_threshold_seconds %.2f must not be negative", cfg.System.SilenceThresholdSeconds))
	}
	if cfg.Audio.TransmissionDelayMs < 0 {
		errs = append(errs, fmt.Errorf("audio.transmission_delay_ms %d must not be negative", cfg.Audio.TransmissionDelayMs))
	}
	if cfg.Audio.DiscardBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.discard_buffer_frames %d must not be negative", cfg.Audio.DiscardBufferFrames))
	}
	if cfg.Orchestrator.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_attempts %d must be at least 1", cfg.Orchestrator.MaxAttempts))
	}
	if cfg.Orchestrator.AttemptTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.attempt_timeout_seconds %.2f must be positive", cfg.Orchestrator.AttemptTimeoutSeconds))
	}

	for role, msgs := range map[string]map[string]string{
		"visitor":  cfg.CallTermination.GoodbyeMessages.Visitor,
		"resident": cfg.CallTermination.GoodbyeMessages.Resident,
	} {
		for key := range msgs {
			if !slices.Contains(goodbyeKeys, key) {
				errs = append(errs, fmt.Errorf("call_termination.goodbye_messages.%s key %q is invalid; valid keys: authorized, denied, default", role, key))
			}
		}
	}

	// The bus is a hard dependency at call time; an empty URL only becomes
	// fatal when the first invite is published.
	if cfg.Bus.URL == "" {
		slog.Warn("bus.url is empty; click-to-call invites will fail")
	}
	if cfg.Directory.PostgresDSN == "" {
		slog.Warn("directory.postgres_dsn is empty; falling back to the local extension snapshot")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
