// Package openai provides a Transcriber backed by the OpenAI audio
// transcription API (Whisper). Each utterance is wrapped in a WAV container
// and uploaded as one transcription request.
//
// Typical usage:
//
//	t, err := openai.New(apiKey, openai.WithLanguage("pt"))
//	res, err := t.Transcribe(ctx, pcm)
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/condoware/porteiro/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Transcriber = (*Transcriber)(nil)

const (
	defaultLanguage = "pt"
	defaultTimeout  = 30 * time.Second

	sampleRate = 8000
)

// config collects constructor options before the client is built.
type config struct {
	language string
	baseURL  string
	timeout  time.Duration
	model    oai.AudioModel
}

// Option is a functional option for configuring an openai Transcriber.
type Option func(*config)

// WithLanguage sets the ISO-639-1 input language hint. Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithBaseURL overrides the API base URL, for proxies or compatible servers.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithModel selects the transcription model. Defaults to whisper-1.
func WithModel(m oai.AudioModel) Option {
	return func(c *config) { c.model = m }
}

// Transcriber implements stt.Transcriber via the OpenAI SDK. It is safe for
// concurrent use.
type Transcriber struct {
	client   oai.Client
	language string
	model    oai.AudioModel
}

// New creates a Transcriber authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := config{
		language: defaultLanguage,
		timeout:  defaultTimeout,
		model:    oai.AudioModelWhisper1,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Transcriber{
		client:   oai.NewClient(reqOpts...),
		language: cfg.language,
		model:    cfg.model,
	}, nil
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte) (*stt.Result, error) {
	if len(pcm) == 0 {
		return &stt.Result{}, nil
	}

	wav := stt.WrapPCM(pcm, sampleRate)
	resp, err := t.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model:    t.model,
		File:     oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Language: param.NewOpt(t.language),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: transcription: %w", err)
	}
	return &stt.Result{Text: resp.Text}, nil
}
