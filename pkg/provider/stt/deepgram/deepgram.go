// Package deepgram provides a Transcriber backed by the Deepgram
// pre-recorded audio API. Each utterance is wrapped in a WAV container and
// sent as one POST to the listen endpoint.
//
// Typical usage:
//
//	t, err := deepgram.New(apiKey, deepgram.WithLanguage("pt-BR"))
//	res, err := t.Transcribe(ctx, pcm)
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/condoware/porteiro/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ stt.Transcriber = (*Transcriber)(nil)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-2"
	defaultLanguage = "pt-BR"
	defaultTimeout  = 15 * time.Second

	// sampleRate is the PCM rate of intercom audio.
	sampleRate = 8000
)

// Option is a functional option for configuring a deepgram Transcriber.
type Option func(*Transcriber)

// WithModel selects the Deepgram model (e.g., "nova-2", "base"). Defaults to
// "nova-2".
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithLanguage sets the BCP-47 recognition language. Defaults to "pt-BR".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) { t.httpClient.Timeout = d }
}

// WithEndpoint overrides the listen endpoint URL, for self-hosted Deepgram
// deployments.
func WithEndpoint(endpoint string) Option {
	return func(t *Transcriber) { t.endpoint = endpoint }
}

// Transcriber implements stt.Transcriber against the Deepgram pre-recorded
// API. It is safe for concurrent use.
type Transcriber struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transcriber{
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// listenResponse is the subset of the Deepgram response the intercom needs.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte) (*stt.Result, error) {
	if len(pcm) == 0 {
		return &stt.Result{}, nil
	}

	q := url.Values{}
	q.Set("model", t.model)
	q.Set("language", t.language)
	q.Set("smart_format", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"?"+q.Encode(), bytes.NewReader(stt.WrapPCM(pcm, sampleRate)))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: listen returned status %d: %s", resp.StatusCode, body)
	}

	var rec listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("deepgram: decode listen response: %w", err)
	}

	if len(rec.Results.Channels) == 0 || len(rec.Results.Channels[0].Alternatives) == 0 {
		// The service processed the audio but produced no alternative.
		return &stt.Result{}, nil
	}
	alt := rec.Results.Channels[0].Alternatives[0]
	return &stt.Result{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}
