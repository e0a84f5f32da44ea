// Package elevenlabs provides a Synthesizer backed by the ElevenLabs
// text-to-speech REST API. Each phrase is one POST; the response body is raw
// PCM at 8 kHz, the format the intercom sends on the wire without
// transcoding.
//
// The voice argument of Synthesize is an ElevenLabs voice ID.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultEndpoint = "https://api.elevenlabs.io/v1"
	defaultModel    = "eleven_multilingual_v2"
	defaultTimeout  = 30 * time.Second

	// outputFormat matches the intercom wire format exactly.
	outputFormat = "pcm_8000"
)

// Option is a functional option for configuring an elevenlabs Synthesizer.
type Option func(*Synthesizer)

// WithVoice sets the default voice ID used when Synthesize is called with an
// empty voice.
func WithVoice(voiceID string) Option {
	return func(s *Synthesizer) { s.defaultVoice = voiceID }
}

// WithModel selects the TTS model. Defaults to "eleven_multilingual_v2",
// which covers Brazilian Portuguese.
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(s *Synthesizer) { s.endpoint = strings.TrimRight(endpoint, "/") }
}

// Synthesizer implements tts.Synthesizer against the ElevenLabs REST API. It
// is safe for concurrent use.
type Synthesizer struct {
	endpoint     string
	apiKey       string
	defaultVoice string
	model        string
	httpClient   *http.Client
}

// New creates a Synthesizer authenticated with apiKey. A default voice ID
// must be supplied either via WithVoice or per call.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// synthesisRequest is the JSON body of a text-to-speech call.
type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if voice == "" {
		voice = s.defaultVoice
	}
	if voice == "" {
		return nil, errors.New("elevenlabs: no voice ID configured")
	}

	body, err := json.Marshal(synthesisRequest{Text: text, ModelID: s.model})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", s.endpoint, voice, outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: synthesis returned status %d: %s", resp.StatusCode, msg)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read synthesis response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("elevenlabs: synthesis returned no audio")
	}
	return pcm, nil
}
