// Package azure provides a Synthesizer backed by the Azure Speech service's
// synthesis REST API. Each phrase is one POST carrying an SSML document; the
// response body is raw PCM at 8 kHz, the format the intercom sends on the
// wire without transcoding.
//
// Typical usage:
//
//	s, err := azure.New("brazilsouth", apiKey,
//	    azure.WithVoice("pt-BR-FranciscaNeural"),
//	)
//	pcm, err := s.Synthesize(ctx, "Olá, em que posso ajudar?", "")
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultVoice    = "pt-BR-FranciscaNeural"
	defaultLanguage = "pt-BR"
	defaultTimeout  = 15 * time.Second

	// outputFormat matches the intercom wire format exactly.
	outputFormat = "raw-8khz-16bit-mono-pcm"
)

// Option is a functional option for configuring an azure Synthesizer.
type Option func(*Synthesizer)

// WithVoice sets the default voice name used when Synthesize is called with
// an empty voice. Defaults to "pt-BR-FranciscaNeural".
func WithVoice(voice string) Option {
	return func(s *Synthesizer) { s.defaultVoice = voice }
}

// WithLanguage sets the xml:lang of the SSML document. Defaults to "pt-BR".
func WithLanguage(lang string) Option {
	return func(s *Synthesizer) { s.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// WithEndpoint overrides the synthesis endpoint URL entirely.
func WithEndpoint(endpoint string) Option {
	return func(s *Synthesizer) { s.endpoint = endpoint }
}

// Synthesizer implements tts.Synthesizer against the Azure Speech synthesis
// REST API. It is safe for concurrent use.
type Synthesizer struct {
	endpoint     string
	apiKey       string
	defaultVoice string
	language     string
	httpClient   *http.Client
}

// New creates a Synthesizer for the given Azure region and subscription key.
func New(region, apiKey string, opts ...Option) (*Synthesizer, error) {
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("azure: apiKey must not be empty")
	}
	s := &Synthesizer{
		endpoint:     fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", region),
		apiKey:       apiKey,
		defaultVoice: defaultVoice,
		language:     defaultLanguage,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("azure: text must not be empty")
	}
	if voice == "" {
		voice = s.defaultVoice
	}

	ssml := fmt.Sprintf(
		`<speak version='1.0' xml:lang='%s'><voice name='%s'>%s</voice></speak>`,
		s.language, voice, escapeSSML(text))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("azure: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormat)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("azure: synthesis returned status %d: %s", resp.StatusCode, body)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: read synthesis response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("azure: synthesis returned no audio")
	}
	return pcm, nil
}

// escapeSSML escapes the five XML special characters in text bound for an
// SSML document.
func escapeSSML(text string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(text)
}
