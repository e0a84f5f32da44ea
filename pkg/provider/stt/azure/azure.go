// Package azure provides a Transcriber backed by the Azure Speech service's
// short-audio REST API. Each utterance is wrapped in a WAV container and sent
// as one POST to the regional recognition endpoint.
//
// Typical usage:
//
//	t, err := azure.New("brazilsouth", apiKey,
//	    azure.WithLanguage("pt-BR"),
//	    azure.WithTimeout(15*time.Second),
//	)
//	res, err := t.Transcribe(ctx, pcm)
package azure

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
	defaultLanguage = "pt-BR"
	defaultTimeout  = 15 * time.Second

	// sampleRate is the PCM rate of intercom audio.
	sampleRate = 8000
)

// Option is a functional option for configuring an azure Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the BCP-47 recognition language. Defaults to "pt-BR".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) { t.httpClient.Timeout = d }
}

// WithEndpoint overrides the recognition endpoint URL entirely, for sovereign
// clouds or containerized Speech deployments.
func WithEndpoint(endpoint string) Option {
	return func(t *Transcriber) { t.endpoint = endpoint }
}

// Transcriber implements stt.Transcriber against the Azure Speech short-audio
// REST API. It is safe for concurrent use.
type Transcriber struct {
	endpoint   string
	apiKey     string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber for the given Azure region (e.g., "brazilsouth")
// and subscription key.
func New(region, apiKey string, opts ...Option) (*Transcriber, error) {
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("azure: apiKey must not be empty")
	}
	t := &Transcriber{
		endpoint:   fmt.Sprintf("https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1", region),
		apiKey:     apiKey,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// recognitionResponse is the JSON body returned in "simple" result format.
type recognitionResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte) (*stt.Result, error) {
	if len(pcm) == 0 {
		return &stt.Result{}, nil
	}

	q := url.Values{}
	q.Set("language", t.language)
	q.Set("format", "simple")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"?"+q.Encode(), bytes.NewReader(stt.WrapPCM(pcm, sampleRate)))
	if err != nil {
		return nil, fmt.Errorf("azure: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", t.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/wav; codecs=audio/pcm; samplerate=%d", sampleRate))
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: recognition request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("azure: recognition returned status %d: %s", resp.StatusCode, body)
	}

	var rec recognitionResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("azure: decode recognition response: %w", err)
	}

	switch rec.RecognitionStatus {
	case "Success":
		return &stt.Result{Text: rec.DisplayText}, nil
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		// The service heard audio but found no speech in it.
		return &stt.Result{}, nil
	default:
		return nil, fmt.Errorf("azure: recognition status %q", rec.RecognitionStatus)
	}
}
