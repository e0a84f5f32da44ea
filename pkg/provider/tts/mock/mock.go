// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled PCM to consumers and to verify which
// phrases and voices were requested from the TTS backend.
package mock

import (
	"context"
	"sync"

	"github.com/condoware/porteiro/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the phrase passed to Synthesize.
	Text string
	// Voice is the voice name passed to Synthesize.
	Voice string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
// Set Err to inject errors. When PCM is nil, Synthesize derives a non-empty
// deterministic payload from the text so that callers always receive audio.
type Synthesizer struct {
	mu sync.Mutex

	// PCM is returned by every Synthesize call when non-nil.
	PCM []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured PCM.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	if s.Err != nil {
		return nil, s.Err
	}
	if s.PCM != nil {
		return s.PCM, nil
	}
	return []byte(text), nil
}

// Calls returns a copy of the recorded invocations.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesizeCall, len(s.SynthesizeCalls))
	copy(out, s.SynthesizeCalls)
	return out
}
