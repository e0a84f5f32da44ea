// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps a speech synthesis service (e.g., Azure Speech) and
// converts one phrase of text into raw PCM audio ready for the intercom's
// paced frame transmission. The capability surface is batch: intercom prompts
// are short, and the phrase cache stores complete utterances.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize converts text into signed 16-bit little-endian mono PCM at
	// 8 kHz using the given voice. voice is a provider-specific voice name;
	// empty selects the provider's default.
	//
	// Returns an error if the service cannot be reached, rejects the request,
	// or ctx is cancelled. Successful synthesis never returns empty audio.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}
