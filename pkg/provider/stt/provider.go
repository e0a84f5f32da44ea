// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A transcriber wraps a remote recognition service (e.g., Azure Speech or the
// OpenAI Whisper API) and converts one complete utterance of raw PCM audio
// into text. The intercom pipeline segments speech with its own voice
// activity detection, so the capability surface is batch: one utterance in,
// one transcript out.
//
// Implementations must be safe for concurrent use. Multiple utterances may be
// transcribed in parallel (one per active leg).
package stt

import "context"

// Result is the outcome of transcribing one utterance.
type Result struct {
	// Text is the recognized text. Empty when the service recognized nothing,
	// which callers treat as a silent utterance rather than an error.
	Text string

	// Confidence is the service's confidence in [0.0, 1.0], or 0 when the
	// backend does not report one.
	Confidence float64
}

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe converts one utterance of signed 16-bit little-endian mono
	// PCM at 8 kHz into text. The audio must contain exactly one utterance as
	// segmented by the caller.
	//
	// Returns an error if the service cannot be reached, rejects the request,
	// or ctx is cancelled. An utterance the service could not understand is
	// not an error; it yields a Result with empty Text.
	Transcribe(ctx context.Context, pcm []byte) (*Result, error)
}
