// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber to feed controlled transcripts to callers and to inspect
// which PCM utterances were delivered for recognition.
package mock

import (
	"context"
	"sync"

	"github.com/condoware/porteiro/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is the audio passed to Transcribe.
	PCM []byte
}

// Transcriber is a mock implementation of stt.Transcriber.
// Results are consumed one per call; when exhausted the last one repeats.
// Set Err to inject errors.
type Transcriber struct {
	mu sync.Mutex

	// Results is the sequence of results returned by Transcribe.
	Results []*stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next configured result.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte) (*stt.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: cp})
	if t.Err != nil {
		return nil, t.Err
	}
	if len(t.Results) == 0 {
		return &stt.Result{}, nil
	}
	idx := len(t.TranscribeCalls) - 1
	if idx >= len(t.Results) {
		idx = len(t.Results) - 1
	}
	return t.Results[idx], nil
}

// Calls returns a copy of the recorded invocations.
func (t *Transcriber) Calls() []TranscribeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscribeCall, len(t.TranscribeCalls))
	copy(out, t.TranscribeCalls)
	return out
}
