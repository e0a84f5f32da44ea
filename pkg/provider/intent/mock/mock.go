// Package mock provides a test double for the intent.Extractor interface.
package mock

import (
	"context"
	"sync"

	"github.com/condoware/porteiro/pkg/provider/intent"
)

// ExtractCall records a single invocation of Extract.
type ExtractCall struct {
	// Ctx is the context passed to Extract.
	Ctx context.Context
	// Req is the Request passed to Extract.
	Req intent.Request
}

// Extractor is a mock implementation of intent.Extractor.
// Responses are consumed one per call; when exhausted the last one repeats.
// Set Err to inject errors.
type Extractor struct {
	mu sync.Mutex

	// Results is the sequence of results returned by Extract.
	Results []*intent.Result

	// Err, if non-nil, is returned as the error from Extract.
	Err error

	// ExtractCalls records every invocation of Extract in order.
	ExtractCalls []ExtractCall
}

// Extract records the call and returns the next configured result.
func (e *Extractor) Extract(ctx context.Context, req intent.Request) (*intent.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ExtractCalls = append(e.ExtractCalls, ExtractCall{Ctx: ctx, Req: req})
	if e.Err != nil {
		return nil, e.Err
	}
	if len(e.Results) == 0 {
		return &intent.Result{Reply: "ok"}, nil
	}
	idx := len(e.ExtractCalls) - 1
	if idx >= len(e.Results) {
		idx = len(e.Results) - 1
	}
	return e.Results[idx], nil
}

// Calls returns a copy of the recorded invocations.
func (e *Extractor) Calls() []ExtractCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExtractCall, len(e.ExtractCalls))
	copy(out, e.ExtractCalls)
	return out
}
