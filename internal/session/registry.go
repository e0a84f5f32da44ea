package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/pkg/audiosocket"
)

// Registry is the process-wide mapping of call identifiers to sessions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[audiosocket.CallID]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[audiosocket.CallID]*Session)}
}

// GetOrCreate returns the session for callID, creating it in COLLECTING when
// none exists. created reports whether a new session was made; the resident
// leg attaching to an existing session must not replay the greeting.
func (r *Registry) GetOrCreate(callID audiosocket.CallID) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callID]; ok {
		return s, false
	}
	s = New(callID)
	r.sessions[callID] = s
	observe.DefaultMetrics().ActiveSessions.Add(context.Background(), 1)
	return s, true
}

// Get returns the session for callID if one exists.
func (r *Registry) Get(callID audiosocket.CallID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// End sets both termination latches of the session and returns immediately.
// Idempotent; unknown call identifiers are ignored. Leg handlers observe the
// latches on their next poll and perform their own drain and hangup.
func (r *Registry) End(callID audiosocket.CallID) {
	s, ok := r.Get(callID)
	if !ok {
		return
	}
	s.TerminateVisitor.Set()
	s.TerminateResident.Set()
}

// Complete removes the session. Called by the last leg handler to exit; a
// second call for the same identifier is a no-op.
func (r *Registry) Complete(callID audiosocket.CallID) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	delete(r.sessions, callID)
	r.mu.Unlock()
	if !ok {
		return
	}
	observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)

	transcriptions, syntheses, transcribeTotal, synthesizeTotal := s.Metrics.Snapshot()
	slog.Info("session complete",
		"call_id", callID,
		"state", s.State(),
		"authorization", s.Intent().Authorization,
		"transcriptions", transcriptions,
		"syntheses", syntheses,
		"transcribe_total", transcribeTotal,
		"synthesize_total", synthesizeTotal,
		"duration", s.LastActivity().Sub(s.CreatedAt),
	)
}

// List returns a snapshot of all live sessions for the management API.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
