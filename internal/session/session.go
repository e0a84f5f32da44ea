// Package session provides the per-call session model and the process-wide
// registry that maps call identifiers to sessions.
//
// A session is shared by at most two leg handlers (visitor and resident) and
// the conversation state machine. State, intent, and history are mutated only
// through the guarded methods here; leg handlers otherwise touch only their
// own queue and termination latch.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/condoware/porteiro/pkg/audiosocket"
)

// Role identifies which side of the conversation a leg or turn belongs to.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleResident Role = "resident"
	RoleSystem   Role = "system"
)

// State is the conversation stage of a session.
type State string

const (
	StateCollecting     State = "COLLECTING"
	StateValidated      State = "VALIDATED"
	StateCalling        State = "CALLING"
	StateCallInProgress State = "CALL_IN_PROGRESS"
	StateWaitingRes     State = "WAITING_RESIDENT"
	StateFinished       State = "FINISHED"
)

// stateRank orders states so that transitions can only move forward.
var stateRank = map[State]int{
	StateCollecting:     0,
	StateValidated:      1,
	StateCalling:        2,
	StateCallInProgress: 3,
	StateWaitingRes:     4,
	StateFinished:       5,
}

// Authorization is the resident's entry decision. It is set at most once.
type Authorization string

const (
	AuthUnset      Authorization = ""
	AuthAuthorized Authorization = "authorized"
	AuthDenied     Authorization = "denied"
)

// Intent is the accumulating record of what the visitor wants. Fields fill
// progressively; the only retraction path is [Session.ClearResidency] after a
// failed directory validation.
type Intent struct {
	IntentType         string
	VisitorName        string
	Apartment          string
	ResidentName       string
	ResidentVoipNumber string
	Authorization      Authorization
}

// Complete reports whether the four collected fields are all present.
func (i Intent) Complete() bool {
	return i.IntentType != "" && i.VisitorName != "" && i.Apartment != "" && i.ResidentName != ""
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role Role
	Text string
}

// Metrics accumulates per-session capability usage, logged at session end.
type Metrics struct {
	mu              sync.Mutex
	transcriptions  int
	syntheses       int
	transcribeTotal time.Duration
	synthesizeTotal time.Duration
}

// AddTranscription records one transcription and its latency.
func (m *Metrics) AddTranscription(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcriptions++
	m.transcribeTotal += d
}

// AddSynthesis records one synthesis and its latency.
func (m *Metrics) AddSynthesis(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syntheses++
	m.synthesizeTotal += d
}

// Snapshot returns the accumulated counters.
func (m *Metrics) Snapshot() (transcriptions, syntheses int, transcribeTotal, synthesizeTotal time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcriptions, m.syntheses, m.transcribeTotal, m.synthesizeTotal
}

// Session is the shared state of one visitor/resident conversation.
type Session struct {
	// CallID is the canonical identifier shared by both legs. Immutable.
	CallID audiosocket.CallID

	// CreatedAt is when the session entered the registry. Immutable.
	CreatedAt time.Time

	// VisitorQueue and ResidentQueue carry outbound messages per leg.
	VisitorQueue  *Queue
	ResidentQueue *Queue

	// TerminateVisitor and TerminateResident latch termination per leg.
	TerminateVisitor  *Latch
	TerminateResident *Latch

	// Metrics accumulates capability usage for the end-of-session log line.
	Metrics Metrics

	mu           sync.Mutex
	state        State
	intent       Intent
	history      []Turn
	lastActivity time.Time
	visitorConn  net.Conn
	residentConn net.Conn
	legs         int
}

// New creates a session in COLLECTING with empty queues and unset latches.
func New(callID audiosocket.CallID) *Session {
	now := time.Now()
	return &Session{
		CallID:            callID,
		CreatedAt:         now,
		VisitorQueue:      NewQueue(),
		ResidentQueue:     NewQueue(),
		TerminateVisitor:  NewLatch(),
		TerminateResident: NewLatch(),
		state:             StateCollecting,
		lastActivity:      now,
	}
}

// State returns the current conversation stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AdvanceTo moves the session forward to next. Backward transitions are
// rejected; FINISHED is reachable from any state (the abort path).
func (s *Session) AdvanceTo(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.state {
		return nil
	}
	if next != StateFinished && stateRank[next] < stateRank[s.state] {
		return fmt.Errorf("session %s: cannot move from %s back to %s", s.CallID, s.state, next)
	}
	s.state = next
	s.lastActivity = time.Now()
	return nil
}

// Intent returns a copy of the accumulated intent.
func (s *Session) Intent() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// MergeIntent fills empty intent fields from partial. Populated fields are
// never overwritten.
func (s *Session) MergeIntent(partial Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent.IntentType == "" {
		s.intent.IntentType = partial.IntentType
	}
	if s.intent.VisitorName == "" {
		s.intent.VisitorName = partial.VisitorName
	}
	if s.intent.Apartment == "" {
		s.intent.Apartment = partial.Apartment
	}
	if s.intent.ResidentName == "" {
		s.intent.ResidentName = partial.ResidentName
	}
	if s.intent.ResidentVoipNumber == "" {
		s.intent.ResidentVoipNumber = partial.ResidentVoipNumber
	}
	s.lastActivity = time.Now()
}

// ClearResidency resets the residency fields after a failed directory
// validation so the collection stage can run again. When apartmentToo is
// false only the resident name (and the derived VoIP number) is cleared.
func (s *Session) ClearResidency(apartmentToo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apartmentToo {
		s.intent.Apartment = ""
	}
	s.intent.ResidentName = ""
	s.intent.ResidentVoipNumber = ""
	s.lastActivity = time.Now()
}

// SetAuthorization records the resident's decision. Only the first call has
// effect; it reports whether the value was applied.
func (s *Session) SetAuthorization(a Authorization) bool {
	if a == AuthUnset {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent.Authorization != AuthUnset {
		return false
	}
	s.intent.Authorization = a
	s.lastActivity = time.Now()
	return true
}

// AppendHistory records one conversation turn.
func (s *Session) AppendHistory(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: role, Text: text})
	s.lastActivity = time.Now()
}

// History returns a copy of the conversation turns so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Touch refreshes the idle timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the idle timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// QueueFor returns the outbound queue of the given leg role.
func (s *Session) QueueFor(role Role) *Queue {
	if role == RoleResident {
		return s.ResidentQueue
	}
	return s.VisitorQueue
}

// LatchFor returns the termination latch of the given leg role.
func (s *Session) LatchFor(role Role) *Latch {
	if role == RoleResident {
		return s.TerminateResident
	}
	return s.TerminateVisitor
}

// AttachLeg records a leg handler's connection. The handle is a weak
// reference used only for targeted hangup and status; the handler keeps
// ownership.
func (s *Session) AttachLeg(role Role, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleResident {
		s.residentConn = conn
	} else {
		s.visitorConn = conn
	}
	s.legs++
	s.lastActivity = time.Now()
}

// DetachLeg clears a leg's connection reference and returns how many legs
// remain attached. The handler that sees zero performs final removal.
func (s *Session) DetachLeg(role Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleResident {
		s.residentConn = nil
	} else {
		s.visitorConn = nil
	}
	if s.legs > 0 {
		s.legs--
	}
	return s.legs
}

// Conn returns the weak connection reference of a leg, or nil when that leg
// is not attached.
func (s *Session) Conn(role Role) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleResident {
		return s.residentConn
	}
	return s.visitorConn
}
