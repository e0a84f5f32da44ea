// Package leg implements the per-connection AudioSocket actors: a receive
// loop feeding voice detection and transcription, and a send loop playing
// queued phrases, both observing the session's termination latches.
package leg

import (
	"context"
	"sync"

	"github.com/condoware/porteiro/internal/dialog"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/pkg/audiosocket"
)

// Stepper is the state-machine surface the leg handler drives.
type Stepper interface {
	Step(ctx context.Context, ev dialog.Event) []dialog.Effect
}

// Inviter starts the outbound-call orchestration for a session.
type Inviter interface {
	Invite(ctx context.Context, sess *session.Session) error
}

// Hub shares one state machine between the two legs of a session and runs
// invite workers. Handlers obtain their machine here so visitor and resident
// events serialize through the same instance.
type Hub struct {
	registry   *session.Registry
	newMachine func(*session.Session) Stepper
	inviter    Inviter

	mu       sync.Mutex
	machines map[audiosocket.CallID]Stepper
}

// NewHub creates a hub over the registry. newMachine builds the per-session
// state machine; inviter may be nil in tests.
func NewHub(registry *session.Registry, newMachine func(*session.Session) Stepper, inviter Inviter) *Hub {
	return &Hub{
		registry:   registry,
		newMachine: newMachine,
		inviter:    inviter,
		machines:   make(map[audiosocket.CallID]Stepper),
	}
}

// Registry returns the underlying session registry.
func (h *Hub) Registry() *session.Registry {
	return h.registry
}

// MachineFor returns the session's state machine, creating it on first use.
func (h *Hub) MachineFor(sess *session.Session) Stepper {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.machines[sess.CallID]; ok {
		return m
	}
	m := h.newMachine(sess)
	h.machines[sess.CallID] = m
	return m
}

// Drop forgets the session's machine. Called by the last leg to exit.
func (h *Hub) Drop(callID audiosocket.CallID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.machines, callID)
}

// Execute applies machine effects for sess, in order. The invite effect runs
// on its own goroutine so bus I/O never stalls the calling loop; its failure
// feeds back into the machine as a call-failed event.
func (h *Hub) Execute(ctx context.Context, sess *session.Session, machine Stepper, effects []dialog.Effect) {
	for _, ef := range effects {
		switch ef.Kind {
		case dialog.EffectEnqueue:
			sess.QueueFor(ef.Message.Role).Enqueue(ef.Message)

		case dialog.EffectInvite:
			if h.inviter == nil {
				continue
			}
			go func() {
				if err := h.inviter.Invite(ctx, sess); err != nil {
					h.Execute(ctx, sess, machine,
						machine.Step(ctx, dialog.Event{Type: dialog.EventCallFailed}))
				}
			}()

		case dialog.EffectEnd:
			h.registry.End(sess.CallID)
		}
	}
}
