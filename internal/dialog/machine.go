// Package dialog implements the per-session conversation state machine and
// the fuzzy directory validation it relies on.
//
// The machine is event-driven: leg handlers deliver transcribed text and
// connection events through [Machine.Step], which mutates session state and
// returns the side effects (enqueue, invite, end) for the caller to execute.
// Keeping effects out of the machine keeps transitions testable without a
// broker or a live leg.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/condoware/porteiro/internal/config"
	"github.com/condoware/porteiro/internal/directory"
	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/pkg/provider/intent"
)

// EventType classifies an input to the state machine.
type EventType int

const (
	// EventVisitorText is a transcribed visitor utterance.
	EventVisitorText EventType = iota
	// EventResidentText is a transcribed resident utterance.
	EventResidentText
	// EventResidentConnected fires when the resident leg attaches.
	EventResidentConnected
	// EventCallFailed fires when the orchestrator exhausts its attempts.
	EventCallFailed
	// EventAbort force-finishes the session (timeouts, hangup API).
	EventAbort
)

// Event is one input to the state machine.
type Event struct {
	Type EventType
	Text string
}

// EffectKind classifies a side effect returned by Step.
type EffectKind int

const (
	// EffectEnqueue delivers Message to the queue of Message.Role.
	EffectEnqueue EffectKind = iota
	// EffectInvite starts the outbound call orchestrator.
	EffectInvite
	// EffectEnd terminates both legs via the session registry.
	EffectEnd
)

// Effect is one side effect for the caller to execute, in order.
type Effect struct {
	Kind    EffectKind
	Message session.Message
}

func enqueue(role session.Role, purpose session.Purpose, text string) Effect {
	return Effect{Kind: EffectEnqueue, Message: session.Message{Text: text, Role: role, Purpose: purpose}}
}

// reprompt is spoken when the extraction backend fails mid-collection.
const reprompt = "Desculpe, não entendi. Pode repetir, por favor?"

// Machine drives one session's conversation. Events may arrive from both leg
// handlers concurrently; a mutex serializes Step so the session has a single
// writer.
type Machine struct {
	sess      *session.Session
	extractor intent.Extractor
	store     directory.Store
	conv      config.ConversationConfig
	goodbyes  config.GoodbyeMessages
	logger    *slog.Logger

	mu sync.Mutex
}

// NewMachine creates a machine bound to sess.
func NewMachine(sess *session.Session, extractor intent.Extractor, store directory.Store, conv config.ConversationConfig, goodbyes config.GoodbyeMessages, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		sess:      sess,
		extractor: extractor,
		store:     store,
		conv:      conv,
		goodbyes:  goodbyes,
		logger:    logger.With("call_id", sess.CallID),
	}
}

// Step processes one event and returns the effects to execute, in order.
func (m *Machine) Step(ctx context.Context, ev Event) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.sess.State()
	switch ev.Type {
	case EventVisitorText:
		if state != session.StateCollecting {
			// Mid-call chatter is kept for context; the visitor hears where
			// the flow stands instead of silence.
			m.sess.AppendHistory(session.RoleVisitor, ev.Text)
			if status := stageStatus(state); status != "" {
				m.sess.AppendHistory(session.RoleSystem, status)
				return []Effect{enqueue(session.RoleVisitor, session.PurposeStatus, status)}
			}
			return nil
		}
		return m.collect(ctx, ev.Text)

	case EventResidentConnected:
		return m.residentConnected(state)

	case EventResidentText:
		if state == session.StateCalling || state == session.StateCallInProgress {
			// First resident speech doubles as the connection event.
			effects := m.residentConnected(state)
			m.sess.AppendHistory(session.RoleResident, ev.Text)
			return effects
		}
		if state != session.StateWaitingRes {
			m.sess.AppendHistory(session.RoleResident, ev.Text)
			return nil
		}
		return m.decide(ev.Text)

	case EventCallFailed:
		return m.finish(session.AuthUnset,
			enqueue(session.RoleVisitor, session.PurposeFarewell,
				"Não conseguimos contato com o morador no momento. Por favor, tente novamente mais tarde."))

	case EventAbort:
		return m.finish(session.AuthUnset)
	}
	return nil
}

// collect runs one extraction stage over a visitor utterance and, once the
// intent is complete, validates it against the directory.
func (m *Machine) collect(ctx context.Context, text string) []Effect {
	m.sess.AppendHistory(session.RoleVisitor, text)

	cur := m.sess.Intent()
	stage := nextStage(cur)
	res, err := m.extractor.Extract(ctx, intent.Request{
		Stage:     stage,
		Utterance: text,
		History:   formatHistory(m.sess.History()),
		Current: intent.Fields{
			IntentType:   cur.IntentType,
			VisitorName:  cur.VisitorName,
			Apartment:    cur.Apartment,
			ResidentName: cur.ResidentName,
		},
	})
	if err != nil {
		m.logger.Error("intent extraction failed", "stage", stage.String(), "error", err)
		m.sess.AppendHistory(session.RoleSystem, reprompt)
		return []Effect{enqueue(session.RoleVisitor, session.PurposeClarification, reprompt)}
	}

	m.sess.MergeIntent(session.Intent{
		IntentType:   res.Fields.IntentType,
		VisitorName:  res.Fields.VisitorName,
		Apartment:    res.Fields.Apartment,
		ResidentName: res.Fields.ResidentName,
	})

	merged := m.sess.Intent()
	if !merged.Complete() {
		m.sess.AppendHistory(session.RoleSystem, res.Reply)
		return []Effect{enqueue(session.RoleVisitor, session.PurposeClarification, res.Reply)}
	}
	return m.validate(ctx, merged)
}

// validate checks the completed intent against the directory and either moves
// to CALLING or re-opens collection with a targeted clarification.
func (m *Machine) validate(ctx context.Context, in session.Intent) []Effect {
	entry, err := m.store.Apartment(ctx, in.Apartment)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			m.sess.ClearResidency(true)
			msg := fmt.Sprintf("Não encontrei o apartamento %s. Pode confirmar o número do apartamento e o nome do morador?", in.Apartment)
			m.sess.AppendHistory(session.RoleSystem, msg)
			return []Effect{enqueue(session.RoleVisitor, session.PurposeClarification, msg)}
		}
		m.logger.Error("directory lookup failed", "apartment", in.Apartment, "error", err)
		m.sess.AppendHistory(session.RoleSystem, reprompt)
		return []Effect{enqueue(session.RoleVisitor, session.PurposeClarification, reprompt)}
	}

	match, score, ok := BestMatch(in.ResidentName, entry.Residents)
	if !ok {
		m.sess.ClearResidency(false)
		m.logger.Info("resident name rejected", "apartment", in.Apartment, "score", score)
		msg := fmt.Sprintf("Não encontrei %s no apartamento %s. Pode confirmar o nome do morador?", in.ResidentName, in.Apartment)
		m.sess.AppendHistory(session.RoleSystem, msg)
		return []Effect{enqueue(session.RoleVisitor, session.PurposeClarification, msg)}
	}

	// The directory's spelling wins over the transcription.
	m.sess.ClearResidency(false)
	m.sess.MergeIntent(session.Intent{
		ResidentName:       match,
		ResidentVoipNumber: entry.VoipNumber,
	})
	if err := m.sess.AdvanceTo(session.StateValidated); err != nil {
		m.logger.Warn("validated transition rejected", "error", err)
		return nil
	}
	m.logger.Info("intent validated",
		"apartment", in.Apartment, "resident", match, "score", score, "intent_type", in.IntentType)

	const wait = "Um momento, por favor, enquanto entramos em contato com o morador."
	m.sess.AppendHistory(session.RoleSystem, wait)

	if err := m.sess.AdvanceTo(session.StateCalling); err != nil {
		m.logger.Warn("calling transition rejected", "error", err)
		return nil
	}
	return []Effect{
		enqueue(session.RoleVisitor, session.PurposeStatus, wait),
		{Kind: EffectInvite},
	}
}

// residentConnected moves the session to WAITING_RESIDENT and enqueues the
// context prompt on the resident leg.
func (m *Machine) residentConnected(state session.State) []Effect {
	if state != session.StateCalling && state != session.StateCallInProgress {
		return nil
	}
	if err := m.sess.AdvanceTo(session.StateWaitingRes); err != nil {
		m.logger.Warn("waiting-resident transition rejected", "error", err)
		return nil
	}
	prompt := m.contextPrompt()
	m.sess.AppendHistory(session.RoleSystem, prompt)
	return []Effect{enqueue(session.RoleResident, session.PurposeContext, prompt)}
}

// decide parses a resident utterance in WAITING_RESIDENT.
func (m *Machine) decide(text string) []Effect {
	m.sess.AppendHistory(session.RoleResident, text)

	switch {
	case isInquiry(text):
		detail := m.inquiryDetail()
		m.sess.AppendHistory(session.RoleSystem, detail)
		return []Effect{enqueue(session.RoleResident, session.PurposeContext, detail)}

	case containsToken(text, m.conv.AffirmativeTokens):
		return m.finish(session.AuthAuthorized)

	case containsToken(text, m.conv.NegativeTokens):
		return m.finish(session.AuthDenied)
	}

	const reask = "Desculpe, não entendi. Você autoriza a entrada? Diga sim ou não."
	m.sess.AppendHistory(session.RoleSystem, reask)
	return []Effect{enqueue(session.RoleResident, session.PurposeConfirmation, reask)}
}

// finish records the authorization (if any), enqueues role-appropriate
// farewells plus any extra effects, and ends the session.
func (m *Machine) finish(auth session.Authorization, extra ...Effect) []Effect {
	m.sess.SetAuthorization(auth)
	if err := m.sess.AdvanceTo(session.StateFinished); err != nil {
		m.logger.Warn("finished transition rejected", "error", err)
	}
	decision := string(auth)
	if decision == "" {
		decision = "none"
	}
	observe.DefaultMetrics().RecordAuthorization(context.Background(), decision)

	effects := make([]Effect, 0, len(extra)+3)
	effects = append(effects, extra...)

	outcome := m.sess.Intent().Authorization
	if !hasFarewell(extra) {
		effects = append(effects,
			enqueue(session.RoleVisitor, session.PurposeFarewell, m.Goodbye(session.RoleVisitor, outcome)))
	}
	effects = append(effects,
		enqueue(session.RoleResident, session.PurposeFarewell, m.Goodbye(session.RoleResident, outcome)),
		Effect{Kind: EffectEnd},
	)
	m.logger.Info("conversation finished", "authorization", string(outcome))
	return effects
}

// Goodbye returns the configured farewell for a role and outcome, falling
// back to the role's "default" entry, then to built-in phrases.
func (m *Machine) Goodbye(role session.Role, auth session.Authorization) string {
	msgs := m.goodbyes.Visitor
	if role == session.RoleResident {
		msgs = m.goodbyes.Resident
	}
	if text, ok := msgs[string(auth)]; ok && text != "" {
		return text
	}
	if text, ok := msgs["default"]; ok && text != "" {
		return text
	}
	switch {
	case role == session.RoleVisitor && auth == session.AuthAuthorized:
		return "Entrada autorizada. Tenha um bom dia!"
	case role == session.RoleVisitor && auth == session.AuthDenied:
		return "O morador não autorizou a entrada. Tenha um bom dia."
	case role == session.RoleResident:
		return "Obrigada pela confirmação. Até logo!"
	default:
		return "Obrigada pelo contato. Até logo!"
	}
}

func (m *Machine) contextPrompt() string {
	in := m.sess.Intent()
	return fmt.Sprintf(
		"Morador do apartamento %s: %s está na portaria solicitando %s. Você autoriza a entrada? Diga sim ou não.",
		in.Apartment, in.VisitorName, intentPhrase(in.IntentType))
}

func (m *Machine) inquiryDetail() string {
	in := m.sess.Intent()
	return fmt.Sprintf(
		"%s está na portaria e informou %s para o apartamento %s. Você autoriza a entrada? Diga sim ou não.",
		in.VisitorName, intentPhrase(in.IntentType), in.Apartment)
}

func intentPhrase(intentType string) string {
	switch intentType {
	case "entrega":
		return "uma entrega"
	case "visita":
		return "uma visita"
	default:
		return "acesso"
	}
}

// stageStatus is what the visitor hears for speech that arrives after
// collection closed.
func stageStatus(state session.State) string {
	switch state {
	case session.StateValidated, session.StateCalling, session.StateCallInProgress:
		return "Já estou chamando o morador, aguarde um momento, por favor."
	case session.StateWaitingRes:
		return "O morador está na linha. Aguarde a confirmação, por favor."
	case session.StateFinished:
		return "O atendimento foi encerrado. Obrigado pelo contato."
	}
	return ""
}

// nextStage picks the first stage with an unfilled field.
func nextStage(in session.Intent) intent.Stage {
	switch {
	case in.IntentType == "":
		return intent.StageIntentType
	case in.VisitorName == "":
		return intent.StageVisitorName
	default:
		return intent.StageResident
	}
}

func formatHistory(turns []session.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+": "+t.Text)
	}
	return out
}

// isInquiry reports whether a resident utterance asks who is at the gate.
func isInquiry(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "quem") || strings.Contains(lower, "?")
}

// containsToken reports whether any token appears as a whole word of text,
// case-insensitively.
func containsToken(text string, tokens []string) bool {
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		words[i] = strings.Trim(w, ".,!?;:")
	}
	for _, tok := range tokens {
		tok = strings.ToLower(tok)
		for _, w := range words {
			if w == tok {
				return true
			}
		}
	}
	return false
}

func hasFarewell(effects []Effect) bool {
	for _, e := range effects {
		if e.Kind == EffectEnqueue && e.Message.Purpose == session.PurposeFarewell {
			return true
		}
	}
	return false
}
