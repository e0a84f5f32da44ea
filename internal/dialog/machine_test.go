package dialog_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/condoware/porteiro/internal/config"
	"github.com/condoware/porteiro/internal/dialog"
	"github.com/condoware/porteiro/internal/directory"
	dirmock "github.com/condoware/porteiro/internal/directory/mock"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/pkg/audiosocket"
	"github.com/condoware/porteiro/pkg/provider/intent"
	intentmock "github.com/condoware/porteiro/pkg/provider/intent/mock"
)

var testConv = config.ConversationConfig{
	AffirmativeTokens: []string{"sim", "pode", "autorizo"},
	NegativeTokens:    []string{"não", "nao", "nego"},
}

type fixture struct {
	sess      *session.Session
	extractor *intentmock.Extractor
	store     *dirmock.Store
	machine   *dialog.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sess := session.New(audiosocket.NewCallID())
	extractor := &intentmock.Extractor{}
	store := &dirmock.Store{
		Entries: map[string]*directory.Entry{
			"501": {
				Apartment:  "501",
				Residents:  []string{"Daniel dos Reis", "Maria Oliveira"},
				VoipNumber: "1003021",
			},
		},
	}
	return &fixture{
		sess:      sess,
		extractor: extractor,
		store:     store,
		machine:   dialog.NewMachine(sess, extractor, store, testConv, config.GoodbyeMessages{}, nil),
	}
}

func visitorText(text string) dialog.Event {
	return dialog.Event{Type: dialog.EventVisitorText, Text: text}
}

func residentText(text string) dialog.Event {
	return dialog.Event{Type: dialog.EventResidentText, Text: text}
}

// effectKinds flattens effects for order assertions.
func effectKinds(effects []dialog.Effect) []dialog.EffectKind {
	kinds := make([]dialog.EffectKind, len(effects))
	for i, e := range effects {
		kinds[i] = e.Kind
	}
	return kinds
}

func findEnqueue(t *testing.T, effects []dialog.Effect, role session.Role, purpose session.Purpose) session.Message {
	t.Helper()
	for _, e := range effects {
		if e.Kind == dialog.EffectEnqueue && e.Message.Role == role && e.Message.Purpose == purpose {
			return e.Message
		}
	}
	t.Fatalf("no %s/%s enqueue in %v", role, purpose, effects)
	return session.Message{}
}

func hasKind(effects []dialog.Effect, kind dialog.EffectKind) bool {
	for _, e := range effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestStep_CollectionStagesAndClarification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.extractor.Results = []*intent.Result{{
		Fields: intent.Fields{IntentType: "entrega"},
		Reply:  "Qual é o seu nome, por favor?",
	}}

	effects := f.machine.Step(context.Background(), visitorText("tenho uma entrega"))

	msg := findEnqueue(t, effects, session.RoleVisitor, session.PurposeClarification)
	if msg.Text != "Qual é o seu nome, por favor?" {
		t.Errorf("reply = %q", msg.Text)
	}
	if got := f.sess.Intent().IntentType; got != "entrega" {
		t.Errorf("intent type = %q, want entrega", got)
	}
	if got := f.sess.State(); got != session.StateCollecting {
		t.Errorf("state = %s, want COLLECTING", got)
	}

	calls := f.extractor.Calls()
	if len(calls) != 1 || calls[0].Req.Stage != intent.StageIntentType {
		t.Fatalf("first call stage = %+v, want StageIntentType", calls)
	}

	// With the type known the next utterance targets the name stage.
	f.machine.Step(context.Background(), visitorText("meu nome é Carlos"))
	if calls := f.extractor.Calls(); calls[1].Req.Stage != intent.StageVisitorName {
		t.Errorf("second call stage = %v, want StageVisitorName", calls[1].Req.Stage)
	}
}

func TestStep_ValidationSuccessInvites(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.MergeIntent(session.Intent{IntentType: "entrega", VisitorName: "Carlos"})
	f.extractor.Results = []*intent.Result{{
		Fields: intent.Fields{Apartment: "501", ResidentName: "daniel reis"},
		Reply:  "Certo.",
	}}

	effects := f.machine.Step(context.Background(), visitorText("apartamento 501, daniel reis"))

	kinds := effectKinds(effects)
	if len(kinds) != 2 || kinds[0] != dialog.EffectEnqueue || kinds[1] != dialog.EffectInvite {
		t.Fatalf("effects = %v, want [enqueue invite]", kinds)
	}
	findEnqueue(t, effects, session.RoleVisitor, session.PurposeStatus)

	if got := f.sess.State(); got != session.StateCalling {
		t.Errorf("state = %s, want CALLING", got)
	}
	in := f.sess.Intent()
	if in.ResidentName != "Daniel dos Reis" {
		t.Errorf("resident name = %q, want the directory spelling", in.ResidentName)
	}
	if in.ResidentVoipNumber != "1003021" {
		t.Errorf("voip number = %q", in.ResidentVoipNumber)
	}
}

func TestStep_ApartmentNotFoundReopensCollection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.MergeIntent(session.Intent{IntentType: "visita", VisitorName: "Ana"})
	f.extractor.Results = []*intent.Result{{
		Fields: intent.Fields{Apartment: "999", ResidentName: "Daniel"},
		Reply:  "Certo.",
	}}

	effects := f.machine.Step(context.Background(), visitorText("apartamento 999, Daniel"))

	findEnqueue(t, effects, session.RoleVisitor, session.PurposeClarification)
	if hasKind(effects, dialog.EffectInvite) {
		t.Error("must not invite on a failed validation")
	}
	if got := f.sess.State(); got != session.StateCollecting {
		t.Errorf("state = %s, want COLLECTING", got)
	}
	in := f.sess.Intent()
	if in.Apartment != "" || in.ResidentName != "" {
		t.Errorf("residency must be cleared, got apartment=%q resident=%q", in.Apartment, in.ResidentName)
	}
	if in.IntentType != "visita" || in.VisitorName != "Ana" {
		t.Errorf("collected fields must survive, got %+v", in)
	}
}

func TestStep_ResidentMismatchKeepsApartment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.MergeIntent(session.Intent{IntentType: "visita", VisitorName: "Ana"})
	f.extractor.Results = []*intent.Result{{
		Fields: intent.Fields{Apartment: "501", ResidentName: "Zezé"},
		Reply:  "Certo.",
	}}

	f.machine.Step(context.Background(), visitorText("apartamento 501, Zezé"))

	in := f.sess.Intent()
	if in.Apartment != "501" {
		t.Errorf("apartment = %q, want 501 retained", in.Apartment)
	}
	if in.ResidentName != "" {
		t.Errorf("resident name = %q, want cleared", in.ResidentName)
	}
}

func TestStep_ExtractorErrorReprompts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.extractor.Err = errors.New("backend down")

	effects := f.machine.Step(context.Background(), visitorText("olá"))

	findEnqueue(t, effects, session.RoleVisitor, session.PurposeClarification)
	if got := f.sess.Intent(); got != (session.Intent{}) {
		t.Errorf("intent must stay unchanged, got %+v", got)
	}
}

func TestStep_VisitorTextAfterCollectionGetsStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		states []session.State
		want   string
	}{
		{"calling", []session.State{session.StateValidated, session.StateCalling}, "chamando o morador"},
		{"call in progress", []session.State{session.StateValidated, session.StateCalling, session.StateCallInProgress}, "chamando o morador"},
		{"waiting resident", []session.State{session.StateValidated, session.StateCalling, session.StateWaitingRes}, "na linha"},
		{"finished", []session.State{session.StateValidated, session.StateCalling, session.StateWaitingRes, session.StateFinished}, "encerrado"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			mustAdvance(t, f.sess, tc.states...)

			effects := f.machine.Step(context.Background(), visitorText("alô?"))

			msg := findEnqueue(t, effects, session.RoleVisitor, session.PurposeStatus)
			if !contains(msg.Text, tc.want) {
				t.Errorf("status = %q, want mention of %q", msg.Text, tc.want)
			}
			if hasKind(effects, dialog.EffectInvite) || hasKind(effects, dialog.EffectEnd) {
				t.Errorf("effects = %v, a status reply must drive nothing else", effects)
			}
			hist := f.sess.History()
			if len(hist) != 2 || hist[0].Text != "alô?" {
				t.Errorf("history = %v, want the utterance and the status recorded", hist)
			}
		})
	}
}

func TestStep_ResidentConnectedPromptsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.MergeIntent(session.Intent{IntentType: "entrega", VisitorName: "Carlos", Apartment: "501", ResidentName: "Daniel dos Reis"})
	mustAdvance(t, f.sess, session.StateValidated, session.StateCalling)

	effects := f.machine.Step(context.Background(), dialog.Event{Type: dialog.EventResidentConnected})

	msg := findEnqueue(t, effects, session.RoleResident, session.PurposeContext)
	for _, want := range []string{"501", "Carlos", "entrega"} {
		if !contains(msg.Text, want) {
			t.Errorf("context prompt %q missing %q", msg.Text, want)
		}
	}
	if got := f.sess.State(); got != session.StateWaitingRes {
		t.Errorf("state = %s, want WAITING_RESIDENT", got)
	}
}

func TestStep_FirstResidentTextActsAsConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.MergeIntent(session.Intent{IntentType: "visita", VisitorName: "Ana", Apartment: "501", ResidentName: "Maria Oliveira"})
	mustAdvance(t, f.sess, session.StateValidated, session.StateCalling)

	effects := f.machine.Step(context.Background(), residentText("alô"))

	findEnqueue(t, effects, session.RoleResident, session.PurposeContext)
	if got := f.sess.State(); got != session.StateWaitingRes {
		t.Errorf("state = %s, want WAITING_RESIDENT", got)
	}
}

func TestStep_ResidentDecisions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		wantAuth session.Authorization
	}{
		{"affirmative", "Sim, pode deixar entrar.", session.AuthAuthorized},
		{"negative", "Não, nego a entrada.", session.AuthDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			mustAdvance(t, f.sess, session.StateValidated, session.StateCalling, session.StateWaitingRes)

			effects := f.machine.Step(context.Background(), residentText(tc.text))

			findEnqueue(t, effects, session.RoleVisitor, session.PurposeFarewell)
			findEnqueue(t, effects, session.RoleResident, session.PurposeFarewell)
			if !hasKind(effects, dialog.EffectEnd) {
				t.Error("decision must end the session")
			}
			if got := f.sess.State(); got != session.StateFinished {
				t.Errorf("state = %s, want FINISHED", got)
			}
			if got := f.sess.Intent().Authorization; got != tc.wantAuth {
				t.Errorf("authorization = %q, want %q", got, tc.wantAuth)
			}
		})
	}
}

func TestStep_ResidentInquiryAndAmbiguity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.MergeIntent(session.Intent{IntentType: "entrega", VisitorName: "Carlos", Apartment: "501", ResidentName: "Daniel dos Reis"})
	mustAdvance(t, f.sess, session.StateValidated, session.StateCalling, session.StateWaitingRes)

	effects := f.machine.Step(context.Background(), residentText("Quem está aí?"))
	msg := findEnqueue(t, effects, session.RoleResident, session.PurposeContext)
	if !contains(msg.Text, "Carlos") {
		t.Errorf("inquiry detail %q missing visitor name", msg.Text)
	}
	if got := f.sess.State(); got != session.StateWaitingRes {
		t.Errorf("state after inquiry = %s, want WAITING_RESIDENT", got)
	}

	effects = f.machine.Step(context.Background(), residentText("hmm talvez"))
	findEnqueue(t, effects, session.RoleResident, session.PurposeConfirmation)
	if got := f.sess.State(); got != session.StateWaitingRes {
		t.Errorf("state after ambiguity = %s, want WAITING_RESIDENT", got)
	}
}

func TestStep_CallFailedApologizesAndEnds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	mustAdvance(t, f.sess, session.StateValidated, session.StateCalling)

	effects := f.machine.Step(context.Background(), dialog.Event{Type: dialog.EventCallFailed})

	msg := findEnqueue(t, effects, session.RoleVisitor, session.PurposeFarewell)
	if !contains(msg.Text, "morador") {
		t.Errorf("apology = %q", msg.Text)
	}
	if !hasKind(effects, dialog.EffectEnd) {
		t.Error("call failure must end the session")
	}
	if got := f.sess.State(); got != session.StateFinished {
		t.Errorf("state = %s, want FINISHED", got)
	}
	if got := f.sess.Intent().Authorization; got != session.AuthUnset {
		t.Errorf("authorization = %q, want unset", got)
	}
}

func TestGoodbye_ConfiguredOverridesAndFallbacks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := dialog.NewMachine(f.sess, f.extractor, f.store, testConv, config.GoodbyeMessages{
		Visitor: map[string]string{
			"authorized": "Entre, por favor.",
			"default":    "Até logo.",
		},
	}, nil)

	if got := m.Goodbye(session.RoleVisitor, session.AuthAuthorized); got != "Entre, por favor." {
		t.Errorf("authorized goodbye = %q", got)
	}
	if got := m.Goodbye(session.RoleVisitor, session.AuthDenied); got != "Até logo." {
		t.Errorf("denied goodbye must fall back to default, got %q", got)
	}
	if got := m.Goodbye(session.RoleResident, session.AuthAuthorized); got == "" {
		t.Error("built-in resident goodbye must not be empty")
	}
}

func mustAdvance(t *testing.T, sess *session.Session, states ...session.State) {
	t.Helper()
	for _, st := range states {
		if err := sess.AdvanceTo(st); err != nil {
			t.Fatalf("AdvanceTo(%s): %v", st, err)
		}
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
