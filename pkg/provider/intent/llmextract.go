package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/condoware/porteiro/pkg/provider/llm"
)

// LLMExtractor implements Extractor on top of an llm.Provider. Each stage is a
// single completion with a stage-specific system prompt; the model answers
// with one JSON object carrying a user-facing message and the field values it
// could identify.
type LLMExtractor struct {
	provider llm.Provider

	// MaxTokens caps each completion. Zero uses the provider default.
	MaxTokens int
}

// NewLLMExtractor creates an extractor backed by provider.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{provider: provider, MaxTokens: 300}
}

// stageReply is the JSON shape the model is instructed to produce.
type stageReply struct {
	Mensagem string `json:"mensagem"`
	Dados    struct {
		IntentType      string `json:"intent_type"`
		InterlocutorNme string `json:"interlocutor_name"`
		ApartmentNumber string `json:"apartment_number"`
		ResidentName    string `json:"resident_name"`
	} `json:"dados"`
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: stagePrompt(req.Stage),
		Messages:     []llm.Message{{Role: "user", Content: buildUserMessage(req)}},
		Temperature:  0.0,
		MaxTokens:    e.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("intent: stage %s: %w", req.Stage, err)
	}

	var parsed stageReply
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("intent: stage %s: malformed model output: %w", req.Stage, err)
	}
	if parsed.Mensagem == "" {
		return nil, fmt.Errorf("intent: stage %s: model returned no user message", req.Stage)
	}

	return &Result{
		Fields: Fields{
			IntentType:   normalizeIntentType(parsed.Dados.IntentType),
			VisitorName:  strings.TrimSpace(parsed.Dados.InterlocutorNme),
			Apartment:    strings.TrimSpace(parsed.Dados.ApartmentNumber),
			ResidentName: strings.TrimSpace(parsed.Dados.ResidentName),
		},
		Reply: strings.TrimSpace(parsed.Mensagem),
	}, nil
}

// buildUserMessage renders the conversation context block shared by all stages.
func buildUserMessage(req Request) string {
	var b strings.Builder
	b.WriteString("Histórico da conversa:\n")
	for _, line := range req.History {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nMensagem nova:\n%q\n", req.Utterance)
	fmt.Fprintf(&b, "\nIntenção acumulada até agora:\n")
	fmt.Fprintf(&b, "intent_type=%q interlocutor_name=%q apartment_number=%q resident_name=%q\n",
		req.Current.IntentType, req.Current.VisitorName, req.Current.Apartment, req.Current.ResidentName)
	return b.String()
}

const promptCommon = `Você é o concierge virtual de um condomínio, conversando com alguém no portão.
Responda SOMENTE com um objeto JSON no formato:
{"mensagem": "...", "dados": {"intent_type": "", "interlocutor_name": "", "apartment_number": "", "resident_name": ""}}
O campo "mensagem" é sempre obrigatório: uma resposta curta e objetiva para o visitante,
sem floreios e sem repetir o que já foi dito. Campos de "dados" que você não conseguir
identificar ficam com valor vazio. Nunca contradiga dados já acumulados.
`

// stagePrompt returns the system prompt for a stage.
func stagePrompt(s Stage) string {
	switch s {
	case StageIntentType:
		return promptCommon + `
Seu único trabalho nesta etapa é identificar o campo intent_type: "entrega" ou "visita".
Ignore informações sobre apartamento e morador, mesmo que o visitante as diga.
Se a intenção ainda não estiver clara, pergunte se é visita ou entrega.`
	case StageVisitorName:
		return promptCommon + `
Seu único trabalho nesta etapa é identificar o campo interlocutor_name: o nome de quem
está no portão. Se ainda não souber um nome legível, pergunte o nome da pessoa.`
	case StageResident:
		return promptCommon + `
Seu único trabalho nesta etapa é identificar os campos apartment_number e resident_name:
o apartamento de destino e o nome do morador que autorizou. Se faltar um dos dois,
pergunte exatamente o que falta.`
	default:
		return promptCommon
	}
}

// normalizeIntentType maps model output onto the two accepted visit types.
// Anything else is treated as not identified.
func normalizeIntentType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entrega", "delivery":
		return "entrega"
	case "visita", "visit":
		return "visita"
	default:
		return ""
	}
}

// stripFences removes a markdown code fence around a JSON body, which several
// models emit despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
