// Package intent defines the Extractor interface used to turn visitor speech
// into structured visit intent.
//
// Extraction is staged: the dialog engine asks for one field group at a time
// (visit type, then visitor name, then apartment and resident) and merges the
// partial results into the session's accumulating intent. Every stage also
// yields a reply utterance for the visitor, either a clarifying question or a
// short confirmation.
//
// Implementations must be safe for concurrent use.
package intent

import "context"

// Stage selects which field group an extraction call targets.
type Stage int

const (
	// StageIntentType extracts only the visit type (delivery or visit).
	StageIntentType Stage = iota
	// StageVisitorName extracts only the visitor's name.
	StageVisitorName
	// StageResident extracts the apartment number and resident name together.
	StageResident
)

// String returns the stage name for logging.
func (s Stage) String() string {
	switch s {
	case StageIntentType:
		return "intent_type"
	case StageVisitorName:
		return "visitor_name"
	case StageResident:
		return "resident"
	default:
		return "unknown"
	}
}

// Fields is the structured portion of a visit intent. Empty strings mean
// "not yet provided".
type Fields struct {
	// IntentType is "entrega", "visita", or empty when unknown.
	IntentType string

	// VisitorName is the name the visitor gave for themselves.
	VisitorName string

	// Apartment is the apartment number as spoken (digits, possibly with
	// block prefixes; normalization is the caller's concern).
	Apartment string

	// ResidentName is the resident the visitor claims authorized them.
	ResidentName string
}

// Complete reports whether every field has been filled.
func (f Fields) Complete() bool {
	return f.IntentType != "" && f.VisitorName != "" && f.Apartment != "" && f.ResidentName != ""
}

// Merge fills empty fields of f from other without overwriting anything the
// visitor already established. Extraction stages never retract a field.
func (f Fields) Merge(other Fields) Fields {
	if f.IntentType == "" {
		f.IntentType = other.IntentType
	}
	if f.VisitorName == "" {
		f.VisitorName = other.VisitorName
	}
	if f.Apartment == "" {
		f.Apartment = other.Apartment
	}
	if f.ResidentName == "" {
		f.ResidentName = other.ResidentName
	}
	return f
}

// Request carries one staged extraction call.
type Request struct {
	// Stage selects the field group to extract.
	Stage Stage

	// Utterance is the visitor's latest transcribed text.
	Utterance string

	// History is the conversation so far, oldest first, formatted as
	// "speaker: text" lines.
	History []string

	// Current is the intent accumulated so far. The extractor must not
	// contradict fields already present.
	Current Fields
}

// Result is the outcome of one staged extraction call.
type Result struct {
	// Fields is the partial intent found in the utterance. Callers merge it
	// into the accumulated intent with Fields.Merge.
	Fields Fields

	// Reply is the utterance to speak back to the visitor: a clarifying
	// question when the stage's fields are still missing, a brief
	// acknowledgement otherwise. Never empty on success.
	Reply string
}

// Extractor is the abstraction over the language-model intent pipeline.
type Extractor interface {
	// Extract runs one stage against the visitor's utterance.
	//
	// Returns an error if the backend fails or ctx is cancelled; the caller
	// then falls back to a generic re-prompt and keeps the intent unchanged.
	Extract(ctx context.Context, req Request) (*Result, error)
}
