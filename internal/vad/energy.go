package vad

const (
	// defaultStartThreshold is the frame energy that opens an utterance.
	defaultStartThreshold = 600

	// defaultStartHangover is how many consecutive energetic frames are
	// required before SpeechStart fires.
	defaultStartHangover = 2

	// defaultEndHangover is how many consecutive quiet frames close an
	// utterance (25 frames ≈ 500 ms at 20 ms per frame).
	defaultEndHangover = 25
)

// Energy is the basic-vad detector: an utterance opens after a short run of
// frames whose average absolute amplitude exceeds StartThreshold and closes
// after EndHangover consecutive frames below it.
type Energy struct {
	// StartThreshold is the frame energy that counts as voice.
	StartThreshold float64

	// StartHangover is the number of consecutive voiced frames required to
	// open an utterance.
	StartHangover int

	// EndHangover is the number of consecutive quiet frames that close an
	// utterance.
	EndHangover int

	inSpeech  bool
	voiced    int
	quiet     int
	collected []byte
	frames    int
}

// NewEnergy returns an Energy detector with default thresholds.
func NewEnergy() *Energy {
	return &Energy{
		StartThreshold: defaultStartThreshold,
		StartHangover:  defaultStartHangover,
		EndHangover:    defaultEndHangover,
	}
}

// Feed implements Detector.
func (e *Energy) Feed(frame []byte) Event {
	energy := FrameEnergy(frame)

	if !e.inSpeech {
		if energy >= e.StartThreshold {
			e.voiced++
			e.collected = append(e.collected, frame...)
			e.frames++
			if e.voiced >= e.StartHangover {
				e.inSpeech = true
				e.quiet = 0
				return Event{Type: EventSpeechStart}
			}
		} else {
			// A lone energetic frame was noise; forget it.
			e.voiced = 0
			e.collected = nil
			e.frames = 0
		}
		return Event{Type: EventNone}
	}

	e.collected = append(e.collected, frame...)
	e.frames++
	if energy >= e.StartThreshold {
		e.quiet = 0
		return Event{Type: EventNone}
	}

	e.quiet++
	if e.quiet < e.EndHangover {
		return Event{Type: EventNone}
	}

	// Trim the quiet hangover tail; the utterance ends where speech ended.
	// Downstream energy admission looks at the final frames.
	frames := e.frames - e.quiet
	trim := e.quiet * len(frame)
	if trim > len(e.collected) {
		trim = len(e.collected)
	}
	ev := Event{
		Type:      EventSpeechEnd,
		Utterance: e.collected[:len(e.collected)-trim],
		Frames:    frames,
	}
	e.Reset()
	return ev
}

// Poll implements Detector. Energy closes utterances purely on fed frames;
// the PBX streams silence frames continuously, so there is nothing to do on
// a timer tick.
func (e *Energy) Poll() Event {
	return Event{Type: EventNone}
}

// Reset implements Detector.
func (e *Energy) Reset() {
	e.inSpeech = false
	e.voiced = 0
	e.quiet = 0
	e.collected = nil
	e.frames = 0
}
