package vad

import "time"

// defaultSegmentTimeout closes a segment when no frame has carried voice for
// this long. Overridden from system.azure_speech_segment_timeout_ms.
const defaultSegmentTimeout = 800 * time.Millisecond

// Recognizer is the streaming-recognizer detector: it reports SpeechStart on
// the first voiced frame and relies on external end-pointing, closing the
// segment when the configured timeout elapses without further voice. Poll
// must be called from the leg handler's tick so that segments close even
// when only silence frames keep arriving.
type Recognizer struct {
	// SegmentTimeout is the end-of-segment silence window.
	SegmentTimeout time.Duration

	// VoiceFloor is the minimum frame energy treated as voice. The streaming
	// engine does its own detection; this floor only keeps dead silence from
	// holding segments open.
	VoiceFloor float64

	// now is stubbed in tests.
	now func() time.Time

	inSpeech  bool
	lastVoice time.Time
	collected []byte
	frames    int
}

// NewRecognizer returns a Recognizer detector with the given segment timeout.
// A zero timeout uses the default.
func NewRecognizer(segmentTimeout time.Duration) *Recognizer {
	if segmentTimeout <= 0 {
		segmentTimeout = defaultSegmentTimeout
	}
	return &Recognizer{
		SegmentTimeout: segmentTimeout,
		VoiceFloor:     100,
		now:            time.Now,
	}
}

// Feed implements Detector.
func (r *Recognizer) Feed(frame []byte) Event {
	voiced := FrameEnergy(frame) >= r.VoiceFloor

	if !r.inSpeech {
		if !voiced {
			return Event{Type: EventNone}
		}
		r.inSpeech = true
		r.lastVoice = r.now()
		r.collected = append(r.collected, frame...)
		r.frames++
		return Event{Type: EventSpeechStart}
	}

	r.collected = append(r.collected, frame...)
	r.frames++
	if voiced {
		r.lastVoice = r.now()
		return Event{Type: EventNone}
	}
	return r.maybeClose()
}

// Poll implements Detector.
func (r *Recognizer) Poll() Event {
	if !r.inSpeech {
		return Event{Type: EventNone}
	}
	return r.maybeClose()
}

func (r *Recognizer) maybeClose() Event {
	if r.now().Sub(r.lastVoice) < r.SegmentTimeout {
		return Event{Type: EventNone}
	}
	ev := Event{Type: EventSpeechEnd, Utterance: r.collected, Frames: r.frames}
	r.Reset()
	return ev
}

// Reset implements Detector.
func (r *Recognizer) Reset() {
	r.inSpeech = false
	r.collected = nil
	r.frames = 0
}
