// Package vad segments inbound PCM into utterances.
//
// Two interchangeable detectors satisfy the Detector contract: Energy
// (basic-vad) segments by average sample energy with hangover counts, and
// Recognizer (streaming-recognizer) delegates end-pointing to the streaming
// speech service and segments on its end-of-segment timeout. A Filter wraps
// either detector and applies the cooperative false-positive rules shared by
// both legs.
//
// Detectors are not safe for concurrent use; each leg owns one.
package vad

import "encoding/binary"

// EventType classifies what a detector observed in a frame.
type EventType int

const (
	// EventNone means nothing notable happened.
	EventNone EventType = iota
	// EventSpeechStart marks the onset of an utterance.
	EventSpeechStart
	// EventSpeechEnd closes an utterance and carries its PCM.
	EventSpeechEnd
)

// Event is emitted by a Detector in response to Feed or Poll.
type Event struct {
	Type EventType

	// Utterance is the collected PCM of the finished utterance. Set only on
	// EventSpeechEnd.
	Utterance []byte

	// Frames is how many frames the utterance spans. Set only on
	// EventSpeechEnd.
	Frames int
}

// Detector consumes a lazy sequence of raw PCM frames and reports utterance
// boundaries.
type Detector interface {
	// Feed processes one SLIN frame and returns the resulting event, if any.
	Feed(frame []byte) Event

	// Poll gives time-based detectors a chance to close an utterance between
	// frames. Called from the leg handler's termination-poll tick.
	Poll() Event

	// Reset clears the utterance-in-progress flag and all collected audio.
	Reset()
}

// FrameEnergy returns the average absolute sample amplitude of a SLIN frame.
// Odd trailing bytes are ignored.
func FrameEnergy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(n)
}
