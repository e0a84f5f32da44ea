package vad_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/condoware/porteiro/internal/vad"
)

// frame builds one 320-byte SLIN frame whose samples all have amplitude amp.
func frame(amp int16) []byte {
	out := make([]byte, 320)
	for i := 0; i < len(out); i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(amp))
	}
	return out
}

// utterance concatenates frames.
func utterance(frames ...[]byte) []byte {
	return bytes.Join(frames, nil)
}

// stubDetector injects scripted events into a Filter.
type stubDetector struct {
	events []vad.Event
	resets int
}

func (d *stubDetector) Feed(frame []byte) vad.Event {
	if len(d.events) == 0 {
		return vad.Event{Type: vad.EventNone}
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev
}

func (d *stubDetector) Poll() vad.Event { return vad.Event{Type: vad.EventNone} }
func (d *stubDetector) Reset()          { d.resets++ }

func TestFrameEnergy(t *testing.T) {
	t.Parallel()

	if got := vad.FrameEnergy(frame(100)); got != 100 {
		t.Errorf("FrameEnergy(amp 100) = %v, want 100", got)
	}
	if got := vad.FrameEnergy(frame(-200)); got != 200 {
		t.Errorf("FrameEnergy(amp -200) = %v, want 200", got)
	}
	if got := vad.FrameEnergy(nil); got != 0 {
		t.Errorf("FrameEnergy(nil) = %v, want 0", got)
	}
}

func TestEnergy_SegmentsUtterance(t *testing.T) {
	t.Parallel()

	det := vad.NewEnergy()

	if ev := det.Feed(frame(700)); ev.Type != vad.EventNone {
		t.Fatalf("first voiced frame: %v, want none (hangover)", ev.Type)
	}
	if ev := det.Feed(frame(700)); ev.Type != vad.EventSpeechStart {
		t.Fatalf("second voiced frame: %v, want SpeechStart", ev.Type)
	}

	for i := 0; i < 20; i++ {
		if ev := det.Feed(frame(900)); ev.Type != vad.EventNone {
			t.Fatalf("mid-utterance frame %d: %v", i, ev.Type)
		}
	}

	var end vad.Event
	for i := 0; i < det.EndHangover; i++ {
		end = det.Feed(frame(0))
	}
	if end.Type != vad.EventSpeechEnd {
		t.Fatalf("after %d quiet frames: %v, want SpeechEnd", det.EndHangover, end.Type)
	}
	// The quiet hangover tail is trimmed from the emitted utterance.
	if end.Frames != 22 {
		t.Errorf("utterance frames = %d, want 22", end.Frames)
	}
	if len(end.Utterance) != end.Frames*320 {
		t.Errorf("utterance bytes = %d, want %d", len(end.Utterance), end.Frames*320)
	}
}

func TestEnergy_LoneNoiseFrameIgnored(t *testing.T) {
	t.Parallel()

	det := vad.NewEnergy()
	det.Feed(frame(700))
	det.Feed(frame(0)) // hangover not reached; forget
	if ev := det.Feed(frame(700)); ev.Type != vad.EventNone {
		t.Errorf("hangover must restart after a quiet frame: %v", ev.Type)
	}
}

func TestFilter_AdmissionEnergyBoundary(t *testing.T) {
	t.Parallel()

	// One loud frame satisfies peak confirmation; the 15 trailing frames
	// carry the admission average.
	mk := func(trailingAmp int16) []byte {
		frames := [][]byte{frame(2000)}
		for i := 0; i < 15; i++ {
			frames = append(frames, frame(trailingAmp))
		}
		return utterance(frames...)
	}

	cases := []struct {
		name     string
		trailing int16
		admitted bool
	}{
		{"exactly at threshold", 600, true},
		{"just below threshold", 599, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			u := mk(tc.trailing)
			det := &stubDetector{events: []vad.Event{
				{Type: vad.EventSpeechStart},
				{Type: vad.EventSpeechEnd, Utterance: u, Frames: 16},
			}}
			f := vad.NewFilter(vad.FilterConfig{Detector: det})

			f.Feed(frame(0))
			ev := f.Feed(frame(0))
			if got := ev.Type == vad.EventSpeechEnd; got != tc.admitted {
				t.Errorf("admitted = %v, want %v", got, tc.admitted)
			}
		})
	}
}

func TestFilter_PeakConfirmation(t *testing.T) {
	t.Parallel()

	// Trailing average passes 600 but nothing ever reaches 800.
	frames := make([][]byte, 0, 16)
	for i := 0; i < 16; i++ {
		frames = append(frames, frame(700))
	}
	det := &stubDetector{events: []vad.Event{
		{Type: vad.EventSpeechStart},
		{Type: vad.EventSpeechEnd, Utterance: utterance(frames...), Frames: 16},
	}}
	f := vad.NewFilter(vad.FilterConfig{Detector: det})

	f.Feed(frame(0))
	if ev := f.Feed(frame(0)); ev.Type != vad.EventNone {
		t.Errorf("segment without an 800-energy peak must be dropped: %v", ev.Type)
	}
}

func TestFilter_ShortUtterancePerLeg(t *testing.T) {
	t.Parallel()

	short := utterance(frame(2000), frame(2000), frame(2000))

	mkDet := func() *stubDetector {
		return &stubDetector{events: []vad.Event{
			{Type: vad.EventSpeechStart},
			{Type: vad.EventSpeechEnd, Utterance: short, Frames: 3},
		}}
	}

	visitor := vad.NewFilter(vad.FilterConfig{Detector: mkDet()})
	visitor.Feed(frame(0))
	if ev := visitor.Feed(frame(0)); ev.Type != vad.EventNone {
		t.Errorf("visitor leg must drop 3-frame utterances: %v", ev.Type)
	}

	resident := vad.NewFilter(vad.FilterConfig{Detector: mkDet(), RetainShort: true})
	resident.Feed(frame(0))
	if ev := resident.Feed(frame(0)); ev.Type != vad.EventSpeechEnd {
		t.Errorf("resident leg must retain short utterances: %v", ev.Type)
	}
}

func TestFilter_EchoGuard(t *testing.T) {
	t.Parallel()

	loud := make([][]byte, 16)
	for i := range loud {
		loud[i] = frame(2000)
	}
	det := &stubDetector{events: []vad.Event{
		{Type: vad.EventSpeechStart},
		{Type: vad.EventSpeechEnd, Utterance: utterance(loud...), Frames: 16},
	}}
	f := vad.NewFilter(vad.FilterConfig{Detector: det})

	f.Feed(frame(0))
	f.NotifyPlaybackDone()
	if ev := f.Feed(frame(0)); ev.Type != vad.EventNone {
		t.Errorf("end inside the echo guard must be dropped: %v", ev.Type)
	}
}

func TestFilter_BareEndDropped(t *testing.T) {
	t.Parallel()

	det := &stubDetector{events: []vad.Event{
		{Type: vad.EventSpeechEnd, Utterance: frame(2000), Frames: 1},
	}}
	f := vad.NewFilter(vad.FilterConfig{Detector: det})

	if ev := f.Feed(frame(0)); ev.Type != vad.EventNone {
		t.Errorf("end without start must be dropped: %v", ev.Type)
	}
	if det.resets == 0 {
		t.Error("dropping must reset the wrapped detector")
	}
}

func TestFilter_WatchdogForceFlush(t *testing.T) {
	t.Parallel()

	det := &stubDetector{events: []vad.Event{{Type: vad.EventSpeechStart}}}
	f := vad.NewFilter(vad.FilterConfig{Detector: det, Watchdog: time.Millisecond})

	// Pre-buffer loud audio so the flushed utterance clears the energy rules.
	for i := 0; i < 16; i++ {
		f.Feed(frame(2000))
	}
	time.Sleep(5 * time.Millisecond)

	if _, stuck := f.StuckSince(); !stuck {
		t.Fatal("utterance should be past the watchdog deadline")
	}
	ev := f.ForceFlush()
	if ev.Type != vad.EventSpeechEnd {
		t.Fatalf("ForceFlush = %v, want SpeechEnd", ev.Type)
	}
	if len(ev.Utterance) == 0 {
		t.Error("flushed utterance must carry the pre-buffered audio")
	}
}

func TestRecognizer_SegmentTimeout(t *testing.T) {
	t.Parallel()

	det := vad.NewRecognizer(30 * time.Millisecond)

	if ev := det.Feed(frame(500)); ev.Type != vad.EventSpeechStart {
		t.Fatalf("first voiced frame: %v, want SpeechStart", ev.Type)
	}
	det.Feed(frame(500))

	time.Sleep(50 * time.Millisecond)
	ev := det.Poll()
	if ev.Type != vad.EventSpeechEnd {
		t.Fatalf("Poll after timeout: %v, want SpeechEnd", ev.Type)
	}
	if ev.Frames != 2 {
		t.Errorf("frames = %d, want 2", ev.Frames)
	}
}
