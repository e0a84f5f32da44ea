package vad

import (
	"time"

	"github.com/condoware/porteiro/pkg/audiosocket"
)

const (
	// defaultGuard drops utterances ending too soon after our own playback;
	// they are almost always echo.
	defaultGuard = 1500 * time.Millisecond

	// defaultMinFrames is the minimum utterance length admitted for
	// transcription (15 frames ≈ 300 ms).
	defaultMinFrames = 15

	// defaultAdmissionEnergy is the average energy the final frames must
	// reach for the utterance to be worth transcribing.
	defaultAdmissionEnergy = 600

	// defaultConfirmEnergy is the peak frame energy required to confirm that
	// the segment contained speech at all.
	defaultConfirmEnergy = 800

	// defaultPreBuffer bounds the rolling pre-buffer (2 s of 8 kHz s16le).
	defaultPreBuffer = 2 * audiosocket.SampleRate * 2

	// defaultWatchdog bounds how long an utterance may stay open before the
	// leg handler force-closes it.
	defaultWatchdog = 10 * time.Second
)

// FilterConfig configures a [Filter].
type FilterConfig struct {
	// Detector is the wrapped boundary detector.
	Detector Detector

	// RetainShort keeps utterances below the minimum length instead of
	// dropping them. Set on the resident leg, where one-word "yes"/"no"
	// replies are the whole point.
	RetainShort bool

	// Guard overrides the post-playback echo guard. Zero uses 1.5 s.
	Guard time.Duration

	// MinFrames overrides the minimum utterance length. Zero uses 15.
	MinFrames int

	// AdmissionEnergy overrides the trailing-energy admission threshold.
	// Zero uses 600.
	AdmissionEnergy float64

	// ConfirmEnergy overrides the peak-energy speech confirmation threshold.
	// Zero uses 800.
	ConfirmEnergy float64

	// Watchdog overrides the stuck-utterance deadline. Zero uses 10 s.
	Watchdog time.Duration
}

// Filter wraps a Detector and applies the cooperative false-positive rules:
// the post-playback echo guard, the bare-end drop, the minimum-length drop,
// and the minimum-energy drops. It also keeps a rolling pre-buffer so that
// end-only engines still yield audio, and tracks the stuck-utterance
// watchdog deadline for the leg handler.
type Filter struct {
	det         Detector
	retainShort bool
	guard       time.Duration
	minFrames   int
	admission   float64
	confirm     float64
	watchdog    time.Duration

	now func() time.Time

	preBuffer    []byte
	started      bool
	startedAt    time.Time
	lastPlayback time.Time
}

// NewFilter creates a Filter over cfg.Detector.
func NewFilter(cfg FilterConfig) *Filter {
	f := &Filter{
		det:         cfg.Detector,
		retainShort: cfg.RetainShort,
		guard:       cfg.Guard,
		minFrames:   cfg.MinFrames,
		admission:   cfg.AdmissionEnergy,
		confirm:     cfg.ConfirmEnergy,
		watchdog:    cfg.Watchdog,
		now:         time.Now,
	}
	if f.guard <= 0 {
		f.guard = defaultGuard
	}
	if f.minFrames <= 0 {
		f.minFrames = defaultMinFrames
	}
	if f.admission <= 0 {
		f.admission = defaultAdmissionEnergy
	}
	if f.confirm <= 0 {
		f.confirm = defaultConfirmEnergy
	}
	if f.watchdog <= 0 {
		f.watchdog = defaultWatchdog
	}
	return f
}

// Feed processes one inbound SLIN frame.
func (f *Filter) Feed(frame []byte) Event {
	f.preBuffer = append(f.preBuffer, frame...)
	if over := len(f.preBuffer) - defaultPreBuffer; over > 0 {
		f.preBuffer = f.preBuffer[over:]
	}
	return f.apply(f.det.Feed(frame))
}

// Poll lets time-based detectors close a segment between frames.
func (f *Filter) Poll() Event {
	return f.apply(f.det.Poll())
}

// NotifyPlaybackDone marks the end of our own outbound audio, starting the
// echo guard window.
func (f *Filter) NotifyPlaybackDone() {
	f.lastPlayback = f.now()
}

// Reset clears the utterance-in-progress flag, the pre-buffer, and the
// wrapped detector's collected audio.
func (f *Filter) Reset() {
	f.det.Reset()
	f.started = false
	f.preBuffer = nil
}

// Active reports whether an utterance is currently open.
func (f *Filter) Active() bool {
	return f.started
}

// StuckSince reports when the current utterance opened, if one has been open
// longer than the watchdog deadline.
func (f *Filter) StuckSince() (time.Time, bool) {
	if !f.started || f.now().Sub(f.startedAt) <= f.watchdog {
		return time.Time{}, false
	}
	return f.startedAt, true
}

// ForceFlush closes a stuck utterance using the pre-buffered audio. The
// admission rules still apply; pure echo or noise stays dropped.
func (f *Filter) ForceFlush() Event {
	if !f.started {
		return Event{Type: EventNone}
	}
	utterance := make([]byte, len(f.preBuffer))
	copy(utterance, f.preBuffer)
	return f.apply(Event{
		Type:      EventSpeechEnd,
		Utterance: utterance,
		Frames:    len(utterance) / audiosocket.FrameBytes,
	})
}

func (f *Filter) apply(ev Event) Event {
	switch ev.Type {
	case EventSpeechStart:
		f.started = true
		f.startedAt = f.now()
		return ev
	case EventSpeechEnd:
	default:
		return ev
	}

	drop := func() Event {
		f.det.Reset()
		f.started = false
		return Event{Type: EventNone}
	}

	// Rule 1: end inside the post-playback guard window is our own echo.
	if !f.lastPlayback.IsZero() && f.now().Sub(f.lastPlayback) < f.guard {
		return drop()
	}
	// Rule 2: an end without a start since the last reset is spurious.
	if !f.started {
		return drop()
	}
	// Rule 3: too-short utterances are noise, except where one word matters.
	if ev.Frames < f.minFrames && !f.retainShort {
		return drop()
	}
	// End-only engines may deliver no collected audio; the pre-buffer still
	// holds the residual.
	if len(ev.Utterance) == 0 {
		ev.Utterance = make([]byte, len(f.preBuffer))
		copy(ev.Utterance, f.preBuffer)
		ev.Frames = len(ev.Utterance) / audiosocket.FrameBytes
	}
	// Rule 4: trailing energy admits the utterance for transcription, peak
	// energy confirms it was speech at all.
	if trailingEnergy(ev.Utterance, f.minFrames) < f.admission {
		return drop()
	}
	if peakEnergy(ev.Utterance) < f.confirm {
		return drop()
	}

	f.started = false
	return ev
}

// trailingEnergy averages FrameEnergy over the final n frames of utterance.
func trailingEnergy(utterance []byte, n int) float64 {
	frames := audiosocket.SlinFrames(utterance, audiosocket.FrameBytes)
	if len(frames) == 0 {
		return 0
	}
	if len(frames) > n {
		frames = frames[len(frames)-n:]
	}
	var sum float64
	for _, fr := range frames {
		sum += FrameEnergy(fr.Payload)
	}
	return sum / float64(len(frames))
}

// peakEnergy returns the highest per-frame energy in utterance.
func peakEnergy(utterance []byte) float64 {
	var peak float64
	for _, fr := range audiosocket.SlinFrames(utterance, audiosocket.FrameBytes) {
		if e := FrameEnergy(fr.Payload); e > peak {
			peak = e
		}
	}
	return peak
}
