package leg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/condoware/porteiro/internal/dialog"
	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/internal/phrasecache"
	"github.com/condoware/porteiro/internal/resource"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/internal/vad"
	"github.com/condoware/porteiro/pkg/audiosocket"
	"github.com/condoware/porteiro/pkg/provider/stt"
)

// terminatePoll bounds how long either loop runs without checking the
// termination latch.
const terminatePoll = 500 * time.Millisecond

// Config holds the per-role tuning of a handler.
type Config struct {
	Role session.Role

	// Greeting is played on the visitor leg after GreetingDelay. Empty skips.
	Greeting      string
	GreetingDelay time.Duration

	// Voice is the synthesis voice for every outbound phrase on this leg.
	Voice string

	// SilenceBudget terminates the leg when no speech (in or out) happens for
	// this long. MaxTransaction is the absolute cap from connect.
	SilenceBudget  time.Duration
	MaxTransaction time.Duration

	// GoodbyeDelay is the grace between the farewell finishing and HANGUP.
	GoodbyeDelay time.Duration

	// TransmissionDelay paces outbound SLIN frames; PostAudioDelay is the
	// pause after playback; DiscardFrames suppresses inbound echo after it.
	TransmissionDelay time.Duration
	PostAudioDelay    time.Duration
	DiscardFrames     int
}

// Handler runs one AudioSocket connection from ID frame to hangup.
type Handler struct {
	cfg         Config
	hub         *Hub
	transcriber stt.Transcriber
	cache       *phrasecache.Cache
	resources   *resource.Manager
	newFilter   func(role session.Role) *vad.Filter
	logger      *slog.Logger

	// filterMu guards the filter, which both loops touch.
	filterMu sync.Mutex
	filter   *vad.Filter

	discard      atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// NewHandler creates a handler. newFilter builds the role's voice detection
// pipeline per connection.
func NewHandler(cfg Config, hub *Hub, transcriber stt.Transcriber, cache *phrasecache.Cache, resources *resource.Manager, newFilter func(session.Role) *vad.Filter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:         cfg,
		hub:         hub,
		transcriber: transcriber,
		cache:       cache,
		resources:   resources,
		newFilter:   newFilter,
		logger:      logger,
	}
}

// Run serves conn until hangup, termination, timeout, or error. It always
// closes conn.
func (h *Handler) Run(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	// One Reader per connection: it buffers partial frames across the read
	// deadlines both loops use, so a deadline firing mid-frame cannot desync
	// the stream.
	fr := audiosocket.NewReader(conn)

	callID, err := h.readID(conn, fr)
	if err != nil {
		return err
	}
	logger := h.logger.With("call_id", callID, "role", h.cfg.Role)

	sess, created := h.hub.Registry().GetOrCreate(callID)
	sess.AttachLeg(h.cfg.Role, conn)
	h.resources.Register(callID.String(), h.cfg.Role, conn)
	machine := h.hub.MachineFor(sess)
	h.filter = h.newFilter(h.cfg.Role)
	h.touch()

	logger.Info("leg connected", "new_session", created)
	defer func() {
		h.resources.Unregister(callID.String(), h.cfg.Role)
		if remaining := sess.DetachLeg(h.cfg.Role); remaining == 0 {
			h.hub.Drop(callID)
			h.hub.Registry().Complete(callID)
		}
		logger.Info("leg closed")
	}()

	if h.cfg.Role == session.RoleResident {
		h.hub.Execute(ctx, sess, machine,
			machine.Step(ctx, dialog.Event{Type: dialog.EventResidentConnected}))
	} else if created && h.cfg.Greeting != "" {
		go h.scheduleGreeting(sess)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.receiveLoop(ctx, conn, fr, sess, machine, logger) })
	g.Go(func() error { return h.sendLoop(ctx, conn, sess, logger) })

	err = g.Wait()
	if isExpectedNetErr(err) {
		logger.Info("leg disconnected by peer", "error", err)
		return nil
	}
	return err
}

// readID consumes the opening ID frame.
func (h *Handler) readID(conn net.Conn, fr *audiosocket.Reader) (audiosocket.CallID, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	f, err := fr.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("leg: read opening frame: %w", err)
	}
	if f.Kind != audiosocket.KindID {
		return "", fmt.Errorf("%w: first frame kind 0x%02x, want ID", audiosocket.ErrProtocol, f.Kind)
	}
	return audiosocket.ParseCallID(f.Payload)
}

// scheduleGreeting enqueues the greeting unless the session terminated first.
func (h *Handler) scheduleGreeting(sess *session.Session) {
	select {
	case <-time.After(h.cfg.GreetingDelay):
	case <-sess.LatchFor(h.cfg.Role).Done():
		return
	}
	sess.QueueFor(h.cfg.Role).Enqueue(session.Message{
		Text:    h.cfg.Greeting,
		Role:    h.cfg.Role,
		Purpose: session.PurposeGreeting,
	})
}

// receiveLoop reads frames, feeds voice detection, and hands admitted
// utterances to transcription and the state machine.
func (h *Handler) receiveLoop(ctx context.Context, conn net.Conn, fr *audiosocket.Reader, sess *session.Session, machine Stepper, logger *slog.Logger) error {
	latch := sess.LatchFor(h.cfg.Role)
	start := time.Now()

	for {
		if latch.IsSet() {
			// The send loop owns the farewell and hangup; stop reading new
			// audio and wait for it to close the connection.
			return nil
		}
		if h.cfg.MaxTransaction > 0 && time.Since(start) > h.cfg.MaxTransaction {
			logger.Warn("transaction cap exceeded", "cap", h.cfg.MaxTransaction)
			h.abort(ctx, sess, machine)
			return nil
		}
		if h.cfg.SilenceBudget > 0 && time.Since(h.last()) > h.cfg.SilenceBudget {
			logger.Warn("silence budget exceeded", "budget", h.cfg.SilenceBudget)
			h.abort(ctx, sess, machine)
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(terminatePoll))
		f, err := fr.ReadFrame()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.pollDetector(ctx, sess, machine, logger)
				continue
			}
			if errors.Is(err, io.EOF) || isExpectedNetErr(err) {
				logger.Info("peer closed stream")
				h.abort(ctx, sess, machine)
				return nil
			}
			return fmt.Errorf("leg: receive: %w", err)
		}

		switch f.Kind {
		case audiosocket.KindHangup:
			logger.Info("peer hangup")
			h.abort(ctx, sess, machine)
			return nil
		case audiosocket.KindError:
			logger.Warn("peer error frame", "code", f.ErrorCode())
			h.abort(ctx, sess, machine)
			return nil
		case audiosocket.KindID:
			// Some bridges resend the ID mid-call.
			continue
		case audiosocket.KindSLIN:
			if h.discard.Load() > 0 {
				h.discard.Add(-1)
				continue
			}
			h.filterMu.Lock()
			ev := h.filter.Feed(f.Payload)
			speaking := h.filter.Active()
			h.filterMu.Unlock()
			if speaking {
				// An open utterance is activity; the budget measures dead
				// air, and the line carries SLIN frames even when nobody
				// speaks.
				h.touch()
			}
			h.handleVoiceEvent(ctx, sess, machine, ev, logger)
		}
	}
}

// pollDetector runs time-based segment closing and the stuck-utterance
// watchdog while no frames arrive.
func (h *Handler) pollDetector(ctx context.Context, sess *session.Session, machine Stepper, logger *slog.Logger) {
	h.filterMu.Lock()
	ev := h.filter.Poll()
	if ev.Type != vad.EventSpeechEnd {
		if _, stuck := h.filter.StuckSince(); stuck {
			logger.Warn("utterance stuck open; force flushing")
			ev = h.filter.ForceFlush()
		}
	}
	h.filterMu.Unlock()
	h.handleVoiceEvent(ctx, sess, machine, ev, logger)
}

func (h *Handler) handleVoiceEvent(ctx context.Context, sess *session.Session, machine Stepper, ev vad.Event, logger *slog.Logger) {
	switch ev.Type {
	case vad.EventSpeechStart:
		h.touch()
	case vad.EventSpeechEnd:
		h.touch()
		text := h.transcribe(ctx, sess, ev.Utterance, logger)
		if text == "" {
			return
		}
		evType := dialog.EventVisitorText
		if h.cfg.Role == session.RoleResident {
			evType = dialog.EventResidentText
		}
		h.hub.Execute(ctx, sess, machine,
			machine.Step(ctx, dialog.Event{Type: evType, Text: text}))
	}
}

// transcribe turns one utterance into text under a transcription slot.
// Failures degrade to empty text; the silence budget handles dead air.
func (h *Handler) transcribe(ctx context.Context, sess *session.Session, utterance []byte, logger *slog.Logger) string {
	release, err := h.resources.AcquireTranscription(ctx)
	if err != nil {
		logger.Warn("transcription slot unavailable", "error", err)
		return ""
	}
	defer release()

	start := time.Now()
	res, err := h.transcriber.Transcribe(ctx, utterance)
	sess.Metrics.AddTranscription(time.Since(start))
	observe.DefaultMetrics().STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		logger.Error("transcription failed", "error", err, "bytes", len(utterance))
		return ""
	}
	if res.Text != "" {
		logger.Debug("utterance transcribed", "text", res.Text, "took", time.Since(start))
	}
	return res.Text
}

// sendLoop plays queued phrases and performs the final farewell and hangup.
func (h *Handler) sendLoop(ctx context.Context, conn net.Conn, sess *session.Session, logger *slog.Logger) error {
	queue := sess.QueueFor(h.cfg.Role)
	latch := sess.LatchFor(h.cfg.Role)

	for {
		if latch.IsSet() {
			if msg, ok := queue.DrainPurpose(session.PurposeFarewell); ok {
				if err := h.play(ctx, conn, sess, msg, logger); err != nil {
					return err
				}
				time.Sleep(h.cfg.GoodbyeDelay)
			}
			if err := audiosocket.WriteHangup(conn); err != nil && !isExpectedNetErr(err) {
				return fmt.Errorf("leg: write hangup: %w", err)
			}
			// Closing the connection unblocks the receive loop's read.
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, ok := queue.Dequeue(terminatePoll)
		if !ok {
			continue
		}
		if err := h.play(ctx, conn, sess, msg, logger); err != nil {
			return err
		}
	}
}

// play synthesizes (or fetches) one phrase and writes it as paced SLIN
// frames, then arms the echo suppression window.
func (h *Handler) play(ctx context.Context, conn net.Conn, sess *session.Session, msg session.Message, logger *slog.Logger) error {
	start := time.Now()
	pcm, err := h.cache.Get(ctx, msg.Text, h.cfg.Voice)
	sess.Metrics.AddSynthesis(time.Since(start))
	observe.DefaultMetrics().TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		logger.Error("synthesis failed; phrase skipped", "error", err, "purpose", msg.Purpose)
		return nil
	}

	delay := h.cfg.TransmissionDelay
	if h.resources.ThrottleAudio() {
		delay = delay * 3 / 2
		logger.Debug("audio pacing throttled", "delay", delay)
	}

	for _, f := range audiosocket.SlinFrames(pcm, audiosocket.FrameBytes) {
		if err := audiosocket.WriteFrame(conn, f); err != nil {
			if isExpectedNetErr(err) {
				return nil
			}
			return fmt.Errorf("leg: write audio: %w", err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	time.Sleep(h.cfg.PostAudioDelay)

	h.discard.Store(int64(h.cfg.DiscardFrames))
	h.filterMu.Lock()
	h.filter.NotifyPlaybackDone()
	h.filter.Reset()
	h.filterMu.Unlock()
	h.touch()

	logger.Debug("phrase played", "purpose", msg.Purpose, "bytes", len(pcm))
	return nil
}

// abort force-finishes the session through the state machine.
func (h *Handler) abort(ctx context.Context, sess *session.Session, machine Stepper) {
	h.hub.Execute(ctx, sess, machine,
		machine.Step(ctx, dialog.Event{Type: dialog.EventAbort}))
}

func (h *Handler) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *Handler) last() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// isExpectedNetErr classifies peer-initiated teardown that should not be
// reported as a failure.
func isExpectedNetErr(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe))
}
