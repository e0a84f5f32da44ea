package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/internal/session"
)

// ErrNoAnswer is returned by Invite when every attempt timed out without the
// resident leg connecting.
var ErrNoAnswer = errors.New("dialer: resident did not answer")

// ErrTerminated is returned by Invite when the session ended while dialing.
var ErrTerminated = errors.New("dialer: session terminated while dialing")

// clickToCall is the wire payload the PBX bridge consumes. The data guid
// carries the session's call ID verbatim so the returned resident leg lands
// on the same session.
type clickToCall struct {
	Data struct {
		Destiny string `json:"destiny"`
		GUID    string `json:"guid"`
		License string `json:"license"`
		Origin  string `json:"origin"`
	} `json:"data"`
	Operation struct {
		EventCode string `json:"eventcode"`
		GUID      string `json:"guid"`
		Msg       string `json:"msg"`
		Type      string `json:"type"`
	} `json:"operation"`
	Timestamp string `json:"timestamp"`
}

// BuildInvite encodes one click-to-call request. origin is the resident's
// dialable VoIP number.
func BuildInvite(callID, origin, license string, now time.Time) ([]byte, error) {
	var msg clickToCall
	msg.Data.Destiny = "IA"
	msg.Data.GUID = callID
	msg.Data.License = license
	msg.Data.Origin = origin
	msg.Operation.EventCode = "8001"
	msg.Operation.GUID = "cmd-" + callID
	msg.Operation.Type = "clicktocall"
	msg.Timestamp = now.UTC().Format(time.RFC3339)

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("dialer: encode invite: %w", err)
	}
	return body, nil
}

// Orchestrator retries click-to-call publishes until the resident leg
// attaches to the session or the attempt budget runs out.
type Orchestrator struct {
	pub         Publisher
	license     string
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger

	// poll is how often attachment is checked. Shortened in tests.
	poll time.Duration
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator. maxAttempts below 1 becomes 1;
// a non-positive timeout becomes 10 s.
func NewOrchestrator(pub Publisher, license string, maxAttempts int, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		pub:         pub,
		license:     license,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		logger:      logger,
		poll:        200 * time.Millisecond,
		now:         time.Now,
	}
}

// Invite dials the resident for sess. It returns nil once the resident leg
// attaches, ErrNoAnswer when all attempts time out, ErrTerminated when the
// session ends mid-dial, and the publish error verbatim on bus failure.
func (o *Orchestrator) Invite(ctx context.Context, sess *session.Session) error {
	origin := sess.Intent().ResidentVoipNumber
	if origin == "" {
		return errors.New("dialer: session has no resident voip number")
	}
	callID := sess.CallID.String()
	logger := o.logger.With("call_id", callID, "origin", origin)
	metrics := observe.DefaultMetrics()
	start := time.Now()

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		body, err := BuildInvite(callID, origin, o.license, o.now())
		if err != nil {
			return err
		}
		if err := o.pub.Publish(ctx, body); err != nil {
			logger.Error("click-to-call publish failed", "attempt", attempt, "error", err)
			metrics.RecordInvite(ctx, "failed")
			return err
		}
		logger.Info("click-to-call published", "attempt", attempt)

		if err := o.waitAttached(ctx, sess); err == nil {
			logger.Info("resident leg attached", "attempt", attempt)
			metrics.RecordInvite(ctx, "answered")
			metrics.CallSetupDuration.Record(ctx, time.Since(start).Seconds())
			return nil
		} else if !errors.Is(err, errAttemptTimeout) {
			return err
		}
		logger.Warn("resident did not connect in time", "attempt", attempt, "timeout", o.timeout)
		metrics.RecordInvite(ctx, "no_answer")
	}
	return ErrNoAnswer
}

var errAttemptTimeout = errors.New("dialer: attempt timed out")

// waitAttached polls for the resident leg until the attempt timeout.
func (o *Orchestrator) waitAttached(ctx context.Context, sess *session.Session) error {
	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		if sess.Conn(session.RoleResident) != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.TerminateVisitor.Done():
			return ErrTerminated
		case <-deadline.C:
			return errAttemptTimeout
		case <-ticker.C:
		}
	}
}
