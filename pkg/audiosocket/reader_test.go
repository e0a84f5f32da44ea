package audiosocket_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/condoware/porteiro/pkg/audiosocket"
)

// deadlineErr mimics the error a net.Conn returns when its read deadline
// expires.
type deadlineErr struct{}

func (deadlineErr) Error() string   { return "i/o timeout" }
func (deadlineErr) Timeout() bool   { return true }
func (deadlineErr) Temporary() bool { return true }

// step is one Read call against choppyStream: its data is copied out, then
// its error (if any) is returned alongside.
type step struct {
	data []byte
	err  error
}

// choppyStream replays a script of reads, simulating a connection that
// delivers bytes in awkward pieces with deadline expiries in between.
type choppyStream struct {
	steps []step
}

func (s *choppyStream) Read(p []byte) (int, error) {
	if len(s.steps) == 0 {
		return 0, errors.New("script exhausted")
	}
	st := s.steps[0]
	if len(st.data) > len(p) {
		n := copy(p, st.data)
		s.steps[0].data = st.data[n:]
		return n, nil
	}
	s.steps = s.steps[1:]
	return copy(p, st.data), st.err
}

func TestReader_ResumesAfterDeadlineMidHeader(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	want := audiosocket.Frame{Kind: audiosocket.KindSLIN, Payload: bytes.Repeat([]byte{0x7f}, 320)}
	if err := audiosocket.WriteFrame(&wire, want); err != nil {
		t.Fatal(err)
	}
	if err := audiosocket.WriteHangup(&wire); err != nil {
		t.Fatal(err)
	}
	raw := wire.Bytes()

	// One header byte arrives, the deadline fires, another header byte and
	// part of the payload arrive, the deadline fires again, then the rest.
	rd := audiosocket.NewReader(&choppyStream{steps: []step{
		{data: raw[:1], err: deadlineErr{}},
		{data: raw[1:2]},
		{data: raw[2:100], err: deadlineErr{}},
		{data: raw[100:]},
	}})

	for i := 0; i < 2; i++ {
		_, err := rd.ReadFrame()
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("attempt %d: err = %v, want a timeout", i, err)
		}
	}

	got, err := rd.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame after deadlines: %v", err)
	}
	if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("frame kind=0x%02x len=%d, want kind=0x%02x len=%d",
			got.Kind, len(got.Payload), want.Kind, len(want.Payload))
	}

	// The stream must still be on a frame boundary.
	next, err := rd.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame after resume: %v", err)
	}
	if !next.IsHangup() {
		t.Errorf("next frame kind = 0x%02x, want HANGUP", next.Kind)
	}
}

func TestReader_PayloadDeadlineKeepsTimeoutIdentity(t *testing.T) {
	t.Parallel()

	rd := audiosocket.NewReader(&choppyStream{steps: []step{
		{data: []byte{audiosocket.KindSLIN, 0x01, 0x40}},
		{data: make([]byte, 100), err: deadlineErr{}},
	}})

	_, err := rd.ReadFrame()
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("err = %v, want the deadline expiry classifiable as a timeout", err)
	}
	if errors.Is(err, audiosocket.ErrProtocol) {
		t.Errorf("err = %v, a deadline expiry is not a protocol violation", err)
	}
}

func TestReader_EOFMidHeaderIsProtocolError(t *testing.T) {
	t.Parallel()

	rd := audiosocket.NewReader(bytes.NewReader([]byte{audiosocket.KindSLIN, 0x00}))
	_, err := rd.ReadFrame()
	if !errors.Is(err, audiosocket.ErrProtocol) {
		t.Errorf("cut mid-header: got %v, want ErrProtocol", err)
	}
}

func TestReader_SequentialFrames(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	frames := []audiosocket.Frame{
		{Kind: audiosocket.KindID, Payload: bytes.Repeat([]byte{0xaa}, 16)},
		{Kind: audiosocket.KindSLIN, Payload: make([]byte, 320)},
		{Kind: audiosocket.KindHangup},
	}
	for _, f := range frames {
		if err := audiosocket.WriteFrame(&wire, f); err != nil {
			t.Fatal(err)
		}
	}

	rd := audiosocket.NewReader(&wire)
	for i, want := range frames {
		got, err := rd.ReadFrame()
		if err != nil {
			t.Fatalf("frame #%d: %v", i, err)
		}
		if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame #%d kind = 0x%02x len=%d, want 0x%02x len=%d",
				i, got.Kind, len(got.Payload), want.Kind, len(want.Payload))
		}
	}
}
