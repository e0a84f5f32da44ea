// Package audiosocket implements the AudioSocket frame protocol spoken
// between the PBX and the intercom service.
//
// The wire format is a 3-byte header followed by the payload: 1 byte frame
// kind, 2 bytes big-endian unsigned payload length. Four kinds exist: an ID
// frame carrying the 16-byte call identifier, SLIN frames carrying signed
// 16-bit little-endian PCM at 8 kHz mono, a zero-length HANGUP frame, and an
// ERROR frame whose first payload byte is an error code.
//
// The codec never interprets audio samples; SLIN payloads are passed through
// opaquely. Decoding is strict: a malformed header or an ID payload that is
// not exactly 16 bytes is a protocol error and must close the connection.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame kinds as they appear in the first header byte.
const (
	KindHangup byte = 0x00
	KindID     byte = 0x01
	KindSLIN   byte = 0x10
	KindError  byte = 0xff
)

// MaxPayload is the largest payload a frame can carry (16-bit length field).
const MaxPayload = 0xffff

// SampleRate is the PCM sample rate of SLIN payloads in Hz.
const SampleRate = 8000

// FrameBytes is the payload size of a standard 20 ms SLIN frame
// (160 samples × 2 bytes). Other sizes are permitted on the wire.
const FrameBytes = 320

// ErrProtocol is wrapped by all decode errors caused by malformed input.
// Callers should treat it as fatal for the connection.
var ErrProtocol = errors.New("audiosocket: protocol error")

// Frame is a single decoded AudioSocket frame.
type Frame struct {
	Kind    byte
	Payload []byte
}

// IsHangup reports whether the frame is a HANGUP frame.
func (f Frame) IsHangup() bool { return f.Kind == KindHangup }

// ErrorCode returns the error code of an ERROR frame, or 0 if the frame is
// not an ERROR frame or carries no payload.
func (f Frame) ErrorCode() byte {
	if f.Kind != KindError || len(f.Payload) == 0 {
		return 0
	}
	return f.Payload[0]
}

// ReadFrame reads exactly one frame from r. It returns io.EOF only when the
// stream ends cleanly on a frame boundary; a stream cut mid-frame yields a
// protocol error. Callers reading from a connection with read deadlines
// should hold a Reader instead, which keeps partial progress across
// deadline expiries.
func ReadFrame(r io.Reader) (Frame, error) {
	return NewReader(r).ReadFrame()
}

// WriteFrame encodes f and writes it to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("audiosocket: payload %d bytes exceeds frame limit", len(f.Payload))
	}
	buf := make([]byte, 3+len(f.Payload))
	buf[0] = f.Kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[3:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("audiosocket: write frame: %w", err)
	}
	return nil
}

// WriteHangup writes the 3-byte HANGUP frame (00 00 00).
func WriteHangup(w io.Writer) error {
	return WriteFrame(w, Frame{Kind: KindHangup})
}

// SlinFrames splits pcm into SLIN frames of at most frameBytes each and
// returns them ready for paced transmission. The final frame may be shorter.
func SlinFrames(pcm []byte, frameBytes int) []Frame {
	if frameBytes <= 0 {
		frameBytes = FrameBytes
	}
	frames := make([]Frame, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frames = append(frames, Frame{Kind: KindSLIN, Payload: pcm[off:end]})
	}
	return frames
}
