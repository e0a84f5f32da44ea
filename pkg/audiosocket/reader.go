package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reader decodes frames from a stream one at a time. Unlike a plain
// ReadFrame loop it keeps partial progress between calls: when the
// underlying Read fails mid-frame with a retryable error (a read deadline,
// typically), the bytes already consumed stay buffered and the next
// ReadFrame call resumes at the same wire position instead of treating a
// stale header byte as the start of a new frame.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	r    io.Reader
	hdr  [3]byte
	hdrN int

	payload []byte
	payN    int
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads the next frame. It returns io.EOF only when the stream
// ends cleanly on a frame boundary; a stream cut mid-frame yields a protocol
// error. Transport failures (closed socket, reset, expired deadline) are
// wrapped but keep their identity, and the frame in flight survives them:
// call ReadFrame again to continue. Unknown kinds are returned undecoded so
// that future protocol additions do not kill established calls.
func (rd *Reader) ReadFrame() (Frame, error) {
	for rd.hdrN < 3 {
		n, err := rd.r.Read(rd.hdr[rd.hdrN:3])
		rd.hdrN += n
		if rd.hdrN == 3 {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if rd.hdrN == 0 {
					return Frame{}, io.EOF
				}
				return Frame{}, fmt.Errorf("%w: read header: %v", ErrProtocol, io.ErrUnexpectedEOF)
			}
			return Frame{}, fmt.Errorf("audiosocket: read header: %w", err)
		}
	}

	kind := rd.hdr[0]
	length := int(binary.BigEndian.Uint16(rd.hdr[1:3]))

	if rd.payload == nil && length > 0 {
		rd.payload = make([]byte, length)
		rd.payN = 0
	}
	for rd.payN < length {
		n, err := rd.r.Read(rd.payload[rd.payN:])
		rd.payN += n
		if rd.payN == length {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, fmt.Errorf("%w: read payload (kind=0x%02x len=%d): %v",
					ErrProtocol, kind, length, io.ErrUnexpectedEOF)
			}
			return Frame{}, fmt.Errorf("audiosocket: read payload (kind=0x%02x len=%d): %w",
				kind, length, err)
		}
	}

	f := Frame{Kind: kind, Payload: rd.payload}
	rd.hdrN = 0
	rd.payload = nil
	rd.payN = 0

	switch kind {
	case KindID:
		if len(f.Payload) != 16 {
			return Frame{}, fmt.Errorf("%w: ID payload is %d bytes, want 16", ErrProtocol, len(f.Payload))
		}
	case KindHangup:
		if length != 0 {
			return Frame{}, fmt.Errorf("%w: HANGUP with non-zero length %d", ErrProtocol, length)
		}
	case KindError:
		if length < 1 {
			return Frame{}, fmt.Errorf("%w: ERROR frame without error code", ErrProtocol)
		}
	}
	return f, nil
}
