package audiosocket

import (
	"fmt"

	"github.com/google/uuid"
)

// CallID is the canonical textual form of the 128-bit call identifier shared
// by the two legs of one conversation: lowercase hex in 8-4-4-4-12 groups.
// The wire byte order of the ID frame payload maps directly onto this form;
// no other representation is ever emitted.
type CallID string

// ParseCallID decodes the 16-byte payload of an ID frame into its canonical
// textual form. The payload bytes are interpreted in wire order, so encoding
// the result back with Bytes yields the identical payload.
func ParseCallID(payload []byte) (CallID, error) {
	u, err := uuid.FromBytes(payload)
	if err != nil {
		return "", fmt.Errorf("%w: call id: %v", ErrProtocol, err)
	}
	return CallID(u.String()), nil
}

// NewCallID generates a fresh random call identifier for server-originated
// legs.
func NewCallID() CallID {
	return CallID(uuid.New().String())
}

// Bytes returns the 16-byte wire form of the call identifier, suitable for an
// ID frame payload.
func (id CallID) Bytes() ([]byte, error) {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return nil, fmt.Errorf("audiosocket: call id %q: %w", id, err)
	}
	b, err := u.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("audiosocket: call id %q: %w", id, err)
	}
	return b, nil
}

// String returns the canonical textual form.
func (id CallID) String() string {
	return string(id)
}

// Valid reports whether id is a well-formed canonical call identifier.
func (id CallID) Valid() bool {
	u, err := uuid.Parse(string(id))
	return err == nil && u.String() == string(id)
}

// IDFrame builds an ID frame carrying id.
func IDFrame(id CallID) (Frame, error) {
	b, err := id.Bytes()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindID, Payload: b}, nil
}
