package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	Magic          uint32 = 0x54445331
	Version        uint16 = 1
	HeaderLen             = 36
	MaxPayloadSize        = 1400
)

var (
	ErrShortHeader        = errors.New("wire: short fragment header")
	ErrInvalidMagic       = errors.New("wire: invalid magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrPayloadLength      = errors.New("wire: payload length mismatch")
	ErrPayloadTooLarge    = errors.New("wire: payload too large")
	ErrIndexOutOfRange    = errors.New("wire: fragment index out of range")
	ErrZeroTotal          = errors.New("wire: fragment total is zero")
	ErrInvalidPeerID      = errors.New("wire: invalid peer id")
)

// PeerID identifies one running instance. Its hex form doubles as the automerge actor id.
type PeerID [16]byte

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

func ParsePeerID(s string) (PeerID, error) {
	var out PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("%w: got %d bytes", ErrInvalidPeerID, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Fragment is one datagram on the wire.
type Fragment struct {
	Sender    PeerID
	MessageID uint64
	Index     uint16
	Total     uint16
	Payload   []byte
}

// Validate checks the index/total relation shared by encode and decode.
func (f Fragment) Validate() error {
	if f.Total == 0 {
		return ErrZeroTotal
	}
	if f.Index >= f.Total {
		return fmt.Errorf("%w: index %d total %d", ErrIndexOutOfRange, f.Index, f.Total)
	}
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(f.Payload))
	}
	return nil
}

func EncodeFragment(f Fragment) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(f.Payload)))
	copy(buf[8:24], f.Sender[:])
	binary.BigEndian.PutUint64(buf[24:32], f.MessageID)
	binary.BigEndian.PutUint16(buf[32:34], f.Index)
	binary.BigEndian.PutUint16(buf[34:36], f.Total)
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// DecodeFragment parses one datagram. The returned payload is a copy, so b may be reused.
func DecodeFragment(b []byte) (Fragment, error) {
	if len(b) < HeaderLen {
		return Fragment{}, ErrShortHeader
	}
	if m := binary.BigEndian.Uint32(b[0:4]); m != Magic {
		return Fragment{}, fmt.Errorf("%w: %#x", ErrInvalidMagic, m)
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != Version {
		return Fragment{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	payloadLen := int(binary.BigEndian.Uint16(b[6:8]))
	if payloadLen != len(b)-HeaderLen {
		return Fragment{}, fmt.Errorf("%w: header says %d, datagram carries %d", ErrPayloadLength, payloadLen, len(b)-HeaderLen)
	}
	f := Fragment{
		MessageID: binary.BigEndian.Uint64(b[24:32]),
		Index:     binary.BigEndian.Uint16(b[32:34]),
		Total:     binary.BigEndian.Uint16(b[34:36]),
		Payload:   make([]byte, payloadLen),
	}
	copy(f.Sender[:], b[8:24])
	copy(f.Payload, b[HeaderLen:])
	if err := f.Validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}
