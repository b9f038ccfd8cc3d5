package wire

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	codecRaw  byte = 0
	codecZstd byte = 1

	compressThreshold = 1024
	maxDecodedSize    = 64 << 20
)

const (
	fieldSender uint16 = 1
	fieldHead   uint16 = 2
	fieldChange uint16 = 3
	fieldFull   uint16 = 4
)

var (
	ErrEmptyMessage   = errors.New("wire: empty message")
	ErrUnknownCodec   = errors.New("wire: unknown message codec")
	ErrMissingSender  = errors.New("wire: message has no sender")
	ErrInvalidHead    = errors.New("wire: invalid head length")
	ErrInvalidBoolean = errors.New("wire: invalid boolean field")
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
)

// SyncMessage is the logical envelope broadcast on every tick. Changes are raw automerge change bytes.
type SyncMessage struct {
	Sender  PeerID
	Heads   [][32]byte
	Changes [][]byte
	// Full is set when Changes carries the sender's whole history.
	Full bool
}

func EncodeMessage(m SyncMessage) []byte {
	fields := make([]Field, 0, 2+len(m.Heads)+len(m.Changes))
	fields = append(fields, Field{ID: fieldSender, Type: TypeBytes, Value: m.Sender[:]})
	for _, h := range m.Heads {
		h := h
		fields = append(fields, Field{ID: fieldHead, Type: TypeBytes, Value: h[:]})
	}
	for _, c := range m.Changes {
		fields = append(fields, Field{ID: fieldChange, Type: TypeBytes, Value: c})
	}
	if m.Full {
		fields = append(fields, Field{ID: fieldFull, Type: TypeBool, Value: []byte{1}})
	}
	body := EncodeFields(fields)

	if len(body) > compressThreshold {
		compressed := encoder.EncodeAll(body, make([]byte, 1, len(body)/2+1))
		compressed[0] = codecZstd
		if len(compressed) < len(body)+1 {
			return compressed
		}
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, codecRaw)
	return append(out, body...)
}

func DecodeMessage(b []byte) (SyncMessage, error) {
	if len(b) == 0 {
		return SyncMessage{}, ErrEmptyMessage
	}
	body := b[1:]
	switch b[0] {
	case codecRaw:
	case codecZstd:
		var err error
		if body, err = decoder.DecodeAll(body, nil); err != nil {
			return SyncMessage{}, fmt.Errorf("wire: decompress: %w", err)
		}
	default:
		return SyncMessage{}, fmt.Errorf("%w: %d", ErrUnknownCodec, b[0])
	}

	fields, err := DecodeFields(body)
	if err != nil {
		return SyncMessage{}, err
	}
	var m SyncMessage
	var haveSender bool
	for _, f := range fields {
		switch f.ID {
		case fieldSender:
			if err := mustType(f, TypeBytes); err != nil {
				return SyncMessage{}, err
			}
			if len(f.Value) != len(m.Sender) {
				return SyncMessage{}, fmt.Errorf("%w: sender is %d bytes", ErrInvalidPeerID, len(f.Value))
			}
			copy(m.Sender[:], f.Value)
			haveSender = true
		case fieldHead:
			if err := mustType(f, TypeBytes); err != nil {
				return SyncMessage{}, err
			}
			if len(f.Value) != 32 {
				return SyncMessage{}, fmt.Errorf("%w: %d", ErrInvalidHead, len(f.Value))
			}
			var h [32]byte
			copy(h[:], f.Value)
			m.Heads = append(m.Heads, h)
		case fieldChange:
			if err := mustType(f, TypeBytes); err != nil {
				return SyncMessage{}, err
			}
			m.Changes = append(m.Changes, f.Value)
		case fieldFull:
			if err := mustType(f, TypeBool); err != nil {
				return SyncMessage{}, err
			}
			if len(f.Value) != 1 {
				return SyncMessage{}, ErrInvalidBoolean
			}
			m.Full = f.Value[0] != 0
		default:
			// newer peers may add fields
		}
	}
	if !haveSender {
		return SyncMessage{}, ErrMissingSender
	}
	return m, nil
}
