package doc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Layout of an encoded change: magic, checksum, chunk type, uLEB128 body length, body. The checksum is
// the first four bytes of the SHA-256 of everything after it.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkChange           = 1
	chunkCompressedChange = 2
	chunkPrefixLen        = 9
)

var (
	errBadMagic    = errors.New("bad magic")
	errNotChange   = errors.New("not a change chunk")
	errBadLength   = errors.New("length does not match payload")
	errBadChecksum = errors.New("checksum mismatch")
)

// checkChange verifies the framing of a single encoded change. The replica skips unreadable chunks
// silently on load, so anything malformed has to be caught before it gets there.
func checkChange(raw []byte) error {
	if len(raw) < chunkPrefixLen+1 {
		return fmt.Errorf("%d bytes: %w", len(raw), errBadLength)
	}
	if !bytes.Equal(raw[:4], chunkMagic) {
		return errBadMagic
	}
	switch raw[8] {
	case chunkChange, chunkCompressedChange:
	default:
		return fmt.Errorf("type %d: %w", raw[8], errNotChange)
	}
	n, w := binary.Uvarint(raw[chunkPrefixLen:])
	if w <= 0 || uint64(len(raw)-chunkPrefixLen-w) != n {
		return errBadLength
	}
	// compressed chunks are checksummed over their uncompressed form
	if raw[8] == chunkChange {
		sum := sha256.Sum256(raw[8:])
		if !bytes.Equal(sum[:4], raw[4:8]) {
			return errBadChecksum
		}
	}
	return nil
}
