// Package fragment splits sync messages into datagram sized fragments and reassembles them on receipt.
package fragment

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/todosync/pkg/wire"
)

var ErrMessageTooLarge = errors.New("fragment: message needs more fragments than the header can count")

// Splitter turns one outbound payload into encoded datagrams sharing a message id.
type Splitter struct {
	sender     wire.PeerID
	maxPayload int
	nextID     atomic.Uint64
}

// NewSplitter seeds message ids from the clock so a restarted process does not reuse the ids of its
// previous run while peers still remember them as completed.
func NewSplitter(sender wire.PeerID, maxPayload int, clock clockwork.Clock) *Splitter {
	if maxPayload <= 0 || maxPayload > wire.MaxPayloadSize {
		maxPayload = wire.MaxPayloadSize
	}
	s := &Splitter{sender: sender, maxPayload: maxPayload}
	s.nextID.Store(uint64(clock.Now().UnixNano()))
	return s
}

func (s *Splitter) Split(payload []byte) ([][]byte, error) {
	total := (len(payload) + s.maxPayload - 1) / s.maxPayload
	if total == 0 {
		total = 1
	}
	if total > int(^uint16(0)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	id := s.nextID.Add(1)
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * s.maxPayload
		end := min(start+s.maxPayload, len(payload))
		raw, err := wire.EncodeFragment(wire.Fragment{
			Sender:    s.sender,
			MessageID: id,
			Index:     uint16(i),
			Total:     uint16(total),
			Payload:   payload[start:end],
		})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
