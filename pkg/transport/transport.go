// Package transport moves raw datagrams between instances on the local network.
package transport

import (
	"errors"
	"time"
)

var (
	ErrBind    = errors.New("transport: bind failed")
	ErrSend    = errors.New("transport: send failed")
	ErrReceive = errors.New("transport: receive failed")
	ErrTimeout = errors.New("transport: receive timed out")
	ErrClosed  = errors.New("transport: closed")
)

// Transport is a best effort datagram channel where every member receives what any member sends,
// including its own datagrams.
type Transport interface {
	Send(b []byte) error
	// Receive blocks until a datagram arrives or the deadline passes, in which case it returns ErrTimeout.
	Receive(buf []byte, deadline time.Time) (int, error)
	Close() error
}

// Reopener is implemented by transports that can rebuild their socket after persistent failures.
type Reopener interface {
	Reopen() error
}
