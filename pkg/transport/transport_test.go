package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *MemConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	n, err := c.Receive(buf, time.Now().Add(time.Second))
	require.NoError(t, err)
	return buf[:n]
}

func TestMemHubDeliversToAllIncludingSender(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join(), hub.Join()
	require.NoError(t, a.Send([]byte("hello")))
	require.Equal(t, []byte("hello"), receive(t, a))
	require.Equal(t, []byte("hello"), receive(t, b))
}

func TestMemHubReceiveTimesOut(t *testing.T) {
	c := NewMemHub().Join()
	start := time.Now()
	_, err := c.Receive(make([]byte, 10), start.Add(20*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemHubDropAndDuplicate(t *testing.T) {
	var n atomic.Int32
	hub := NewMemHub(WithCopies(func([]byte) int {
		// first delivery dropped, second duplicated
		if n.Add(1) == 1 {
			return 0
		}
		return 2
	}))
	c := hub.Join()
	require.NoError(t, c.Send([]byte("one")))
	require.NoError(t, c.Send([]byte("two")))
	require.Equal(t, []byte("two"), receive(t, c))
	require.Equal(t, []byte("two"), receive(t, c))
	_, err := c.Receive(make([]byte, 10), time.Now().Add(10*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestMemHubReorderKeepsEveryDatagram(t *testing.T) {
	hub := NewMemHub(WithReorder(1))
	c := hub.Join()
	sent := map[string]bool{}
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, c.Send([]byte(s)))
		sent[s] = true
	}
	n := len(sent)
	for i := 0; i < n; i++ {
		delete(sent, string(receive(t, c)))
	}
	require.Empty(t, sent)
}

func TestMemConnClose(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join(), hub.Join()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(make([]byte, 10), time.Now().Add(time.Minute))
		errCh <- err
	}()
	require.NoError(t, b.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)
	require.ErrorIs(t, b.Send([]byte("x")), ErrClosed)

	require.NoError(t, a.Send([]byte("still works")))
	require.Equal(t, []byte("still works"), receive(t, a))
}

func TestListenRejectsNonMulticastGroup(t *testing.T) {
	_, err := Listen(Config{Group: "127.0.0.1:1111"})
	require.ErrorIs(t, err, ErrBind)
	_, err = Listen(Config{Group: "not an address"})
	require.ErrorIs(t, err, ErrBind)
}
