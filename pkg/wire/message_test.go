package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageSmallIsRaw(t *testing.T) {
	in := SyncMessage{Sender: testPeer(3), Changes: [][]byte{[]byte("a"), []byte("bc")}}
	raw := EncodeMessage(in)
	require.Equal(t, codecRaw, raw[0])

	out, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMessageLargeIsCompressed(t *testing.T) {
	in := SyncMessage{
		Sender:  testPeer(4),
		Heads:   [][32]byte{{1}, {2}},
		Changes: [][]byte{bytes.Repeat([]byte("todo "), 2000)},
		Full:    true,
	}
	raw := EncodeMessage(in)
	require.Equal(t, codecZstd, raw[0])
	require.Less(t, len(raw), 10000)

	out, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestHeartbeatMessage(t *testing.T) {
	out, err := DecodeMessage(EncodeMessage(SyncMessage{Sender: testPeer(5)}))
	require.NoError(t, err)
	require.Empty(t, out.Changes)
	require.False(t, out.Full)
}

func TestDecodeMessageErrors(t *testing.T) {
	_, err := DecodeMessage(nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = DecodeMessage([]byte{9})
	require.ErrorIs(t, err, ErrUnknownCodec)

	_, err = DecodeMessage([]byte{codecRaw, 0, 1})
	require.ErrorIs(t, err, ErrShortFieldHeader)

	noSender := append([]byte{codecRaw}, EncodeFields([]Field{{ID: fieldChange, Type: TypeBytes, Value: []byte("x")}})...)
	_, err = DecodeMessage(noSender)
	require.ErrorIs(t, err, ErrMissingSender)

	badHead := append([]byte{codecRaw}, EncodeFields([]Field{
		{ID: fieldSender, Type: TypeBytes, Value: make([]byte, 16)},
		{ID: fieldHead, Type: TypeBytes, Value: []byte{1, 2}},
	})...)
	_, err = DecodeMessage(badHead)
	require.ErrorIs(t, err, ErrInvalidHead)
}

func TestDecodeMessageSkipsUnknownFields(t *testing.T) {
	body := EncodeFields([]Field{
		{ID: fieldSender, Type: TypeBytes, Value: make([]byte, 16)},
		{ID: 99, Type: TypeBool, Value: []byte{1}},
		{ID: fieldChange, Type: TypeBytes, Value: []byte("c")},
	})
	out, err := DecodeMessage(append([]byte{codecRaw}, body...))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("c")}, out.Changes)
}

func TestDecodeFieldsShortValue(t *testing.T) {
	raw := EncodeFields([]Field{{ID: 1, Type: TypeBytes, Value: []byte("abcdef")}})
	_, err := DecodeFields(raw[:len(raw)-2])
	require.ErrorIs(t, err, ErrShortFieldValue)
}
