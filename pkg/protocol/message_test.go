package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSyncFrame(t *testing.T) {
	raw := EncodeSyncUpdate("room-a", []byte{1, 2, 3})

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "room-a", frame.DocumentName)
	assert.Equal(t, MessageSync, frame.Type)
	assert.Equal(t, raw, frame.Raw)

	step, data, err := frame.Sync()
	require.NoError(t, err)
	assert.Equal(t, SyncUpdate, step)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = frame.Awareness()
	assert.Error(t, err)
}

func TestDecodeAwarenessFrame(t *testing.T) {
	frame, err := DecodeFrame(EncodeAwareness("room-b", []byte("presence")))
	require.NoError(t, err)
	assert.Equal(t, MessageAwareness, frame.Type)

	update, err := frame.Awareness()
	require.NoError(t, err)
	assert.Equal(t, "presence", string(update))
}

func TestDecodeTruncatedFrame(t *testing.T) {
	raw := EncodeSyncStep1("a-fairly-long-room-name", []byte{9, 9, 9, 9})

	_, err := DecodeFrame(raw[:3])
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	frame, err := DecodeFrame(raw[:len(raw)-2])
	require.NoError(t, err)
	_, _, err = frame.Sync()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestLongVarUint(t *testing.T) {
	e := NewEncoder()
	e.WriteVarUint(1 << 40)
	e.WriteVarString(strings.Repeat("x", 300))

	d := NewDecoder(e.Bytes())
	v, err := d.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v)

	s, err := d.ReadVarString()
	require.NoError(t, err)
	assert.Len(t, s, 300)
	assert.Equal(t, 0, d.Remaining())
}

func TestPushEventRecord(t *testing.T) {
	record, err := MarshalPushEvent(&PushEvent{Time: 42, StateFingerprint: "fp"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(record), "data: {"))
	assert.True(t, strings.HasSuffix(string(record), "}\n\n"))

	event, err := UnmarshalPushEvent([]byte(strings.TrimSpace(strings.TrimPrefix(string(record), "data: "))))
	require.NoError(t, err)
	assert.Equal(t, int64(42), event.Time)
	assert.True(t, event.IsDestroy())
}

func TestIsDestroyNeedsFingerprint(t *testing.T) {
	assert.True(t, (&PushEvent{StateFingerprint: "fp"}).IsDestroy())
	assert.False(t, (&PushEvent{}).IsDestroy())
	assert.False(t, (&PushEvent{Awareness64: "AA==", StateFingerprint: "fp"}).IsDestroy())
	assert.False(t, (&PushEvent{UpdatedDoc64: "AA==", StateFingerprint: "fp"}).IsDestroy())
}
