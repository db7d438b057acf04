package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllInputsKeys(t *testing.T) {
	var ai AllInputs
	require.True(t, ai.AddKey(10))
	require.True(t, ai.AddKey(20))
	require.True(t, ai.AddKey(30))
	assert.False(t, ai.AddKey(20), "повторная клавиша")
	assert.False(t, ai.AddKey(NoKey))

	assert.Equal(t, []KeySym{10, 20, 30}, ai.Keys())

	// удаление из середины переносит последнюю клавишу на освободившееся место
	require.True(t, ai.RemoveKey(10))
	assert.Equal(t, []KeySym{30, 20}, ai.Keys())
	assert.False(t, ai.HasKey(10))
	assert.False(t, ai.RemoveKey(10))

	for i := 0; i < MaxKeys; i++ {
		ai.AddKey(KeySym(100 + i))
	}
	assert.Len(t, ai.Keys(), MaxKeys)
	assert.False(t, ai.AddKey(999), "набор полон")
}

func TestAllInputsButtons(t *testing.T) {
	var ai AllInputs
	require.NoError(t, ai.ToggleButton(1, 3))
	assert.True(t, ai.Button(1, 3))
	assert.False(t, ai.Button(0, 3))
	require.NoError(t, ai.ToggleButton(1, 3))
	assert.False(t, ai.Button(1, 3))
	assert.Error(t, ai.ToggleButton(MaxControllers, 0))
}

func TestAllInputsBinaryIsFixedSize(t *testing.T) {
	ai := AllInputs{PointerX: 10, PointerY: -1, PointerMask: 1}
	ai.AddKey(0xff0d)
	ai.ControllerAxes[2][5] = -32768

	data, err := ai.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, AllInputsSize)

	var back AllInputs
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, ai, back)

	assert.Error(t, back.UnmarshalBinary(data[:len(data)-1]))
}

func TestSharedConfigSize(t *testing.T) {
	cfg := DefaultSharedConfig()
	cfg.RecordingMode = ModeReadOnly
	data, err := cfg.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, SharedConfigSize)

	var back SharedConfig
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, cfg, back)
}

func TestParseRecordingMode(t *testing.T) {
	m, err := ParseRecordingMode("read-write")
	require.NoError(t, err)
	assert.Equal(t, ModeReadWrite, m)
	assert.True(t, m.Reading())
	assert.False(t, ModeWrite.Reading())

	_, err = ParseRecordingMode("sideways")
	assert.Error(t, err)
}

func TestMessageNames(t *testing.T) {
	assert.Equal(t, "START_FRAMEBOUNDARY", MsgStartFrameBoundary.String())
	assert.True(t, MsgEndInit.Known())
	assert.False(t, Message(0xdead).Known())
	assert.Contains(t, Message(0xdead).String(), "0xdead")
}

func TestViolationWrapsSentinel(t *testing.T) {
	err := Violation("unexpected %s", MsgAllInputs)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Contains(t, err.Error(), "ALL_INPUTS")
}

// bufferReader читает примитивы кадра из буфера так же, как канал
type bufferReader struct{ r io.Reader }

func (b bufferReader) ReadUint32() (uint32, error) {
	var n [4]byte
	if _, err := io.ReadFull(b.r, n[:]); err != nil {
		return 0, err
	}
	return ByteOrder.Uint32(n[:]), nil
}

func (b bufferReader) ReadBytes() ([]byte, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	_, err = io.ReadFull(b.r, data)
	return data, err
}

func TestCheckpointResultEncoding(t *testing.T) {
	res := CheckpointResult{Status: StatusCapacityExceeded, Detail: "1001 threads", Header: []byte{1, 2, 3}}
	back, err := DecodeCheckpointResult(bufferReader{bytes.NewReader(res.Encode())})
	require.NoError(t, err)
	assert.Equal(t, res, back)

	assert.False(t, StatusCapacityExceeded.Fatal())
	assert.True(t, StatusNotResumable.Fatal())
	assert.True(t, StatusRestoreInconsistent.Fatal())
}
