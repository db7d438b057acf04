package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/protocol"
)

func TestWorldIsDeterministic(t *testing.T) {
	feed := func(w *World) {
		for i := 0; i < 50; i++ {
			w.Step(protocol.AllInputs{PointerX: int32(i), PointerY: int32(-i), PointerMask: uint32(i % 2)})
		}
	}
	a, b := NewWorld(), NewWorld()
	feed(a)
	feed(b)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, uint64(50), a.Snapshot().Tick)
	assert.Equal(t, uint64(25), a.Snapshot().Clicks)
	assert.Equal(t, int32(49), a.Snapshot().X)

	b.Step(protocol.AllInputs{PointerX: 1})
	a.Step(protocol.AllInputs{PointerX: 2})
	assert.NotEqual(t, a.Snapshot().Checksum, b.Snapshot().Checksum, "разный ввод даёт разную сумму")
}

func TestWorldStateRoundTrip(t *testing.T) {
	w := NewWorld()
	w.Step(protocol.AllInputs{PointerX: 5, PointerY: 6})
	data, err := w.MarshalState()
	require.NoError(t, err)

	w.Step(protocol.AllInputs{PointerX: 9})
	require.NoError(t, w.UnmarshalState(data))
	assert.Equal(t, uint64(1), w.Snapshot().Tick)
	assert.Equal(t, int32(5), w.Snapshot().X)

	assert.Error(t, w.UnmarshalState([]byte("{")))
	assert.Equal(t, int32(5), w.Snapshot().X, "битый образ не портит мир")
}
