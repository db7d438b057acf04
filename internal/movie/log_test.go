package movie

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/protocol"
)

func testLogger() *logging.Logger {
	return logging.NewWriterLogger("movie", io.Discard, logging.ERROR)
}

func inputAt(x, y int32) protocol.AllInputs {
	return protocol.AllInputs{PointerX: x, PointerY: y}
}

// recorded возвращает журнал с n кадрами, записанными в режиме WRITE
func recorded(t *testing.T, n int) *Log {
	t.Helper()
	l := New(Header{FramerateNum: 60, FramerateDen: 1, Mode: protocol.ModeWrite, Author: "tester"}, testLogger())
	for i := 0; i < n; i++ {
		require.NoError(t, l.Append(inputAt(int32(i), int32(-i))))
	}
	return l
}

func TestAppendThenRead(t *testing.T) {
	l := recorded(t, 25)
	assert.Equal(t, uint64(25), l.Len())
	assert.Equal(t, uint64(25), l.Header().FrameCount)

	var out protocol.AllInputs
	assert.True(t, errors.Is(l.ReadFrame(0, &out), ErrWrongMode), "чтение в WRITE запрещено")

	l.SetMode(protocol.ModeReadOnly)
	for i := uint64(0); i < 25; i++ {
		require.NoError(t, l.ReadFrame(i, &out))
		assert.Equal(t, inputAt(int32(i), -int32(i)), out, "кадр %d", i)
	}
	err := l.ReadFrame(25, &out)
	assert.True(t, errors.Is(err, ErrEndOfMovie))

	assert.True(t, errors.Is(l.Append(inputAt(0, 0)), ErrWrongMode), "запись в READ_ONLY запрещена")
}

func TestIsPrefixOf(t *testing.T) {
	a := recorded(t, 10)
	assert.True(t, a.IsPrefixOf(a), "рефлексивность")
	assert.True(t, a.IsPrefixOf(a.Clone()))

	empty := New(Header{}, testLogger())
	assert.True(t, empty.IsPrefixOf(a))
	assert.False(t, a.IsPrefixOf(empty))

	longer := recorded(t, 15)
	assert.True(t, a.IsPrefixOf(longer))
	assert.False(t, longer.IsPrefixOf(a))

	diverged := longer.Clone()
	diverged.SetPlayhead(0)
	require.NoError(t, diverged.ToggleInput(9, SingleInput{Kind: InputKey, Value: 0x20}))
	assert.False(t, a.IsPrefixOf(diverged), "кадр 9 отличается")

	// расхождение после конца a не мешает
	beyond := longer.Clone()
	beyond.SetPlayhead(0)
	require.NoError(t, beyond.ToggleInput(12, SingleInput{Kind: InputKey, Value: 0x20}))
	assert.True(t, a.IsPrefixOf(beyond))
}

func TestTruncateThenAppend(t *testing.T) {
	for _, n := range []int{5, 6, 20} {
		l := recorded(t, n)
		l.TruncateAt(5)
		x := inputAt(777, 777)
		require.NoError(t, l.Append(x))
		assert.Equal(t, uint64(6), l.Len())
		last, ok := l.Frame(5)
		require.True(t, ok)
		assert.Equal(t, x, last)
	}
}

func TestInsertDeleteRespectPlayhead(t *testing.T) {
	l := recorded(t, 10)
	l.SetPlayhead(4)

	assert.True(t, errors.Is(l.InsertBefore(3, inputAt(1, 1)), ErrBeforePlayhead))
	assert.True(t, errors.Is(l.DeleteAt(0), ErrBeforePlayhead))
	assert.True(t, errors.Is(l.ToggleInput(2, SingleInput{Kind: InputKey, Value: 1}), ErrBeforePlayhead))

	require.NoError(t, l.InsertBefore(4, inputAt(100, 100)))
	assert.Equal(t, uint64(11), l.Len())
	f4, _ := l.Frame(4)
	f5, _ := l.Frame(5)
	assert.Equal(t, inputAt(100, 100), f4)
	assert.Equal(t, inputAt(4, -4), f5)

	require.NoError(t, l.DeleteAt(4))
	f4, _ = l.Frame(4)
	assert.Equal(t, inputAt(4, -4), f4)
	assert.Equal(t, uint64(10), l.Len())

	assert.Error(t, l.InsertBefore(11, inputAt(0, 0)), "за концом")
	assert.Error(t, l.DeleteAt(10))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{0, 1, 57} {
		for _, compress := range []bool{false, true} {
			l := recorded(t, n)
			l.IncrementRerecords()
			path := filepath.Join(dir, "m.gtm")
			require.NoError(t, l.Save(path, compress))

			back, err := LoadFile(path, testLogger())
			require.NoError(t, err, "n=%d compress=%v", n, compress)
			assert.Equal(t, l.Header(), back.Header())
			assert.True(t, l.IsPrefixOf(back))
			assert.True(t, back.IsPrefixOf(l))
			assert.Equal(t, protocol.ModeWrite, back.Mode())
		}
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	l := recorded(t, 3)
	data, err := l.Encode()
	require.NoError(t, err)

	cases := map[string][]byte{
		"обрезанная запись": data[:len(data)-1],
		"лишний кадр":       append(append([]byte(nil), data...), make([]byte, protocol.AllInputsSize)...),
		"недостающий кадр":  data[:len(data)-protocol.AllInputsSize],
		"магия":             append([]byte("XXXX"), data[4:]...),
		"пусто":             nil,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.gtm")
			require.NoError(t, os.WriteFile(path, body, 0o644))
			_, err := LoadFile(path, testLogger())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptMovie), "%v", err)
		})
	}
}

func TestLoadKeepsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.gtm")
	require.NoError(t, recorded(t, 4).Save(path, false))

	live := New(Header{}, testLogger())
	live.SetMode(protocol.ModeReadWrite)
	live.SetPlayhead(3)
	require.NoError(t, live.Load(path))
	assert.Equal(t, protocol.ModeReadWrite, live.Mode())
	assert.Equal(t, uint64(0), live.Playhead())
	assert.Equal(t, uint64(4), live.Len())
}

func TestEditor(t *testing.T) {
	l := recorded(t, 3)
	l.SetPlayhead(0)

	key := SingleInput{Kind: InputKey, Value: 0x61}
	pad := SingleInput{Kind: InputControllerButton, Controller: 1, Value: 2}
	ptr := SingleInput{Kind: InputPointerButton, Value: 0}

	require.NoError(t, l.ToggleInput(1, key))
	require.NoError(t, l.ToggleInput(2, pad))
	require.NoError(t, l.ToggleInput(2, ptr))

	f1, _ := l.Frame(1)
	assert.True(t, key.Pressed(&f1))
	f2, _ := l.Frame(2)
	assert.True(t, pad.Pressed(&f2))
	assert.True(t, ptr.Pressed(&f2))

	assert.Equal(t, []SingleInput{key, ptr, pad}, l.InputSet())

	require.NoError(t, l.ToggleInput(1, key))
	f1, _ = l.Frame(1)
	assert.False(t, key.Pressed(&f1))
	assert.Error(t, l.ToggleInput(3, key), "за концом")
}

func TestCopyFrom(t *testing.T) {
	live := recorded(t, 2)
	slot := recorded(t, 8)
	slot.IncrementRerecords()

	live.CopyFrom(slot)
	assert.Equal(t, uint64(8), live.Len())
	assert.Equal(t, uint32(1), live.Header().RerecordCount)
	assert.Equal(t, protocol.ModeWrite, live.Mode())
}
