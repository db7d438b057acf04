package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/protocol"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.KeySym
	}{
		{"v", 'v'},
		{"V", 'v'},
		{"F1", KeyF1},
		{"f9", KeyF1 + 8},
		{"shift+F1", KeyF1 | ModShift},
		{"ctrl+alt+q", 'q' | ModCtrl | ModAlt},
		{"Pause", KeyPause},
		{"tab", KeyTab},
		{"0xff13", KeyPause},
		{"space", 0x20},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKey(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "shift+", "meta+v", "f0", "f36", "0xzz", "0x20000000", "notakey"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("save3")
	require.NoError(t, err)
	assert.Equal(t, 3, a.SaveSlot())
	assert.Equal(t, 0, a.LoadSlot())
	assert.Equal(t, "save3", a.String())

	a, err = ParseAction(" LOAD9 ")
	require.NoError(t, err)
	assert.Equal(t, 9, a.LoadSlot())

	a, err = ParseAction("frame_advance")
	require.NoError(t, err)
	assert.Equal(t, ActionFrameAdvance, a)

	for _, bad := range []string{"save0", "load10", "savex", "jump"} {
		_, err := ParseAction(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolve(t *testing.T) {
	m := DefaultHotkeys()

	a, ok := m.Resolve(KeyPress("shift+F3"))
	require.True(t, ok)
	assert.Equal(t, 3, a.SaveSlot())

	a, ok = m.Resolve(KeyPress("F3"))
	require.True(t, ok)
	assert.Equal(t, 3, a.LoadSlot())

	// модификатор без своей привязки: берётся клавиша без него
	a, ok = m.Resolve(KeyPress("alt+v"))
	require.True(t, ok)
	assert.Equal(t, ActionFrameAdvance, a)

	_, ok = m.Resolve(Event{Type: EventKeyPress, Key: KeyShiftL})
	assert.False(t, ok, "модификатор сам по себе не горячая клавиша")

	_, ok = m.Resolve(KeyPress("x"))
	assert.False(t, ok)
}

func TestParseHotkeys(t *testing.T) {
	m, err := ParseHotkeys(map[string]string{"x": "quit", "F1": "save1"})
	require.NoError(t, err)
	assert.Equal(t, ActionQuit, m['x'])
	assert.Equal(t, ActionSave1, m[KeyF1])
	assert.Equal(t, ActionPlayPause, m[KeyPause], "остальные значения по умолчанию")

	_, err = ParseHotkeys(map[string]string{"x": "fly"})
	assert.Error(t, err)
	_, err = ParseHotkeys(map[string]string{"hyper+x": "quit"})
	assert.Error(t, err)
}

func TestPolicies(t *testing.T) {
	p, err := ParseEndPolicy("HOLD")
	require.NoError(t, err)
	assert.Equal(t, EndHold, p)
	p, err = ParseEndPolicy("")
	require.NoError(t, err)
	assert.Equal(t, EndDisable, p)
	_, err = ParseEndPolicy("rewind")
	assert.Error(t, err)

	f, err := ParseFocusPolicy([]string{"game"})
	require.NoError(t, err)
	assert.True(t, f.Accepts(FocusGameWindow))
	assert.False(t, f.Accepts(FocusControllerWindow))
	assert.False(t, f.Accepts(FocusNone))

	f, err = ParseFocusPolicy([]string{"always"})
	require.NoError(t, err)
	assert.True(t, f.Accepts(FocusNone))

	_, err = ParseFocusPolicy([]string{"desktop"})
	assert.Error(t, err)
}

func TestScriptedEvents(t *testing.T) {
	s := NewScriptedEvents().At(2, KeyPress("v"), KeyRelease("v"))
	_, ok := s.Poll(1)
	assert.False(t, ok)

	ev, ok := s.Poll(2)
	require.True(t, ok)
	assert.Equal(t, EventKeyPress, ev.Type)
	ev, ok = s.Poll(2)
	require.True(t, ok)
	assert.Equal(t, EventKeyRelease, ev.Type)
	assert.Zero(t, s.Pending())
}
