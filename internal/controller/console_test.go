package controller

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/protocol"
)

func TestConsoleCommands(t *testing.T) {
	c := NewConsole(quietLogger("console"))

	require.NoError(t, c.Exec("shift+F2"))
	ev, ok := c.Poll(0)
	require.True(t, ok)
	assert.Equal(t, EventKeyPress, ev.Type)
	assert.Equal(t, KeyF1+1, ev.Key)
	assert.Equal(t, ModShift, ev.Modifiers)
	ev, _ = c.Poll(0)
	assert.Equal(t, EventKeyRelease, ev.Type)
	_, ok = c.Poll(0)
	assert.False(t, ok)

	require.NoError(t, c.Exec("press v"))
	ev, _ = c.Poll(7)
	assert.Equal(t, Event{Type: EventKeyPress, Key: 'v'}, ev)

	require.NoError(t, c.Exec("hold d"))
	require.NoError(t, c.Exec("hold a"))
	require.NoError(t, c.Exec("drop d"))
	require.NoError(t, c.Exec("pointer 10 -20 1"))
	ai, err := c.Sample(0)
	require.NoError(t, err)
	assert.Equal(t, []protocol.KeySym{'a'}, ai.Keys())
	assert.Equal(t, int32(10), ai.PointerX)
	assert.Equal(t, int32(-20), ai.PointerY)
	assert.Equal(t, uint32(1), ai.PointerMask)

	require.NoError(t, c.Exec("focus ui"))
	assert.Equal(t, FocusControllerWindow, c.Focus())
	ev, _ = c.Poll(0)
	assert.Equal(t, EventFocusOut, ev.Type)

	require.NoError(t, c.Exec("   "))
	for _, bad := range []string{"press", "hold nokey", "pointer 1", "pointer a b", "focus desk", "warp 1 2"} {
		assert.Error(t, c.Exec(bad), bad)
	}
}

func TestConsoleStart(t *testing.T) {
	c := NewConsole(quietLogger("console"))
	c.Start(context.Background(), strings.NewReader("bogus line here\nctrl+q\n"))

	require.Eventually(t, func() bool {
		ev, ok := c.Poll(0)
		return ok && ev.Key == 'q' && ev.Modifiers == ModCtrl
	}, time.Second, time.Millisecond)
}
