package target

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/threads"
)

func TestGameUsesInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	g := NewGame(Options{
		MaxThreads: threads.HeaderCapacity + 10,
		Logger:     logging.NewWriterLogger("target", &buf, logging.INFO),
	})

	assert.Equal(t, threads.HeaderCapacity, g.Registry.MaxThreads())
	assert.True(t, g.Registry.DesignateMainThread(MainThread))

	out := buf.String()
	assert.Contains(t, out, "Main thread is 1", "реестр пишет во внедрённый логгер")
	assert.Contains(t, out, "exceeds checkpoint header capacity")
}
