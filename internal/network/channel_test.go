package network

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/protocol"
)

func testLogger() *logging.Logger {
	return logging.NewWriterLogger("network", io.Discard, logging.ERROR)
}

// connectPair поднимает сокет во временной директории и соединяет обе стороны
func connectPair(t *testing.T) (target *Channel, controller *Channel) {
	t.Helper()
	cfg := DefaultChannelConfig(filepath.Join(t.TempDir(), "gotas.sock"))
	cfg.RetryInterval = 5 * time.Millisecond

	ln, err := Listen(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Channel, 1)
	go func() {
		ch, err := ln.Accept(ctx)
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- ch
	}()

	controller, err = Dial(ctx, cfg, testLogger())
	require.NoError(t, err)
	target = <-accepted
	require.NotNil(t, target, "цель не приняла подключение")

	t.Cleanup(func() {
		_ = controller.Close()
		_ = target.Close()
	})
	return target, controller
}

func TestChannelFrames(t *testing.T) {
	target, controller := connectPair(t)
	ctx := context.Background()

	t.Run("число", func(t *testing.T) {
		require.NoError(t, target.SendUint64(protocol.MsgStartFrameBoundary, 42))
		msg, err := controller.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgStartFrameBoundary, msg)
		fc, err := controller.ReadUint64()
		require.NoError(t, err)
		assert.Equal(t, uint64(42), fc)
	})

	t.Run("строка", func(t *testing.T) {
		require.NoError(t, controller.SendString(protocol.MsgSavestate, "/tmp/game.state1"))
		msg, err := target.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgSavestate, msg)
		s, err := target.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "/tmp/game.state1", s)
	})

	t.Run("пустая строка", func(t *testing.T) {
		require.NoError(t, controller.SendString(protocol.MsgDumpFile, ""))
		_, err := target.ReadMessage(ctx)
		require.NoError(t, err)
		s, err := target.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "", s)
	})

	t.Run("запись", func(t *testing.T) {
		var ai protocol.AllInputs
		ai.PointerX, ai.PointerY = 10, 10
		ai.AddKey(0x61)
		require.NoError(t, controller.SendRecord(protocol.MsgAllInputs, &ai))

		msg, err := target.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgAllInputs, msg)
		var back protocol.AllInputs
		require.NoError(t, target.ReadRecord(protocol.AllInputsSize, &back))
		assert.Equal(t, ai, back)
	})

	stats := controller.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(3), stats.FramesSent)
	assert.Equal(t, uint64(1), stats.FramesReceived)
}

func TestReadMessageCancel(t *testing.T) {
	_, controller := connectPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := controller.ReadMessage(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPeerCloseIsTransportError(t *testing.T) {
	target, controller := connectPair(t)
	require.NoError(t, target.Close())

	_, err := controller.ReadMessage(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, io.EOF))
	assert.False(t, controller.IsConnected())
}

func TestDialGivesUp(t *testing.T) {
	cfg := DefaultChannelConfig(filepath.Join(t.TempDir(), "missing.sock"))
	cfg.MaxRetries = 2
	cfg.RetryInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond

	_, err := Dial(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRemoveSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, RemoveSocket(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// отсутствующий файл не ошибка
	assert.NoError(t, RemoveSocket(path))
}
