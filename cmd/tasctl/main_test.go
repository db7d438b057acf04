package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/config"
	"github.com/annel0/gotas/internal/controller"
	"github.com/annel0/gotas/internal/protocol"
)

func TestSessionMode(t *testing.T) {
	tests := []struct {
		name string
		opts options
		mode protocol.RecordingMode
		path string
		err  bool
	}{
		{"без фильма", options{}, protocol.ModeDisabled, "", false},
		{"запись", options{writePath: "a.gtm"}, protocol.ModeWrite, "a.gtm", false},
		{"чтение", options{readPath: "a.gtm"}, protocol.ModeReadOnly, "a.gtm", false},
		{"чтение-запись", options{readPath: "a.gtm", readWrite: true}, protocol.ModeReadWrite, "a.gtm", false},
		{"оба файла", options{readPath: "a", writePath: "b"}, 0, "", true},
		{"read-write без -r", options{readWrite: true}, 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, path, err := sessionMode(&tt.opts)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestControllerOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Movie.EndPolicy = "hold"
	cfg.Hotkeys = map[string]string{"x": "quit"}

	o, err := controllerOptions(cfg, "game", protocol.ModeWrite, "run.gtm", "out.mkv")
	require.NoError(t, err)
	assert.Equal(t, controller.EndHold, o.EndPolicy)
	assert.Equal(t, controller.ActionQuit, o.Hotkeys['x'])
	assert.Equal(t, controller.FocusGame|controller.FocusUI, o.Focus)
	assert.Equal(t, "out.mkv", o.DumpFile)
	assert.Equal(t, 50*cfg.PollInterval(), o.AutoRepeatDelay)

	cfg.Inputs.Focus = []string{"desktop"}
	_, err = controllerOptions(cfg, "game", protocol.ModeWrite, "", "")
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Checkpoint.Backend = "memory"
	b, err := newBackend(context.Background(), cfg, "game")
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.MemoryBackend{}, b)

	cfg.Checkpoint.Backend = "badger"
	cfg.Checkpoint.BadgerDir = t.TempDir()
	b, err = newBackend(context.Background(), cfg, "game")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	cfg.Checkpoint.Backend = "etcd"
	_, err = newBackend(context.Background(), cfg, "game")
	assert.Error(t, err)

	assert.Equal(t, "game", gameName(cfg))
	cfg.Target.Path = "/usr/games/supertux2"
	assert.Equal(t, "supertux2", gameName(cfg))
}

func TestWebhookTargets(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{
		{URL: "http://ci/hook", TimeoutMs: 1500, Retries: 2},
		{Name: "bot", URL: "http://bot", Events: []string{"Savestate"}},
	}
	hooks := webhookTargets(cfg)
	require.Len(t, hooks, 2)
	assert.Equal(t, "http://ci/hook", hooks[0].Name, "имя по умолчанию - URL")
	assert.Equal(t, 1500*time.Millisecond, hooks[0].Timeout)
	assert.Equal(t, []string{"Savestate"}, hooks[1].Events)
}
