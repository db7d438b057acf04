package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutPath(t *testing.T) {
	t.Setenv("GOTAS_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(60), cfg.Movie.FramerateNum)
	assert.Equal(t, "disable", cfg.Movie.EndPolicy)
	assert.Equal(t, "badger", cfg.Checkpoint.Backend)
	assert.Equal(t, 2*time.Second, cfg.QuiesceTimeout())
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gotas.yaml")
	data := `
socket_path: /run/user/1000/gotas.sock
savestate_dir: /var/tmp/states
movie:
  author: tester
  framerate_num: 30
  end_policy: hold
  pause_frame: 120
inputs:
  focus: [all]
hotkeys:
  F1: save1
  shift+F1: load1
checkpoint:
  backend: redis
  redis_addr: 127.0.0.1:6379
  max_threads: 64
webhooks:
  - name: ci
    url: http://127.0.0.1:9000/hook
    secret: s3cr3t
    events: [Savestate, LoadRefused]
    retries: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/gotas.sock", cfg.GetSocketPath())
	assert.Equal(t, "/var/tmp/states", cfg.GetSavestateDir())
	assert.Equal(t, "tester", cfg.Movie.Author)
	assert.Equal(t, uint32(30), cfg.Movie.FramerateNum)
	assert.Equal(t, uint32(1), cfg.Movie.FramerateDen, "незаданный знаменатель по умолчанию")
	assert.Equal(t, "hold", cfg.Movie.EndPolicy)
	assert.Equal(t, uint64(120), cfg.Movie.PauseFrame)
	assert.Equal(t, []string{"all"}, cfg.Inputs.Focus)
	assert.Equal(t, "load1", cfg.Hotkeys["shift+F1"])
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, 64, cfg.GetMaxThreads())
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"Savestate", "LoadRefused"}, cfg.Webhooks[0].Events)
	assert.Equal(t, uint64(2), cfg.Webhooks[0].Retries)
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	t.Setenv("GOTAS_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("movie: [unclosed"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnvFallbacks(t *testing.T) {
	cfg := Default()

	t.Setenv("GOTAS_SOCKET", "/tmp/env.sock")
	t.Setenv("GOTAS_SAVESTATE_DIR", "/tmp/env-states")
	t.Setenv("GOTAS_METRICS_ADDR", ":2112")
	t.Setenv("GOTAS_MAX_THREADS", "12")
	assert.Equal(t, "/tmp/env.sock", cfg.GetSocketPath())
	assert.Equal(t, "/tmp/env-states", cfg.GetSavestateDir())
	assert.Equal(t, ":2112", cfg.GetMetricsAddr())
	assert.Equal(t, 12, cfg.GetMaxThreads())

	cfg.SocketPath = "/tmp/config.sock"
	assert.Equal(t, "/tmp/config.sock", cfg.GetSocketPath(), "конфиг важнее окружения")

	t.Setenv("GOTAS_MAX_THREADS", "not-a-number")
	assert.Equal(t, 1000, cfg.GetMaxThreads())

	t.Setenv("GOTAS_MAX_THREADS", "5000")
	assert.Equal(t, 1000, cfg.GetMaxThreads(), "потолок не выше ёмкости заголовка")
	cfg.Checkpoint.MaxThreads = 4096
	assert.Equal(t, 1000, cfg.GetMaxThreads())
}
