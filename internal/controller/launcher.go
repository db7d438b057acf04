package controller

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/network"
)

// SocketEnv - переменная, через которую цель узнаёт путь сокета
const SocketEnv = "GOTAS_SOCKET"

// LaunchOptions - как запустить игру под контроллером
type LaunchOptions struct {
	Path       string
	Args       []string
	PreloadLib string // библиотека перехвата для LD_PRELOAD
	LibDir     string // добавляется в начало LD_LIBRARY_PATH
	RunDir     string // рабочая директория, по умолчанию директория игры
	SoftwareGL bool
	SocketPath string
	Env        []string // дополнительные KEY=VALUE
}

// BuildCommand собирает команду запуска с окружением перехвата
func BuildCommand(ctx context.Context, o LaunchOptions) (*exec.Cmd, error) {
	if o.Path == "" {
		return nil, errors.New("game executable is required")
	}

	cmd := exec.CommandContext(ctx, o.Path, o.Args...)
	cmd.Dir = o.RunDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(o.Path)
	}

	env := append(os.Environ(), o.Env...)
	if o.PreloadLib != "" {
		env = prependEnv(env, "LD_PRELOAD", o.PreloadLib)
	}
	if o.LibDir != "" {
		env = prependEnv(env, "LD_LIBRARY_PATH", o.LibDir)
	}
	if o.SoftwareGL {
		env = setEnv(env, "LIBGL_ALWAYS_SOFTWARE", "1")
	}
	if o.SocketPath != "" {
		env = setEnv(env, SocketEnv, o.SocketPath)
	}
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// Launch удаляет оставшийся сокет и запускает игру
func Launch(ctx context.Context, o LaunchOptions, logger *logging.Logger) (*exec.Cmd, error) {
	if o.SocketPath != "" {
		if err := network.RemoveSocket(o.SocketPath); err != nil {
			return nil, err
		}
	}
	cmd, err := BuildCommand(ctx, o)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Info("🚀 Launched %s (pid %d)", o.Path, cmd.Process.Pid)
	return cmd, nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// prependEnv ставит value перед текущим значением через ':'
func prependEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			if old := strings.TrimPrefix(kv, prefix); old != "" {
				env[i] = prefix + value + ":" + old
			} else {
				env[i] = prefix + value
			}
			return env
		}
	}
	return append(env, prefix+value)
}

// LookupEnv возвращает значение переменной из окружения команды
func LookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return strings.TrimPrefix(env[i], prefix), true
		}
	}
	return "", false
}
