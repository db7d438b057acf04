// Package network реализует транспорт между контроллером и целевым процессом:
// двунаправленный канал кадров поверх локального unix сокета.
package network

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrTransport - ошибка ввода-вывода на общем канале. Фатальна для сессии.
var ErrTransport = errors.New("transport error")

// ConnectionStats содержит статистику соединения
type ConnectionStats struct {
	FramesSent     uint64    `json:"frames_sent"`     // Отправлено кадров
	FramesReceived uint64    `json:"frames_received"` // Получено кадров
	BytesSent      uint64    `json:"bytes_sent"`      // Отправлено байт
	BytesReceived  uint64    `json:"bytes_received"`  // Получено байт
	LastActivity   time.Time `json:"last_activity"`   // Последняя активность
	Connected      bool      `json:"connected"`       // Статус соединения
	SocketPath     string    `json:"socket_path"`     // Путь сокета
}

// ChannelConfig содержит параметры рандеву и канала
type ChannelConfig struct {
	SocketPath    string
	BufferSize    int
	DialTimeout   time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	MaxInterval   time.Duration
}

// DefaultChannelConfig возвращает конфигурацию канала по умолчанию
func DefaultChannelConfig(socketPath string) *ChannelConfig {
	return &ChannelConfig{
		SocketPath:    socketPath,
		BufferSize:    64 * 1024,
		DialTimeout:   2 * time.Second,
		MaxRetries:    20,
		RetryInterval: 100 * time.Millisecond,
		MaxInterval:   2 * time.Second,
	}
}

// transportError оборачивает причину в ErrTransport, сохраняя её для errors.Is
func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// RemoveSocket удаляет файл сокета, оставшийся от предыдущей сессии
func RemoveSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}
