package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// RecordingMode - режим работы с фильмом
type RecordingMode int32

const (
	ModeDisabled  RecordingMode = iota // фильм не ведётся
	ModeWrite                          // запись живого ввода
	ModeReadWrite                      // воспроизведение с возможностью перезаписи
	ModeReadOnly                       // строгое воспроизведение
)

func (m RecordingMode) String() string {
	switch m {
	case ModeDisabled:
		return "DISABLED"
	case ModeWrite:
		return "WRITE"
	case ModeReadWrite:
		return "READ_WRITE"
	case ModeReadOnly:
		return "READ_ONLY"
	default:
		return fmt.Sprintf("MODE(%d)", int32(m))
	}
}

// Reading сообщает, берётся ли ввод из фильма
func (m RecordingMode) Reading() bool {
	return m == ModeReadWrite || m == ModeReadOnly
}

// ParseRecordingMode разбирает имя режима из конфигурации
func ParseRecordingMode(s string) (RecordingMode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "disabled", "none":
		return ModeDisabled, nil
	case "write":
		return ModeWrite, nil
	case "read_write", "readwrite":
		return ModeReadWrite, nil
	case "read_only", "readonly", "read":
		return ModeReadOnly, nil
	}
	return ModeDisabled, fmt.Errorf("unknown recording mode %q", s)
}

// SharedConfig - запись конфигурации фиксированного размера, которую контроллер
// отправляет целевому процессу при изменениях. Булевы поля кодируются одним байтом.
type SharedConfig struct {
	Running         bool
	FastForward     bool
	AVDumping       bool
	MouseSupport    bool
	RecordingMode   RecordingMode
	NumControllers  int32
	MovieFrameCount uint64
	FramerateNum    uint32
	FramerateDen    uint32
	InitialTimeSec  int64
	InitialTimeNsec int64
	LoggingLevel    int32
}

// SharedConfigSize - размер записи на проводе
var SharedConfigSize = binary.Size(SharedConfig{})

// DefaultSharedConfig возвращает конфигурацию при запуске: игра идёт, 60 fps
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{
		Running:        true,
		NumControllers: 0,
		FramerateNum:   60,
		FramerateDen:   1,
		InitialTimeSec: 1,
	}
}

// MarshalBinary кодирует запись
func (c *SharedConfig) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, ByteOrder, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary декодирует запись
func (c *SharedConfig) UnmarshalBinary(data []byte) error {
	if len(data) != SharedConfigSize {
		return fmt.Errorf("shared config record: want %d bytes, got %d", SharedConfigSize, len(data))
	}
	return binary.Read(bytes.NewReader(data), ByteOrder, c)
}
