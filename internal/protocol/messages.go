// Package protocol описывает кадры канала между контроллером и целевым процессом.
//
// Каждый кадр начинается с 4-байтового тега сообщения, за которым следует
// полезная нагрузка фиксированного размера или строка с 4-байтовой длиной.
// Все многобайтовые числа кодируются в нативном порядке байт: обе стороны
// работают на одной машине, воспроизведение на другой архитектуре не поддерживается.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ByteOrder - порядок байт всех чисел на проводе
var ByteOrder binary.ByteOrder = binary.NativeEndian

// ErrProtocolViolation - неожиданное сообщение или нарушение порядка. Фатально для сессии.
var ErrProtocolViolation = errors.New("protocol violation")

// Violation оборачивает ErrProtocolViolation описанием
func Violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Message - тег кадра
type Message uint32

// Сообщения целевого процесса контроллеру
const (
	MsgStartFrameBoundary Message = 0x100 + iota // + счётчик кадров (8 байт)
	MsgPID                                       // + pid (4 байта)
	MsgWindowID                                  // + дескриптор окна (8 байт)
	MsgEncodeFailed                              // без нагрузки
	MsgFrameCount                                // + счётчик кадров (8 байт), после загрузки состояния
	MsgErrorMsg                                  // + строка
	MsgQuit                                      // целевой процесс завершается
	MsgCheckpointResult                          // + CheckpointResult
)

// Сообщения контроллера целевому процессу
const (
	MsgConfig           Message = 0x200 + iota // + SharedConfig
	MsgDumpFile                                // + строка
	MsgSavestate                               // + строка (путь)
	MsgLoadstate                               // + строка (путь)
	MsgAllInputs                               // + AllInputs
	MsgUserQuit                                // без нагрузки
	MsgEndFrameBoundary                        // без нагрузки
)

// MsgEndInit отправляется обеими сторонами ровно один раз в конце рукопожатия
const MsgEndInit Message = 0x300

var messageNames = map[Message]string{
	MsgStartFrameBoundary: "START_FRAMEBOUNDARY",
	MsgPID:                "PID_REPORT",
	MsgWindowID:           "WINDOW_ID_REPORT",
	MsgEncodeFailed:       "ENCODE_FAILED",
	MsgFrameCount:         "FRAMECOUNT",
	MsgErrorMsg:           "ERROR_MSG",
	MsgQuit:               "QUIT",
	MsgCheckpointResult:   "CHECKPOINT_RESULT",
	MsgConfig:             "CONFIG",
	MsgDumpFile:           "DUMP_FILE",
	MsgSavestate:          "SAVESTATE",
	MsgLoadstate:          "LOADSTATE",
	MsgAllInputs:          "ALL_INPUTS",
	MsgUserQuit:           "USERQUIT",
	MsgEndFrameBoundary:   "END_FRAMEBOUNDARY",
	MsgEndInit:            "END_INIT",
}

func (m Message) String() string {
	if name, ok := messageNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MESSAGE(0x%x)", uint32(m))
}

// Known сообщает, является ли тег частью протокола
func (m Message) Known() bool {
	_, ok := messageNames[m]
	return ok
}

// MaxStringSize ограничивает длину строк на проводе
const MaxStringSize = 64 * 1024
