package protocol

import (
	"fmt"
)

// CheckpointStatus - исход команды SAVESTATE/LOADSTATE
type CheckpointStatus uint32

const (
	StatusOK CheckpointStatus = iota
	// StatusCapacityExceeded - потоков больше, чем помещается в заголовок. Сессия продолжается.
	StatusCapacityExceeded
	// StatusNotResumable - поток не остановился за отведённое время. Процесс скомпрометирован.
	StatusNotResumable
	// StatusRestoreInconsistent - после восстановления набор потоков не совпал с заголовком.
	StatusRestoreInconsistent
	// StatusIOError - внешний сборщик образа не смог записать или прочитать образ.
	StatusIOError
)

func (s CheckpointStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case StatusNotResumable:
		return "NOT_RESUMABLE"
	case StatusRestoreInconsistent:
		return "RESTORE_INCONSISTENT"
	case StatusIOError:
		return "IO_ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

// Fatal сообщает, должна ли сессия завершиться после такого исхода
func (s CheckpointStatus) Fatal() bool {
	return s == StatusNotResumable || s == StatusRestoreInconsistent
}

// CheckpointResult - полезная нагрузка MsgCheckpointResult.
// Header содержит закодированный заголовок контрольной точки (только при StatusOK).
type CheckpointResult struct {
	Status CheckpointStatus
	Detail string
	Header []byte
}

// FrameReader читает примитивы кадра из канала
type FrameReader interface {
	ReadUint32() (uint32, error)
	ReadBytes() ([]byte, error)
}

// Encode сериализует результат: статус, строка детали, блоб заголовка
func (r *CheckpointResult) Encode() []byte {
	b := make([]byte, 4, 12+len(r.Detail)+len(r.Header))
	ByteOrder.PutUint32(b, uint32(r.Status))
	b = AppendBytes(b, []byte(r.Detail))
	b = AppendBytes(b, r.Header)
	return b
}

// DecodeCheckpointResult читает результат из канала
func DecodeCheckpointResult(fr FrameReader) (CheckpointResult, error) {
	var res CheckpointResult
	status, err := fr.ReadUint32()
	if err != nil {
		return res, err
	}
	detail, err := fr.ReadBytes()
	if err != nil {
		return res, err
	}
	header, err := fr.ReadBytes()
	if err != nil {
		return res, err
	}
	res.Status = CheckpointStatus(status)
	res.Detail = string(detail)
	res.Header = header
	return res, nil
}

// AppendBytes дописывает 4-байтовую длину и сами байты
func AppendBytes(b []byte, data []byte) []byte {
	var n [4]byte
	ByteOrder.PutUint32(n[:], uint32(len(data)))
	b = append(b, n[:]...)
	return append(b, data...)
}
