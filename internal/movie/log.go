// Package movie реализует журнал ввода: упорядоченную последовательность
// снимков AllInputs по одному на кадр и заголовок параметров сессии.
package movie

import (
	"errors"
	"fmt"
	"sync"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/protocol"
)

var (
	// ErrEndOfMovie - кадров больше нет. Ожидаемое исчерпание, вызывающий выбирает политику.
	ErrEndOfMovie = errors.New("end of movie")
	// ErrCorruptMovie - сохранённый журнал не согласован сам с собой
	ErrCorruptMovie = errors.New("corrupt movie")
	// ErrWrongMode - операция недопустима в текущем режиме записи
	ErrWrongMode = errors.New("operation not allowed in current recording mode")
	// ErrBeforePlayhead - попытка изменить уже использованный ввод
	ErrBeforePlayhead = errors.New("frame is before the playhead")
)

// Header - метаданные журнала
type Header struct {
	FramerateNum  uint32
	FramerateDen  uint32
	FrameCount    uint64
	RerecordCount uint32
	Mode          protocol.RecordingMode // режим при создании
	Author        string
}

// Log - журнал ввода. Безопасен для одновременного чтения статуса,
// изменяется только потоком контроллера.
type Log struct {
	mu       sync.RWMutex
	header   Header
	frames   []protocol.AllInputs
	mode     protocol.RecordingMode
	playhead uint64
	logger   *logging.Logger
}

// New создаёт пустой журнал
func New(header Header, logger *logging.Logger) *Log {
	header.FrameCount = 0
	return &Log{
		header: header,
		mode:   header.Mode,
		logger: logger,
	}
}

// Header возвращает заголовок. FrameCount всегда равен длине журнала.
func (l *Log) Header() Header {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.header
	h.FrameCount = uint64(len(l.frames))
	return h
}

// SetAuthor меняет автора
func (l *Log) SetAuthor(author string) {
	l.mu.Lock()
	l.header.Author = author
	l.mu.Unlock()
}

// SetFramerate меняет частоту кадров
func (l *Log) SetFramerate(num, den uint32) {
	l.mu.Lock()
	l.header.FramerateNum, l.header.FramerateDen = num, den
	l.mu.Unlock()
}

// IncrementRerecords увеличивает счётчик перезаписей
func (l *Log) IncrementRerecords() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.header.RerecordCount++
	return l.header.RerecordCount
}

// SetRerecords задаёт счётчик перезаписей (сохраняется при замене журнала)
func (l *Log) SetRerecords(n uint32) {
	l.mu.Lock()
	l.header.RerecordCount = n
	l.mu.Unlock()
}

// Mode возвращает режим работы журнала
func (l *Log) Mode() protocol.RecordingMode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

// SetMode меняет режим работы журнала
func (l *Log) SetMode(m protocol.RecordingMode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

// Len возвращает число кадров
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.frames))
}

// Playhead возвращает индекс первого ещё не использованного кадра
func (l *Log) Playhead() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.playhead
}

// SetPlayhead перемещает указатель воспроизведения (после загрузки состояния)
func (l *Log) SetPlayhead(frame uint64) {
	l.mu.Lock()
	l.playhead = frame
	l.mu.Unlock()
}

// Append добавляет кадр в конец. Допустимо только в режиме WRITE.
func (l *Log) Append(ai protocol.AllInputs) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != protocol.ModeWrite {
		return fmt.Errorf("append in %s: %w", l.mode, ErrWrongMode)
	}
	l.frames = append(l.frames, ai)
	l.playhead = uint64(len(l.frames))
	return nil
}

// ReadFrame читает кадр index. Допустимо только в режимах чтения.
func (l *Log) ReadFrame(index uint64, out *protocol.AllInputs) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.mode.Reading() {
		return fmt.Errorf("read in %s: %w", l.mode, ErrWrongMode)
	}
	if index >= uint64(len(l.frames)) {
		return fmt.Errorf("frame %d of %d: %w", index, len(l.frames), ErrEndOfMovie)
	}
	*out = l.frames[index]
	if index+1 > l.playhead {
		l.playhead = index + 1
	}
	return nil
}

// Frame возвращает кадр без проверки режима (для редактора и сравнения)
func (l *Log) Frame(index uint64) (protocol.AllInputs, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.frames)) {
		return protocol.AllInputs{}, false
	}
	return l.frames[index], true
}

// TruncateAt отбрасывает все кадры с индексом >= index
func (l *Log) TruncateAt(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < uint64(len(l.frames)) {
		l.logger.Debug("Truncating movie at frame %d (was %d frames)", index, len(l.frames))
		l.frames = l.frames[:index]
	}
	if l.playhead > index {
		l.playhead = index
	}
}

// InsertBefore вставляет кадр перед index, сдвигая последующие
func (l *Log) InsertBefore(index uint64, ai protocol.AllInputs) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < l.playhead {
		return fmt.Errorf("insert at %d, playhead %d: %w", index, l.playhead, ErrBeforePlayhead)
	}
	if index > uint64(len(l.frames)) {
		return fmt.Errorf("insert at %d past end %d", index, len(l.frames))
	}
	l.frames = append(l.frames, protocol.AllInputs{})
	copy(l.frames[index+1:], l.frames[index:])
	l.frames[index] = ai
	return nil
}

// DeleteAt удаляет кадр index, сдвигая последующие
func (l *Log) DeleteAt(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < l.playhead {
		return fmt.Errorf("delete at %d, playhead %d: %w", index, l.playhead, ErrBeforePlayhead)
	}
	if index >= uint64(len(l.frames)) {
		return fmt.Errorf("delete at %d past end %d", index, len(l.frames))
	}
	l.frames = append(l.frames[:index], l.frames[index+1:]...)
	return nil
}

// IsPrefixOf истинно, если каждый кадр этого журнала совпадает
// с кадром other под тем же индексом. Журнал длиннее other префиксом не является.
func (l *Log) IsPrefixOf(other *Log) bool {
	if l == other {
		return true
	}
	l.mu.RLock()
	mine := append([]protocol.AllInputs(nil), l.frames...)
	l.mu.RUnlock()

	other.mu.RLock()
	defer other.mu.RUnlock()

	if len(mine) > len(other.frames) {
		return false
	}
	for i := range mine {
		if mine[i] != other.frames[i] {
			return false
		}
	}
	return true
}

// CopyFrom заменяет кадры и заголовок содержимым other. Режим и указатель не меняются.
func (l *Log) CopyFrom(other *Log) {
	if l == other {
		return
	}
	other.mu.RLock()
	frames := append([]protocol.AllInputs(nil), other.frames...)
	header := other.header
	other.mu.RUnlock()

	l.mu.Lock()
	l.frames = frames
	l.header = header
	l.mu.Unlock()
}

// Clone возвращает независимую копию журнала
func (l *Log) Clone() *Log {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Log{
		header:   l.header,
		frames:   append([]protocol.AllInputs(nil), l.frames...),
		mode:     l.mode,
		playhead: l.playhead,
		logger:   l.logger,
	}
}
