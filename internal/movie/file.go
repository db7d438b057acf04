package movie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/protocol"
)

// Формат файла:
//
//	magic "GTAS", версия (4 байта)
//	framerate num, den (по 4 байта), число кадров (8), перезаписи (4), режим (4)
//	автор: длина (4) + байты
//	число кадров записей AllInputs фиксированного размера
//
// Весь файл может быть обёрнут в zstd кадр, это определяется по magic при загрузке.
const (
	fileMagic   = "GTAS"
	fileVersion = uint32(1)
	maxAuthor   = 4096
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type fileHeader struct {
	FramerateNum  uint32
	FramerateDen  uint32
	FrameCount    uint64
	RerecordCount uint32
	Mode          int32
}

// Encode сериализует журнал в байты файла
func (l *Log) Encode() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var buf bytes.Buffer
	buf.Grow(64 + len(l.header.Author) + len(l.frames)*protocol.AllInputsSize)
	buf.WriteString(fileMagic)
	order := protocol.ByteOrder

	fh := fileHeader{
		FramerateNum:  l.header.FramerateNum,
		FramerateDen:  l.header.FramerateDen,
		FrameCount:    uint64(len(l.frames)),
		RerecordCount: l.header.RerecordCount,
		Mode:          int32(l.header.Mode),
	}
	if err := binary.Write(&buf, order, fileVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, order, &fh); err != nil {
		return nil, err
	}
	buf.Write(protocol.AppendBytes(nil, []byte(l.header.Author)))
	for i := range l.frames {
		if err := binary.Write(&buf, order, &l.frames[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode разбирает байты файла. Несовпадение заявленного числа кадров
// с фактическим даёт ErrCorruptMovie.
func Decode(data []byte) (Header, []protocol.AllInputs, error) {
	var h Header
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return h, nil, err
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return h, nil, fmt.Errorf("%w: zstd: %v", ErrCorruptMovie, err)
		}
	}

	r := bytes.NewReader(data)
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != fileMagic {
		return h, nil, fmt.Errorf("%w: bad magic", ErrCorruptMovie)
	}

	order := protocol.ByteOrder
	var version uint32
	if err := binary.Read(r, order, &version); err != nil {
		return h, nil, fmt.Errorf("%w: truncated header", ErrCorruptMovie)
	}
	if version != fileVersion {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptMovie, version)
	}

	var fh fileHeader
	if err := binary.Read(r, order, &fh); err != nil {
		return h, nil, fmt.Errorf("%w: truncated header", ErrCorruptMovie)
	}
	var authorLen uint32
	if err := binary.Read(r, order, &authorLen); err != nil || authorLen > maxAuthor {
		return h, nil, fmt.Errorf("%w: bad author field", ErrCorruptMovie)
	}
	author := make([]byte, authorLen)
	if _, err := io.ReadFull(r, author); err != nil {
		return h, nil, fmt.Errorf("%w: truncated author", ErrCorruptMovie)
	}

	rest := r.Len()
	if rest%protocol.AllInputsSize != 0 {
		return h, nil, fmt.Errorf("%w: partial frame record (%d trailing bytes)", ErrCorruptMovie, rest%protocol.AllInputsSize)
	}
	present := uint64(rest / protocol.AllInputsSize)
	if present != fh.FrameCount {
		return h, nil, fmt.Errorf("%w: header declares %d frames, file holds %d", ErrCorruptMovie, fh.FrameCount, present)
	}

	frames := make([]protocol.AllInputs, present)
	for i := range frames {
		ai, err := protocol.ReadAllInputs(r)
		if err != nil {
			return h, nil, fmt.Errorf("%w: frame %d: %v", ErrCorruptMovie, i, err)
		}
		frames[i] = ai
	}

	h = Header{
		FramerateNum:  fh.FramerateNum,
		FramerateDen:  fh.FramerateDen,
		FrameCount:    fh.FrameCount,
		RerecordCount: fh.RerecordCount,
		Mode:          protocol.RecordingMode(fh.Mode),
		Author:        string(author),
	}
	return h, frames, nil
}

// Save записывает журнал в файл. Запись атомарна: временный файл и переименование.
func (l *Log) Save(path string, compress bool) error {
	data, err := l.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode movie: %w", err)
	}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create movie directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create movie file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write movie: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit movie: %w", err)
	}

	l.logger.Debug("💾 Movie saved to %s (%d frames)", path, l.Len())
	return nil
}

// Load заменяет заголовок и кадры содержимым файла. Режим работы не меняется,
// указатель воспроизведения сбрасывается в ноль.
func (l *Log) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read movie %s: %w", path, err)
	}
	h, frames, err := Decode(data)
	if err != nil {
		return fmt.Errorf("movie %s: %w", path, err)
	}

	l.mu.Lock()
	l.header = h
	l.frames = frames
	l.playhead = 0
	l.mu.Unlock()

	l.logger.Debug("📂 Movie loaded from %s (%d frames, %d rerecords)", path, len(frames), h.RerecordCount)
	return nil
}

// LoadFile создаёт журнал из файла
func LoadFile(path string, logger *logging.Logger) (*Log, error) {
	l := New(Header{}, logger)
	if err := l.Load(path); err != nil {
		return nil, err
	}
	l.SetMode(l.Header().Mode)
	return l, nil
}
