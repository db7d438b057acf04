package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/annel0/gotas/internal/logging"
)

// ImageHandle - ссылка на снятый образ памяти процесса
type ImageHandle struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageStore снимает и восстанавливает образ процесса. Ядро только проверяет
// условия до и после: остановку потоков перед снятием и набор потоков после восстановления.
type ImageStore interface {
	Capture(ctx context.Context, path string) (ImageHandle, error)
	Restore(ctx context.Context, handle ImageHandle) error
}

// Snapshotter отдаёт и принимает байты состояния процесса
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// FileImageStore хранит образ, полученный от Snapshotter, в файле со сжатием zstd
type FileImageStore struct {
	snap   Snapshotter
	logger *logging.Logger
}

// NewFileImageStore создаёт файловый сборщик образа
func NewFileImageStore(snap Snapshotter, logger *logging.Logger) *FileImageStore {
	return &FileImageStore{snap: snap, logger: logger}
}

// Capture снимает образ и атомарно записывает его по пути
func (s *FileImageStore) Capture(ctx context.Context, path string) (ImageHandle, error) {
	if err := ctx.Err(); err != nil {
		return ImageHandle{}, err
	}
	raw, err := s.snap.Snapshot()
	if err != nil {
		return ImageHandle{}, fmt.Errorf("failed to snapshot process state: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return ImageHandle{}, err
	}
	data := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	if err := writeFileAtomic(path, data); err != nil {
		return ImageHandle{}, fmt.Errorf("failed to write image: %w", err)
	}

	h := ImageHandle{
		ID:        uuid.NewString(),
		Path:      path,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}
	s.logger.Debug("📸 Image %s captured to %s (%d -> %d bytes)", h.ID, path, len(raw), len(data))
	return h, nil
}

// Restore читает образ и передаёт его Snapshotter
func (s *FileImageStore) Restore(ctx context.Context, handle ImageHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(handle.Path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("failed to decode image %s: %w", handle.Path, err)
	}

	if err := s.snap.Restore(raw); err != nil {
		return fmt.Errorf("failed to restore process state: %w", err)
	}
	s.logger.Debug("♻️ Image restored from %s", handle.Path)
	return nil
}

// writeFileAtomic пишет во временный файл и переименовывает, чтобы читатель
// никогда не видел половину записи
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
