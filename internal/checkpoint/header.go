// Package checkpoint описывает контрольные точки: заголовок потоков,
// контракт сборщика образа процесса и хранилище слотов.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/session"
	"github.com/annel0/gotas/internal/threads"
)

// MaxHeaderThreads - ёмкость заголовка, она же верхний потолок реестра потоков
const MaxHeaderThreads = threads.HeaderCapacity

// HeaderSuffix - расширение файла заголовка рядом с образом
const HeaderSuffix = ".hdr"

// Header - число живых потоков и их записи на момент снятия точки.
// Авторитетное описание того, какие потоки должны существовать после восстановления.
type Header struct {
	Threads []threads.ThreadInfo
}

// Count возвращает число потоков
func (h *Header) Count() int {
	return len(h.Threads)
}

type headerEntry struct {
	ID    uint64
	TID   int32
	State uint32
}

// MarshalBinary кодирует заголовок: число записей, затем записи с именами
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Threads) > MaxHeaderThreads {
		return nil, fmt.Errorf("%w: %d threads, header holds %d", threads.ErrCapacityExceeded, len(h.Threads), MaxHeaderThreads)
	}

	var buf bytes.Buffer
	order := protocol.ByteOrder
	if err := binary.Write(&buf, order, uint32(len(h.Threads))); err != nil {
		return nil, err
	}
	for _, t := range h.Threads {
		e := headerEntry{ID: uint64(t.ID), TID: t.TID, State: uint32(t.State)}
		if err := binary.Write(&buf, order, &e); err != nil {
			return nil, err
		}
		buf.Write(protocol.AppendBytes(nil, []byte(t.Name)))
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary декодирует заголовок
func (h *Header) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	order := protocol.ByteOrder

	var count uint32
	if err := binary.Read(r, order, &count); err != nil {
		return fmt.Errorf("checkpoint header: %w", err)
	}
	if count > MaxHeaderThreads {
		return fmt.Errorf("checkpoint header: %d threads exceeds capacity %d", count, MaxHeaderThreads)
	}

	list := make([]threads.ThreadInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var e headerEntry
		if err := binary.Read(r, order, &e); err != nil {
			return fmt.Errorf("checkpoint header entry %d: %w", i, err)
		}
		var n uint32
		if err := binary.Read(r, order, &n); err != nil {
			return fmt.Errorf("checkpoint header entry %d: %w", i, err)
		}
		if n > protocol.MaxStringSize {
			return fmt.Errorf("checkpoint header entry %d: name too long", i)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("checkpoint header entry %d: %w", i, err)
		}
		list = append(list, threads.ThreadInfo{
			ID:    session.ThreadID(e.ID),
			TID:   e.TID,
			Name:  string(name),
			State: threads.State(e.State),
		})
	}
	if r.Len() != 0 {
		return fmt.Errorf("checkpoint header: %d trailing bytes", r.Len())
	}
	h.Threads = list
	return nil
}

// WriteHeaderFile записывает заголовок рядом с образом состояния
func WriteHeaderFile(statePath string, h *Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return writeFileAtomic(statePath+HeaderSuffix, data)
}

// ReadHeaderFile читает заголовок, записанный рядом с образом
func ReadHeaderFile(statePath string) (*Header, error) {
	data, err := os.ReadFile(statePath + HeaderSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	var h Header
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &h, nil
}
