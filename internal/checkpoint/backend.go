package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SlotRecord - содержимое слота: где лежат образ и сопутствующий фильм,
// на каком кадре снята точка и заголовок потоков.
type SlotRecord struct {
	Slot      int       `json:"slot"`
	Game      string    `json:"game"`
	StatePath string    `json:"state_path"`
	MoviePath string    `json:"movie_path,omitempty"`
	Frame     uint64    `json:"frame"`
	Mode      string    `json:"mode"`
	Threads   int       `json:"threads"`
	Header    []byte    `json:"header,omitempty"`
	Rerecords uint32    `json:"rerecords"`
	SavedAt   time.Time `json:"saved_at"`
}

// Backend хранит записи слотов. Put заменяет слот целиком одной операцией.
type Backend interface {
	Put(ctx context.Context, rec SlotRecord) error
	Get(ctx context.Context, slot int) (SlotRecord, bool, error)
	Delete(ctx context.Context, slot int) error
	List(ctx context.Context) ([]SlotRecord, error)
	Close() error
}

// MemoryBackend хранит слоты в памяти.
// ВНИМАНИЕ: слоты теряются при перезапуске контроллера!
type MemoryBackend struct {
	mu    sync.RWMutex
	slots map[int]SlotRecord
}

// NewMemoryBackend создаёт хранилище слотов в памяти
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: make(map[int]SlotRecord)}
}

// Put сохраняет запись слота
func (m *MemoryBackend) Put(ctx context.Context, rec SlotRecord) error {
	if err := validSlot(rec.Slot); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rec.Header = append([]byte(nil), rec.Header...)
	m.mu.Lock()
	m.slots[rec.Slot] = rec
	m.mu.Unlock()
	return nil
}

// Get возвращает запись слота
func (m *MemoryBackend) Get(ctx context.Context, slot int) (SlotRecord, bool, error) {
	if err := validSlot(slot); err != nil {
		return SlotRecord{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.slots[slot]
	return rec, ok, nil
}

// Delete удаляет запись слота
func (m *MemoryBackend) Delete(ctx context.Context, slot int) error {
	m.mu.Lock()
	delete(m.slots, slot)
	m.mu.Unlock()
	return nil
}

// List возвращает все записи по возрастанию номера слота
func (m *MemoryBackend) List(ctx context.Context) ([]SlotRecord, error) {
	m.mu.RLock()
	out := make([]SlotRecord, 0, len(m.slots))
	for _, rec := range m.slots {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

// Close ничего не делает
func (m *MemoryBackend) Close() error {
	return nil
}

func validSlot(slot int) error {
	if slot < MinSlot || slot > MaxSlot {
		return fmt.Errorf("недействительный слот: %d (должен быть %d-%d)", slot, MinSlot, MaxSlot)
	}
	return nil
}

func sortRecords(recs []SlotRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Slot < recs[j].Slot })
}

func slotKey(prefix, game string, slot int) string {
	return fmt.Sprintf("%s%s:%d", prefix, game, slot)
}
