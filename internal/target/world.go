package target

import (
	"encoding/json"
	"sync"

	"github.com/annel0/gotas/internal/protocol"
)

// State - всё, что видит синтетическая игра
type State struct {
	Tick     uint64 `json:"tick"`
	X        int32  `json:"x"`
	Y        int32  `json:"y"`
	Clicks   uint64 `json:"clicks"`
	KeysHeld uint64 `json:"keys_held"`
	Checksum uint64 `json:"checksum"`
}

// World - состояние игры. Меняется только главным потоком,
// по одному шагу на кадр, и целиком входит в образ процесса.
type World struct {
	mu    sync.Mutex
	state State
}

// NewWorld создаёт пустой мир
func NewWorld() *World {
	return &World{}
}

// Step применяет ввод кадра
func (w *World) Step(ai protocol.AllInputs) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := &w.state
	s.Tick++
	s.X, s.Y = ai.PointerX, ai.PointerY
	if ai.PointerMask != 0 {
		s.Clicks++
	}
	keys := ai.Keys()
	s.KeysHeld += uint64(len(keys))

	// FNV-1a по всему, что видела игра
	h := s.Checksum
	if h == 0 {
		h = 14695981039346656037
	}
	for _, v := range []uint64{s.Tick, uint64(uint32(s.X)), uint64(uint32(s.Y)), uint64(ai.PointerMask)} {
		h ^= v
		h *= 1099511628211
	}
	for _, k := range keys {
		h ^= uint64(k)
		h *= 1099511628211
	}
	s.Checksum = h
}

// Snapshot возвращает копию состояния
func (w *World) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *World) MarshalState() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.Marshal(w.state)
}

func (w *World) UnmarshalState(data []byte) error {
	var restored State
	if err := json.Unmarshal(data, &restored); err != nil {
		return err
	}
	w.mu.Lock()
	w.state = restored
	w.mu.Unlock()
	return nil
}
