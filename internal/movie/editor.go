package movie

import (
	"fmt"
	"sort"

	"github.com/annel0/gotas/internal/protocol"
)

// InputKind - вид одиночного входа
type InputKind uint8

const (
	InputKey InputKind = iota
	InputPointerButton
	InputControllerButton
)

// SingleInput описывает один вход внутри AllInputs: клавишу,
// кнопку указателя или кнопку контроллера.
type SingleInput struct {
	Kind       InputKind
	Controller int
	Value      uint32 // keysym или номер кнопки
}

func (si SingleInput) String() string {
	switch si.Kind {
	case InputKey:
		return fmt.Sprintf("key:0x%x", si.Value)
	case InputPointerButton:
		return fmt.Sprintf("pointer:%d", si.Value)
	default:
		return fmt.Sprintf("pad%d:%d", si.Controller, si.Value)
	}
}

// Pressed сообщает, активен ли вход в снимке
func (si SingleInput) Pressed(ai *protocol.AllInputs) bool {
	switch si.Kind {
	case InputKey:
		return ai.HasKey(protocol.KeySym(si.Value))
	case InputPointerButton:
		return si.Value < 32 && ai.PointerMask&(1<<si.Value) != 0
	case InputControllerButton:
		return ai.Button(si.Controller, int(si.Value))
	}
	return false
}

// ToggleInput инвертирует один вход в кадре frame. Кадры до указателя
// воспроизведения неизменяемы.
func (l *Log) ToggleInput(frame uint64, si SingleInput) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if frame < l.playhead {
		return fmt.Errorf("toggle %s at %d, playhead %d: %w", si, frame, l.playhead, ErrBeforePlayhead)
	}
	if frame >= uint64(len(l.frames)) {
		return fmt.Errorf("toggle %s at %d past end %d", si, frame, len(l.frames))
	}

	ai := &l.frames[frame]
	switch si.Kind {
	case InputKey:
		ks := protocol.KeySym(si.Value)
		if ai.HasKey(ks) {
			ai.RemoveKey(ks)
		} else if !ai.AddKey(ks) {
			return fmt.Errorf("frame %d: key set is full", frame)
		}
	case InputPointerButton:
		if si.Value >= 32 {
			return fmt.Errorf("pointer button %d out of range", si.Value)
		}
		ai.PointerMask ^= 1 << si.Value
	case InputControllerButton:
		return ai.ToggleButton(si.Controller, int(si.Value))
	default:
		return fmt.Errorf("unknown input kind %d", si.Kind)
	}
	return nil
}

// InputSet перечисляет различные входы, встречающиеся в журнале
func (l *Log) InputSet() []SingleInput {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[SingleInput]struct{})
	for i := range l.frames {
		ai := &l.frames[i]
		for _, k := range ai.Keys() {
			seen[SingleInput{Kind: InputKey, Value: uint32(k)}] = struct{}{}
		}
		for b := uint32(0); b < 32; b++ {
			if ai.PointerMask&(1<<b) != 0 {
				seen[SingleInput{Kind: InputPointerButton, Value: b}] = struct{}{}
			}
		}
		for c := 0; c < protocol.MaxControllers; c++ {
			for b := 0; b < protocol.MaxButtons; b++ {
				if ai.Button(c, b) {
					seen[SingleInput{Kind: InputControllerButton, Controller: c, Value: uint32(b)}] = struct{}{}
				}
			}
		}
	}

	out := make([]SingleInput, 0, len(seen))
	for si := range seen {
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Controller != b.Controller {
			return a.Controller < b.Controller
		}
		return a.Value < b.Value
	})
	return out
}
