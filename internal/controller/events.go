package controller

import (
	"sync"

	"github.com/annel0/gotas/internal/protocol"
)

// EventType - тип события оконной системы
type EventType int

const (
	EventKeyPress EventType = iota
	EventKeyRelease
	EventFocusIn
	EventFocusOut
)

// Event - событие клавиатуры или фокуса
type Event struct {
	Type      EventType
	Key       protocol.KeySym
	Modifiers protocol.KeySym // маска ModShift/ModCtrl/ModAlt на момент события
}

// KeyPress строит событие нажатия из записи вида "shift+F1"
func KeyPress(key string) Event {
	return keyEvent(EventKeyPress, key)
}

// KeyRelease строит событие отпускания
func KeyRelease(key string) Event {
	return keyEvent(EventKeyRelease, key)
}

func keyEvent(t EventType, key string) Event {
	ks, err := ParseKey(key)
	if err != nil {
		panic(err)
	}
	return Event{Type: t, Key: ks &^ modMask, Modifiers: ks & modMask}
}

// EventSource - очередь событий фронтенда. Poll не блокирует.
// frame - граница, на которой идёт опрос; источники реального времени его игнорируют.
type EventSource interface {
	Poll(frame uint64) (Event, bool)
}

// FocusTarget - окно, владеющее фокусом ввода
type FocusTarget int

const (
	FocusNone FocusTarget = iota
	FocusGameWindow
	FocusControllerWindow
)

// InputSource снимает состояние живых устройств ввода
type InputSource interface {
	Sample(frame uint64) (protocol.AllInputs, error)
	Focus() FocusTarget
}

// ScriptedEvents выдаёт заранее расписанные события на заданных кадрах
type ScriptedEvents struct {
	mu     sync.Mutex
	events map[uint64][]Event
}

// NewScriptedEvents создаёт пустое расписание
func NewScriptedEvents() *ScriptedEvents {
	return &ScriptedEvents{events: make(map[uint64][]Event)}
}

// At добавляет события на кадр frame
func (s *ScriptedEvents) At(frame uint64, evs ...Event) *ScriptedEvents {
	s.mu.Lock()
	s.events[frame] = append(s.events[frame], evs...)
	s.mu.Unlock()
	return s
}

// Poll выдаёт следующее событие кадра
func (s *ScriptedEvents) Poll(frame uint64) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.events[frame]
	if len(queue) == 0 {
		return Event{}, false
	}
	ev := queue[0]
	if len(queue) == 1 {
		delete(s.events, frame)
	} else {
		s.events[frame] = queue[1:]
	}
	return ev, true
}

// Pending возвращает число ещё не выданных событий
func (s *ScriptedEvents) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.events {
		n += len(q)
	}
	return n
}

// ScriptedInputs вычисляет ввод функцией от номера кадра
type ScriptedInputs struct {
	fn    func(frame uint64) protocol.AllInputs
	mu    sync.Mutex
	focus FocusTarget
}

// NewScriptedInputs создаёт источник с фокусом на окне игры
func NewScriptedInputs(fn func(frame uint64) protocol.AllInputs) *ScriptedInputs {
	return &ScriptedInputs{fn: fn, focus: FocusGameWindow}
}

func (s *ScriptedInputs) Sample(frame uint64) (protocol.AllInputs, error) {
	if s.fn == nil {
		return protocol.AllInputs{}, nil
	}
	return s.fn(frame), nil
}

func (s *ScriptedInputs) Focus() FocusTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// SetFocus меняет окно с фокусом
func (s *ScriptedInputs) SetFocus(f FocusTarget) {
	s.mu.Lock()
	s.focus = f
	s.mu.Unlock()
}
