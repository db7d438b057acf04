package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxKeys - ёмкость набора нажатых клавиш в одном кадре
	MaxKeys = 16
	// MaxControllers - число поддерживаемых контроллеров
	MaxControllers = 4
	// MaxAxes - число осей на контроллер
	MaxAxes = 6
	// MaxButtons - число кнопок на контроллер (битовая маска uint16)
	MaxButtons = 16

	// NoKey завершает список клавиш
	NoKey KeySym = 0
)

// KeySym - код клавиши в пространстве оконной системы
type KeySym uint32

// AllInputs - снимок всех источников ввода за один кадр.
// Фиксированный размер на проводе и в файле фильма.
type AllInputs struct {
	Keyboard          [MaxKeys]KeySym
	PointerX          int32
	PointerY          int32
	PointerMask       uint32
	ControllerAxes    [MaxControllers][MaxAxes]int16
	ControllerButtons [MaxControllers]uint16
}

// AllInputsSize - размер записи AllInputs в байтах
var AllInputsSize = binary.Size(AllInputs{})

// Empty сбрасывает все входы
func (ai *AllInputs) Empty() {
	*ai = AllInputs{}
}

// Keys возвращает нажатые клавиши до первого NoKey
func (ai *AllInputs) Keys() []KeySym {
	keys := make([]KeySym, 0, MaxKeys)
	for _, k := range ai.Keyboard {
		if k == NoKey {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

// HasKey проверяет, нажата ли клавиша
func (ai *AllInputs) HasKey(ks KeySym) bool {
	for _, k := range ai.Keyboard {
		if k == NoKey {
			return false
		}
		if k == ks {
			return true
		}
	}
	return false
}

// AddKey добавляет клавишу в конец списка. false, если набор полон или клавиша уже есть.
func (ai *AllInputs) AddKey(ks KeySym) bool {
	if ks == NoKey {
		return false
	}
	for i, k := range ai.Keyboard {
		if k == ks {
			return false
		}
		if k == NoKey {
			ai.Keyboard[i] = ks
			return true
		}
	}
	return false
}

// RemoveKey удаляет клавишу, переставляя последнюю на её место,
// чтобы список оставался без дыр.
func (ai *AllInputs) RemoveKey(ks KeySym) bool {
	idx, last := -1, -1
	for i, k := range ai.Keyboard {
		if k == NoKey {
			break
		}
		if k == ks {
			idx = i
		}
		last = i
	}
	if idx < 0 {
		return false
	}
	ai.Keyboard[idx] = ai.Keyboard[last]
	ai.Keyboard[last] = NoKey
	return true
}

// Button сообщает, нажата ли кнопка контроллера
func (ai *AllInputs) Button(controller, button int) bool {
	if controller < 0 || controller >= MaxControllers || button < 0 || button >= MaxButtons {
		return false
	}
	return ai.ControllerButtons[controller]&(1<<uint(button)) != 0
}

// ToggleButton инвертирует кнопку контроллера
func (ai *AllInputs) ToggleButton(controller, button int) error {
	if controller < 0 || controller >= MaxControllers || button < 0 || button >= MaxButtons {
		return fmt.Errorf("controller button out of range: %d/%d", controller, button)
	}
	ai.ControllerButtons[controller] ^= 1 << uint(button)
	return nil
}

// MarshalBinary кодирует запись в нативном порядке байт
func (ai *AllInputs) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(AllInputsSize)
	if err := binary.Write(&buf, ByteOrder, ai); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary декодирует запись фиксированного размера
func (ai *AllInputs) UnmarshalBinary(data []byte) error {
	if len(data) != AllInputsSize {
		return fmt.Errorf("all inputs record: want %d bytes, got %d", AllInputsSize, len(data))
	}
	return binary.Read(bytes.NewReader(data), ByteOrder, ai)
}

// ReadAllInputs читает одну запись из потока
func ReadAllInputs(r io.Reader) (AllInputs, error) {
	var ai AllInputs
	err := binary.Read(r, ByteOrder, &ai)
	return ai, err
}
