package controller

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/protocol"
)

// Action - действие горячей клавиши
type Action int

const (
	ActionNone Action = iota
	ActionFrameAdvance
	ActionPlayPause
	ActionFastForward
	ActionReadWrite
	ActionToggleEncode
	ActionQuit
	ActionSave1 // ActionSave1 + (n-1) сохраняет в слот n
	ActionLoad1 = ActionSave1 + checkpoint.MaxSlot
)

var actionNames = map[Action]string{
	ActionFrameAdvance: "frame_advance",
	ActionPlayPause:    "play_pause",
	ActionFastForward:  "fast_forward",
	ActionReadWrite:    "read_write",
	ActionToggleEncode: "toggle_encode",
	ActionQuit:         "quit",
}

// SaveSlot возвращает слот сохранения или 0
func (a Action) SaveSlot() int {
	if a >= ActionSave1 && a < ActionSave1+checkpoint.MaxSlot {
		return int(a-ActionSave1) + 1
	}
	return 0
}

// LoadSlot возвращает слот загрузки или 0
func (a Action) LoadSlot() int {
	if a >= ActionLoad1 && a < ActionLoad1+checkpoint.MaxSlot {
		return int(a-ActionLoad1) + 1
	}
	return 0
}

func (a Action) String() string {
	if n := a.SaveSlot(); n > 0 {
		return "save" + strconv.Itoa(n)
	}
	if n := a.LoadSlot(); n > 0 {
		return "load" + strconv.Itoa(n)
	}
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "none"
}

// ParseAction разбирает имя действия: frame_advance, save3, load7…
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	for prefix, base := range map[string]Action{"save": ActionSave1, "load": ActionLoad1} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n < checkpoint.MinSlot || n > checkpoint.MaxSlot {
				return ActionNone, fmt.Errorf("bad slot in action %q", s)
			}
			return base + Action(n-1), nil
		}
	}
	return ActionNone, fmt.Errorf("unknown action %q", s)
}

// Модификаторы занимают старшие биты, свободные в пространстве KeySym
const (
	ModShift protocol.KeySym = 1 << 29
	ModCtrl  protocol.KeySym = 1 << 30
	ModAlt   protocol.KeySym = 1 << 31

	modMask = ModShift | ModCtrl | ModAlt
)

// Коды клавиш X11, используемые по умолчанию
const (
	KeyTab    protocol.KeySym = 0xff09
	KeyReturn protocol.KeySym = 0xff0d
	KeyPause  protocol.KeySym = 0xff13
	KeyEscape protocol.KeySym = 0xff1b
	KeyF1     protocol.KeySym = 0xffbe
	KeyShiftL protocol.KeySym = 0xffe1
	KeyHyperR protocol.KeySym = 0xffee
)

var keyNames = map[string]protocol.KeySym{
	"tab":    KeyTab,
	"return": KeyReturn,
	"enter":  KeyReturn,
	"pause":  KeyPause,
	"escape": KeyEscape,
	"space":  0x20,
	"grave":  0x60,
}

// IsModifier сообщает, является ли клавиша модификатором (Shift, Control, Alt…)
func IsModifier(ks protocol.KeySym) bool {
	ks &^= modMask
	return ks >= KeyShiftL && ks <= KeyHyperR
}

// ParseKey разбирает запись вида "shift+ctrl+F1", "v", "Pause" или "0xff13"
func ParseKey(s string) (protocol.KeySym, error) {
	parts := strings.Split(strings.TrimSpace(s), "+")
	var mods protocol.KeySym
	for _, p := range parts[:len(parts)-1] {
		switch strings.ToLower(p) {
		case "shift":
			mods |= ModShift
		case "ctrl", "control":
			mods |= ModCtrl
		case "alt":
			mods |= ModAlt
		default:
			return 0, fmt.Errorf("unknown modifier %q in %q", p, s)
		}
	}

	name := parts[len(parts)-1]
	lower := strings.ToLower(name)
	switch {
	case name == "":
		return 0, fmt.Errorf("empty key in %q", s)
	case keyNames[lower] != 0:
		return keyNames[lower] | mods, nil
	case len(lower) >= 2 && lower[0] == 'f' && isDigits(lower[1:]):
		n, _ := strconv.Atoi(lower[1:])
		if n < 1 || n > 35 {
			return 0, fmt.Errorf("function key out of range in %q", s)
		}
		return (KeyF1 + protocol.KeySym(n-1)) | mods, nil
	case strings.HasPrefix(lower, "0x"):
		v, err := strconv.ParseUint(lower[2:], 16, 32)
		if err != nil || protocol.KeySym(v)&modMask != 0 {
			return 0, fmt.Errorf("bad keysym in %q", s)
		}
		return protocol.KeySym(v) | mods, nil
	case len(lower) == 1 && lower[0] >= 0x20 && lower[0] < 0x7f:
		return protocol.KeySym(lower[0]) | mods, nil
	}
	return 0, fmt.Errorf("unknown key %q", s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// HotkeyMap связывает клавишу (с модификаторами) и действие
type HotkeyMap map[protocol.KeySym]Action

// DefaultHotkeys: F1-F9 загрузка, Shift+F1-F9 сохранение, Pause, v, Tab
func DefaultHotkeys() HotkeyMap {
	m := HotkeyMap{
		KeyPause:      ActionPlayPause,
		'v':           ActionFrameAdvance,
		KeyTab:        ActionFastForward,
		'o' | ModCtrl: ActionReadWrite,
		'e' | ModCtrl: ActionToggleEncode,
		'q' | ModCtrl: ActionQuit,
	}
	for i := 0; i < checkpoint.MaxSlot; i++ {
		m[KeyF1+protocol.KeySym(i)] = ActionLoad1 + Action(i)
		m[(KeyF1+protocol.KeySym(i))|ModShift] = ActionSave1 + Action(i)
	}
	return m
}

// ParseHotkeys строит таблицу из конфигурации поверх значений по умолчанию
func ParseHotkeys(entries map[string]string) (HotkeyMap, error) {
	m := DefaultHotkeys()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ks, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		a, err := ParseAction(entries[k])
		if err != nil {
			return nil, fmt.Errorf("hotkey %s: %w", k, err)
		}
		m[ks] = a
	}
	return m, nil
}

// Resolve ищет действие сначала с модификаторами, затем без них.
// Сами модификаторы горячими клавишами не бывают.
func (m HotkeyMap) Resolve(ev Event) (Action, bool) {
	if IsModifier(ev.Key) {
		return ActionNone, false
	}
	if a, ok := m[ev.Key|ev.Modifiers]; ok {
		return a, true
	}
	a, ok := m[ev.Key]
	return a, ok
}
