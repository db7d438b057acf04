package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/protocol"
)

// Console - текстовый фронтенд: команды построчно из потока (обычно stdin).
// Он одновременно источник событий горячих клавиш и живого ввода.
//
//	F1 | shift+F1     нажать и отпустить горячую клавишу
//	press v / release v
//	hold d / drop d   держать клавишу игры
//	pointer 10 20 1   положение и кнопки указателя
//	focus game|ui|none
type Console struct {
	logger *logging.Logger

	mu     sync.Mutex
	queue  []Event
	inputs protocol.AllInputs
	focus  FocusTarget
}

// NewConsole создаёт консоль с фокусом на окне игры
func NewConsole(logger *logging.Logger) *Console {
	if logger == nil {
		logger = logging.GetControllerLogger()
	}
	return &Console{logger: logger, focus: FocusGameWindow}
}

// Start читает команды из r до EOF или отмены ctx. Метод неблокирующий.
func (c *Console) Start(ctx context.Context, r io.Reader) {
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			if err := c.Exec(sc.Text()); err != nil {
				c.logger.Warn("⌨️ %v", err)
			}
		}
	}()
}

// Exec выполняет одну команду
func (c *Console) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	arg := func() (protocol.KeySym, error) {
		if len(fields) != 2 {
			return 0, fmt.Errorf("%s: want one key", fields[0])
		}
		return ParseKey(fields[1])
	}

	switch strings.ToLower(fields[0]) {
	case "press", "release":
		ks, err := arg()
		if err != nil {
			return err
		}
		t := EventKeyPress
		if strings.EqualFold(fields[0], "release") {
			t = EventKeyRelease
		}
		c.queue = append(c.queue, Event{Type: t, Key: ks &^ modMask, Modifiers: ks & modMask})
	case "hold", "drop":
		ks, err := arg()
		if err != nil {
			return err
		}
		if strings.EqualFold(fields[0], "hold") {
			c.inputs.AddKey(ks &^ modMask)
		} else {
			c.inputs.RemoveKey(ks &^ modMask)
		}
	case "pointer":
		if len(fields) < 3 || len(fields) > 4 {
			return fmt.Errorf("pointer: want x y [mask]")
		}
		x, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("pointer x: %w", err)
		}
		y, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return fmt.Errorf("pointer y: %w", err)
		}
		var mask uint64
		if len(fields) == 4 {
			if mask, err = strconv.ParseUint(fields[3], 10, 32); err != nil {
				return fmt.Errorf("pointer mask: %w", err)
			}
		}
		c.inputs.PointerX, c.inputs.PointerY, c.inputs.PointerMask = int32(x), int32(y), uint32(mask)
	case "focus":
		if len(fields) != 2 {
			return fmt.Errorf("focus: want game, ui or none")
		}
		prev := c.focus
		switch strings.ToLower(fields[1]) {
		case "game":
			c.focus = FocusGameWindow
		case "ui":
			c.focus = FocusControllerWindow
		case "none":
			c.focus = FocusNone
		default:
			return fmt.Errorf("focus: unknown window %q", fields[1])
		}
		if prev != c.focus {
			c.queue = append(c.queue, Event{Type: EventFocusOut}, Event{Type: EventFocusIn})
		}
	default:
		if len(fields) != 1 {
			return fmt.Errorf("unknown command %q", line)
		}
		ks, err := ParseKey(fields[0])
		if err != nil {
			return err
		}
		ev := Event{Key: ks &^ modMask, Modifiers: ks & modMask}
		ev.Type = EventKeyPress
		c.queue = append(c.queue, ev)
		ev.Type = EventKeyRelease
		c.queue = append(c.queue, ev)
	}
	return nil
}

// Poll выдаёт следующее событие из очереди независимо от кадра
func (c *Console) Poll(uint64) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Event{}, false
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	return ev, true
}

func (c *Console) Sample(uint64) (protocol.AllInputs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs, nil
}

func (c *Console) Focus() FocusTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}
