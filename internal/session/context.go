// Package session хранит общее состояние сессии: режим записи, счётчик кадров,
// конфигурацию, идентичность главного потока и опубликованный ввод кадра.
//
// Изменять контекст может только поток, ведущий протокол границ кадров.
// Остальные потоки лишь читают главный поток и опубликованный ввод.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/gotas/internal/protocol"
)

// ThreadID - идентификатор потока целевого процесса. Ноль не используется.
type ThreadID uint64

// NoThread означает, что главный поток ещё не назначен
const NoThread ThreadID = 0

// DirtyFlags - отложенные изменения, которые нужно передать на следующей границе
type DirtyFlags uint32

const (
	DirtyConfig DirtyFlags = 1 << iota
	DirtyDumpFile
)

// Context - контекст сессии. Передаётся по ссылке координатору, реестру и контроллеру.
type Context struct {
	mu     sync.RWMutex
	config protocol.SharedConfig
	dirty  DirtyFlags

	frame      atomic.Uint64
	mainThread atomic.Uint64
	inputs     atomic.Pointer[protocol.AllInputs]

	// дополнительное время, накопленное главным потоком сверх кадров
	extraTime atomic.Int64
}

// New создаёт контекст с начальной конфигурацией
func New(cfg protocol.SharedConfig) *Context {
	c := &Context{config: cfg}
	c.inputs.Store(&protocol.AllInputs{})
	return c
}

// Config возвращает копию конфигурации
func (c *Context) Config() protocol.SharedConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetConfig заменяет конфигурацию (цель получила CONFIG)
func (c *Context) SetConfig(cfg protocol.SharedConfig) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
}

// UpdateConfig изменяет конфигурацию и помечает её к отправке
func (c *Context) UpdateConfig(fn func(cfg *protocol.SharedConfig)) {
	c.mu.Lock()
	fn(&c.config)
	c.dirty |= DirtyConfig
	c.mu.Unlock()
}

// Mode возвращает текущий режим записи
func (c *Context) Mode() protocol.RecordingMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.RecordingMode
}

// SetMode меняет режим записи
func (c *Context) SetMode(m protocol.RecordingMode) {
	c.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.RecordingMode = m })
}

// MarkDirty помечает изменения к отправке
func (c *Context) MarkDirty(f DirtyFlags) {
	c.mu.Lock()
	c.dirty |= f
	c.mu.Unlock()
}

// TakeDirty возвращает и сбрасывает отложенные изменения
func (c *Context) TakeDirty() DirtyFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.dirty
	c.dirty = 0
	return f
}

// FrameCount возвращает номер текущего кадра
func (c *Context) FrameCount() uint64 {
	return c.frame.Load()
}

// AdvanceFrame увеличивает счётчик ровно на один и возвращает новое значение
func (c *Context) AdvanceFrame() uint64 {
	return c.frame.Add(1)
}

// SetFrameCount устанавливает счётчик после восстановления состояния
func (c *Context) SetFrameCount(n uint64) {
	c.frame.Store(n)
}

// SetMainThread назначает главный поток. Первый вызов побеждает.
func (c *Context) SetMainThread(id ThreadID) bool {
	if id == NoThread {
		return false
	}
	return c.mainThread.CompareAndSwap(uint64(NoThread), uint64(id))
}

// MainThread возвращает главный поток, если он назначен
func (c *Context) MainThread() (ThreadID, bool) {
	id := ThreadID(c.mainThread.Load())
	return id, id != NoThread
}

// IsMainThread истинно для главного потока, а пока он не назначен - для любого потока
func (c *Context) IsMainThread(id ThreadID) bool {
	main, ok := c.MainThread()
	return !ok || main == id
}

// PublishInputs делает ввод кадра видимым всем точкам перехвата
func (c *Context) PublishInputs(ai protocol.AllInputs) {
	c.inputs.Store(&ai)
}

// Inputs возвращает опубликованный ввод текущего кадра
func (c *Context) Inputs() protocol.AllInputs {
	return *c.inputs.Load()
}

// FramePeriod возвращает длительность кадра из частоты кадров
func (c *Context) FramePeriod() time.Duration {
	cfg := c.Config()
	if cfg.FramerateNum == 0 {
		return 0
	}
	den := cfg.FramerateDen
	if den == 0 {
		den = 1
	}
	return time.Duration(int64(time.Second) * int64(den) / int64(cfg.FramerateNum))
}

// Now возвращает детерминированное время: начальное время,
// плюс по периоду на каждый завершённый кадр, плюс накопленное главным потоком.
func (c *Context) Now() time.Time {
	cfg := c.Config()
	base := time.Unix(cfg.InitialTimeSec, cfg.InitialTimeNsec)
	elapsed := time.Duration(c.FrameCount())*c.FramePeriod() + time.Duration(c.extraTime.Load())
	return base.Add(elapsed)
}

// AdvanceTime продвигает часы (например, при sleep). Только главный поток может двигать время.
func (c *Context) AdvanceTime(caller ThreadID, d time.Duration) bool {
	if d <= 0 || !c.IsMainThread(caller) {
		return false
	}
	c.extraTime.Add(int64(d))
	return true
}

// ExtraTime и SetExtraTime нужны образу процесса для сохранения часов
func (c *Context) ExtraTime() time.Duration {
	return time.Duration(c.extraTime.Load())
}

func (c *Context) SetExtraTime(d time.Duration) {
	c.extraTime.Store(int64(d))
}
