// Package controller реализует цикл контроллера: на каждой границе кадра он
// опрашивает горячие клавиши, выполняет команды сохранения и загрузки
// состояния, вычисляет ввод кадра и передаёт его целевому процессу.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/eventbus"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
	"github.com/annel0/gotas/internal/movie"
	"github.com/annel0/gotas/internal/network"
	"github.com/annel0/gotas/internal/observability"
	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/session"
)

// EndPolicy - поведение при исчерпании фильма в режимах чтения
type EndPolicy int

const (
	EndDisable EndPolicy = iota // перейти в DISABLED и брать живой ввод
	EndHold                     // повторять последний кадр
	EndStop                     // завершить сессию
)

func (p EndPolicy) String() string {
	switch p {
	case EndHold:
		return "hold"
	case EndStop:
		return "stop"
	default:
		return "disable"
	}
}

// ParseEndPolicy разбирает имя политики. Пустая строка - disable.
func ParseEndPolicy(s string) (EndPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disable":
		return EndDisable, nil
	case "hold":
		return EndHold, nil
	case "stop":
		return EndStop, nil
	}
	return EndDisable, fmt.Errorf("unknown end-of-movie policy %q", s)
}

// FocusPolicy - при каком фокусе принимается ввод с устройств
type FocusPolicy uint8

const (
	FocusGame FocusPolicy = 1 << iota
	FocusUI
	FocusAlways
)

// ParseFocusPolicy разбирает список "game", "ui", "always" (или "all")
func ParseFocusPolicy(names []string) (FocusPolicy, error) {
	var p FocusPolicy
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "game":
			p |= FocusGame
		case "ui":
			p |= FocusUI
		case "always", "all":
			p |= FocusAlways
		default:
			return 0, fmt.Errorf("unknown focus policy %q", n)
		}
	}
	return p, nil
}

// Accepts сообщает, принимается ли ввод при данном фокусе
func (p FocusPolicy) Accepts(f FocusTarget) bool {
	switch {
	case p&FocusAlways != 0:
		return true
	case f == FocusGameWindow:
		return p&FocusGame != 0
	case f == FocusControllerWindow:
		return p&FocusUI != 0
	}
	return false
}

// Options - параметры сессии контроллера
type Options struct {
	Game      string // имя игры, префикс файлов состояний
	MoviePath string // -r / -w
	DumpFile  string // -d
	Mode      protocol.RecordingMode
	Author    string

	FramerateNum  uint32
	FramerateDen  uint32
	CompressMovie bool
	EndPolicy     EndPolicy
	PauseFrame    uint64 // 0 - не останавливаться

	Focus        FocusPolicy
	MouseSupport bool
	Controllers  int
	Hotkeys      HotkeyMap

	AutoRepeatDelay     time.Duration // через сколько удержание v начинает повторять кадры
	AutoRepeatFrequency int           // раз в сколько опросов повторять
	PollInterval        time.Duration

	SessionID      string
	StrictOrdering bool // CONFIG на каждой границе
	LoggingLevel   logging.LogLevel
}

// Deps - зависимости цикла
type Deps struct {
	Channel *network.Channel
	Store   *checkpoint.Store
	Events  EventSource
	Inputs  InputSource
	Bus     eventbus.EventBus // nil - глобальная шина
	Metrics *metrics.Collector
	Monitor *TargetMonitor
	Logger  *logging.Logger
}

// Controller - управляющая сторона сессии. Run ведёт протокол в одном потоке,
// Status можно вызывать из других.
type Controller struct {
	opts    Options
	ch      *network.Channel
	store   *checkpoint.Store
	events  EventSource
	inputs  InputSource
	bus     eventbus.EventBus
	metrics *metrics.Collector
	monitor *TargetMonitor
	logger  *logging.Logger
	tracer  oteltrace.Tracer

	sess    *session.Context // зеркало конфигурации цели и отложенные изменения
	movie   *movie.Log
	hotkeys HotkeyMap

	frame         atomic.Uint64
	pid           atomic.Int32
	lastSavedSlot atomic.Int32

	windowID  uint64
	hasWindow bool

	quitting    bool
	advanceOnce bool
	arHeld      bool
	arSince     time.Time
	arTicks     int
	lastInputs  protocol.AllInputs

	errMu     sync.Mutex
	lastError string
}

// New создаёт контроллер. Для режимов чтения фильм загружается из MoviePath.
func New(opts Options, deps Deps) (*Controller, error) {
	if deps.Channel == nil || deps.Store == nil {
		return nil, errors.New("controller requires a channel and a savestate store")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetControllerLogger()
	}
	if deps.Events == nil {
		deps.Events = NewScriptedEvents()
	}
	if deps.Inputs == nil {
		deps.Inputs = NewScriptedInputs(nil)
	}
	if opts.FramerateNum == 0 {
		opts.FramerateNum, opts.FramerateDen = 60, 1
	}
	if opts.FramerateDen == 0 {
		opts.FramerateDen = 1
	}
	if opts.Focus == 0 {
		opts.Focus = FocusGame | FocusUI
	}
	if opts.Hotkeys == nil {
		opts.Hotkeys = DefaultHotkeys()
	}
	if opts.AutoRepeatFrequency <= 0 {
		opts.AutoRepeatFrequency = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Controllers > protocol.MaxControllers {
		return nil, fmt.Errorf("at most %d controllers are supported", protocol.MaxControllers)
	}

	log, err := openMovie(opts, deps.Logger)
	if err != nil {
		return nil, err
	}

	cfg := protocol.DefaultSharedConfig()
	cfg.RecordingMode = opts.Mode
	cfg.FramerateNum, cfg.FramerateDen = opts.FramerateNum, opts.FramerateDen
	cfg.MouseSupport = opts.MouseSupport
	cfg.NumControllers = int32(opts.Controllers)
	cfg.AVDumping = opts.DumpFile != ""
	cfg.MovieFrameCount = log.Len()
	cfg.LoggingLevel = int32(opts.LoggingLevel)

	return &Controller{
		opts:    opts,
		ch:      deps.Channel,
		store:   deps.Store,
		events:  deps.Events,
		inputs:  deps.Inputs,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		monitor: deps.Monitor,
		logger:  deps.Logger,
		tracer:  observability.Tracer(),
		sess:    session.New(cfg),
		movie:   log,
		hotkeys: opts.Hotkeys,
	}, nil
}

// openMovie открывает фильм для чтения или создаёт пустой
func openMovie(opts Options, logger *logging.Logger) (*movie.Log, error) {
	if opts.Mode.Reading() {
		if opts.MoviePath == "" {
			return nil, fmt.Errorf("%s requires a movie file", opts.Mode)
		}
		log, err := movie.LoadFile(opts.MoviePath, logger)
		if err != nil {
			return nil, err
		}
		log.SetMode(opts.Mode)
		return log, nil
	}
	if opts.Mode == protocol.ModeWrite && opts.MoviePath == "" {
		return nil, errors.New("WRITE requires a movie file")
	}
	return movie.New(movie.Header{
		FramerateNum: opts.FramerateNum,
		FramerateDen: opts.FramerateDen,
		Mode:         opts.Mode,
		Author:       opts.Author,
	}, logger), nil
}

// Movie возвращает живой фильм сессии
func (c *Controller) Movie() *movie.Log {
	return c.movie
}

// Mode возвращает текущий режим записи
func (c *Controller) Mode() protocol.RecordingMode {
	return c.sess.Mode()
}

// Frame возвращает номер последней начатой границы
func (c *Controller) Frame() uint64 {
	return c.frame.Load()
}

// LastError возвращает последнее сообщение ERROR_MSG цели
func (c *Controller) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

// Status - снимок состояния сессии для API
type Status struct {
	SessionID     string `json:"session_id"`
	Game          string `json:"game"`
	Frame         uint64 `json:"frame"`
	Mode          string `json:"mode"`
	Running       bool   `json:"running"`
	FastForward   bool   `json:"fast_forward"`
	AVDumping     bool   `json:"av_dumping"`
	MovieFrames   uint64 `json:"movie_frames"`
	Rerecords     uint32 `json:"rerecords"`
	PID           int32  `json:"pid"`
	LastSavedSlot int32  `json:"last_saved_slot"`
	LastError     string `json:"last_error,omitempty"`

	Transport network.ConnectionStats `json:"transport"`
	Target    *TargetSample           `json:"target,omitempty"`
}

// Status возвращает снимок состояния
func (c *Controller) Status() Status {
	cfg := c.sess.Config()
	h := c.movie.Header()
	st := Status{
		SessionID:     c.opts.SessionID,
		Game:          c.opts.Game,
		Frame:         c.frame.Load(),
		Mode:          cfg.RecordingMode.String(),
		Running:       cfg.Running,
		FastForward:   cfg.FastForward,
		AVDumping:     cfg.AVDumping,
		MovieFrames:   h.FrameCount,
		Rerecords:     h.RerecordCount,
		PID:           c.pid.Load(),
		LastSavedSlot: c.lastSavedSlot.Load(),
		LastError:     c.LastError(),
		Transport:     c.ch.Stats(),
	}
	if c.monitor != nil {
		if sample := c.monitor.Last(); !sample.At.IsZero() {
			st.Target = &sample
		}
	}
	return st
}

// Run проводит рукопожатие и обслуживает границы кадров до выхода.
// nil означает штатное завершение: пользователь вышел или цель прислала QUIT.
func (c *Controller) Run(ctx context.Context) (err error) {
	c.logger.Info("🎬 Session %s started in %s", c.opts.SessionID, c.sess.Mode())
	c.emit(ctx, eventbus.EventSessionStarted, map[string]interface{}{
		"game":  c.opts.Game,
		"mode":  c.sess.Mode().String(),
		"movie": c.opts.MoviePath,
	})
	defer func() { c.finish(ctx, err) }()

	if err := c.handshake(ctx); err != nil {
		return err
	}

	for {
		frame, quit, err := c.awaitBoundary(ctx)
		if err != nil {
			return err
		}
		if quit {
			c.logger.Info("👋 Target quit at frame %d", c.frame.Load())
			return nil
		}
		done, err := c.boundary(ctx, frame)
		if err != nil {
			c.drainTarget(ctx)
			return err
		}
		if done {
			return nil
		}
	}
}

// handshake ждёт PID и END_INIT, затем отправляет конфигурацию
func (c *Controller) handshake(ctx context.Context) error {
	for {
		msg, err := c.ch.ReadMessage(ctx)
		if err != nil {
			return err
		}
		switch msg {
		case protocol.MsgPID:
			pid, err := c.ch.ReadUint32()
			if err != nil {
				return err
			}
			c.pid.Store(int32(pid))
			c.logger.Info("🎮 Target pid %d", pid)
			if c.monitor != nil {
				c.monitor.Start(ctx, int32(pid))
			}
		case protocol.MsgEndInit:
			if err := c.sendConfig(); err != nil {
				return err
			}
			if c.opts.DumpFile != "" {
				if err := c.ch.SendString(protocol.MsgDumpFile, c.opts.DumpFile); err != nil {
					return err
				}
			}
			c.sess.TakeDirty()
			return c.ch.SendEmpty(protocol.MsgEndInit)
		default:
			return protocol.Violation("unexpected %s during handshake", msg)
		}
	}
}

// awaitBoundary читает сообщения цели до START_FRAMEBOUNDARY или QUIT
func (c *Controller) awaitBoundary(ctx context.Context) (uint64, bool, error) {
	for {
		msg, err := c.ch.ReadMessage(ctx)
		if err != nil {
			return 0, false, err
		}
		switch msg {
		case protocol.MsgStartFrameBoundary:
			frame, err := c.ch.ReadUint64()
			return frame, false, err

		case protocol.MsgWindowID:
			id, err := c.ch.ReadUint64()
			if err != nil {
				return 0, false, err
			}
			c.windowID, c.hasWindow = id, true
			c.logger.Debug("🪟 Game window 0x%x", id)

		case protocol.MsgErrorMsg:
			text, err := c.ch.ReadString()
			if err != nil {
				return 0, false, err
			}
			c.errMu.Lock()
			c.lastError = text
			c.errMu.Unlock()
			c.logger.Error("❌ Target: %s", text)
			c.emit(ctx, eventbus.EventProtocolFailure, map[string]interface{}{"message": text})

		case protocol.MsgEncodeFailed:
			c.logger.Warn("Encoding failed, AV dumping disabled")
			c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.AVDumping = false })

		case protocol.MsgQuit:
			return 0, true, nil

		default:
			return 0, false, protocol.Violation("unexpected %s between boundaries", msg)
		}
	}
}

// boundary обслуживает одну границу кадра. done - сессия завершена пользователем.
func (c *Controller) boundary(ctx context.Context, frame uint64) (bool, error) {
	start := time.Now()
	c.frame.Store(frame)
	c.advanceOnce = false

	if c.opts.PauseFrame > 0 && frame == c.opts.PauseFrame && c.sess.Config().Running {
		c.logger.Info("⏸️ Pause frame %d reached", frame)
		c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.Running = false })
	}

	if err := c.pollEvents(ctx); err != nil {
		return false, err
	}

	// загрузка состояния могла сдвинуть счётчик кадров
	ai, err := c.computeInputs(c.frame.Load())
	if err != nil {
		return false, err
	}

	if err := c.sendPending(); err != nil {
		return false, err
	}
	if err := c.ch.SendRecord(protocol.MsgAllInputs, &ai); err != nil {
		return false, err
	}
	if c.quitting {
		c.logger.Info("👋 User quit at frame %d", c.frame.Load())
		return true, c.ch.SendEmpty(protocol.MsgUserQuit)
	}
	if err := c.ch.SendEmpty(protocol.MsgEndFrameBoundary); err != nil {
		return false, err
	}

	c.metrics.ObserveFrame(time.Since(start))
	h := c.movie.Header()
	c.metrics.SetMovie(h.FrameCount, h.RerecordCount)
	return false, nil
}

// pollEvents разбирает события фронтенда. Пока игра на паузе, цикл ждёт
// продвижения кадра, снятия паузы или выхода.
func (c *Controller) pollEvents(ctx context.Context) error {
	for {
		for {
			ev, ok := c.events.Poll(c.frame.Load())
			if !ok {
				break
			}
			if err := c.handleEvent(ctx, ev); err != nil {
				return err
			}
		}

		if c.quitting || c.advanceOnce || c.sess.Config().Running || !c.hasWindow {
			return nil
		}

		if c.arHeld && time.Since(c.arSince) >= c.opts.AutoRepeatDelay {
			c.arTicks++
			if c.arTicks%c.opts.AutoRepeatFrequency == 0 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			c.quitting = true
			return nil
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// handleEvent применяет событие клавиатуры или фокуса
func (c *Controller) handleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventFocusOut:
		c.arHeld = false
		return nil
	case EventFocusIn:
		return nil
	}

	action, ok := c.hotkeys.Resolve(ev)
	if !ok {
		return nil
	}

	if ev.Type == EventKeyRelease {
		switch action {
		case ActionFrameAdvance:
			c.arHeld = false
		case ActionFastForward:
			c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.FastForward = false })
		}
		return nil
	}

	c.logger.Debug("⌨️ %s at frame %d", action, c.frame.Load())
	switch action {
	case ActionFrameAdvance:
		if c.sess.Config().Running {
			c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.Running = false })
		} else {
			c.advanceOnce = true
		}
		c.arHeld, c.arSince, c.arTicks = true, time.Now(), 0

	case ActionPlayPause:
		c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.Running = !cfg.Running })

	case ActionFastForward:
		c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.FastForward = true })

	case ActionReadWrite:
		c.toggleReadWrite(ctx)

	case ActionToggleEncode:
		c.sess.UpdateConfig(func(cfg *protocol.SharedConfig) { cfg.AVDumping = !cfg.AVDumping })
		if c.sess.Config().AVDumping && c.opts.DumpFile != "" {
			c.sess.MarkDirty(session.DirtyDumpFile)
		}

	case ActionQuit:
		c.quitting = true

	default:
		if slot := action.SaveSlot(); slot > 0 {
			return c.saveToSlot(ctx, slot)
		}
		if slot := action.LoadSlot(); slot > 0 {
			return c.loadFromSlot(ctx, slot)
		}
	}
	return nil
}

// toggleReadWrite переключает WRITE и READ_WRITE. Переход в запись
// отбрасывает кадры после текущего.
func (c *Controller) toggleReadWrite(ctx context.Context) {
	var next protocol.RecordingMode
	switch c.sess.Mode() {
	case protocol.ModeWrite:
		next = protocol.ModeReadWrite
	case protocol.ModeReadWrite:
		next = protocol.ModeWrite
		c.movie.TruncateAt(c.frame.Load())
	default:
		c.logger.Warn("Read/write toggle ignored in %s", c.sess.Mode())
		return
	}
	c.setMode(ctx, next)
}

func (c *Controller) setMode(ctx context.Context, m protocol.RecordingMode) {
	prev := c.sess.Mode()
	c.sess.SetMode(m)
	c.movie.SetMode(m)
	c.logger.Info("🔁 Recording mode %s -> %s at frame %d", prev, m, c.frame.Load())
	c.emit(ctx, eventbus.EventModeChanged, map[string]interface{}{
		"from":  prev.String(),
		"to":    m.String(),
		"frame": c.frame.Load(),
	})
}

// computeInputs вычисляет ввод кадра frame: из фильма в режимах чтения,
// иначе с устройств. В WRITE кадр дописывается в фильм.
func (c *Controller) computeInputs(frame uint64) (protocol.AllInputs, error) {
	var ai protocol.AllInputs

	if c.sess.Mode().Reading() {
		err := c.movie.ReadFrame(frame, &ai)
		switch {
		case err == nil:
			c.lastInputs = ai
			return ai, nil
		case errors.Is(err, movie.ErrEndOfMovie):
			if done, held := c.endOfMovie(frame); done {
				return held, nil
			}
		default:
			return ai, err
		}
	}

	if c.opts.Focus.Accepts(c.inputs.Focus()) {
		live, err := c.inputs.Sample(frame)
		if err != nil {
			return ai, fmt.Errorf("failed to sample inputs at frame %d: %w", frame, err)
		}
		ai = live
	}
	if !c.sess.Config().MouseSupport {
		ai.PointerX, ai.PointerY, ai.PointerMask = 0, 0, 0
	}
	for i := c.opts.Controllers; i < protocol.MaxControllers; i++ {
		ai.ControllerAxes[i] = [protocol.MaxAxes]int16{}
		ai.ControllerButtons[i] = 0
	}

	if c.sess.Mode() == protocol.ModeWrite {
		if n := c.movie.Len(); n > frame {
			c.movie.TruncateAt(frame)
		} else {
			for ; n < frame; n++ {
				if err := c.movie.Append(protocol.AllInputs{}); err != nil {
					return ai, err
				}
			}
		}
		if err := c.movie.Append(ai); err != nil {
			return ai, err
		}
	}

	c.lastInputs = ai
	return ai, nil
}

// endOfMovie применяет политику конца фильма. done - ввод кадра уже определён.
func (c *Controller) endOfMovie(frame uint64) (bool, protocol.AllInputs) {
	ctx := context.Background()
	c.logger.Info("🏁 End of movie at frame %d, policy %s", frame, c.opts.EndPolicy)
	c.emit(ctx, eventbus.EventMovieEnded, map[string]interface{}{
		"frame":  frame,
		"policy": c.opts.EndPolicy.String(),
	})

	switch c.opts.EndPolicy {
	case EndStop:
		c.quitting = true
		return true, protocol.AllInputs{}
	case EndHold:
		return true, c.lastInputs
	default:
		c.setMode(ctx, protocol.ModeDisabled)
		return false, protocol.AllInputs{}
	}
}

// sendPending отправляет изменённую конфигурацию и путь записи
func (c *Controller) sendPending() error {
	dirty := c.sess.TakeDirty()
	if dirty&session.DirtyConfig != 0 || c.opts.StrictOrdering {
		if err := c.sendConfig(); err != nil {
			return err
		}
	}
	if dirty&session.DirtyDumpFile != 0 && c.opts.DumpFile != "" {
		if err := c.ch.SendString(protocol.MsgDumpFile, c.opts.DumpFile); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) sendConfig() error {
	cfg := c.sess.Config()
	cfg.MovieFrameCount = c.movie.Len()
	return c.ch.SendRecord(protocol.MsgConfig, &cfg)
}

// drainTarget дочитывает то, что цель успела прислать перед разрывом,
// чтобы не потерять её сообщение об ошибке
func (c *Controller) drainTarget(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	for {
		msg, err := c.ch.ReadMessage(ctx)
		if err != nil || msg != protocol.MsgErrorMsg {
			return
		}
		text, err := c.ch.ReadString()
		if err != nil {
			return
		}
		c.errMu.Lock()
		c.lastError = text
		c.errMu.Unlock()
		c.logger.Error("❌ Target: %s", text)
	}
}

// finish сохраняет фильм и публикует конец сессии
func (c *Controller) finish(ctx context.Context, runErr error) {
	if c.monitor != nil {
		c.monitor.Stop()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		c.metrics.ObserveProtocolError()
		c.logger.Error("❌ Session failed at frame %d: %v", c.frame.Load(), runErr)
	}

	mode := c.sess.Mode()
	if c.opts.MoviePath != "" && (mode == protocol.ModeWrite || mode == protocol.ModeReadWrite) {
		if err := c.movie.Save(c.opts.MoviePath, c.opts.CompressMovie); err != nil {
			c.logger.Error("Failed to save movie %s: %v", c.opts.MoviePath, err)
		} else {
			c.logger.Info("💾 Movie saved to %s (%d frames)", c.opts.MoviePath, c.movie.Len())
		}
	}

	payload := map[string]interface{}{"frame": c.frame.Load(), "movie_frames": c.movie.Len()}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	c.emit(context.WithoutCancel(ctx), eventbus.EventSessionEnded, payload)
	c.logger.Info("🎬 Session %s ended at frame %d", c.opts.SessionID, c.frame.Load())
}

// emit публикует событие сессии. Ошибки шины не влияют на сессию.
func (c *Controller) emit(ctx context.Context, eventType string, payload interface{}) {
	var err error
	if c.bus != nil {
		var ev *eventbus.Envelope
		ev, err = eventbus.NewEnvelope("controller", eventType, c.opts.SessionID, payload)
		if err == nil {
			err = c.bus.Publish(ctx, ev)
		}
	} else {
		err = eventbus.Emit(ctx, "controller", eventType, c.opts.SessionID, payload)
	}
	if err != nil {
		c.logger.Debug("Event %s not published: %v", eventType, err)
	}
}
