// Package coordinator реализует автомат границы кадра внутри целевого процесса:
// на каждой границе главный поток останавливает видимый игре прогресс,
// обменивается с контроллером конфигурацией, вводом и командами контрольных
// точек и продолжает выполнение.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
	"github.com/annel0/gotas/internal/network"
	"github.com/annel0/gotas/internal/observability"
	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/session"
	"github.com/annel0/gotas/internal/threads"
)

var (
	// ErrRestoreInconsistent - после восстановления набор потоков не совпал с заголовком
	ErrRestoreInconsistent = errors.New("restore inconsistent")
	// ErrTerminated - сессия завершена командой контроллера или остановкой цели
	ErrTerminated = errors.New("session terminated")
)

// State - состояние автомата границы кадра
type State int32

const (
	StateRunningFrame State = iota
	StateAtBoundary
	StateExchanging
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateRunningFrame:
		return "RUNNING_FRAME"
	case StateAtBoundary:
		return "AT_BOUNDARY"
	case StateExchanging:
		return "EXCHANGING"
	case StateTerminating:
		return "TERMINATING"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Options - настройки координатора
type Options struct {
	// StrictOrdering требует CONFIG перед ALL_INPUTS на каждой границе
	StrictOrdering bool
	// QuiesceTimeout ограничивает ожидание остановки потоков
	QuiesceTimeout time.Duration
}

// DefaultOptions возвращает настройки по умолчанию
func DefaultOptions() Options {
	return Options{QuiesceTimeout: 2 * time.Second}
}

// Coordinator - один экземпляр на целевой процесс
type Coordinator struct {
	ch       *network.Channel
	sess     *session.Context
	registry *threads.Registry
	images   checkpoint.ImageStore
	metrics  *metrics.Collector
	tracer   oteltrace.Tracer
	logger   *logging.Logger
	opts     Options

	// только один поток ведёт обмен
	boundaryMu sync.Mutex
	state      atomic.Int32

	idleMu sync.Mutex
	idle   chan struct{} // закрывается по завершении текущей границы

	dumpMu   sync.Mutex
	dumpFile string
}

// New создаёт координатор поверх установленного канала
func New(ch *network.Channel, sess *session.Context, registry *threads.Registry,
	images checkpoint.ImageStore, collector *metrics.Collector, logger *logging.Logger, opts Options) *Coordinator {
	if opts.QuiesceTimeout <= 0 {
		opts.QuiesceTimeout = DefaultOptions().QuiesceTimeout
	}
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		ch:       ch,
		sess:     sess,
		registry: registry,
		images:   images,
		metrics:  collector,
		tracer:   observability.Tracer(),
		logger:   logger,
		opts:     opts,
		idle:     idle,
	}
}

// State возвращает текущее состояние автомата
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Trace("State %s -> %s", old, s)
	}
}

// Inputs возвращает ввод, опубликованный для текущего кадра
func (c *Coordinator) Inputs() protocol.AllInputs {
	return c.sess.Inputs()
}

// DumpFile возвращает путь записи аудио/видео, полученный от контроллера
func (c *Coordinator) DumpFile() string {
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()
	return c.dumpFile
}

// Handshake отправляет PID и END_INIT, затем принимает начальную
// конфигурацию и необязательный путь записи до END_INIT контроллера.
func (c *Coordinator) Handshake(ctx context.Context, pid int) error {
	if err := c.ch.SendUint32(protocol.MsgPID, uint32(pid)); err != nil {
		return err
	}
	if err := c.ch.SendEmpty(protocol.MsgEndInit); err != nil {
		return err
	}

	for {
		msg, err := c.ch.ReadMessage(ctx)
		if err != nil {
			return err
		}
		switch msg {
		case protocol.MsgConfig:
			if err := c.readConfig(); err != nil {
				return err
			}
		case protocol.MsgDumpFile:
			if err := c.readDumpFile(); err != nil {
				return err
			}
		case protocol.MsgEndInit:
			c.logger.Info("🤝 Handshake complete, mode %s", c.sess.Mode())
			return nil
		default:
			return c.fail(protocol.Violation("unexpected %s during handshake", msg))
		}
	}
}

// BoundaryReached вызывается потоком, завершившим единицу симулированного времени.
// Первый вызвавший становится главным потоком. Главный поток ведёт обмен,
// остальные блокируются до конца текущей границы, не участвуя в нём.
func (c *Coordinator) BoundaryReached(ctx context.Context, caller session.ThreadID) error {
	c.registry.DesignateMainThread(caller)
	if !c.registry.IsMainThread(caller) {
		return c.parkNonMain(ctx, caller)
	}

	c.boundaryMu.Lock()
	defer c.boundaryMu.Unlock()

	if c.State() == StateTerminating {
		return ErrTerminated
	}

	done := make(chan struct{})
	c.idleMu.Lock()
	c.idle = done
	c.idleMu.Unlock()
	defer close(done)

	start := time.Now()
	c.setState(StateAtBoundary)
	frame := c.sess.FrameCount()
	if err := c.ch.SendUint64(protocol.MsgStartFrameBoundary, frame); err != nil {
		return c.fail(err)
	}

	c.setState(StateExchanging)
	if err := c.exchange(ctx); err != nil {
		return c.fail(err)
	}

	c.setState(StateRunningFrame)
	c.metrics.ObserveFrame(time.Since(start))
	return nil
}

// parkNonMain блокирует неглавный поток до конца текущей границы.
// Пока поток ждёт, он считается остановленным для контрольных точек.
func (c *Coordinator) parkNonMain(ctx context.Context, caller session.ThreadID) error {
	c.idleMu.Lock()
	done := c.idle
	c.idleMu.Unlock()
	if err := c.registry.Park(ctx, caller, done); err != nil {
		return err
	}
	if c.State() == StateTerminating {
		return ErrTerminated
	}
	return nil
}

// exchange обрабатывает команды контроллера до END_FRAMEBOUNDARY
func (c *Coordinator) exchange(ctx context.Context) error {
	sawConfig := false
	var pending *protocol.AllInputs

	for {
		msg, err := c.ch.ReadMessage(ctx)
		if err != nil {
			return err
		}

		switch msg {
		case protocol.MsgConfig:
			if err := c.readConfig(); err != nil {
				return err
			}
			sawConfig = true

		case protocol.MsgDumpFile:
			if err := c.readDumpFile(); err != nil {
				return err
			}

		case protocol.MsgSavestate:
			path, err := c.ch.ReadString()
			if err != nil {
				return err
			}
			if err := c.saveState(ctx, path); err != nil {
				return err
			}

		case protocol.MsgLoadstate:
			path, err := c.ch.ReadString()
			if err != nil {
				return err
			}
			if err := c.loadState(ctx, path); err != nil {
				return err
			}

		case protocol.MsgAllInputs:
			if pending != nil {
				return protocol.Violation("second ALL_INPUTS in frame %d", c.sess.FrameCount())
			}
			if c.opts.StrictOrdering && !sawConfig {
				return protocol.Violation("ALL_INPUTS before CONFIG in frame %d", c.sess.FrameCount())
			}
			var ai protocol.AllInputs
			if err := c.ch.ReadRecord(protocol.AllInputsSize, &ai); err != nil {
				return err
			}
			pending = &ai

		case protocol.MsgUserQuit:
			c.logger.Info("👋 User quit at frame %d", c.sess.FrameCount())
			c.setState(StateTerminating)
			return ErrTerminated

		case protocol.MsgEndFrameBoundary:
			if pending == nil {
				return protocol.Violation("END_FRAMEBOUNDARY without ALL_INPUTS in frame %d", c.sess.FrameCount())
			}
			c.sess.PublishInputs(*pending)
			c.sess.AdvanceFrame()
			return nil

		default:
			return protocol.Violation("unexpected %s while exchanging", msg)
		}
	}
}

func (c *Coordinator) readConfig() error {
	var cfg protocol.SharedConfig
	if err := c.ch.ReadRecord(protocol.SharedConfigSize, &cfg); err != nil {
		return err
	}
	c.sess.SetConfig(cfg)
	return nil
}

func (c *Coordinator) readDumpFile() error {
	path, err := c.ch.ReadString()
	if err != nil {
		return err
	}
	c.dumpMu.Lock()
	c.dumpFile = path
	c.dumpMu.Unlock()
	return nil
}

// saveState останавливает потоки, собирает заголовок и снимает образ
func (c *Coordinator) saveState(ctx context.Context, path string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.savestate",
		oteltrace.WithAttributes(attribute.String("path", path), attribute.Int64("frame", int64(c.sess.FrameCount()))))
	defer span.End()

	c.registry.RequestQuiescence()
	defer c.registry.ReleaseQuiescence()

	res, fatal := c.capture(ctx, path)
	return c.reportResult(span, "savestate", res, fatal)
}

func (c *Coordinator) capture(ctx context.Context, path string) (protocol.CheckpointResult, error) {
	if res, ok, fatal := c.quiesce(ctx); !ok {
		return res, fatal
	}

	header := checkpoint.Header{Threads: c.registry.Snapshot()}
	hdr, err := header.MarshalBinary()
	if err != nil {
		return protocol.CheckpointResult{Status: protocol.StatusCapacityExceeded, Detail: err.Error()}, nil
	}

	handle, err := c.images.Capture(ctx, path)
	if err != nil {
		return protocol.CheckpointResult{Status: protocol.StatusIOError, Detail: err.Error()}, nil
	}
	if err := checkpoint.WriteHeaderFile(path, &header); err != nil {
		return protocol.CheckpointResult{Status: protocol.StatusIOError, Detail: err.Error()}, nil
	}

	c.logger.Info("📸 Savestate %s at frame %d (%d threads, image %s)", path, c.sess.FrameCount(), header.Count(), handle.ID)
	return protocol.CheckpointResult{Status: protocol.StatusOK, Detail: handle.ID, Header: hdr}, nil
}

// loadState восстанавливает образ и сверяет набор потоков с заголовком
func (c *Coordinator) loadState(ctx context.Context, path string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.loadstate",
		oteltrace.WithAttributes(attribute.String("path", path), attribute.Int64("frame", int64(c.sess.FrameCount()))))
	defer span.End()

	res, fatal := c.restore(ctx, path)
	if err := c.reportResult(span, "loadstate", res, fatal); err != nil {
		return err
	}
	if res.Status != protocol.StatusOK {
		return nil
	}
	return c.ch.SendUint64(protocol.MsgFrameCount, c.sess.FrameCount())
}

func (c *Coordinator) restore(ctx context.Context, path string) (protocol.CheckpointResult, error) {
	header, err := checkpoint.ReadHeaderFile(path)
	if err != nil {
		return protocol.CheckpointResult{Status: protocol.StatusIOError, Detail: err.Error()}, nil
	}

	c.registry.RequestQuiescence()
	defer c.registry.ReleaseQuiescence()

	if res, ok, fatal := c.quiesce(ctx); !ok {
		return res, fatal
	}

	if err := c.images.Restore(ctx, checkpoint.ImageHandle{Path: path}); err != nil {
		return protocol.CheckpointResult{Status: protocol.StatusIOError, Detail: err.Error()}, nil
	}

	if err := c.registry.Matches(header.Threads); err != nil {
		err = fmt.Errorf("%w: %v", ErrRestoreInconsistent, err)
		return protocol.CheckpointResult{Status: protocol.StatusRestoreInconsistent, Detail: err.Error()}, err
	}

	c.logger.Info("♻️ Loadstate %s, now at frame %d", path, c.sess.FrameCount())
	hdr, _ := header.MarshalBinary()
	return protocol.CheckpointResult{Status: protocol.StatusOK, Header: hdr}, nil
}

// quiesce ждёт остановки потоков. ok == false означает, что точку снимать нельзя.
func (c *Coordinator) quiesce(ctx context.Context) (protocol.CheckpointResult, bool, error) {
	tracked, _ := c.registry.Len()
	c.metrics.SetLiveThreads(tracked)

	err := c.registry.AwaitQuiescence(ctx, c.opts.QuiesceTimeout)
	switch {
	case err == nil:
		return protocol.CheckpointResult{}, true, nil
	case errors.Is(err, threads.ErrCapacityExceeded):
		c.logger.Warn("Checkpoint refused: %v", err)
		return protocol.CheckpointResult{Status: protocol.StatusCapacityExceeded, Detail: err.Error()}, false, nil
	case errors.Is(err, threads.ErrNotResumable):
		c.logger.Error("Checkpoint failed: %v", err)
		return protocol.CheckpointResult{Status: protocol.StatusNotResumable, Detail: err.Error()}, false, err
	default:
		return protocol.CheckpointResult{Status: protocol.StatusIOError, Detail: err.Error()}, false, err
	}
}

// reportResult отправляет CHECKPOINT_RESULT. Фатальный исход возвращается как ошибка
// после того, как контроллер о нём узнал.
func (c *Coordinator) reportResult(span oteltrace.Span, op string, res protocol.CheckpointResult, fatal error) error {
	span.SetAttributes(attribute.String("status", res.Status.String()))
	if res.Status != protocol.StatusOK {
		span.SetStatus(codes.Error, res.Detail)
	}
	if op == "savestate" {
		c.metrics.ObserveSavestate(res.Status.String())
	} else {
		c.metrics.ObserveLoadstate(res.Status.String())
	}

	if err := c.ch.Send(protocol.MsgCheckpointResult, res.Encode()); err != nil {
		return err
	}
	return fatal
}

// fail переводит автомат в TERMINATING. Нарушение протокола сообщается контроллеру текстом.
func (c *Coordinator) fail(err error) error {
	c.setState(StateTerminating)
	if errors.Is(err, ErrTerminated) {
		return err
	}
	c.metrics.ObserveProtocolError()
	c.logger.Error("❌ Session failed at frame %d: %v", c.sess.FrameCount(), err)
	if errors.Is(err, protocol.ErrProtocolViolation) {
		_ = c.ch.SendString(protocol.MsgErrorMsg, err.Error())
	}
	return err
}

// ReportWindow сообщает контроллеру дескриптор окна
func (c *Coordinator) ReportWindow(id uint64) error {
	return c.ch.SendUint64(protocol.MsgWindowID, id)
}

// ReportEncodeFailed сообщает, что запись аудио/видео не удалась
func (c *Coordinator) ReportEncodeFailed() error {
	return c.ch.SendEmpty(protocol.MsgEncodeFailed)
}

// ReportError передаёт сообщение об ошибке для показа пользователю
func (c *Coordinator) ReportError(text string) error {
	return c.ch.SendString(protocol.MsgErrorMsg, text)
}

// Shutdown сообщает контроллеру о завершении цели и закрывает канал.
// Вызывается главным потоком вне обмена.
func (c *Coordinator) Shutdown() error {
	prev := c.State()
	c.setState(StateTerminating)
	if prev != StateTerminating && c.ch.IsConnected() {
		_ = c.ch.SendEmpty(protocol.MsgQuit)
	}
	return c.ch.Close()
}
