// Package target - эталонная целевая программа: синтетическая игра с главным
// потоком и фоновыми рабочими горутинами, которую ведёт координатор границ кадров.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/coordinator"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
	"github.com/annel0/gotas/internal/network"
	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/session"
	"github.com/annel0/gotas/internal/threads"
)

// MainThread - идентификатор главного потока игры
const MainThread session.ThreadID = 1

// Options - параметры эталонной цели
type Options struct {
	SocketPath     string
	Workers        int
	MaxThreads     int
	QuiesceTimeout time.Duration
	StrictOrdering bool
	Frames         uint64 // 0 - до выхода по команде контроллера
	WindowID       uint64
	WorkerPoll     time.Duration

	Metrics *metrics.Collector
	Logger  *logging.Logger
}

// Game - запущенная цель. Поля доступны тестам после Run.
type Game struct {
	opts     Options
	World    *World
	Session  *session.Context
	Registry *threads.Registry

	images    *logging.Logger
	processed atomic.Uint64
	jobs      chan uint64
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewGame готовит мир и реестр потоков
func NewGame(opts Options) *Game {
	// с внешним логгером весь вывод цели идёт в него
	threadsLogger, imagesLogger := opts.Logger, opts.Logger
	if opts.Logger == nil {
		opts.Logger = logging.GetCoordinatorLogger()
		threadsLogger = logging.GetThreadsLogger()
		imagesLogger = logging.GetCheckpointLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector("gotas_target")
	}
	if opts.WindowID == 0 {
		opts.WindowID = 0x4000001
	}
	if opts.WorkerPoll <= 0 {
		opts.WorkerPoll = time.Millisecond
	}
	sess := session.New(protocol.DefaultSharedConfig())
	return &Game{
		opts:     opts,
		World:    NewWorld(),
		Session:  sess,
		Registry: threads.NewRegistry(sess, opts.MaxThreads, threadsLogger),
		images:   imagesLogger,
		jobs:     make(chan uint64, 64),
		stop:     make(chan struct{}),
	}
}

// Processed возвращает число заданий, выполненных рабочими горутинами
func (g *Game) Processed() uint64 {
	return g.processed.Load()
}

// Run слушает сокет, ждёт контроллер и крутит кадры до выхода.
// Выход по USERQUIT или по числу кадров - штатный.
func (g *Game) Run(ctx context.Context) error {
	logger := g.opts.Logger
	ln, err := network.Listen(network.DefaultChannelConfig(g.opts.SocketPath), logger)
	if err != nil {
		return err
	}
	defer ln.Close()

	ch, err := ln.Accept(ctx)
	if err != nil {
		return err
	}

	images := checkpoint.NewFileImageStore(coordinator.NewProcessImage(g.Session, g.World), g.images)
	coord := coordinator.New(ch, g.Session, g.Registry, images, g.opts.Metrics, logger, coordinator.Options{
		StrictOrdering: g.opts.StrictOrdering,
		QuiesceTimeout: g.opts.QuiesceTimeout,
	})
	defer coord.Shutdown()

	var src coordinator.NotificationSource = coord
	src.ThreadCreated(MainThread, int32(os.Getpid()), "main")

	if err := coord.Handshake(ctx, os.Getpid()); err != nil {
		return err
	}
	if err := coord.ReportWindow(g.opts.WindowID); err != nil {
		return err
	}

	for i := 0; i < g.opts.Workers; i++ {
		id := MainThread + 1 + session.ThreadID(i)
		src.ThreadCreated(id, 0, fmt.Sprintf("worker-%d", i))
		g.wg.Add(1)
		go g.worker(ctx, coord, id)
	}
	defer g.stopWorkers()

	for g.opts.Frames == 0 || g.Session.FrameCount() < g.opts.Frames {
		if err := src.BoundaryReached(ctx, MainThread); err != nil {
			if errors.Is(err, coordinator.ErrTerminated) {
				return nil
			}
			return err
		}
		ai := coord.Inputs()
		g.World.Step(ai)

		select {
		case g.jobs <- g.Session.FrameCount():
		default:
		}
	}
	logger.Info("🏁 Reached frame %d, exiting", g.Session.FrameCount())
	return nil
}

// worker - фоновый поток игры. Он проверяет флаг остановки в безопасной точке
// между заданиями и не блокируется дольше WorkerPoll.
func (g *Game) worker(ctx context.Context, coord *coordinator.Coordinator, id session.ThreadID) {
	defer g.wg.Done()
	defer coord.ThreadExited(id)

	ticker := time.NewTicker(g.opts.WorkerPoll)
	defer ticker.Stop()
	for {
		if err := coord.SafePoint(ctx, id); err != nil {
			return
		}
		select {
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		case <-g.jobs:
			g.processed.Add(1)
		case <-ticker.C:
		}
	}
}

func (g *Game) stopWorkers() {
	close(g.stop)
	g.wg.Wait()
}

// Run запускает эталонную цель с параметрами opts
func Run(ctx context.Context, opts Options) error {
	return NewGame(opts).Run(ctx)
}
