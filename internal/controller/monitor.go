package controller

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
)

// TargetSample - ресурсы целевого процесса в момент опроса
type TargetSample struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss"`
	Threads    int32     `json:"threads"`
	At         time.Time `json:"at"`
}

// TargetMonitor периодически снимает CPU, RSS и число потоков ОС целевого процесса
type TargetMonitor struct {
	collector *metrics.Collector
	logger    *logging.Logger
	every     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   TargetSample
}

// NewTargetMonitor создаёт монитор. every <= 0 означает раз в секунду.
func NewTargetMonitor(collector *metrics.Collector, every time.Duration, logger *logging.Logger) *TargetMonitor {
	if every <= 0 {
		every = time.Second
	}
	if logger == nil {
		logger = logging.GetControllerLogger()
	}
	return &TargetMonitor{collector: collector, logger: logger, every: every}
}

// Start начинает опрос процесса pid. Повторный вызов перезапускает опрос.
func (m *TargetMonitor) Start(ctx context.Context, pid int32) {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			m.logger.Warn("Target %d is not observable: %v", pid, err)
			return
		}
		ticker := time.NewTicker(m.every)
		defer ticker.Stop()
		for {
			if _, err := m.sample(ctx, proc); err != nil {
				m.logger.Debug("Target %d sample failed: %v", pid, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Sample снимает показатели процесса один раз
func (m *TargetMonitor) Sample(ctx context.Context, pid int32) (TargetSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return TargetSample{}, err
	}
	return m.sample(ctx, proc)
}

func (m *TargetMonitor) sample(ctx context.Context, proc *process.Process) (TargetSample, error) {
	s := TargetSample{At: time.Now()}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return s, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, err
	}
	n, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.CPUPercent, s.RSS, s.Threads = cpu, mem.RSS, n

	m.collector.SetTarget(s.CPUPercent, s.RSS, s.Threads)
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	m.logger.Trace("Target cpu %.1f%% rss %d threads %d", s.CPUPercent, s.RSS, s.Threads)
	return s, nil
}

// Last возвращает последний снимок
func (m *TargetMonitor) Last() TargetSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Stop останавливает опрос и дожидается горутины
func (m *TargetMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
