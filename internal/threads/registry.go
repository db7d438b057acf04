// Package threads отслеживает живые потоки целевого процесса и реализует
// кооперативную остановку потоков перед снятием контрольной точки.
package threads

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/session"
)

var (
	// ErrCapacityExceeded - потоков больше, чем может описать заголовок. Контрольная точка отклонена.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotResumable - поток не остановился за отведённое время
	ErrNotResumable = errors.New("not resumable")
)

// HeaderCapacity - сколько записей о потоках помещается в заголовок контрольной точки.
// Потолок реестра не может быть выше.
const HeaderCapacity = 1000

// DefaultMaxThreads - потолок числа отслеживаемых потоков
const DefaultMaxThreads = HeaderCapacity

// State - состояние потока
type State uint32

const (
	StateRunning State = iota
	StateInsideSignalHandler
	StateSuspendedAtCheckpoint
	StateWaitingOnSyncPrimitive
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateInsideSignalHandler:
		return "INSIDE_SIGNAL_HANDLER"
	case StateSuspendedAtCheckpoint:
		return "SUSPENDED_AT_CHECKPOINT"
	case StateWaitingOnSyncPrimitive:
		return "WAITING_ON_SYNC_PRIMITIVE"
	default:
		return fmt.Sprintf("STATE(%d)", uint32(s))
	}
}

// ThreadInfo - запись об одном живом потоке
type ThreadInfo struct {
	ID    session.ThreadID
	TID   int32 // идентификатор уровня ОС, если известен
	Name  string
	State State
}

// Registry - реестр потоков одного целевого процесса
type Registry struct {
	sess       *session.Context
	logger     *logging.Logger
	maxThreads int

	mu       sync.Mutex
	threads  map[session.ThreadID]*ThreadInfo
	overflow map[session.ThreadID]struct{}

	quiesce bool
	// закрывается и заменяется при каждом изменении состояния
	changed chan struct{}
}

// NewRegistry создаёт реестр. maxThreads <= 0 означает DefaultMaxThreads,
// значение выше HeaderCapacity урезается до неё.
func NewRegistry(sess *session.Context, maxThreads int, logger *logging.Logger) *Registry {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	if maxThreads > HeaderCapacity {
		logger.Warn("⚠️ Thread ceiling %d exceeds checkpoint header capacity, using %d", maxThreads, HeaderCapacity)
		maxThreads = HeaderCapacity
	}
	return &Registry{
		sess:       sess,
		logger:     logger,
		maxThreads: maxThreads,
		threads:    make(map[session.ThreadID]*ThreadInfo),
		overflow:   make(map[session.ThreadID]struct{}),
		changed:    make(chan struct{}),
	}
}

// broadcast будит всех ожидающих. Вызывается под r.mu.
func (r *Registry) broadcast() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// OnThreadCreated регистрирует новый поток в состоянии RUNNING.
// При достижении потолка поток запоминается только по идентификатору.
func (r *Registry) OnThreadCreated(id session.ThreadID, tid int32, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.threads[id]; ok {
		r.logger.Warn("Thread %d registered twice", id)
		return false
	}
	if len(r.threads) >= r.maxThreads {
		r.overflow[id] = struct{}{}
		r.logger.Error("Thread capacity %d reached, thread %d (%s) is not tracked", r.maxThreads, id, name)
		r.broadcast()
		return false
	}

	r.threads[id] = &ThreadInfo{ID: id, TID: tid, Name: name, State: StateRunning}
	r.logger.Debug("Thread %d (%s) created", id, name)
	r.broadcast()
	return true
}

// OnThreadExited удаляет запись о потоке
func (r *Registry) OnThreadExited(id session.ThreadID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.overflow[id]; ok {
		delete(r.overflow, id)
	} else if _, ok := r.threads[id]; ok {
		delete(r.threads, id)
	} else {
		r.logger.Warn("Exit of unknown thread %d", id)
		return
	}
	r.logger.Debug("Thread %d exited", id)
	r.broadcast()
}

// DesignateMainThread идемпотентно назначает главный поток. Первый вызов побеждает.
func (r *Registry) DesignateMainThread(id session.ThreadID) bool {
	won := r.sess.SetMainThread(id)
	if won {
		r.logger.Info("🧵 Main thread is %d", id)
	}
	return won
}

// IsMainThread истинно для главного потока или если он ещё не назначен
func (r *Registry) IsMainThread(id session.ThreadID) bool {
	return r.sess.IsMainThread(id)
}

// SetState записывает состояние потока (вход в обработчик сигнала, ожидание примитива)
func (r *Registry) SetState(id session.ThreadID, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[id]; ok && t.State != state {
		t.State = state
		r.broadcast()
	}
}

// AllQuiescent истинно, когда каждый отслеживаемый поток остановлен в контрольной точке
func (r *Registry) AllQuiescent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allQuiescentLocked()
}

func (r *Registry) allQuiescentLocked() bool {
	for _, t := range r.threads {
		if t.State != StateSuspendedAtCheckpoint {
			return false
		}
	}
	return true
}

// RequestQuiescence поднимает флаг остановки. Главный поток уже заблокирован
// в обмене с контроллером и сразу считается остановленным.
func (r *Registry) RequestQuiescence() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.quiesce = true
	if main, ok := r.sess.MainThread(); ok {
		if t, ok := r.threads[main]; ok {
			t.State = StateSuspendedAtCheckpoint
		}
	}
	r.broadcast()
}

// QuiescenceRequested сообщает, поднят ли флаг остановки
func (r *Registry) QuiescenceRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiesce
}

// AwaitQuiescence ждёт, пока все потоки не остановятся.
// Неотслеживаемые потоки сразу дают ErrCapacityExceeded, истечение таймаута - ErrNotResumable.
func (r *Registry) AwaitQuiescence(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if n := len(r.overflow); n > 0 {
			total := len(r.threads) + n
			r.mu.Unlock()
			return fmt.Errorf("%w: %d live threads, ceiling %d", ErrCapacityExceeded, total, r.maxThreads)
		}
		if r.allQuiescentLocked() {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: threads %v did not reach a safe point within %v",
				ErrNotResumable, r.running(), timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// running возвращает потоки, ещё не достигшие точки остановки
func (r *Registry) running() []session.ThreadID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []session.ThreadID
	for id, t := range r.threads {
		if t.State != StateSuspendedAtCheckpoint {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReleaseQuiescence снимает флаг остановки и отпускает потоки
func (r *Registry) ReleaseQuiescence() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.quiesce = false
	if main, ok := r.sess.MainThread(); ok {
		if t, ok := r.threads[main]; ok {
			t.State = StateRunning
		}
	}
	r.broadcast()
}

// SafePoint вызывается неглавным потоком в безопасной точке. Если запрошена
// остановка, поток сам переходит в SUSPENDED_AT_CHECKPOINT и ждёт снятия флага.
func (r *Registry) SafePoint(ctx context.Context, id session.ThreadID) error {
	r.mu.Lock()
	t, tracked := r.threads[id]
	main, designated := r.sess.MainThread()
	if !r.quiesce || !tracked || designated && main == id {
		r.mu.Unlock()
		return nil
	}
	prev := t.State
	t.State = StateSuspendedAtCheckpoint
	r.broadcast()

	for r.quiesce {
		changed := r.changed
		r.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			r.mu.Lock()
			if t, ok := r.threads[id]; ok {
				t.State = prev
				r.broadcast()
			}
			r.mu.Unlock()
			return ctx.Err()
		}
		r.mu.Lock()
	}

	if t, ok := r.threads[id]; ok {
		t.State = prev
		r.broadcast()
	}
	r.mu.Unlock()
	return nil
}

// Park блокирует неглавный поток до закрытия done. Пока поток припаркован,
// он находится в безопасной точке: при запросе остановки он сам
// переходит в SUSPENDED_AT_CHECKPOINT, иначе ждёт в WAITING_ON_SYNC_PRIMITIVE.
func (r *Registry) Park(ctx context.Context, id session.ThreadID, done <-chan struct{}) error {
	r.mu.Lock()
	t, tracked := r.threads[id]
	if !tracked {
		r.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	prev := t.State

	restore := func() {
		if t, ok := r.threads[id]; ok && t.State != prev {
			t.State = prev
			r.broadcast()
		}
		r.mu.Unlock()
	}

	for {
		want := StateWaitingOnSyncPrimitive
		if r.quiesce {
			want = StateSuspendedAtCheckpoint
		}
		if t, ok := r.threads[id]; ok && t.State != want {
			t.State = want
			r.broadcast()
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-done:
			r.mu.Lock()
			restore()
			return nil
		case <-ctx.Done():
			r.mu.Lock()
			restore()
			return ctx.Err()
		case <-changed:
		}
		r.mu.Lock()
	}
}

// Snapshot возвращает копию таблицы потоков, упорядоченную по идентификатору
func (r *Registry) Snapshot() []ThreadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ThreadInfo, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len возвращает число отслеживаемых и неотслеживаемых потоков
func (r *Registry) Len() (tracked, overflow int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads), len(r.overflow)
}

// MaxThreads возвращает потолок реестра
func (r *Registry) MaxThreads() int {
	return r.maxThreads
}

// Matches сверяет живой набор потоков с ожидаемым: то же число,
// те же идентификаторы, те же состояния.
func (r *Registry) Matches(expected []ThreadInfo) error {
	live := r.Snapshot()
	if _, overflow := r.Len(); overflow > 0 {
		return fmt.Errorf("%d untracked threads present", overflow)
	}
	if len(live) != len(expected) {
		return fmt.Errorf("thread count %d, expected %d", len(live), len(expected))
	}

	want := make(map[session.ThreadID]State, len(expected))
	for _, e := range expected {
		want[e.ID] = e.State
	}
	for _, t := range live {
		st, ok := want[t.ID]
		if !ok {
			return fmt.Errorf("unexpected thread %d (%s)", t.ID, t.Name)
		}
		if st != t.State {
			return fmt.Errorf("thread %d is %s, expected %s", t.ID, t.State, st)
		}
	}
	return nil
}
