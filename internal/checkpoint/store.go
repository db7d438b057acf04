package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/movie"
	"github.com/annel0/gotas/internal/protocol"
)

// Слоты нумеруются с 1 по 9
const (
	MinSlot = 1
	MaxSlot = 9
)

// ErrEmptySlot - в слоте ничего не сохранено
var ErrEmptySlot = errors.New("empty savestate slot")

// StoreConfig - параметры хранилища слотов
type StoreConfig struct {
	Dir            string // директория файлов состояний
	Game           string // имя игры, часть имён файлов и ключей
	CompressMovies bool
}

// CommitInfo - результат успешного снятия точки, который фиксируется в слоте
type CommitInfo struct {
	Frame     uint64
	Mode      protocol.RecordingMode
	Header    []byte
	Threads   int
	Rerecords uint32
}

// Store связывает номер слота с образом состояния, заголовком потоков
// и копией фильма на том же кадре. Каждое сохранение пишет файлы новой версии,
// слот переключается на них одной записью в Backend, старые файлы удаляются после.
type Store struct {
	dir      string
	game     string
	compress bool
	backend  Backend
	logger   *logging.Logger

	mu     sync.Mutex
	staged map[int]stagedSlot
}

// stagedSlot - файлы подготовленной, ещё не зафиксированной версии слота
type stagedSlot struct {
	state string // образ; заголовок лежит рядом с суффиксом HeaderSuffix
	movie string // "" если фильм не ведётся
}

// NewStore создаёт хранилище слотов
func NewStore(cfg StoreConfig, backend Backend, logger *logging.Logger) (*Store, error) {
	if cfg.Game == "" {
		cfg.Game = "game"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create savestate directory: %w", err)
	}
	return &Store{
		dir:      cfg.Dir,
		game:     cfg.Game,
		compress: cfg.CompressMovies,
		backend:  backend,
		logger:   logger,
		staged:   make(map[int]stagedSlot),
	}, nil
}

// statePath возвращает путь образа версии слота
func (s *Store) statePath(slot int, version string) string {
	return filepath.Join(s.dir, s.game+".state"+strconv.Itoa(slot)+"."+version)
}

// moviePath возвращает путь сопутствующего фильма версии слота
func (s *Store) moviePath(slot int, version string) string {
	return filepath.Join(s.dir, s.game+".movie"+strconv.Itoa(slot)+"."+version+".gtm")
}

// Stage открывает новую версию слота и сохраняет в неё копию фильма.
// log == nil означает, что фильм не ведётся. Образ по StagedStatePath пишет цель.
func (s *Store) Stage(slot int, log *movie.Log) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abortLocked(slot)
	version := uuid.NewString()[:8]
	st := stagedSlot{state: s.statePath(slot, version)}
	if log != nil {
		st.movie = s.moviePath(slot, version)
		if err := log.Save(st.movie, s.compress); err != nil {
			os.Remove(st.movie)
			return fmt.Errorf("failed to stage movie for slot %d: %w", slot, err)
		}
	}
	s.staged[slot] = st
	return nil
}

// StagedStatePath возвращает путь, по которому цель пишет образ подготовленной версии
func (s *Store) StagedStatePath(slot int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.staged[slot]
	if !ok {
		return "", fmt.Errorf("slot %d was not staged", slot)
	}
	return st.state, nil
}

// Commit переключает слот на подготовленную версию одной записью в Backend.
// При ошибке файлы версии удаляются, а слот остаётся прежним целиком.
func (s *Store) Commit(ctx context.Context, slot int, info CommitInfo) (SlotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.staged[slot]
	if !ok {
		return SlotRecord{}, fmt.Errorf("slot %d was not staged", slot)
	}
	delete(s.staged, slot)

	prev, hadPrev, err := s.backend.Get(ctx, slot)
	if err != nil {
		s.logger.Warn("Failed to read previous record of slot %d: %v", slot, err)
		hadPrev = false
	}

	rec := SlotRecord{
		Slot:      slot,
		Game:      s.game,
		StatePath: st.state,
		MoviePath: st.movie,
		Frame:     info.Frame,
		Mode:      info.Mode.String(),
		Threads:   info.Threads,
		Header:    info.Header,
		Rerecords: info.Rerecords,
		SavedAt:   time.Now(),
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		removeSlotFiles(st.state, st.movie)
		return SlotRecord{}, fmt.Errorf("failed to commit slot %d: %w", slot, err)
	}

	if hadPrev {
		removeSlotFiles(prev.StatePath, prev.MoviePath)
	}
	s.logger.Info("💾 Slot %d committed at frame %d (%d threads)", slot, info.Frame, info.Threads)
	return rec, nil
}

// Abort отменяет подготовку слота и удаляет файлы версии
func (s *Store) Abort(slot int) {
	s.mu.Lock()
	s.abortLocked(slot)
	s.mu.Unlock()
}

func (s *Store) abortLocked(slot int) {
	if st, ok := s.staged[slot]; ok {
		removeSlotFiles(st.state, st.movie)
		delete(s.staged, slot)
	}
}

// removeSlotFiles удаляет образ, его заголовок и фильм версии. Пустые пути пропускаются.
func removeSlotFiles(state, moviePath string) {
	for _, p := range []string{state, state + HeaderSuffix, moviePath} {
		if p == "" || p == HeaderSuffix {
			continue
		}
		os.Remove(p)
	}
}

// Get возвращает запись слота
func (s *Store) Get(ctx context.Context, slot int) (SlotRecord, bool, error) {
	return s.backend.Get(ctx, slot)
}

// LoadMovie загружает сопутствующий фильм слота в новый журнал.
// Для слота без фильма журнал nil.
func (s *Store) LoadMovie(ctx context.Context, slot int, logger *logging.Logger) (*movie.Log, SlotRecord, error) {
	rec, ok, err := s.backend.Get(ctx, slot)
	if err != nil {
		return nil, rec, err
	}
	if !ok {
		return nil, rec, fmt.Errorf("slot %d: %w", slot, ErrEmptySlot)
	}
	if rec.MoviePath == "" {
		return nil, rec, nil
	}
	log, err := movie.LoadFile(rec.MoviePath, logger)
	if err != nil {
		return nil, rec, err
	}
	return log, rec, nil
}

// Slots перечисляет заполненные слоты
func (s *Store) Slots(ctx context.Context) ([]SlotRecord, error) {
	return s.backend.List(ctx)
}

// Close отменяет неподтверждённые слоты и закрывает хранилище записей
func (s *Store) Close() error {
	s.mu.Lock()
	for slot := range s.staged {
		s.abortLocked(slot)
	}
	s.mu.Unlock()
	return s.backend.Close()
}
