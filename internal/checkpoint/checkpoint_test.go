package checkpoint

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/movie"
	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/threads"
)

func testLogger() *logging.Logger {
	return logging.NewWriterLogger("checkpoint", io.Discard, logging.ERROR)
}

func sampleHeader() *Header {
	return &Header{Threads: []threads.ThreadInfo{
		{ID: 1, TID: 4000, Name: "main", State: threads.StateSuspendedAtCheckpoint},
		{ID: 7, TID: 4007, Name: "audio", State: threads.StateSuspendedAtCheckpoint},
	}}
}

func TestHeaderEncoding(t *testing.T) {
	h := sampleHeader()
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	var back Header
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, h.Threads, back.Threads)
	assert.Equal(t, 2, back.Count())

	assert.Error(t, back.UnmarshalBinary(data[:len(data)-1]))
	assert.Error(t, back.UnmarshalBinary(append(data, 0)))

	empty := &Header{}
	data, err = empty.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Empty(t, back.Threads)
}

func TestHeaderCapacity(t *testing.T) {
	h := &Header{Threads: make([]threads.ThreadInfo, MaxHeaderThreads+1)}
	_, err := h.MarshalBinary()
	assert.True(t, errors.Is(err, threads.ErrCapacityExceeded))
}

func TestHeaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.state1")
	require.NoError(t, WriteHeaderFile(path, sampleHeader()))
	h, err := ReadHeaderFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleHeader().Threads, h.Threads)

	_, err = ReadHeaderFile(path + "x")
	assert.Error(t, err)
}

type memorySnapshotter struct {
	state    []byte
	restored []byte
}

func (m *memorySnapshotter) Snapshot() ([]byte, error) { return m.state, nil }
func (m *memorySnapshotter) Restore(data []byte) error {
	m.restored = data
	return nil
}

func TestFileImageStore(t *testing.T) {
	snap := &memorySnapshotter{state: []byte("frame=30;score=1200;rng=0xdeadbeef")}
	store := NewFileImageStore(snap, testLogger())
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "game.state3")
	h, err := store.Capture(ctx, path)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, path, h.Path)
	assert.Positive(t, h.Size)

	require.NoError(t, store.Restore(ctx, h))
	assert.Equal(t, snap.state, snap.restored)

	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o644))
	assert.Error(t, store.Restore(ctx, h))
}

func recordedMovie(t *testing.T, n int) *movie.Log {
	t.Helper()
	l := movie.New(movie.Header{FramerateNum: 60, FramerateDen: 1, Mode: protocol.ModeWrite}, testLogger())
	for i := 0; i < n; i++ {
		require.NoError(t, l.Append(protocol.AllInputs{PointerX: int32(i)}))
	}
	return l
}

// backendSuite проверяет одинаковое поведение всех хранилищ записей
func backendSuite(t *testing.T, b Backend) {
	ctx := context.Background()

	t.Run("пустой слот", func(t *testing.T) {
		_, ok, err := b.Get(ctx, 4)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("недействительный слот", func(t *testing.T) {
		assert.Error(t, b.Put(ctx, SlotRecord{Slot: 0}))
		assert.Error(t, b.Put(ctx, SlotRecord{Slot: 10}))
	})

	t.Run("замена целиком", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, SlotRecord{Slot: 2, Frame: 30, MoviePath: "a", Header: []byte{1}}))
		require.NoError(t, b.Put(ctx, SlotRecord{Slot: 2, Frame: 60}))
		rec, ok, err := b.Get(ctx, 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(60), rec.Frame)
		assert.Empty(t, rec.MoviePath, "старое поле не должно пережить замену")
		assert.Empty(t, rec.Header)
	})

	t.Run("список и удаление", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, SlotRecord{Slot: 9, Frame: 1}))
		require.NoError(t, b.Put(ctx, SlotRecord{Slot: 1, Frame: 2}))
		recs, err := b.List(ctx)
		require.NoError(t, err)
		var slots []int
		for _, r := range recs {
			slots = append(slots, r.Slot)
		}
		assert.Equal(t, []int{1, 2, 9}, slots)

		require.NoError(t, b.Delete(ctx, 9))
		_, ok, err := b.Get(ctx, 9)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryBackend(t *testing.T) {
	backendSuite(t, NewMemoryBackend())
}

func TestBadgerBackend(t *testing.T) {
	b, err := NewBadgerBackend("", "game")
	require.NoError(t, err)
	defer b.Close()
	backendSuite(t, b)
}

func TestBadgerBackendOnDisk(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadgerBackend(dir, "game")
	require.NoError(t, err)
	require.NoError(t, b.Put(context.Background(), SlotRecord{Slot: 5, Frame: 77}))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "повторное закрытие")

	b, err = NewBadgerBackend(dir, "game")
	require.NoError(t, err)
	defer b.Close()
	rec, ok, err := b.Get(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(77), rec.Frame)
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	b, err := NewRedisBackend(context.Background(), cfg, "game")
	require.NoError(t, err)
	defer b.Close()
	backendSuite(t, b)

	assert.True(t, mr.Exists("gotas:slot:game:2"))
}

func TestRedisBackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	mr.Close()

	_, err := NewRedisBackend(context.Background(), cfg, "game")
	assert.Error(t, err)
}

// slotFiles перечисляет файлы слотов в каталоге
func slotFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// stageImage готовит слот и пишет образ с заголовком туда, куда их записала бы цель
func stageImage(t *testing.T, store *Store, slot int, log *movie.Log, image string) string {
	t.Helper()
	require.NoError(t, store.Stage(slot, log))
	path, err := store.StagedStatePath(slot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(image), 0o644))
	require.NoError(t, WriteHeaderFile(path, sampleHeader()))
	return path
}

func TestStoreStageCommit(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(StoreConfig{Dir: dir, Game: "celeste"}, NewMemoryBackend(), testLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	t.Run("commit без stage", func(t *testing.T) {
		_, err := store.Commit(ctx, 3, CommitInfo{})
		assert.Error(t, err)
		_, err = store.StagedStatePath(3)
		assert.Error(t, err)
	})

	t.Run("abort не оставляет следов", func(t *testing.T) {
		stageImage(t, store, 3, recordedMovie(t, 5), "img")
		store.Abort(3)
		_, ok, err := store.Get(ctx, 3)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, slotFiles(t, dir))
	})

	var first SlotRecord
	t.Run("commit с фильмом", func(t *testing.T) {
		m := recordedMovie(t, 30)
		path := stageImage(t, store, 3, m, "first")
		rec, err := store.Commit(ctx, 3, CommitInfo{Frame: 30, Mode: protocol.ModeWrite, Threads: 2, Header: []byte{9}})
		require.NoError(t, err)
		assert.Equal(t, path, rec.StatePath)
		assert.True(t, strings.HasPrefix(filepath.Base(rec.StatePath), "celeste.state3."))
		assert.True(t, strings.HasPrefix(filepath.Base(rec.MoviePath), "celeste.movie3."))
		assert.Equal(t, "WRITE", rec.Mode)
		first = rec

		scratch, got, err := store.LoadMovie(ctx, 3, testLogger())
		require.NoError(t, err)
		require.NotNil(t, scratch)
		assert.Equal(t, uint64(30), got.Frame)
		assert.True(t, m.IsPrefixOf(scratch))
		assert.True(t, scratch.IsPrefixOf(m))
	})

	t.Run("commit без фильма заменяет слот", func(t *testing.T) {
		stageImage(t, store, 3, nil, "second")
		_, err := store.Commit(ctx, 3, CommitInfo{Frame: 40})
		require.NoError(t, err)

		scratch, rec, err := store.LoadMovie(ctx, 3, testLogger())
		require.NoError(t, err)
		assert.Nil(t, scratch)
		assert.Equal(t, uint64(40), rec.Frame)
		assert.NotEqual(t, first.StatePath, rec.StatePath)
		for _, p := range []string{first.StatePath, first.StatePath + HeaderSuffix, first.MoviePath} {
			_, err = os.Stat(p)
			assert.True(t, os.IsNotExist(err), "файлы прежней версии удалены: %s", p)
		}
		assert.Equal(t, []string{filepath.Base(rec.StatePath), filepath.Base(rec.StatePath) + HeaderSuffix}, slotFiles(t, dir))
	})

	t.Run("пустой слот", func(t *testing.T) {
		_, _, err := store.LoadMovie(ctx, 8, testLogger())
		assert.True(t, errors.Is(err, ErrEmptySlot))
	})

	recs, err := store.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Slot)
}

// failingBackend отказывает в Put, пока failPuts > 0
type failingBackend struct {
	*MemoryBackend
	failPuts int
}

func (b *failingBackend) Put(ctx context.Context, rec SlotRecord) error {
	if b.failPuts > 0 {
		b.failPuts--
		return errors.New("backend unavailable")
	}
	return b.MemoryBackend.Put(ctx, rec)
}

func TestStoreCommitFailureKeepsSlot(t *testing.T) {
	dir := t.TempDir()
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	store, err := NewStore(StoreConfig{Dir: dir, Game: "celeste"}, backend, testLogger())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	stageImage(t, store, 1, recordedMovie(t, 5), "frame-5")
	old, err := store.Commit(ctx, 1, CommitInfo{Frame: 5, Mode: protocol.ModeWrite})
	require.NoError(t, err)
	before := slotFiles(t, dir)

	backend.failPuts = 1
	stageImage(t, store, 1, recordedMovie(t, 10), "frame-10")
	_, err = store.Commit(ctx, 1, CommitInfo{Frame: 10, Mode: protocol.ModeWrite})
	require.Error(t, err)

	rec, ok, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), rec.Frame, "слот не изменился")
	assert.Equal(t, old.StatePath, rec.StatePath)
	assert.Equal(t, old.MoviePath, rec.MoviePath)
	assert.Equal(t, before, slotFiles(t, dir), "файлы новой версии удалены")

	image, err := os.ReadFile(rec.StatePath)
	require.NoError(t, err)
	assert.Equal(t, "frame-5", string(image), "образ соответствует записи слота")
	hdr, err := ReadHeaderFile(rec.StatePath)
	require.NoError(t, err)
	assert.Equal(t, 2, hdr.Count())
	scratch, _, err := store.LoadMovie(ctx, 1, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), scratch.Len())
}
