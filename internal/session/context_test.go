package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/annel0/gotas/internal/protocol"
)

func TestMainThreadFirstCallerWins(t *testing.T) {
	c := New(protocol.DefaultSharedConfig())

	// пока главный поток не назначен, любой поток считается главным
	assert.True(t, c.IsMainThread(7))
	assert.False(t, c.SetMainThread(NoThread))

	var wg sync.WaitGroup
	wins := make(chan ThreadID, 8)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(id ThreadID) {
			defer wg.Done()
			if c.SetMainThread(id) {
				wins <- id
			}
		}(ThreadID(i))
	}
	wg.Wait()
	close(wins)

	var winners []ThreadID
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("ожидался один победитель, получено %v", winners)
	}
	main, ok := c.MainThread()
	assert.True(t, ok)
	assert.Equal(t, winners[0], main)
	assert.True(t, c.IsMainThread(main))
	assert.False(t, c.IsMainThread(main+100))
}

func TestDirtyFlags(t *testing.T) {
	c := New(protocol.DefaultSharedConfig())
	assert.Zero(t, c.TakeDirty())

	c.SetMode(protocol.ModeWrite)
	c.MarkDirty(DirtyDumpFile)
	assert.Equal(t, DirtyConfig|DirtyDumpFile, c.TakeDirty())
	assert.Zero(t, c.TakeDirty())
	assert.Equal(t, protocol.ModeWrite, c.Mode())

	// конфигурация, пришедшая по каналу, не становится грязной
	cfg := c.Config()
	cfg.FastForward = true
	c.SetConfig(cfg)
	assert.Zero(t, c.TakeDirty())
	assert.True(t, c.Config().FastForward)
}

func TestFrameCounter(t *testing.T) {
	c := New(protocol.DefaultSharedConfig())
	assert.Equal(t, uint64(1), c.AdvanceFrame())
	assert.Equal(t, uint64(2), c.AdvanceFrame())
	c.SetFrameCount(30)
	assert.Equal(t, uint64(30), c.FrameCount())
}

func TestDeterministicClock(t *testing.T) {
	cfg := protocol.DefaultSharedConfig()
	cfg.FramerateNum, cfg.FramerateDen = 50, 1
	c := New(cfg)
	start := c.Now()
	assert.Equal(t, time.Unix(1, 0), start)

	c.AdvanceFrame()
	c.AdvanceFrame()
	assert.Equal(t, 40*time.Millisecond, c.Now().Sub(start))

	c.SetMainThread(1)
	assert.False(t, c.AdvanceTime(2, time.Second), "только главный поток двигает время")
	assert.True(t, c.AdvanceTime(1, time.Second))
	assert.Equal(t, time.Second+40*time.Millisecond, c.Now().Sub(start))
}

func TestPublishedInputs(t *testing.T) {
	c := New(protocol.DefaultSharedConfig())
	assert.Equal(t, protocol.AllInputs{}, c.Inputs())

	var ai protocol.AllInputs
	ai.PointerX = 10
	c.PublishInputs(ai)
	ai.PointerX = 99
	assert.Equal(t, int32(10), c.Inputs().PointerX, "опубликованный снимок не меняется")
}
