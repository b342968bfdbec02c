package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	e := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestExecutor_RunsEachPhase(t *testing.T) {
	e := newTestExecutor(t, Config{})

	var wg sync.WaitGroup
	var ran atomic.Int32
	for _, p := range []Phase{PhaseDispatch, PhaseDownload, PhaseLoad} {
		wg.Add(1)
		require.NoError(t, e.Submit(p, func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestExecutor_PoolConcurrencyIsBounded(t *testing.T) {
	e := newTestExecutor(t, Config{DownloadWorkers: 2})

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(PhaseDownload, func() {
			defer wg.Done()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, maxInside.Load(), int32(2))
}

func TestExecutor_CallbacksRunInOrder(t *testing.T) {
	e := newTestExecutor(t, Config{})

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, e.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, e.Post(func() { close(done) }))
	<-done

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestExecutor_RecoversPanics(t *testing.T) {
	e := newTestExecutor(t, Config{LoadWorkers: 1})

	require.NoError(t, e.Submit(PhaseLoad, func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, e.Submit(PhaseLoad, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panic")
	}
}

func TestExecutor_Shutdown(t *testing.T) {
	e := New(Config{Logger: zaptest.NewLogger(t)})

	var delivered atomic.Int32
	block := make(chan struct{})
	require.NoError(t, e.Post(func() { <-block }))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Post(func() { delivered.Add(1) }))
	}

	shutdown := make(chan error, 1)
	go func() { shutdown <- e.Shutdown(context.Background()) }()

	// intake stops as soon as shutdown starts
	require.Eventually(t, e.Closed, time.Second, time.Millisecond)
	assert.ErrorIs(t, e.Submit(PhaseDispatch, func() {}), ErrClosed)
	assert.ErrorIs(t, e.Post(func() {}), ErrClosed)

	close(block)
	require.NoError(t, <-shutdown)
	assert.Equal(t, int32(5), delivered.Load(), "queued callbacks are drained")

	// repeated shutdown is harmless
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestExecutor_ShutdownHonoursContext(t *testing.T) {
	e := New(Config{Logger: zaptest.NewLogger(t)})

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, e.Submit(PhaseLoad, func() { <-block }))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)
}

func TestExecutor_UnknownPhase(t *testing.T) {
	e := newTestExecutor(t, Config{})
	assert.Error(t, e.Submit(Phase(9), func() {}))
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "dispatch", PhaseDispatch.String())
	assert.Equal(t, "download", PhaseDownload.String())
	assert.Equal(t, "load", PhaseLoad.String())
}

func TestExecutor_PostRacingShutdownIsNeverLost(t *testing.T) {
	for round := 0; round < 200; round++ {
		e := New(Config{QueueSize: 4, Logger: zaptest.NewLogger(t)})

		var ran, rejected atomic.Int32
		var wg sync.WaitGroup
		const posters = 8
		for i := 0; i < posters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if err := e.Post(func() { ran.Add(1) }); err != nil {
						assert.ErrorIs(t, err, ErrClosed)
						rejected.Add(1)
					}
				}
			}()
		}

		require.NoError(t, e.Shutdown(context.Background()))
		wg.Wait()

		// every accepted callback ran before Shutdown returned
		assert.Equal(t, int32(posters*20), ran.Load()+rejected.Load(), "round %d", round)
	}
}
