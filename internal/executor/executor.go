// Package executor runs request phases on three fixed worker pools and
// delivers callbacks in order on a single callback goroutine.
package executor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when submitting to an executor that was shut down
var ErrClosed = errors.New("executor closed")

// Phase selects the pool a task runs on
type Phase int

const (
	PhaseDispatch Phase = iota
	PhaseDownload
	PhaseLoad
	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseDispatch:
		return "dispatch"
	case PhaseDownload:
		return "download"
	case PhaseLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Config sizes the pools
type Config struct {
	DispatchWorkers int
	DownloadWorkers int
	LoadWorkers     int
	QueueSize       int // per pool, and for the callback queue
	Logger          *zap.Logger
}

// WithDefaults fills unset sizes
func (c Config) WithDefaults() Config {
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 1
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 3
	}
	if c.LoadWorkers <= 0 {
		c.LoadWorkers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Executor owns the worker pools and the callback goroutine
type Executor struct {
	queues    [numPhases]chan func()
	callbacks chan func()
	done      chan struct{}
	group     errgroup.Group
	logger    *zap.Logger

	// mu orders intake against close; senders counts admitted enqueues
	mu      sync.RWMutex
	closed  bool
	senders sync.WaitGroup
}

// New starts the pools
func New(cfg Config) *Executor {
	cfg = cfg.WithDefaults()
	e := &Executor{
		callbacks: make(chan func(), cfg.QueueSize),
		done:      make(chan struct{}),
		logger:    cfg.Logger,
	}

	workers := [numPhases]int{cfg.DispatchWorkers, cfg.DownloadWorkers, cfg.LoadWorkers}
	for p := Phase(0); p < numPhases; p++ {
		e.queues[p] = make(chan func(), cfg.QueueSize)
		for i := 0; i < workers[p]; i++ {
			q, name := e.queues[p], p.String()
			e.group.Go(func() error {
				e.work(name, q)
				return nil
			})
		}
	}
	e.group.Go(func() error {
		e.deliver()
		return nil
	})

	e.logger.Debug("executor started",
		zap.Int("dispatch_workers", cfg.DispatchWorkers),
		zap.Int("download_workers", cfg.DownloadWorkers),
		zap.Int("load_workers", cfg.LoadWorkers))
	return e
}

// Submit queues fn on the pool for phase. It blocks while the queue is full.
func (e *Executor) Submit(phase Phase, fn func()) error {
	if phase < 0 || phase >= numPhases {
		return errors.New("executor: unknown phase")
	}
	return e.enqueue(e.queues[phase], fn)
}

// Post queues fn on the callback goroutine. Callbacks run in the order posted.
func (e *Executor) Post(fn func()) error {
	return e.enqueue(e.callbacks, fn)
}

func (e *Executor) enqueue(q chan func(), fn func()) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	e.senders.Add(1)
	e.mu.RUnlock()
	defer e.senders.Done()

	select {
	case q <- fn:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// Pending returns the number of queued tasks for phase
func (e *Executor) Pending(phase Phase) int {
	return len(e.queues[phase])
}

// Closed reports whether Shutdown was called
func (e *Executor) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Shutdown stops intake, lets running tasks finish and drains queued
// callbacks. Tasks still queued on the pools are dropped.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		e.logger.Debug("executor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) work(name string, q chan func()) {
	for {
		select {
		case fn := <-q:
			e.run(name, fn)
		case <-e.done:
			return
		}
	}
}

func (e *Executor) deliver() {
	for {
		select {
		case fn := <-e.callbacks:
			e.run("callback", fn)
		case <-e.done:
			e.drain()
			return
		}
	}
}

// drain runs callbacks until every sender admitted before close has
// finished, so a Post that returned nil is never dropped
func (e *Executor) drain() {
	sent := make(chan struct{})
	go func() {
		e.senders.Wait()
		close(sent)
	}()
	for {
		select {
		case fn := <-e.callbacks:
			e.run("callback", fn)
		case <-sent:
			for {
				select {
				case fn := <-e.callbacks:
					e.run("callback", fn)
				default:
					return
				}
			}
		}
	}
}

// run executes fn, logging instead of crashing on panic
func (e *Executor) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panic",
				zap.String("pool", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
