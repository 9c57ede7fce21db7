package bridge

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tuusuario/ftpdrive/internal/events"
	"github.com/tuusuario/ftpdrive/internal/logging"
	"github.com/tuusuario/ftpdrive/internal/metrics"
	"github.com/tuusuario/ftpdrive/internal/remote"
)

// ErrExecutorClosed is returned for work submitted after Close.
var ErrExecutorClosed = errors.New("ftp executor closed")

// Unit is one discrete FTP operation. It receives the connection and must
// not submit further units to the executor it runs on.
type Unit func(c remote.Client) error

// PanicError carries a panic raised inside a unit back to its submitter.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

// Future is the completion handle of a submitted unit.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the unit has run and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Done is closed once the unit has run.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type job struct {
	name   string
	unit   Unit
	future *Future
}

// Executor owns the single FTP connection. One worker goroutine takes units
// from an unbounded FIFO queue and runs each to completion before the next,
// so at most one FTP command is ever in flight.
type Executor struct {
	client remote.Client
	bus    *events.Bus
	log    *zap.Logger

	mu     sync.Mutex
	queue  []*job
	closed bool

	wake      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewExecutor starts the worker for client.
func NewExecutor(client remote.Client, bus *events.Bus) *Executor {
	e := &Executor{
		client:  client,
		bus:     bus,
		log:     logging.Named("executor"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit appends a unit to the queue and returns its handle.
func (e *Executor) Submit(name string, unit Unit) *Future {
	f := newFuture()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.complete(fmt.Errorf("%s: %w", name, ErrExecutorClosed))
		return f
	}
	e.queue = append(e.queue, &job{name: name, unit: unit, future: f})
	depth := len(e.queue)
	e.mu.Unlock()

	metrics.SetQueueDepth(depth)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return f
}

// Do submits fn and waits for its result.
func Do[T any](e *Executor, name string, fn func(c remote.Client) (T, error)) (T, error) {
	var result T
	err := e.Submit(name, func(c remote.Client) error {
		var err error
		result, err = fn(c)
		return err
	}).Wait()
	return result, err
}

// Close stops accepting units, lets the queued ones finish and stops the
// worker. It is safe to call more than once.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		select {
		case e.wake <- struct{}{}:
		default:
		}
	})
	<-e.stopped
}

// QueueLen returns the number of units waiting to run.
func (e *Executor) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Executor) run() {
	defer close(e.stopped)
	for {
		j, ok := e.next()
		if !ok {
			return
		}
		e.execute(j)
	}
}

// next pops the head of the queue, parking on wake while it is empty.
func (e *Executor) next() (*job, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			j := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			depth := len(e.queue)
			e.mu.Unlock()
			metrics.SetQueueDepth(depth)
			return j, true
		}
		if e.closed {
			e.mu.Unlock()
			return nil, false
		}
		e.mu.Unlock()
		<-e.wake
	}
}

func (e *Executor) execute(j *job) {
	start := time.Now()
	err := e.safeRun(j)
	elapsed := time.Since(start)
	metrics.RecordUnit(j.name, elapsed, err)

	if err != nil {
		e.log.Debug("unit failed", zap.String("unit", j.name), zap.Duration("took", elapsed), zap.Error(err))
		e.bus.Publish(events.Debug, fmt.Sprintf("%s failed: %v", j.name, err))
	} else {
		e.log.Debug("unit done", zap.String("unit", j.name), zap.Duration("took", elapsed))
	}

	j.future.complete(err)

	var panicErr *PanicError
	if remote.IsTransportError(err) && !errors.As(err, &panicErr) {
		e.reconnect(j.name)
	}
}

func (e *Executor) safeRun(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			e.log.Error("unit panicked", zap.String("unit", j.name), zap.Any("panic", r))
		}
	}()
	return j.unit(e.client)
}

func (e *Executor) reconnect(unit string) {
	r, ok := e.client.(remote.Reconnector)
	if !ok {
		return
	}
	err := r.Reconnect()
	metrics.RecordReconnect(err)
	if err != nil {
		e.log.Warn("reconnect failed", zap.String("after", unit), zap.Error(err))
		e.bus.Publish(events.Debug, "reconnect failed: "+err.Error())
		return
	}
	e.bus.Publish(events.Debug, "reconnected after "+unit)
}
