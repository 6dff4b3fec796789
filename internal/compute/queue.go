package compute

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const queueDepth = 64

// Event is a fence for one enqueued command.
type Event struct {
	label string
	done  chan struct{}
	err   error
	at    time.Time
}

func newEvent(label string) *Event {
	return &Event{label: label, done: make(chan struct{})}
}

func completedEvent(label string, err error) *Event {
	ev := newEvent(label)
	ev.finish(err)
	return ev
}

func (e *Event) finish(err error) {
	e.err = err
	e.at = time.Now()
	close(e.done)
}

// Wait blocks until the command has run and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Complete reports whether the command has run, without blocking.
func (e *Event) Complete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Event) Label() string { return e.label }

// Finished returns the time the command completed, or the zero time if it has
// not yet run.
func (e *Event) Finished() time.Time {
	if !e.Complete() {
		return time.Time{}
	}
	return e.at
}

type command struct {
	label  string
	kernel bool
	deps   []*Event
	fn     func() error
	ev     *Event
}

// QueueStats counts the commands a queue has accepted.
type QueueStats struct {
	Commands int64
	Kernels  int64
}

// Queue is an in-order command stream. Commands execute one at a time in
// submission order on a dedicated goroutine. The first failing command poisons
// the queue: later commands are skipped and report the same error until Finish
// returns it.
type Queue struct {
	dev  Device
	cmds chan command
	done chan struct{}

	closeMu sync.RWMutex
	closed  bool

	errMu sync.Mutex
	err   error

	commands atomic.Int64
	kernels  atomic.Int64
}

func NewQueue(dev Device) *Queue {
	q := &Queue{
		dev:  dev,
		cmds: make(chan command, queueDepth),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) Device() Device { return q.dev }

func (q *Queue) Stats() QueueStats {
	return QueueStats{Commands: q.commands.Load(), Kernels: q.kernels.Load()}
}

func (q *Queue) loop() {
	defer close(q.done)
	for cmd := range q.cmds {
		err := q.sticky()
		if err == nil {
			for _, dep := range cmd.deps {
				if derr := dep.Wait(); derr != nil {
					err = derr
					q.poison(err)
					break
				}
			}
		}
		if err == nil && cmd.fn != nil {
			if err = cmd.fn(); err != nil {
				err = fmt.Errorf("%s: %w", cmd.label, err)
				q.poison(err)
			}
		}
		cmd.ev.finish(err)
	}
}

func (q *Queue) sticky() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *Queue) poison(err error) {
	q.errMu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.errMu.Unlock()
}

// Enqueue submits fn to run after every command already in the queue and after
// deps have completed.
func (q *Queue) Enqueue(label string, fn func() error, deps ...*Event) *Event {
	return q.submit(command{label: label, fn: fn, deps: deps})
}

func (q *Queue) submit(cmd command) *Event {
	cmd.ev = newEvent(cmd.label)
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		cmd.ev.finish(ErrQueueClosed)
		return cmd.ev
	}
	q.commands.Add(1)
	if cmd.kernel {
		q.kernels.Add(1)
	}
	q.cmds <- cmd
	return cmd.ev
}

// Finish blocks until all enqueued work has run. It returns the first error
// raised since the previous Finish and clears it.
func (q *Queue) Finish() error {
	ev := q.Enqueue("finish", nil)
	werr := ev.Wait()
	if errors.Is(werr, ErrQueueClosed) {
		return werr
	}
	q.errMu.Lock()
	err := q.err
	q.err = nil
	q.errMu.Unlock()
	return err
}

// Close drains pending work and stops the queue goroutine.
func (q *Queue) Close() {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.cmds)
	q.closeMu.Unlock()
	<-q.done
}
