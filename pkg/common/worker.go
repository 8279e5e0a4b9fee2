package common

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

type WorkerConfig[T any] struct {
	// Capacity of the task queue. A full queue rejects new tasks.
	ChannelSize int
	// Idle period after which `OnTimeout` is called. Zero disables it.
	Timeout time.Duration
	// Called after `Timeout` without any task. Optional.
	OnTimeout func()
	// Called for every task, sequentially, on the worker goroutine.
	OnTask func(T)
	// Called once the worker goroutine has drained its queue and exited. Optional.
	OnStop func()
}

// Runs tasks one by one on a dedicated goroutine, off the caller's path.
type Worker[T any] struct {
	tasks  chan<- T
	mutex  sync.Mutex
	closed bool
	done   <-chan struct{}
}

// Stops accepting tasks. Tasks already queued are still handled.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.tasks)
		w.closed = true
	}
}

// Closed once the worker goroutine has exited.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}

// Queues a task without blocking.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.tasks <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

func StartWorker[T any](c WorkerConfig[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if c.OnStop != nil {
			defer c.OnStop()
		}

		var idle <-chan time.Time

		for {
			var timer *time.Timer
			if c.Timeout > 0 && c.OnTimeout != nil {
				timer = time.NewTimer(c.Timeout)
				idle = timer.C
			}

			select {
			case task, ok := <-incoming:
				if timer != nil {
					timer.Stop()
				}
				if !ok {
					return
				}
				c.OnTask(task)
			case <-idle:
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{tasks: incoming, done: done}
}
