package memory

import "sync"

// Delivers values to a subscriber callback from a dedicated goroutine. The queue is
// unbounded so that a slow subscriber never blocks writers, and the order of `push`
// is the order of delivery.
type delivery[T any] struct {
	mutex  sync.Mutex
	queue  []T
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	notify func(T)
}

func startDelivery[T any](notify func(T)) *delivery[T] {
	d := &delivery[T]{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		notify: notify,
	}

	go d.run()
	return d
}

func (d *delivery[T]) push(value T) {
	d.mutex.Lock()
	d.queue = append(d.queue, value)
	d.mutex.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *delivery[T]) stop() {
	d.once.Do(func() { close(d.done) })
}

func (d *delivery[T]) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mutex.Lock()
			if len(d.queue) == 0 {
				d.mutex.Unlock()
				break
			}
			value := d.queue[0]
			d.queue = d.queue[1:]
			d.mutex.Unlock()

			select {
			case <-d.done:
				return
			default:
				d.notify(value)
			}
		}
	}
}
