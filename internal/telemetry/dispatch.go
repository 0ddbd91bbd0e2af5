package telemetry

import "sync"

// dispatcher runs posted funcs one at a time, in post order, on its own
// goroutine. It is the single event loop every notification goes through.
type dispatcher struct {
	mu      sync.Mutex
	pending []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	exit chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// flush blocks until everything posted before it has run.
// It must not be called from a dispatched func.
func (d *dispatcher) flush() {
	ch := make(chan struct{})
	if !d.post(func() { close(ch) }) {
		return
	}
	select {
	case <-ch:
	case <-d.exit:
	}
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.done)
	<-d.exit
}

func (d *dispatcher) loop() {
	defer close(d.exit)
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			batch := d.pending
			d.pending = nil
			d.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}
