package store

import "sync"

type notificationKind int

const (
	notifyAdded notificationKind = iota
	notifyChanged
	notifyRemoved
)

type notification struct {
	kind  notificationKind
	child Child
}

// dispatcher delivers notifications to one Handler in arrival order on a
// single goroutine. The queue is unbounded so publishers never block.
type dispatcher struct {
	handler Handler

	mu      sync.Mutex
	queue   []notification
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newDispatcher(handler Handler) *dispatcher {
	d := &dispatcher{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(n notification) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, n)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()
	close(d.done)
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.stopped || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			n := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.deliver(n)
		}
	}
}

func (d *dispatcher) deliver(n notification) {
	var fn func(Child)
	switch n.kind {
	case notifyAdded:
		fn = d.handler.Added
	case notifyChanged:
		fn = d.handler.Changed
	case notifyRemoved:
		fn = d.handler.Removed
	}
	if fn != nil {
		fn(n.child)
	}
}
