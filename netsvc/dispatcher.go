package netsvc

import "sync"

// direction groups event kinds into the two independent per-session FIFOs
// spec's Event Dispatcher maintains (§4.5): READ/CONNECT share one queue,
// WRITE/DISCONNECT share the other, so the two directions may be
// processed concurrently relative to each other while each is strictly
// ordered internally.
type direction int

const (
	dirRead direction = iota
	dirWrite
)

func directionFor(a Action) direction {
	switch a {
	case ActionRead, ActionConnect:
		return dirRead
	default:
		return dirWrite
	}
}

type queueKey struct {
	session *Session
	dir     direction
}

type eventQueue struct {
	items   []*Package
	running bool
}

// dispatcher delivers packages to a consumer callback in strict per
// (session, direction) enqueue order, with exactly one goroutine draining
// a given queue at any moment. A single coarse mutex guards every queue:
// dispatch volume is bounded by application event rate, not wire
// throughput, so a per-queue lock would add complexity without a
// measurable win here.
type dispatcher struct {
	mu     sync.Mutex
	queues map[queueKey]*eventQueue

	// submit runs the drain loop; backed by the service pool so dispatch
	// work is accounted the same way streaming sources are (§5).
	submit func(func())
}

func newDispatcher(submit func(func())) *dispatcher {
	return &dispatcher{queues: make(map[queueKey]*eventQueue), submit: submit}
}

// enqueue appends pkg to the session's queue for its action's direction
// and, if no drain task is currently running for that queue, starts one.
func (d *dispatcher) enqueue(session *Session, pkg *Package, deliver func(*Package)) {
	key := queueKey{session: session, dir: directionFor(pkg.Action)}

	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &eventQueue{}
		d.queues[key] = q
	}
	q.items = append(q.items, pkg)
	start := !q.running
	if start {
		q.running = true
	}
	d.mu.Unlock()

	if start {
		run := func() { d.drain(key, deliver) }
		if d.submit != nil {
			d.submit(run)
		} else {
			go run()
		}
	}
}

// drain delivers packages from the queue named by key in FIFO order until
// it is empty, then removes the queue from the map under the same lock
// that guards pushes, so no enqueue can race a removal.
func (d *dispatcher) drain(key queueKey, deliver func(*Package)) {
	for {
		d.mu.Lock()
		q := d.queues[key]
		if q == nil || len(q.items) == 0 {
			if q != nil {
				q.running = false
				delete(d.queues, key)
			}
			d.mu.Unlock()
			return
		}
		pkg := q.items[0]
		q.items = q.items[1:]
		d.mu.Unlock()

		deliver(pkg)
	}
}
