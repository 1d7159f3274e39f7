package registry

import "sync"

// ChangeOp classifies a registry mutation.
type ChangeOp int

const (
	OpAdded ChangeOp = iota
	OpUpdated
	OpRemoved
)

func (op ChangeOp) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpUpdated:
		return "updated"
	case OpRemoved:
		return "removed"
	}
	return "unknown"
}

// Change is one committed mutation. Account is the post-write snapshot
// (for OpRemoved, the last state before deletion). Every write produces
// exactly one Change per affected account.
type Change struct {
	Op      ChangeOp
	Account Account
}

// Watcher receives registry changes committed after Watch was called.
// Changes queue internally until the consumer drains them, so a slow
// watcher never stalls a registry write. A write performed from code
// the watcher's consumer is itself waiting on would otherwise deadlock.
type Watcher struct {
	set      *watcherSet
	ch       chan Change
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	pending []Change
	wake    chan struct{}
}

// C returns the change channel. It is closed when the watcher or the
// registry shuts down.
func (w *Watcher) C() <-chan Change {
	return w.ch
}

// Close detaches the watcher. Queued changes not yet consumed are
// discarded.
func (w *Watcher) Close() {
	w.doneOnce.Do(func() { close(w.done) })
	w.set.remove(w)
}

// enqueue records a change and nudges the forwarder. Never blocks.
func (w *Watcher) enqueue(c Change) {
	w.mu.Lock()
	w.pending = append(w.pending, c)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// forward drains the pending queue into the consumer channel, in order.
func (w *Watcher) forward() {
	defer close(w.ch)
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				w.mu.Unlock()
				break
			}
			c := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()

			select {
			case w.ch <- c:
			case <-w.done:
				return
			}
		}
	}
}

// Watch registers a change watcher. buffer sizes the consumer channel;
// delivery beyond it queues without bound rather than blocking the
// mutating writer.
func (r *Registry) Watch(buffer int) *Watcher {
	return r.watchers.add(buffer)
}

type watcherSet struct {
	mu       sync.Mutex
	watchers map[*Watcher]struct{}
	closed   bool
}

func newWatcherSet() *watcherSet {
	return &watcherSet{watchers: make(map[*Watcher]struct{})}
}

func (s *watcherSet) add(buffer int) *Watcher {
	if buffer < 1 {
		buffer = 1
	}
	w := &Watcher{
		set:  s,
		ch:   make(chan Change, buffer),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		w.doneOnce.Do(func() { close(w.done) })
		close(w.ch)
		return w
	}
	s.watchers[w] = struct{}{}
	go w.forward()
	return w
}

func (s *watcherSet) remove(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, w)
}

func (s *watcherSet) notify(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.enqueue(c)
	}
}

func (s *watcherSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for w := range s.watchers {
		w.doneOnce.Do(func() { close(w.done) })
		delete(s.watchers, w)
	}
}
