package openiap

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// dispatcher runs subscription handlers off the native callback threads.
// Work for one key always lands on the same shard, so it runs in order;
// work for different keys may interleave.
type dispatcher struct {
	shards []*shard
	log    *slog.Logger
	wg     sync.WaitGroup
}

// shard is an unbounded FIFO drained by one goroutine. Submit never blocks,
// so a trampoline returns to native code at once.
type shard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newDispatcher(n int, log *slog.Logger) *dispatcher {
	if n <= 0 {
		n = 1
	}
	d := &dispatcher{shards: make([]*shard, n), log: log}
	for i := range d.shards {
		s := &shard{}
		s.cond = sync.NewCond(&s.mu)
		d.shards[i] = s
		d.wg.Add(1)
		go d.run(s)
	}
	return d
}

// Submit queues fn behind earlier work for key. It reports false once the
// dispatcher is closed.
func (d *dispatcher) Submit(key string, fn func()) bool {
	s := d.shards[xxhash.Sum64String(key)%uint64(len(d.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return true
}

func (d *dispatcher) run(s *shard) {
	defer d.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		d.call(fn)
	}
}

// call keeps a panicking handler from taking its shard down.
func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("subscription handler panicked", "panic", r)
		}
	}()
	fn()
}

// Close stops accepting work, runs what is queued and waits for the
// workers. Calling it from a handler deadlocks.
func (d *dispatcher) Close() {
	for _, s := range d.shards {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	d.wg.Wait()
}
