// Package asynchook moves hook delivery off the store's lock. Events are
// queued to a small worker pool; when the queue is full, or after Close,
// they are counted and dropped instead of blocking a read or a mutation.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
//	client, _ := threadcache.New(threadcache.Options{Transport: tr, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/threadcache"
)

const defaultQueue = 1024

type Hooks struct {
	inner threadcache.Hooks

	mu     sync.RWMutex // guards closed against sends racing close(q)
	closed bool
	q      chan func()
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

var _ threadcache.Hooks = (*Hooks)(nil)

func New(inner threadcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = defaultQueue
	}
	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.work()
	}
	return h
}

func (h *Hooks) work() {
	defer h.wg.Done()
	for f := range h.q {
		f()
	}
}

// Close delivers what is queued and stops the workers. Idempotent.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)             { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) FetchDropped(k, r string)         { h.try(func() { h.inner.FetchDropped(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string)     { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
func (h *Hooks) GenSnapshotError(k string, err error) {
	h.try(func() { h.inner.GenSnapshotError(k, err) })
}
func (h *Hooks) RollbackPartial(k, op string) {
	h.try(func() { h.inner.RollbackPartial(k, op) })
}
func (h *Hooks) MutationSuperseded(op string, id int64, mid string) {
	h.try(func() { h.inner.MutationSuperseded(op, id, mid) })
}
