package threadcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	c "github.com/unkn0wn-root/threadcache/codec"
	gen "github.com/unkn0wn-root/threadcache/genstore"
	"github.com/unkn0wn-root/threadcache/internal/wire"
	pr "github.com/unkn0wn-root/threadcache/provider"
)

// SetCostFunc computes the provider cost of a framed entry.
type SetCostFunc func(storageKey string, raw []byte) int64

type StaleOptions struct {
	// RefetchNow refetches before returning when the entry is active.
	RefetchNow bool
}

// Entry is one cached view as seen by ForEachMatching.
// Value is an isolated copy; setting Stale marks the entry without rewriting it.
type Entry struct {
	Sig    Signature
	Value  Value
	Active bool
	Stale  bool

	key     string
	payload []byte // encoded value as stored
	gen     uint64
}

type entryMeta struct {
	key       string
	observers int
	stale     bool
	written   bool
	fetch     *inflight
	refetch   func(context.Context) error
}

type inflight struct {
	id     uint64
	cancel context.CancelFunc
}

// fetchTicket carries what a fetch observed when it started.
type fetchTicket struct {
	ctx     context.Context
	cancel  context.CancelFunc
	id      uint64
	obs     uint64
	base    Value
	hasBase bool
}

// patched records one entry written by forEachLocked.
type patched struct {
	sig  Signature
	key  string
	orig []byte
	gen  uint64
}

// Store holds every cached view keyed by Signature. Payloads live in a Provider
// framed with a per-entry generation; observer counts, stale flags and in-flight
// fetches live in memory. All operations serialize on one mutex, so a
// multi-entry patch is observed all-or-nothing.
type Store struct {
	ns             string
	provider       pr.Provider
	codec          c.Codec[Value]
	gen            gen.GenStore
	log            Logger
	hooks          Hooks
	ttl            time.Duration
	computeSetCost SetCostFunc

	mu       sync.Mutex
	meta     map[Signature]*entryMeta
	fetchSeq uint64
	closed   bool
}

func newStore(o Options) *Store {
	return &Store{
		ns:             o.Namespace,
		provider:       o.Provider,
		codec:          o.Codec,
		gen:            o.GenStore,
		log:            o.Logger,
		hooks:          o.Hooks,
		ttl:            o.TTL,
		computeSetCost: o.ComputeSetCost,
		meta:           make(map[Signature]*entryMeta),
	}
}

func (s *Store) storageKey(sig Signature) string {
	return "entry:" + s.ns + ":" + sig.String()
}

func (s *Store) metaFor(sig Signature) *entryMeta {
	m, ok := s.meta[sig]
	if !ok {
		m = &entryMeta{key: s.storageKey(sig)}
		s.meta[sig] = m
	}
	return m
}

func (s *Store) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn()
}

// Read returns an isolated copy of the cached value for sig.
func (s *Store) Read(ctx context.Context, sig Signature) (Value, bool, error) {
	var (
		e  Entry
		ok bool
	)
	err := s.locked(func() error {
		var err error
		e, ok, err = s.loadLocked(ctx, sig)
		return err
	})
	return e.Value, ok, err
}

// Payload returns a copy of the encoded value stored for sig.
func (s *Store) Payload(ctx context.Context, sig Signature) ([]byte, bool, error) {
	var (
		e  Entry
		ok bool
	)
	err := s.locked(func() error {
		var err error
		e, ok, err = s.loadLocked(ctx, sig)
		return err
	})
	return e.payload, ok, err
}

// Write replaces the value for sig and bumps its generation.
func (s *Store) Write(ctx context.Context, sig Signature, v Value) error {
	return s.locked(func() error {
		_, err := s.writeLocked(ctx, sig, v)
		return err
	})
}

// SnapshotGen returns the current generation of sig. On error it returns 0,
// which makes a later WriteWithGen fail closed.
func (s *Store) SnapshotGen(ctx context.Context, sig Signature) uint64 {
	var g uint64
	_ = s.locked(func() error {
		g = s.snapshotLocked(ctx, sig)
		return nil
	})
	return g
}

// WriteWithGen writes v only if sig's generation still equals observed.
func (s *Store) WriteWithGen(ctx context.Context, sig Signature, v Value, observed uint64) (bool, error) {
	var wrote bool
	err := s.locked(func() error {
		if s.snapshotLocked(ctx, sig) != observed {
			s.hooks.FetchDropped(s.storageKey(sig), "superseded")
			return nil
		}
		if _, err := s.writeLocked(ctx, sig, v); err != nil {
			return err
		}
		s.metaFor(sig).stale = false
		wrote = true
		return nil
	})
	return wrote, err
}

// ForEachMatching visits every cached entry matching f, active or not, in
// storage key order. When fn returns true the modified Value is written back.
// The traversal holds the store lock; fn must not call back into the Store.
func (s *Store) ForEachMatching(ctx context.Context, f Filter, fn func(*Entry) bool) error {
	return s.locked(func() error {
		_, err := s.forEachLocked(ctx, []Filter{f}, fn)
		return err
	})
}

// MarkStale flags sig for refetch. With RefetchNow and an active entry the
// registered refetch runs before MarkStale returns.
func (s *Store) MarkStale(ctx context.Context, sig Signature, opts StaleOptions) error {
	var refetch func(context.Context) error
	err := s.locked(func() error {
		m, ok := s.meta[sig]
		if !ok {
			return nil
		}
		m.stale = true
		if opts.RefetchNow && m.observers > 0 {
			refetch = m.refetch
		}
		return nil
	})
	if err != nil || refetch == nil {
		return err
	}
	return refetch(ctx)
}

// Activate registers an observer of sig. refetch, when non-nil, becomes the
// entry's refetcher used by MarkStale.
func (s *Store) Activate(sig Signature, refetch func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metaFor(sig)
	m.observers++
	if refetch != nil {
		m.refetch = refetch
	}
}

func (s *Store) Deactivate(sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[sig]
	if !ok || m.observers == 0 {
		return
	}
	m.observers--
	if m.observers == 0 {
		m.refetch = nil
	}
}

func (s *Store) IsActive(sig Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[sig]
	return ok && m.observers > 0
}

func (s *Store) IsStale(sig Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[sig]
	return ok && m.stale
}

func (s *Store) IsFetching(sig Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[sig]
	return ok && m.fetch != nil
}

// CancelFetches aborts in-flight fetches of every entry matching any filter.
// Their results are dropped even if the transport ignores cancellation.
func (s *Store) CancelFetches(filters ...Filter) error {
	return s.locked(func() error {
		s.cancelFetchesLocked(filters)
		return nil
	})
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, m := range s.meta {
		if m.fetch != nil {
			m.fetch.cancel()
			m.fetch = nil
		}
	}
	s.mu.Unlock()
	return errors.Join(s.gen.Close(ctx), s.provider.Close(ctx))
}

// --- locked internals ---

func (s *Store) snapshotLocked(ctx context.Context, sig Signature) uint64 {
	key := s.storageKey(sig)
	g, err := s.gen.Snapshot(ctx, key)
	if err != nil {
		s.hooks.GenSnapshotError(key, err)
		s.log.Warn("gen snapshot failed", Fields{"key": key, "err": err})
		return 0
	}
	return g
}

// snapshotManyLocked fetches the generations of sigs in one round trip.
// On error it returns nil and loads fall back to per-key snapshots.
func (s *Store) snapshotManyLocked(ctx context.Context, sigs []Signature) map[string]uint64 {
	if len(sigs) < 2 {
		return nil
	}
	keys := make([]string, len(sigs))
	for i, sig := range sigs {
		keys[i] = s.storageKey(sig)
	}
	gens, err := s.gen.SnapshotMany(ctx, keys)
	if err != nil {
		s.log.Warn("batch gen snapshot failed", Fields{"keys": len(keys), "err": err})
		return nil
	}
	return gens
}

// loadLocked reads, validates and decodes an entry. Anything that fails
// validation is deleted, marked stale and reported as a miss.
func (s *Store) loadLocked(ctx context.Context, sig Signature) (Entry, bool, error) {
	return s.loadAtLocked(ctx, sig, nil)
}

// loadAtLocked is loadLocked with generations prefetched by snapshotManyLocked.
// Keys missing from gens are looked up individually.
func (s *Store) loadAtLocked(ctx context.Context, sig Signature, gens map[string]uint64) (Entry, bool, error) {
	key := s.storageKey(sig)
	raw, ok, err := s.provider.Get(ctx, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("threadcache: get %s: %w", key, err)
	}
	if !ok {
		return Entry{}, false, nil
	}

	g, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		s.healLocked(ctx, sig, key, "corrupt")
		return Entry{}, false, nil
	}
	cur, known := gens[key]
	if !known {
		cur, err = s.gen.Snapshot(ctx, key)
		if err != nil {
			s.hooks.GenSnapshotError(key, err)
			s.log.Warn("gen snapshot failed; treating as miss", Fields{"key": key, "err": err})
			return Entry{}, false, nil
		}
	}
	if g != cur {
		s.healLocked(ctx, sig, key, "gen_mismatch")
		return Entry{}, false, nil
	}
	v, err := s.codec.Decode(payload)
	if err != nil {
		s.healLocked(ctx, sig, key, "value_decode")
		return Entry{}, false, nil
	}

	m := s.metaFor(sig)
	m.written = true
	return Entry{
		Sig:     sig,
		Value:   v,
		Active:  m.observers > 0,
		Stale:   m.stale,
		key:     key,
		payload: append([]byte(nil), payload...),
		gen:     g,
	}, true, nil
}

func (s *Store) healLocked(ctx context.Context, sig Signature, key, reason string) {
	if err := s.provider.Del(ctx, key); err != nil {
		s.log.Warn("self-heal delete failed", Fields{"key": key, "err": err})
	}
	s.metaFor(sig).stale = true
	s.hooks.SelfHeal(key, reason)
	s.log.Debug("self-healed entry", Fields{"key": key, "reason": reason})
}

func (s *Store) writeLocked(ctx context.Context, sig Signature, v Value) (uint64, error) {
	payload, err := s.codec.Encode(v)
	if err != nil {
		return 0, fmt.Errorf("threadcache: encode %s: %w", sig.Kind, err)
	}
	return s.writePayloadLocked(ctx, sig, payload)
}

func (s *Store) writePayloadLocked(ctx context.Context, sig Signature, payload []byte) (uint64, error) {
	m := s.metaFor(sig)
	g, err := s.gen.Bump(ctx, m.key)
	if err != nil {
		s.hooks.GenBumpError(m.key, err)
		return 0, fmt.Errorf("threadcache: gen bump %s: %w", m.key, err)
	}
	raw := wire.EncodeEntry(g, payload)
	ok, err := s.provider.Set(ctx, m.key, raw, s.computeSetCost(m.key, raw), s.ttl)
	if err != nil {
		return 0, fmt.Errorf("threadcache: set %s: %w", m.key, err)
	}
	if !ok {
		// entry is gone; next mount refetches
		s.hooks.ProviderSetRejected(m.key)
		s.log.Warn("provider rejected set", Fields{"key": m.key})
		m.stale = true
		return g, nil
	}
	m.written = true
	return g, nil
}

// matchLocked returns the written signatures matching any filter, in storage key order.
func (s *Store) matchLocked(filters []Filter) []Signature {
	out := make([]Signature, 0, len(s.meta))
	for sig, m := range s.meta {
		if !m.written {
			continue
		}
		active := m.observers > 0
		for _, f := range filters {
			if f.Matches(sig, active) {
				out = append(out, sig)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.meta[out[i]].key < s.meta[out[j]].key })
	return out
}

func (s *Store) forEachLocked(ctx context.Context, filters []Filter, fn func(*Entry) bool) ([]patched, error) {
	var out []patched
	sigs := s.matchLocked(filters)
	gens := s.snapshotManyLocked(ctx, sigs)
	for _, sig := range sigs {
		e, ok, err := s.loadAtLocked(ctx, sig, gens)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		m := s.meta[sig]
		wasStale := e.Stale
		write := fn(&e)
		if e.Stale != wasStale {
			m.stale = e.Stale
		}
		if !write {
			continue
		}
		g, err := s.writeLocked(ctx, sig, e.Value)
		if err != nil {
			return out, err
		}
		out = append(out, patched{sig: sig, key: e.key, orig: e.payload, gen: g})
	}
	return out, nil
}

// seedLocked writes v for sig unless a valid entry already exists.
func (s *Store) seedLocked(ctx context.Context, sig Signature, v Value) error {
	if m, ok := s.meta[sig]; ok && m.written {
		if _, ok, err := s.loadLocked(ctx, sig); err != nil || ok {
			return err
		}
	}
	_, err := s.writeLocked(ctx, sig, v)
	return err
}

// restoreLocked puts back a captured payload if the entry is still at the
// generation the mutation produced. Otherwise partial reverts only the mutated
// fields on the current value. Returns whether the full payload was restored.
func (s *Store) restoreLocked(ctx context.Context, sig Signature, payload []byte, expect uint64, partial func(*Value) bool) (bool, error) {
	if s.snapshotLocked(ctx, sig) == expect {
		_, err := s.writePayloadLocked(ctx, sig, payload)
		return err == nil, err
	}
	e, ok, err := s.loadLocked(ctx, sig)
	if err != nil || !ok {
		return false, err
	}
	if !partial(&e.Value) {
		return false, nil
	}
	_, err = s.writeLocked(ctx, sig, e.Value)
	return false, err
}

func (s *Store) cancelFetchesLocked(filters []Filter) {
	for sig, m := range s.meta {
		if m.fetch == nil {
			continue
		}
		active := m.observers > 0
		for _, f := range filters {
			if f.Matches(sig, active) {
				m.fetch.cancel()
				m.fetch = nil
				s.hooks.FetchDropped(m.key, "cancelled")
				break
			}
		}
	}
}

// beginFetch registers an in-flight fetch for sig. ok=false when one is
// already outstanding.
func (s *Store) beginFetch(ctx context.Context, sig Signature) (*fetchTicket, bool, error) {
	var (
		t  *fetchTicket
		ok bool
	)
	err := s.locked(func() error {
		m := s.metaFor(sig)
		if m.fetch != nil {
			return nil
		}
		obs := s.snapshotLocked(ctx, sig)
		e, has, err := s.loadLocked(ctx, sig)
		if err != nil {
			return err
		}
		s.fetchSeq++
		fctx, cancel := context.WithCancel(ctx)
		m.fetch = &inflight{id: s.fetchSeq, cancel: cancel}
		t = &fetchTicket{ctx: fctx, cancel: cancel, id: s.fetchSeq, obs: obs, base: e.Value, hasBase: has}
		ok = true
		return nil
	})
	return t, ok, err
}

func (s *Store) endFetch(sig Signature, t *fetchTicket) {
	s.mu.Lock()
	if m, ok := s.meta[sig]; ok && m.fetch != nil && m.fetch.id == t.id {
		m.fetch = nil
	}
	s.mu.Unlock()
	t.cancel()
}

// mergeFunc folds a fetch result into base. moved reports whether the entry
// was written since the fetch started; base is then the current value.
// Returning false drops the result.
type mergeFunc func(base Value, hasBase, moved bool) (Value, bool)

// commitFetch writes a fetch result unless the fetch was cancelled or merge
// rejects it. Seeds are written after a successful commit if absent.
func (s *Store) commitFetch(ctx context.Context, sig Signature, t *fetchTicket, merge mergeFunc, fresh bool, seeds map[Signature]Value) (bool, error) {
	var wrote bool
	err := s.locked(func() error {
		key := s.storageKey(sig)
		if t.ctx.Err() != nil {
			s.hooks.FetchDropped(key, "cancelled")
			return nil
		}
		moved := s.snapshotLocked(ctx, sig) != t.obs
		base, has := t.base, t.hasBase
		if moved {
			e, ok, err := s.loadLocked(ctx, sig)
			if err != nil {
				return err
			}
			base, has = e.Value, ok
		}
		v, ok := merge(base, has, moved)
		if !ok {
			s.hooks.FetchDropped(key, "superseded")
			s.log.Debug("dropped fetch result", Fields{"key": key})
			return nil
		}
		if _, err := s.writeLocked(ctx, sig, v); err != nil {
			return err
		}
		if fresh {
			s.metaFor(sig).stale = false
		}
		wrote = true
		for _, rs := range sortedSigs(seeds) {
			if err := s.seedLocked(ctx, rs, seeds[rs]); err != nil {
				s.log.Warn("seed failed", Fields{"sig": rs.String(), "err": err})
			}
		}
		return nil
	})
	return wrote, err
}

func sortedSigs(m map[Signature]Value) []Signature {
	out := make([]Signature, 0, len(m))
	for sig := range m {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
