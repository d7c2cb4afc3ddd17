package threadcache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/threadcache"
	"github.com/unkn0wn-root/threadcache/transport/memserver"
)

var (
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice = threadcache.Author{ID: "u1", Username: "alice"}
	bob   = threadcache.Author{ID: "u2", Username: "bob"}
)

type notices struct {
	mu  sync.Mutex
	all []threadcache.Notice
}

func (n *notices) Notify(x threadcache.Notice) {
	n.mu.Lock()
	n.all = append(n.all, x)
	n.mu.Unlock()
}

func (n *notices) list() []threadcache.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]threadcache.Notice(nil), n.all...)
}

type hooks struct {
	threadcache.NopHooks
	mu         sync.Mutex
	partial    []string
	dropped    []string
	superseded []string
}

func (h *hooks) RollbackPartial(_, op string) {
	h.mu.Lock()
	h.partial = append(h.partial, op)
	h.mu.Unlock()
}

func (h *hooks) FetchDropped(_, reason string) {
	h.mu.Lock()
	h.dropped = append(h.dropped, reason)
	h.mu.Unlock()
}

func (h *hooks) MutationSuperseded(op string, _ int64, _ string) {
	h.mu.Lock()
	h.superseded = append(h.superseded, op)
	h.mu.Unlock()
}

func (h *hooks) snapshot() (partial, dropped, superseded []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.partial...), append([]string(nil), h.dropped...), append([]string(nil), h.superseded...)
}

type fixture struct {
	srv   *memserver.Server
	cl    *threadcache.Client
	notes *notices
	hooks *hooks
}

// ticking clock so every created row has a distinct timestamp
func clock() func() time.Time {
	var n atomic.Int64
	return func() time.Time { return t0.Add(time.Duration(n.Add(1)) * time.Second) }
}

func newFixture(t *testing.T, tweak ...func(*threadcache.Options)) *fixture {
	t.Helper()
	srv := memserver.New(memserver.WithUser(alice), memserver.WithClock(clock()))
	f := &fixture{srv: srv, notes: &notices{}, hooks: &hooks{}}
	opts := threadcache.Options{
		Namespace: "test",
		Transport: srv,
		Notifier:  f.notes,
		Hooks:     f.hooks,
		Session:   func() threadcache.Author { return alice },
		Now:       func() time.Time { return t0 },
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	cl, err := threadcache.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	f.cl = cl
	return f
}

func (f *fixture) addPost(t *testing.T, title string, points int) threadcache.Post {
	t.Helper()
	return f.srv.AddPost(threadcache.Post{Title: title, Points: points, Author: bob})
}

func (f *fixture) addComment(t *testing.T, postID int64, parent *int64, content string, points int) threadcache.Comment {
	t.Helper()
	c, err := f.srv.AddComment(postID, parent, content, bob, points)
	require.NoError(t, err)
	return c
}

func mount(t *testing.T, p *threadcache.Pager) threadcache.View {
	t.Helper()
	v, err := p.Mount(context.Background())
	require.NoError(t, err)
	return v
}

func view(t *testing.T, p *threadcache.Pager) threadcache.View {
	t.Helper()
	v, err := p.View(context.Background())
	require.NoError(t, err)
	return v
}

func findPost(ps []threadcache.Post, id int64) (threadcache.Post, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return threadcache.Post{}, false
}

func findComment(cs []threadcache.Comment, id int64) (threadcache.Comment, bool) {
	for _, c := range cs {
		if c.ID == id {
			return c, true
		}
		if k, ok := findComment(c.Children, id); ok {
			return k, true
		}
	}
	return threadcache.Comment{}, false
}

func ids(cs []threadcache.Comment) []int64 {
	out := make([]int64, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func ptr(v int64) *int64 { return &v }

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport call")
	}
}
