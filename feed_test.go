package threadcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/threadcache"
	"github.com/unkn0wn-root/threadcache/transport/memserver"
)

func TestFetchNextIgnoredWhileOutstanding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *threadcache.Options) { o.PostsPageSize = 1 })
	for _, title := range []string{"a", "b", "c"} {
		f.addPost(t, title, 1)
	}
	feed := f.cl.Posts(threadcache.PostsFilter{Sort: threadcache.SortRecent})
	require.True(t, mount(t, feed).HasNext)

	gate := f.srv.Hold(memserver.OpFetchPosts, false)
	first := make(chan error, 1)
	go func() { first <- feed.FetchNext(ctx) }()
	wait(t, gate.Entered())

	require.NoError(t, feed.FetchNext(ctx))
	assert.Equal(t, 2, f.srv.Calls(memserver.OpFetchPosts), "mount and the first FetchNext only")
	assert.True(t, view(t, feed).IsFetchingNext)

	gate.Release()
	require.NoError(t, <-first)
	v := view(t, feed)
	assert.Len(t, v.Posts, 2)
	assert.False(t, v.IsFetchingNext)
	assert.True(t, v.HasNext)
}
