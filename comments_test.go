package threadcache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/threadcache"
	"github.com/unkn0wn-root/threadcache/transport/memserver"
)

const (
	byPoints = threadcache.SortPoints
	desc     = threadcache.OrderDesc
)

func TestCommentsInlineChildrenSeedReplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "seeded", 1)
	root := f.addComment(t, p.ID, nil, "root", 10)
	r1 := f.addComment(t, p.ID, &root.ID, "first", 3)
	r2 := f.addComment(t, p.ID, &root.ID, "second", 2)
	r3 := f.addComment(t, p.ID, &root.ID, "third", 1)
	quiet := f.addComment(t, p.ID, nil, "no replies", 5)

	v := mount(t, f.cl.Comments(p.ID, byPoints, desc))
	assert.Equal(t, []int64{root.ID, quiet.ID}, ids(v.Comments))
	assert.False(t, v.HasNext)

	replies := f.cl.Replies(root.ID, byPoints, desc)
	rv := mount(t, replies)
	assert.Equal(t, 0, f.srv.Calls(memserver.OpFetchReplies), "page 1 comes from inline children")
	assert.Equal(t, []int64{r1.ID, r2.ID}, ids(rv.Comments))
	assert.True(t, rv.HasNext)

	require.NoError(t, replies.FetchNext(ctx))
	assert.Equal(t, 1, f.srv.Calls(memserver.OpFetchReplies))
	rv = view(t, replies)
	assert.Equal(t, []int64{r1.ID, r2.ID, r3.ID}, ids(rv.Comments))
	assert.False(t, rv.HasNext)

	empty := mount(t, f.cl.Replies(quiet.ID, byPoints, desc))
	assert.Empty(t, empty.Comments)
	assert.False(t, empty.HasNext)
	assert.Equal(t, 1, f.srv.Calls(memserver.OpFetchReplies))
}

func TestCommentsFetchNextStopsAtLastPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "deep", 1)
	parent := f.addComment(t, p.ID, nil, "parent", 1)
	for pts := 6; pts >= 1; pts-- {
		f.addComment(t, p.ID, &parent.ID, "reply", pts)
	}
	mount(t, f.cl.Comments(p.ID, byPoints, desc))

	replies := f.cl.Replies(parent.ID, byPoints, desc)
	mount(t, replies)
	require.NoError(t, replies.FetchNext(ctx))
	require.NoError(t, replies.FetchNext(ctx))

	cached, ok, err := f.cl.Store().Read(ctx, replies.Signature())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cached.TotalPages)
	assert.Equal(t, 3, cached.HighestPage())

	v := view(t, replies)
	assert.Len(t, v.Comments, 6)
	assert.False(t, v.HasNext)

	calls := f.srv.Calls(memserver.OpFetchReplies)
	require.NoError(t, replies.FetchNext(ctx))
	assert.Equal(t, calls, f.srv.Calls(memserver.OpFetchReplies))
	assert.Len(t, view(t, replies).Comments, 6)
}

func TestCommentsSeededPageMatchesFetchedPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "shape", 1)
	root := f.addComment(t, p.ID, nil, "root", 1)
	for pts := 3; pts >= 1; pts-- {
		f.addComment(t, p.ID, &root.ID, "reply", pts)
	}

	mount(t, f.cl.Comments(p.ID, byPoints, desc))
	seeded, ok, err := f.cl.Store().Read(ctx, threadcache.RepliesSig(root.ID, byPoints, desc))
	require.NoError(t, err)
	require.True(t, ok)

	other, err := threadcache.New(threadcache.Options{
		Namespace: "other",
		Transport: f.srv,
		Session:   func() threadcache.Author { return alice },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close(ctx) })

	mount(t, other.Replies(root.ID, byPoints, desc))
	assert.Equal(t, 1, f.srv.Calls(memserver.OpFetchReplies))
	fetched, ok, err := other.Store().Read(ctx, threadcache.RepliesSig(root.ID, byPoints, desc))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, fetched, seeded)
	assert.Equal(t, threadcache.Flatten(fetched.Pages), threadcache.Flatten(seeded.Pages))
}

func TestCommentsNestedRepliesFetchedLazily(t *testing.T) {
	f := newFixture(t)
	p := f.addPost(t, "lazy", 1)
	root := f.addComment(t, p.ID, nil, "root", 1)
	mid := f.addComment(t, p.ID, &root.ID, "mid", 1)
	leaf := f.addComment(t, p.ID, &mid.ID, "leaf", 1)

	mount(t, f.cl.Comments(p.ID, byPoints, desc))
	_, ok, err := f.cl.Store().Read(context.Background(), threadcache.RepliesSig(mid.ID, byPoints, desc))
	require.NoError(t, err)
	assert.False(t, ok, "no inline children to seed from")

	v := mount(t, f.cl.Replies(mid.ID, byPoints, desc))
	assert.Equal(t, 1, f.srv.Calls(memserver.OpFetchReplies))
	assert.Equal(t, []int64{leaf.ID}, ids(v.Comments))
	assert.Equal(t, 2, v.Comments[0].Depth)
}

func TestToggleUpvoteCommentFailureRollsBackEveryCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "vote", 1)
	parent := f.addComment(t, p.ID, nil, "parent", 9)
	target := f.addComment(t, p.ID, &parent.ID, "target", 4)

	comments := f.cl.Comments(p.ID, byPoints, desc)
	replies := f.cl.Replies(parent.ID, byPoints, desc)
	mount(t, comments)
	mount(t, replies)

	gate := f.srv.Hold(memserver.OpUpvoteComment, false)
	f.srv.FailNext(memserver.OpUpvoteComment, errors.New("connection reset"))
	done := make(chan error, 1)
	go func() { done <- f.cl.ToggleUpvoteComment(ctx, target.ID, target.Scope()) }()
	wait(t, gate.Entered())

	inPost, ok := findComment(view(t, comments).Comments, target.ID)
	require.True(t, ok)
	inReplies, ok := findComment(view(t, replies).Comments, target.ID)
	require.True(t, ok)
	assert.Equal(t, 5, inPost.Points)
	assert.True(t, inPost.IsUpvoted())
	assert.Equal(t, 5, inReplies.Points)
	assert.True(t, inReplies.IsUpvoted())

	// an inactive collection is not refetched, so only the rollback restores it
	replies.Unmount()
	repliesFetches := f.srv.Calls(memserver.OpFetchReplies)

	gate.Release()
	err := <-done
	require.Error(t, err)
	var me *threadcache.MutationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, target.ID, me.ID)

	inPost, _ = findComment(view(t, comments).Comments, target.ID)
	assert.Equal(t, 4, inPost.Points)
	assert.False(t, inPost.IsUpvoted())

	cached, ok, err := f.cl.Store().Read(ctx, replies.Signature())
	require.NoError(t, err)
	require.True(t, ok)
	inReplies = cached.Comments[target.ID]
	assert.Equal(t, 4, inReplies.Points)
	assert.False(t, inReplies.IsUpvoted())
	assert.True(t, f.cl.Store().IsStale(replies.Signature()))
	assert.Equal(t, repliesFetches, f.srv.Calls(memserver.OpFetchReplies))

	notes := f.notes.list()
	require.Len(t, notes, 1)
	assert.Equal(t, "Failed to upvote comment", notes[0].Message)
	assert.Equal(t, target.ID, notes[0].ID)
}

func TestToggleUpvoteCommentFailureRestoresInactiveBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "vote", 1)
	parent := f.addComment(t, p.ID, nil, "parent", 9)
	target := f.addComment(t, p.ID, &parent.ID, "target", 4)

	comments := f.cl.Comments(p.ID, byPoints, desc)
	replies := f.cl.Replies(parent.ID, byPoints, desc)
	mount(t, comments)
	mount(t, replies)
	comments.Unmount()
	replies.Unmount()

	store := f.cl.Store()
	sigs := []threadcache.Signature{comments.Signature(), replies.Signature()}
	before := make(map[threadcache.Signature][]byte)
	for _, sig := range sigs {
		b, ok, err := store.Payload(ctx, sig)
		require.NoError(t, err)
		require.True(t, ok)
		before[sig] = b
	}

	f.srv.FailNext(memserver.OpUpvoteComment, errors.New("timeout"))
	require.Error(t, f.cl.ToggleUpvoteComment(ctx, target.ID, target.Scope()))

	for _, sig := range sigs {
		after, _, err := store.Payload(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, before[sig], after, sig.String())
		assert.True(t, store.IsStale(sig), sig.String())
	}
	assert.Equal(t, 1, f.srv.Calls(memserver.OpFetchComments))
	assert.Len(t, f.notes.list(), 1)
}

func TestToggleUpvoteCommentDepthTwoFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "vote", 1)
	root := f.addComment(t, p.ID, nil, "root", 1)
	parent := f.addComment(t, p.ID, &root.ID, "parent", 1)
	target := f.addComment(t, p.ID, &parent.ID, "target", 7)
	require.Equal(t, 2, target.Depth)

	comments := f.cl.Comments(p.ID, byPoints, desc)
	replies := f.cl.Replies(parent.ID, byPoints, desc)
	mount(t, comments)
	mount(t, replies)
	postLevel, _, err := f.cl.Store().Payload(ctx, comments.Signature())
	require.NoError(t, err)

	f.srv.FailNext(memserver.OpUpvoteComment, errors.New("502"))
	require.Error(t, f.cl.ToggleUpvoteComment(ctx, target.ID, target.Scope()))

	got, ok := findComment(view(t, replies).Comments, target.ID)
	require.True(t, ok)
	assert.Equal(t, 7, got.Points)
	assert.False(t, got.IsUpvoted())

	after, _, err := f.cl.Store().Payload(ctx, comments.Signature())
	require.NoError(t, err)
	assert.Equal(t, postLevel, after, "post-level list never held the reply")
	require.Len(t, f.notes.list(), 1)
}

func TestToggleUpvoteCommentPropagatesOutsideScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "vote", 1)
	parent := f.addComment(t, p.ID, nil, "parent", 9)
	target := f.addComment(t, p.ID, &parent.ID, "target", 4)

	comments := f.cl.Comments(p.ID, byPoints, desc)
	recent := f.cl.Comments(p.ID, threadcache.SortRecent, desc)
	replies := f.cl.Replies(parent.ID, byPoints, desc)
	mount(t, comments)
	mount(t, recent)
	mount(t, replies)
	recent.Unmount()

	scope := threadcache.CommentScope(0, &parent.ID)
	require.NoError(t, f.cl.ToggleUpvoteComment(ctx, target.ID, scope))

	got, _ := findComment(view(t, replies).Comments, target.ID)
	assert.Equal(t, 5, got.Points)
	assert.Equal(t, []threadcache.Upvote{{UserID: alice.ID}}, got.Upvotes)

	got, ok := findComment(view(t, comments).Comments, target.ID)
	require.True(t, ok)
	assert.Equal(t, 5, got.Points, "active collection outside scope is patched")
	assert.Equal(t, []threadcache.Upvote{{UserID: alice.ID}}, got.Upvotes)

	cached, _, err := f.cl.Store().Read(ctx, recent.Signature())
	require.NoError(t, err)
	old, _ := findComment(cached.CommentList(), target.ID)
	assert.Equal(t, 4, old.Points, "inactive collection is only marked")
	assert.True(t, f.cl.Store().IsStale(recent.Signature()))
	assert.Empty(t, f.notes.list())
}

func TestToggleUpvoteCommentSelfInverse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "vote", 1)
	c := f.addComment(t, p.ID, nil, "top", 3)
	comments := f.cl.Comments(p.ID, byPoints, desc)
	mount(t, comments)

	require.NoError(t, f.cl.ToggleUpvoteComment(ctx, c.ID, c.Scope()))
	require.NoError(t, f.cl.ToggleUpvoteComment(ctx, c.ID, c.Scope()))

	got, _ := findComment(view(t, comments).Comments, c.ID)
	assert.Equal(t, 3, got.Points)
	assert.False(t, got.IsUpvoted())
}

func TestThreadNestsCachedReplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.addPost(t, "tree", 1)
	r1 := f.addComment(t, p.ID, nil, "r1", 10)
	r2 := f.addComment(t, p.ID, nil, "r2", 5)
	k1 := f.addComment(t, p.ID, &r1.ID, "k1", 3)
	k2 := f.addComment(t, p.ID, &r1.ID, "k2", 2)
	g := f.addComment(t, p.ID, &k1.ID, "g", 1)

	mount(t, f.cl.Comments(p.ID, byPoints, desc))
	tree, err := f.cl.Thread(ctx, p.ID, byPoints, desc)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, r1.ID, tree[0].ID)
	assert.Equal(t, r2.ID, tree[1].ID)
	require.Len(t, tree[0].Replies, 2)
	assert.Equal(t, k1.ID, tree[0].Replies[0].ID)
	assert.Equal(t, k2.ID, tree[0].Replies[1].ID)
	assert.Empty(t, tree[0].Replies[0].Replies, "grandchild not loaded yet")

	mount(t, f.cl.Replies(k1.ID, byPoints, desc))
	tree, err = f.cl.Thread(ctx, p.ID, byPoints, desc)
	require.NoError(t, err)
	require.Len(t, tree[0].Replies[0].Replies, 1)
	assert.Equal(t, g.ID, tree[0].Replies[0].Replies[0].ID)

	none, err := f.cl.Thread(ctx, 999, byPoints, desc)
	require.NoError(t, err)
	assert.Nil(t, none)
}
