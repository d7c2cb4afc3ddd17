package threadcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/threadcache/provider/memory"
)

var errStub = errors.New("stub transport")

type stubTransport struct{}

func (stubTransport) FetchPosts(context.Context, PostsQuery) (PostPage, error) {
	return PostPage{}, errStub
}
func (stubTransport) FetchPost(context.Context, int64) (Post, error) { return Post{}, errStub }
func (stubTransport) UpvotePost(context.Context, int64) (VoteResult, error) {
	return VoteResult{}, errStub
}
func (stubTransport) FetchComments(context.Context, CommentsQuery) (CommentPage, error) {
	return CommentPage{}, errStub
}
func (stubTransport) FetchReplies(context.Context, RepliesQuery) (CommentPage, error) {
	return CommentPage{}, errStub
}
func (stubTransport) CreateComment(context.Context, NewComment) (Comment, error) {
	return Comment{}, errStub
}
func (stubTransport) UpvoteComment(context.Context, int64) (VoteResult, error) {
	return VoteResult{}, errStub
}

type hookRec struct {
	NopHooks
	heals   []string
	dropped []string
}

func (h *hookRec) SelfHeal(_, reason string)     { h.heals = append(h.heals, reason) }
func (h *hookRec) FetchDropped(_, reason string) { h.dropped = append(h.dropped, reason) }

func newTestStore(t *testing.T) (*Store, *memory.Provider, *hookRec) {
	t.Helper()
	mp := memory.New()
	hooks := &hookRec{}
	o, err := Options{Transport: stubTransport{}, Provider: mp, Hooks: hooks}.withDefaults()
	require.NoError(t, err)
	s := newStore(o)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mp, hooks
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func postPage(index, total int, posts ...Post) Value {
	var v Value
	mergePage(&v, pageResult{isPosts: true, posts: posts, page: index, totalPages: total}, false)
	return v
}

func commentPage(index, total int, cs ...Comment) Value {
	var v Value
	if cs == nil {
		cs = []Comment{}
	}
	mergePage(&v, pageResult{comments: cs, page: index, totalPages: total}, false)
	return v
}
