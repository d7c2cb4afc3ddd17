package memserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/threadcache"
)

var (
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice = threadcache.Author{ID: "u1", Username: "alice"}
	bob   = threadcache.Author{ID: "u2", Username: "bob"}
)

func newTestServer(opts ...Option) *Server {
	n := 0
	clock := func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Minute)
	}
	return New(append([]Option{WithUser(alice), WithClock(clock)}, opts...)...)
}

func postIDs(ps []threadcache.Post) []int64 {
	out := make([]int64, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func commentIDs(cs []threadcache.Comment) []int64 {
	out := make([]int64, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchPostsSortFilterAndPaginate(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	a := s.AddPost(threadcache.Post{Title: "a", Points: 3, Author: bob, URL: "https://go.dev"})
	b := s.AddPost(threadcache.Post{Title: "b", Points: 9, Author: alice})
	c := s.AddPost(threadcache.Post{Title: "c", Points: 1, Author: bob})

	page, err := s.FetchPosts(ctx, threadcache.PostsQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{c.ID, b.ID, a.ID}; !equalIDs(postIDs(page.Items), want) {
		t.Fatalf("default order: got %v want %v", postIDs(page.Items), want)
	}

	page, _ = s.FetchPosts(ctx, threadcache.PostsQuery{Sort: threadcache.SortPoints, Order: threadcache.OrderDesc, Limit: 2})
	if want := []int64{b.ID, a.ID}; !equalIDs(postIDs(page.Items), want) || page.TotalPages != 2 || page.Page != 1 {
		t.Fatalf("points page 1: got %v page=%d total=%d", postIDs(page.Items), page.Page, page.TotalPages)
	}
	page, _ = s.FetchPosts(ctx, threadcache.PostsQuery{Sort: threadcache.SortPoints, Order: threadcache.OrderDesc, Limit: 2, Page: 2})
	if want := []int64{c.ID}; !equalIDs(postIDs(page.Items), want) {
		t.Fatalf("points page 2: got %v", postIDs(page.Items))
	}
	page, _ = s.FetchPosts(ctx, threadcache.PostsQuery{Limit: 2, Page: 5})
	if len(page.Items) != 0 {
		t.Fatalf("page past the end should be empty, got %v", postIDs(page.Items))
	}

	page, _ = s.FetchPosts(ctx, threadcache.PostsQuery{Author: bob.ID})
	if len(page.Items) != 2 {
		t.Fatalf("author filter: got %v", postIDs(page.Items))
	}
	page, _ = s.FetchPosts(ctx, threadcache.PostsQuery{Site: "https://go.dev"})
	if want := []int64{a.ID}; !equalIDs(postIDs(page.Items), want) {
		t.Fatalf("site filter: got %v", postIDs(page.Items))
	}
}

func TestUpvoteTogglesPerUser(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p", Points: 5})

	res, err := s.UpvotePost(ctx, p.ID)
	if err != nil || res.PointCount != 6 || !res.IsUpvoted {
		t.Fatalf("first toggle: %+v err=%v", res, err)
	}
	got, _ := s.FetchPost(ctx, p.ID)
	if !got.IsUpvoted || got.Points != 6 {
		t.Fatalf("post after upvote: %+v", got)
	}
	res, _ = s.UpvotePost(ctx, p.ID)
	if res.PointCount != 5 || res.IsUpvoted {
		t.Fatalf("second toggle: %+v", res)
	}

	if _, err := s.UpvotePost(ctx, 99); !errors.Is(err, threadcache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommentsInlineChildrenAndCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p"})
	root, _ := s.AddComment(p.ID, nil, "root", bob, 1)
	var kids []int64
	for pts := 1; pts <= 3; pts++ {
		k, err := s.AddComment(p.ID, &root.ID, "kid", bob, pts)
		if err != nil {
			t.Fatal(err)
		}
		kids = append(kids, k.ID)
	}

	page, err := s.FetchComments(ctx, threadcache.CommentsQuery{
		PostID: p.ID, Sort: threadcache.SortPoints, Order: threadcache.OrderDesc, IncludeChildren: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("only top-level comments are listed, got %v", commentIDs(page.Items))
	}
	top := page.Items[0]
	if top.CommentCount != 3 {
		t.Fatalf("reply counter: got %d", top.CommentCount)
	}
	if want := []int64{kids[2], kids[1]}; !equalIDs(commentIDs(top.Children), want) {
		t.Fatalf("inline children: got %v want %v", commentIDs(top.Children), want)
	}
	if top.Children[0].Depth != 1 || top.Children[0].ParentCommentID == nil || *top.Children[0].ParentCommentID != root.ID {
		t.Fatalf("child shape: %+v", top.Children[0])
	}

	page, _ = s.FetchComments(ctx, threadcache.CommentsQuery{PostID: p.ID})
	if len(page.Items[0].Children) != 0 {
		t.Fatalf("children are inlined only on request")
	}

	post, _ := s.FetchPost(ctx, p.ID)
	if post.CommentCount != 4 {
		t.Fatalf("post counter counts every comment, got %d", post.CommentCount)
	}

	replies, err := s.FetchReplies(ctx, threadcache.RepliesQuery{CommentID: root.ID, PageSize: 2, Page: 2, Sort: threadcache.SortPoints, Order: threadcache.OrderDesc})
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{kids[0]}; !equalIDs(commentIDs(replies.Items), want) || replies.TotalPages != 2 {
		t.Fatalf("replies page 2: got %v total=%d", commentIDs(replies.Items), replies.TotalPages)
	}

	if _, err := s.FetchComments(ctx, threadcache.CommentsQuery{PostID: 99}); !errors.Is(err, threadcache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.FetchReplies(ctx, threadcache.RepliesQuery{CommentID: 99}); !errors.Is(err, threadcache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInlineLimitOption(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(WithInlineLimit(0))
	p := s.AddPost(threadcache.Post{Title: "p"})
	root, _ := s.AddComment(p.ID, nil, "root", bob, 1)
	if _, err := s.AddComment(p.ID, &root.ID, "kid", bob, 1); err != nil {
		t.Fatal(err)
	}
	page, _ := s.FetchComments(ctx, threadcache.CommentsQuery{PostID: p.ID, IncludeChildren: true})
	if len(page.Items[0].Children) != 0 {
		t.Fatalf("inline limit 0 should inline nothing, got %d", len(page.Items[0].Children))
	}
}

func TestCreateComment(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p"})

	if _, err := s.CreateComment(ctx, threadcache.NewComment{PostID: p.ID, Content: " hi "}); !threadcache.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	top, err := s.CreateComment(ctx, threadcache.NewComment{PostID: p.ID, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if top.Author != alice || top.Depth != 0 || top.ParentCommentID != nil || top.PostID != p.ID {
		t.Fatalf("top-level comment: %+v", top)
	}
	reply, err := s.CreateComment(ctx, threadcache.NewComment{ParentCommentID: top.ID, Content: "a reply"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Depth != 1 || reply.PostID != p.ID || reply.ParentCommentID == nil || *reply.ParentCommentID != top.ID {
		t.Fatalf("reply: %+v", reply)
	}
	if _, err := s.CreateComment(ctx, threadcache.NewComment{ParentCommentID: 99, Content: "orphan"}); !errors.Is(err, threadcache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpvoteCommentEdge(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p"})
	c, _ := s.AddComment(p.ID, nil, "c", bob, 2)
	if c.IsUpvoted() {
		t.Fatalf("fresh comment should not be upvoted")
	}
	res, err := s.UpvoteComment(ctx, c.ID)
	if err != nil || res.PointCount != 3 || !res.IsUpvoted {
		t.Fatalf("toggle: %+v err=%v", res, err)
	}
	page, _ := s.FetchComments(ctx, threadcache.CommentsQuery{PostID: p.ID})
	if ups := page.Items[0].Upvotes; len(ups) != 1 || ups[0].UserID != alice.ID {
		t.Fatalf("upvote edge: %+v", ups)
	}
}

func TestFailNextQueuesFaults(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p"})
	boom := errors.New("boom")
	s.FailNext(OpFetchPost, boom)
	s.FailNext(OpFetchPost, boom)

	for i := 0; i < 2; i++ {
		if _, err := s.FetchPost(ctx, p.ID); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected injected error, got %v", i, err)
		}
	}
	if _, err := s.FetchPost(ctx, p.ID); err != nil {
		t.Fatalf("fault queue should be drained, got %v", err)
	}
	if n := s.Calls(OpFetchPost); n != 3 {
		t.Fatalf("calls: got %d want 3", n)
	}
}

func TestHoldBlocksUntilRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p", Points: 1})
	g := s.Hold(OpUpvotePost, false)

	done := make(chan threadcache.VoteResult, 1)
	go func() {
		res, _ := s.UpvotePost(ctx, p.ID)
		done <- res
	}()
	<-g.Entered()
	select {
	case <-done:
		t.Fatalf("call should block at the gate")
	case <-time.After(20 * time.Millisecond):
	}
	g.Release()
	if res := <-done; res.PointCount != 2 {
		t.Fatalf("released call: %+v", res)
	}
}

func TestHoldHonorsCancel(t *testing.T) {
	s := newTestServer()
	p := s.AddPost(threadcache.Post{Title: "p"})
	g := s.Hold(OpFetchPost, false)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := s.FetchPost(ctx, p.ID)
		errc <- err
	}()
	<-g.Entered()
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	s.Unhold(OpFetchPost)
	if _, err := s.FetchPost(context.Background(), p.ID); err != nil {
		t.Fatalf("after Unhold: %v", err)
	}
}
