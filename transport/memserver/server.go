// Package memserver is an in-memory implementation of the threadcache
// Transport, with fault injection and call gating for tests and demos.
package memserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/unkn0wn-root/threadcache"
)

// Op names a transport operation for fault injection and gating.
type Op string

const (
	OpFetchPosts    Op = "fetch_posts"
	OpFetchPost     Op = "fetch_post"
	OpUpvotePost    Op = "upvote_post"
	OpFetchComments Op = "fetch_comments"
	OpFetchReplies  Op = "fetch_replies"
	OpCreateComment Op = "create_comment"
	OpUpvoteComment Op = "upvote_comment"
)

const (
	defaultLimit       = 10
	defaultInlineLimit = 2
	minContentLen      = 3
)

type post struct {
	threadcache.Post
	voters map[string]bool
}

type comment struct {
	threadcache.Comment
	voters map[string]bool
}

// Server keeps posts and comments in memory. The session user is fixed per
// server and decides isUpvoted / commentUpvotes in responses.
type Server struct {
	mu       sync.Mutex
	now      func() time.Time
	user     threadcache.Author
	inline   int
	posts    map[int64]*post
	comments map[int64]*comment

	commentsByPost   map[int64][]int64 // top-level only
	commentsByParent map[int64][]int64

	nextPostID    int64
	nextCommentID int64

	faults map[Op][]error
	gates  map[Op]*Gate
	calls  map[Op]int
}

var _ threadcache.Transport = (*Server)(nil)

type Option func(*Server)

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func WithUser(a threadcache.Author) Option { return func(s *Server) { s.user = a } }

// WithInlineLimit sets how many children are inlined per top-level comment.
func WithInlineLimit(n int) Option { return func(s *Server) { s.inline = n } }

func New(opts ...Option) *Server {
	s := &Server{
		now:              func() time.Time { return time.Now().UTC() },
		inline:           defaultInlineLimit,
		posts:            make(map[int64]*post),
		comments:         make(map[int64]*comment),
		commentsByPost:   make(map[int64][]int64),
		commentsByParent: make(map[int64][]int64),
		faults:           make(map[Op][]error),
		gates:            make(map[Op]*Gate),
		calls:            make(map[Op]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// === Seeding ===

// AddPost stores p with a fresh id. ID, IsUpvoted and CommentCount are ignored.
func (s *Server) AddPost(p threadcache.Post) threadcache.Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPostID++
	p.ID = s.nextPostID
	p.IsUpvoted = false
	p.CommentCount = 0
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.posts[p.ID] = &post{Post: p, voters: make(map[string]bool)}
	return p
}

// AddComment stores a comment under a post, or under parentID when non-nil,
// bypassing validation. Points are taken from points.
func (s *Server) AddComment(postID int64, parentID *int64, content string, author threadcache.Author, points int) (threadcache.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm, err := s.insertLocked(postID, parentID, content, author)
	if err != nil {
		return threadcache.Comment{}, err
	}
	cm.Points = points
	return s.viewLocked(cm), nil
}

// SetPoints overrides the point count of a post, for sort tests.
func (s *Server) SetPoints(postID int64, points int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[postID]; ok {
		p.Points = points
	}
}

// === Fault injection ===

// FailNext makes the next call of op return err. Calls queue up.
func (s *Server) FailNext(op Op, err error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], err)
	s.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Gate blocks calls of one op until released.
type Gate struct {
	entered      chan struct{}
	release      chan struct{}
	once         sync.Once
	ignoreCancel bool
}

// Entered receives once per call that reached the gate.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Release lets every current and future call through.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// Hold gates every following call of op. With ignoreCancel the blocked call
// keeps waiting after its context is cancelled, like a server that finishes
// an abandoned request anyway.
func (s *Server) Hold(op Op, ignoreCancel bool) *Gate {
	g := &Gate{entered: make(chan struct{}, 64), release: make(chan struct{}), ignoreCancel: ignoreCancel}
	s.mu.Lock()
	s.gates[op] = g
	s.mu.Unlock()
	return g
}

// Unhold removes the gate of op, releasing blocked calls.
func (s *Server) Unhold(op Op) {
	s.mu.Lock()
	g := s.gates[op]
	delete(s.gates, op)
	s.mu.Unlock()
	if g != nil {
		g.Release()
	}
}

// enter counts the call, waits at its gate and pops a queued fault.
func (s *Server) enter(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	g := s.gates[op]
	s.mu.Unlock()

	if g != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		if g.ignoreCancel {
			<-g.release
		} else {
			select {
			case <-g.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

// === Transport ===

func (s *Server) FetchPosts(ctx context.Context, q threadcache.PostsQuery) (threadcache.PostPage, error) {
	if err := s.enter(ctx, OpFetchPosts); err != nil {
		return threadcache.PostPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*post, 0, len(s.posts))
	for _, p := range s.posts {
		if q.Author != "" && p.Author.ID != q.Author {
			continue
		}
		if q.Site != "" && p.URL != q.Site {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		return less(q.Sort, q.Order, all[i].Points, all[j].Points, all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID)
	})

	limit, page := orDefault(q.Limit, defaultLimit), orDefault(q.Page, 1)
	start, end := bounds(len(all), limit, page)
	out := make([]threadcache.Post, 0, end-start)
	for _, p := range all[start:end] {
		out = append(out, s.postViewLocked(p))
	}
	return threadcache.PostPage{Items: out, Page: page, TotalPages: totalPages(len(all), limit)}, nil
}

func (s *Server) FetchPost(ctx context.Context, id int64) (threadcache.Post, error) {
	if err := s.enter(ctx, OpFetchPost); err != nil {
		return threadcache.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return threadcache.Post{}, fmt.Errorf("post %d: %w", id, threadcache.ErrNotFound)
	}
	return s.postViewLocked(p), nil
}

func (s *Server) UpvotePost(ctx context.Context, id int64) (threadcache.VoteResult, error) {
	if err := s.enter(ctx, OpUpvotePost); err != nil {
		return threadcache.VoteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return threadcache.VoteResult{}, fmt.Errorf("post %d: %w", id, threadcache.ErrNotFound)
	}
	on := toggle(p.voters, s.user.ID, &p.Points)
	return threadcache.VoteResult{PointCount: p.Points, IsUpvoted: on}, nil
}

func (s *Server) FetchComments(ctx context.Context, q threadcache.CommentsQuery) (threadcache.CommentPage, error) {
	if err := s.enter(ctx, OpFetchComments); err != nil {
		return threadcache.CommentPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posts[q.PostID]; !ok {
		return threadcache.CommentPage{}, fmt.Errorf("post %d: %w", q.PostID, threadcache.ErrNotFound)
	}
	inline := 0
	if q.IncludeChildren {
		inline = s.inline
	}
	return s.pageLocked(s.commentsByPost[q.PostID], q.Sort, q.Order, q.PageSize, q.Page, inline), nil
}

func (s *Server) FetchReplies(ctx context.Context, q threadcache.RepliesQuery) (threadcache.CommentPage, error) {
	if err := s.enter(ctx, OpFetchReplies); err != nil {
		return threadcache.CommentPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[q.CommentID]; !ok {
		return threadcache.CommentPage{}, fmt.Errorf("comment %d: %w", q.CommentID, threadcache.ErrNotFound)
	}
	return s.pageLocked(s.commentsByParent[q.CommentID], q.Sort, q.Order, q.PageSize, q.Page, 0), nil
}

func (s *Server) CreateComment(ctx context.Context, req threadcache.NewComment) (threadcache.Comment, error) {
	if err := s.enter(ctx, OpCreateComment); err != nil {
		return threadcache.Comment{}, err
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Content)) < minContentLen {
		return threadcache.Comment{}, &threadcache.ValidationError{Field: "content", Message: "Comment must be at least 3 characters"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		cm  *comment
		err error
	)
	if req.ParentCommentID != 0 {
		parent, ok := s.comments[req.ParentCommentID]
		if !ok {
			return threadcache.Comment{}, fmt.Errorf("comment %d: %w", req.ParentCommentID, threadcache.ErrNotFound)
		}
		pid := req.ParentCommentID
		cm, err = s.insertLocked(parent.PostID, &pid, req.Content, s.user)
	} else {
		cm, err = s.insertLocked(req.PostID, nil, req.Content, s.user)
	}
	if err != nil {
		return threadcache.Comment{}, err
	}
	return s.viewLocked(cm), nil
}

func (s *Server) UpvoteComment(ctx context.Context, id int64) (threadcache.VoteResult, error) {
	if err := s.enter(ctx, OpUpvoteComment); err != nil {
		return threadcache.VoteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cm, ok := s.comments[id]
	if !ok {
		return threadcache.VoteResult{}, fmt.Errorf("comment %d: %w", id, threadcache.ErrNotFound)
	}
	on := toggle(cm.voters, s.user.ID, &cm.Points)
	return threadcache.VoteResult{PointCount: cm.Points, IsUpvoted: on}, nil
}

// === helpers ===

func (s *Server) insertLocked(postID int64, parentID *int64, content string, author threadcache.Author) (*comment, error) {
	p, ok := s.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %d: %w", postID, threadcache.ErrNotFound)
	}
	depth := 0
	if parentID != nil {
		parent, ok := s.comments[*parentID]
		if !ok {
			return nil, fmt.Errorf("comment %d: %w", *parentID, threadcache.ErrNotFound)
		}
		depth = parent.Depth + 1
		parent.CommentCount++
	}

	s.nextCommentID++
	cm := &comment{
		Comment: threadcache.Comment{
			ID:        s.nextCommentID,
			UserID:    author.ID,
			Content:   content,
			Depth:     depth,
			CreatedAt: s.now(),
			PostID:    postID,
			Author:    author,
		},
		voters: make(map[string]bool),
	}
	if parentID != nil {
		pid := *parentID
		cm.ParentCommentID = &pid
		s.commentsByParent[pid] = append(s.commentsByParent[pid], cm.ID)
	} else {
		s.commentsByPost[postID] = append(s.commentsByPost[postID], cm.ID)
	}
	s.comments[cm.ID] = cm
	p.CommentCount++
	return cm, nil
}

func (s *Server) pageLocked(ids []int64, by threadcache.SortBy, order threadcache.Order, size, page, inline int) threadcache.CommentPage {
	all := s.sortedLocked(ids, by, order)
	limit, page := orDefault(size, defaultLimit), orDefault(page, 1)
	start, end := bounds(len(all), limit, page)
	out := make([]threadcache.Comment, 0, end-start)
	for _, cm := range all[start:end] {
		v := s.viewLocked(cm)
		if inline > 0 {
			kids := s.sortedLocked(s.commentsByParent[cm.ID], by, order)
			if len(kids) > inline {
				kids = kids[:inline]
			}
			v.Children = make([]threadcache.Comment, 0, len(kids))
			for _, k := range kids {
				v.Children = append(v.Children, s.viewLocked(k))
			}
		}
		out = append(out, v)
	}
	return threadcache.CommentPage{Items: out, Page: page, TotalPages: totalPages(len(all), limit)}
}

func (s *Server) sortedLocked(ids []int64, by threadcache.SortBy, order threadcache.Order) []*comment {
	all := make([]*comment, 0, len(ids))
	for _, id := range ids {
		if cm, ok := s.comments[id]; ok {
			all = append(all, cm)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return less(by, order, all[i].Points, all[j].Points, all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID)
	})
	return all
}

func (s *Server) postViewLocked(p *post) threadcache.Post {
	out := p.Post
	out.IsUpvoted = s.user.ID != "" && p.voters[s.user.ID]
	return out
}

// viewLocked copies a comment with the session user's upvote edge only.
func (s *Server) viewLocked(cm *comment) threadcache.Comment {
	out := cm.Comment
	out.Children = nil
	out.Upvotes = []threadcache.Upvote{}
	if s.user.ID != "" && cm.voters[s.user.ID] {
		out.Upvotes = []threadcache.Upvote{{UserID: s.user.ID}}
	}
	if cm.ParentCommentID != nil {
		pid := *cm.ParentCommentID
		out.ParentCommentID = &pid
	}
	return out
}

func toggle(voters map[string]bool, user string, points *int) bool {
	if voters[user] {
		delete(voters, user)
		*points--
		return false
	}
	voters[user] = true
	*points++
	return true
}

// less orders by points or creation time (default recent, desc); ties by id.
func less(by threadcache.SortBy, order threadcache.Order, pa, pb int, ta, tb time.Time, ia, ib int64) bool {
	var c int
	switch by {
	case threadcache.SortPoints:
		c = cmpInt(int64(pa), int64(pb))
	default:
		c = ta.Compare(tb)
	}
	if c == 0 {
		c = cmpInt(ia, ib)
	}
	if order == threadcache.OrderAsc {
		return c < 0
	}
	return c > 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func bounds(n, limit, page int) (int, int) {
	start := (page - 1) * limit
	if start > n {
		start = n
	}
	end := start + limit
	if end > n {
		end = n
	}
	return start, end
}

func totalPages(count, limit int) int {
	if count == 0 || limit == 0 {
		return 0
	}
	return (count + limit - 1) / limit
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
