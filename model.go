package threadcache

import (
	"sort"
	"time"
)

// DraftID is the reserved id of an optimistic comment. Server ids are positive.
const DraftID int64 = -1

type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Post struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url,omitempty"`
	Content      string    `json:"content,omitempty"`
	Points       int       `json:"points"`
	CreatedAt    time.Time `json:"createdAt"`
	CommentCount int       `json:"commentCount"`
	Author       Author    `json:"author"`
	IsUpvoted    bool      `json:"isUpvoted"`
}

// Upvote is the existence-only edge between the session user and a comment.
type Upvote struct {
	UserID string `json:"userId"`
}

type Comment struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"userId"`
	Content         string    `json:"content"`
	Points          int       `json:"points"`
	Depth           int       `json:"depth"`
	CommentCount    int       `json:"commentCount"`
	CreatedAt       time.Time `json:"createdAt"`
	PostID          int64     `json:"postId"`
	ParentCommentID *int64    `json:"parentCommentId"`
	Upvotes         []Upvote  `json:"commentUpvotes"`
	Author          Author    `json:"author"`
	// Children are replies inlined by the server, at most the nested page size.
	Children []Comment `json:"childComments,omitempty"`
}

// IsUpvoted is derived from the presence of an upvote edge.
func (c Comment) IsUpvoted() bool { return len(c.Upvotes) > 0 }

func (c *Comment) setUpvoted(on bool, userID string) {
	switch {
	case on && len(c.Upvotes) == 0:
		c.Upvotes = []Upvote{{UserID: userID}}
	case !on:
		c.Upvotes = nil
	}
}

// Page is one fetched server page. IDs reference the Value's node map.
type Page struct {
	Index      int
	TotalPages int
	IDs        []int64
}

// Value is a cached payload: a post detail, or pages of posts/comments
// over a flat id -> node map.
type Value struct {
	Post       *Post
	Pages      []Page
	TotalPages int // as reported by the most recently fetched page
	Posts      map[int64]Post
	Comments   map[int64]Comment
}

// HighestPage is the largest fetched page index, 0 when nothing is fetched.
func (v *Value) HighestPage() int {
	if len(v.Pages) == 0 {
		return 0
	}
	return v.Pages[len(v.Pages)-1].Index
}

func (v *Value) HasNext() bool {
	return v.Post == nil && v.HighestPage() < v.TotalPages
}

func (v *Value) page(index int) *Page {
	for i := range v.Pages {
		if v.Pages[i].Index == index {
			return &v.Pages[i]
		}
	}
	return nil
}

// putPage replaces the page with the same index or inserts it in index order.
func (v *Value) putPage(p Page) {
	if cur := v.page(p.Index); cur != nil {
		*cur = p
		return
	}
	v.Pages = append(v.Pages, p)
	sort.SliceStable(v.Pages, func(i, j int) bool { return v.Pages[i].Index < v.Pages[j].Index })
}

// PostList flattens the pages into posts in sequence order.
func (v *Value) PostList() []Post {
	ids := Flatten(v.Pages)
	out := make([]Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := v.Posts[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// CommentList flattens the pages into comments in sequence order.
func (v *Value) CommentList() []Comment {
	ids := Flatten(v.Pages)
	out := make([]Comment, 0, len(ids))
	for _, id := range ids {
		if c, ok := v.Comments[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (v *Value) hasPost(id int64) bool {
	if v.Post != nil && v.Post.ID == id {
		return true
	}
	_, ok := v.Posts[id]
	return ok
}

// updatePost applies fn to every occurrence of post id. Returns the number of occurrences.
func (v *Value) updatePost(id int64, fn func(*Post)) int {
	n := 0
	if v.Post != nil && v.Post.ID == id {
		fn(v.Post)
		n++
	}
	if p, ok := v.Posts[id]; ok {
		fn(&p)
		v.Posts[id] = p
		n++
	}
	return n
}

func (v *Value) hasComment(id int64) bool {
	if _, ok := v.Comments[id]; ok {
		return true
	}
	for _, c := range v.Comments {
		if childContains(c.Children, id) {
			return true
		}
	}
	return false
}

func childContains(cs []Comment, id int64) bool {
	for i := range cs {
		if cs[i].ID == id || childContains(cs[i].Children, id) {
			return true
		}
	}
	return false
}

// updateComment applies fn to every occurrence of comment id, including copies
// inlined as children of other nodes. Returns the number of occurrences.
func (v *Value) updateComment(id int64, fn func(*Comment)) int {
	n := 0
	for key, c := range v.Comments {
		touched := 0
		if c.ID == id {
			fn(&c)
			touched++
		}
		touched += updateChildren(c.Children, id, fn)
		if touched > 0 {
			v.Comments[key] = c
			n += touched
		}
	}
	return n
}

func updateChildren(cs []Comment, id int64, fn func(*Comment)) int {
	n := 0
	for i := range cs {
		if cs[i].ID == id {
			fn(&cs[i])
			n++
		}
		n += updateChildren(cs[i].Children, id, fn)
	}
	return n
}

// findComment returns the first occurrence of comment id.
func (v *Value) findComment(id int64) (Comment, bool) {
	if c, ok := v.Comments[id]; ok {
		return c, true
	}
	var (
		out   Comment
		found bool
	)
	v.updateComment(id, func(c *Comment) {
		if !found {
			out, found = *c, true
		}
	})
	return out, found
}

// voteState is the pair of fields a toggle-upvote touches.
type voteState struct {
	Points  int
	Upvoted bool
}

func (s voteState) toggled() voteState {
	if s.Upvoted {
		return voteState{Points: s.Points - 1, Upvoted: false}
	}
	return voteState{Points: s.Points + 1, Upvoted: true}
}
