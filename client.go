package threadcache

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// Client is the UI-facing surface: pagers and detail views over one Store,
// plus the two optimistic mutations.
type Client struct {
	opts  Options
	store *Store
	orch  *orchestrator
}

func New(opts Options) (*Client, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	s := newStore(o)
	cl := &Client{opts: o, store: s}
	cl.orch = &orchestrator{
		store:     s,
		transport: o.Transport,
		prop:      &propagator{store: s, log: o.Logger},
		log:       o.Logger,
		hooks:     o.Hooks,
		notifier:  o.Notifier,
		session:   o.Session,
		now:       o.Now,
		latest:    make(map[targetKey]string),
		inflight:  make(map[targetKey][]*mutation),
	}
	return cl, nil
}

func (cl *Client) Store() *Store { return cl.store }

func (cl *Client) Close(ctx context.Context) error { return cl.store.Close(ctx) }

// Posts returns the pager of a post feed.
func (cl *Client) Posts(f PostsFilter) *Pager {
	sig := PostsSig(f)
	return &Pager{
		store:          cl.store,
		log:            cl.opts.Logger,
		sig:            sig,
		nestedPageSize: cl.opts.NestedPageSize,
		fetch: func(ctx context.Context, page int) (pageResult, error) {
			r, err := cl.opts.Transport.FetchPosts(ctx, PostsQuery{
				Sort:   sig.Sort,
				Order:  sig.Order,
				Author: sig.Author,
				Site:   sig.Site,
				Page:   page,
				Limit:  cl.opts.PostsPageSize,
			})
			if err != nil {
				return pageResult{}, err
			}
			return pageResult{isPosts: true, posts: r.Items, page: coalesce(r.Page, page), totalPages: r.TotalPages}, nil
		},
	}
}

// Comments returns the pager of a post's top-level comments. Pages inline up
// to NestedPageSize children per comment, which seed each replies page 1.
func (cl *Client) Comments(postID int64, sort SortBy, order Order) *Pager {
	sig := PostCommentsSig(postID, sort, order)
	return &Pager{
		store:          cl.store,
		log:            cl.opts.Logger,
		sig:            sig,
		nestedPageSize: cl.opts.NestedPageSize,
		fetch: func(ctx context.Context, page int) (pageResult, error) {
			r, err := cl.opts.Transport.FetchComments(ctx, CommentsQuery{
				PostID:          postID,
				Page:            page,
				PageSize:        cl.opts.CommentsPageSize,
				Sort:            sig.Sort,
				Order:           sig.Order,
				IncludeChildren: true,
			})
			if err != nil {
				return pageResult{}, err
			}
			return pageResult{comments: r.Items, page: coalesce(r.Page, page), totalPages: r.TotalPages}, nil
		},
	}
}

// Replies returns the pager of a comment's nested replies.
func (cl *Client) Replies(commentID int64, sort SortBy, order Order) *Pager {
	sig := RepliesSig(commentID, sort, order)
	return &Pager{
		store:          cl.store,
		log:            cl.opts.Logger,
		sig:            sig,
		nestedPageSize: cl.opts.NestedPageSize,
		fetch: func(ctx context.Context, page int) (pageResult, error) {
			r, err := cl.opts.Transport.FetchReplies(ctx, RepliesQuery{
				CommentID: commentID,
				Page:      page,
				PageSize:  cl.opts.NestedPageSize,
				Sort:      sig.Sort,
				Order:     sig.Order,
			})
			if err != nil {
				return pageResult{}, err
			}
			return pageResult{comments: r.Items, page: coalesce(r.Page, page), totalPages: r.TotalPages}, nil
		},
	}
}

func (cl *Client) Post(id int64) *Detail {
	return &Detail{
		store: cl.store,
		sig:   PostSig(id),
		fetch: func(ctx context.Context) (Post, error) {
			return cl.opts.Transport.FetchPost(ctx, id)
		},
	}
}

// ToggleUpvotePost flips the session user's upvote on a post in its detail
// view and every active feed, then reconciles with the server.
func (cl *Client) ToggleUpvotePost(ctx context.Context, id int64) error {
	return cl.orch.toggleUpvote(ctx, opUpvotePost, targetKey{fam: familyPosts, id: id}, PostScope(id), cl.opts.Transport.UpvotePost)
}

// ToggleUpvoteComment flips the session user's upvote on a comment within
// scope. Use CommentScope or Comment.Scope to build it.
func (cl *Client) ToggleUpvoteComment(ctx context.Context, id int64, scope Scope) error {
	return cl.orch.toggleUpvote(ctx, opUpvoteComment, targetKey{fam: familyComments, id: id}, scope, cl.opts.Transport.UpvoteComment)
}

// SubmitComment creates a top-level comment under post parentID, or a reply
// to comment parentID when isParentComment is set.
func (cl *Client) SubmitComment(ctx context.Context, parentID int64, content string, isParentComment bool) (Comment, error) {
	return cl.orch.submitComment(ctx, parentID, content, isParentComment)
}

// Scope is the comment collections this comment is listed in.
func (c Comment) Scope() Scope {
	return CommentScope(c.PostID, c.ParentCommentID)
}

// Thread assembles the cached comments of a post into a tree. Replies come from
// cached replies collections, falling back to inlined children.
func (cl *Client) Thread(ctx context.Context, postID int64, sort SortBy, order Order) ([]*ThreadNode, error) {
	sig := PostCommentsSig(postID, sort, order)
	v, ok, err := cl.store.Read(ctx, sig)
	if err != nil || !ok {
		return nil, err
	}
	roots := v.CommentList()

	var replies []Comment
	visited := mapset.NewThreadUnsafeSet[int64]()
	queue := append([]Comment(nil), roots...)
	for len(queue) > 0 {
		cm := queue[0]
		queue = queue[1:]
		if !visited.Add(cm.ID) {
			continue
		}
		kids := cm.Children
		rv, ok, err := cl.store.Read(ctx, RepliesSig(cm.ID, sig.Sort, sig.Order))
		if err != nil {
			return nil, err
		}
		if ok {
			kids = rv.CommentList()
		}
		replies = append(replies, kids...)
		queue = append(queue, kids...)
	}
	return BuildThread(roots, replies), nil
}
