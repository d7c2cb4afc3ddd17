package threadcache

import "context"

// Transport is the server boundary. Implementations return errors wrapping
// ErrNotFound for missing entities and *ValidationError for rejected content;
// anything else is treated as a transient transport failure.
type Transport interface {
	FetchPosts(ctx context.Context, q PostsQuery) (PostPage, error)
	FetchPost(ctx context.Context, id int64) (Post, error)
	UpvotePost(ctx context.Context, id int64) (VoteResult, error)

	FetchComments(ctx context.Context, q CommentsQuery) (CommentPage, error)
	FetchReplies(ctx context.Context, q RepliesQuery) (CommentPage, error)
	CreateComment(ctx context.Context, req NewComment) (Comment, error)
	UpvoteComment(ctx context.Context, id int64) (VoteResult, error)
}

type PostsQuery struct {
	Sort   SortBy
	Order  Order
	Author string
	Site   string
	Page   int
	Limit  int
}

type PostPage struct {
	Items      []Post
	Page       int
	TotalPages int
}

type CommentsQuery struct {
	PostID          int64
	Page            int
	PageSize        int
	Sort            SortBy
	Order           Order
	IncludeChildren bool
}

type RepliesQuery struct {
	CommentID int64
	Page      int
	PageSize  int
	Sort      SortBy
	Order     Order
}

type CommentPage struct {
	Items      []Comment
	Page       int
	TotalPages int
}

// VoteResult is the authoritative state after a toggle.
type VoteResult struct {
	PointCount int
	IsUpvoted  bool
}

// NewComment targets either a post (top-level) or a parent comment (reply).
type NewComment struct {
	PostID          int64
	ParentCommentID int64
	Content         string
}
