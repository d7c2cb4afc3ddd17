package threadcache

import (
	"strconv"

	"github.com/unkn0wn-root/threadcache/internal/util"
)

// Kind names a cached resource.
type Kind string

const (
	KindPosts        Kind = "posts"         // post feed, filtered/sorted
	KindPost         Kind = "post"          // single post detail
	KindPostComments Kind = "post-comments" // top-level comments under a post
	KindReplies      Kind = "replies"       // nested replies under a comment
)

// family groups kinds that can hold the same entity.
type family uint8

const (
	familyPosts family = iota + 1
	familyComments
)

func (k Kind) family() family {
	switch k {
	case KindPosts, KindPost:
		return familyPosts
	case KindPostComments, KindReplies:
		return familyComments
	}
	return 0
}

func (f family) filters() []Filter {
	switch f {
	case familyPosts:
		return []Filter{{Kind: KindPosts}, {Kind: KindPost}}
	case familyComments:
		return []Filter{{Kind: KindPostComments}, {Kind: KindReplies}}
	}
	return nil
}

type SortBy string

const (
	SortPoints SortBy = "points"
	SortRecent SortBy = "recent"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Signature is the structural identity of a cached view.
// Two signatures are equal iff every field matches; it is comparable and used as a map key.
type Signature struct {
	Kind   Kind
	ID     int64 // post id (post, post-comments) or parent comment id (replies); 0 for feeds
	Sort   SortBy
	Order  Order
	Author string
	Site   string
}

// PostsFilter selects a post feed.
type PostsFilter struct {
	Sort   SortBy
	Order  Order
	Author string
	Site   string
}

func PostsSig(f PostsFilter) Signature {
	return Signature{
		Kind:   KindPosts,
		Sort:   coalesce(f.Sort, SortRecent),
		Order:  coalesce(f.Order, OrderDesc),
		Author: f.Author,
		Site:   f.Site,
	}
}

func PostSig(id int64) Signature {
	return Signature{Kind: KindPost, ID: id}
}

func PostCommentsSig(postID int64, sort SortBy, order Order) Signature {
	return Signature{
		Kind:  KindPostComments,
		ID:    postID,
		Sort:  coalesce(sort, SortPoints),
		Order: coalesce(order, OrderDesc),
	}
}

// RepliesSig keys the nested replies of a comment. Sort and order follow the
// collection the parent was loaded from, so inline children line up with page 2+.
func RepliesSig(commentID int64, sort SortBy, order Order) Signature {
	return Signature{
		Kind:  KindReplies,
		ID:    commentID,
		Sort:  coalesce(sort, SortPoints),
		Order: coalesce(order, OrderDesc),
	}
}

func (s Signature) params() []string {
	return []string{string(s.Sort), string(s.Order), s.Author, s.Site}
}

// String is the signature's storage key suffix: <kind>:<id>:<param hash>.
func (s Signature) String() string {
	return util.ParamKey(string(s.Kind)+":"+strconv.FormatInt(s.ID, 10), s.params())
}

// Filter is a partial signature. Zero fields match anything.
type Filter struct {
	Kind       Kind
	ID         int64
	ActiveOnly bool
}

func (f Filter) Matches(sig Signature, active bool) bool {
	if f.Kind != "" && f.Kind != sig.Kind {
		return false
	}
	if f.ID != 0 && f.ID != sig.ID {
		return false
	}
	if f.ActiveOnly && !active {
		return false
	}
	return true
}

// Scope is the set of signature families one mutation may need to patch.
type Scope struct {
	Filters []Filter
}

func (sc Scope) Matches(sig Signature, active bool) bool {
	for _, f := range sc.Filters {
		if f.Matches(sig, active) {
			return true
		}
	}
	return false
}

// PostScope covers the post's detail view and every active feed.
// Inactive feeds are left to invalidation.
func PostScope(postID int64) Scope {
	return Scope{Filters: []Filter{
		{Kind: KindPost, ID: postID},
		{Kind: KindPosts, ActiveOnly: true},
	}}
}

// CommentScope covers the post-level comment collections of postID and/or the
// nested reply collections of parentCommentID. Either may be zero/nil.
func CommentScope(postID int64, parentCommentID *int64) Scope {
	var sc Scope
	if postID != 0 {
		sc.Filters = append(sc.Filters, Filter{Kind: KindPostComments, ID: postID})
	}
	if parentCommentID != nil {
		sc.Filters = append(sc.Filters, Filter{Kind: KindReplies, ID: *parentCommentID})
	}
	return sc
}
