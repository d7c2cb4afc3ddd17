// Package httpclient implements threadcache.Transport over the REST API that
// wraps every response in {success, message, data, pagination}.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/threadcache"
)

const maxBody = 4 << 20

type Client struct {
	base string
	http *http.Client
}

var _ threadcache.Transport = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout). Use it to attach
// a cookie jar carrying the session.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type pageInfo struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

type envelope struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data"`
	Pagination  *pageInfo       `json:"pagination"`
	Error       string          `json:"error"`
	IsFormError bool            `json:"isFormError"`
}

type voteBody struct {
	Count     int  `json:"count"`
	IsUpvoted bool `json:"isUpvoted"`
}

func (c *Client) FetchPosts(ctx context.Context, q threadcache.PostsQuery) (threadcache.PostPage, error) {
	v := pageParams(q.Page, q.Limit, q.Sort, q.Order)
	if q.Author != "" {
		v.Set("author", q.Author)
	}
	if q.Site != "" {
		v.Set("site", q.Site)
	}
	var items []threadcache.Post
	env, err := c.do(ctx, http.MethodGet, "/api/posts?"+v.Encode(), nil, &items)
	if err != nil {
		return threadcache.PostPage{}, err
	}
	page, total := pagination(env, q.Page)
	return threadcache.PostPage{Items: items, Page: page, TotalPages: total}, nil
}

func (c *Client) FetchPost(ctx context.Context, id int64) (threadcache.Post, error) {
	var p threadcache.Post
	_, err := c.do(ctx, http.MethodGet, "/api/posts/"+itoa(id), nil, &p)
	return p, err
}

func (c *Client) UpvotePost(ctx context.Context, id int64) (threadcache.VoteResult, error) {
	return c.vote(ctx, "/api/posts/"+itoa(id)+"/upvote")
}

func (c *Client) UpvoteComment(ctx context.Context, id int64) (threadcache.VoteResult, error) {
	return c.vote(ctx, "/api/comments/"+itoa(id)+"/upvote")
}

func (c *Client) vote(ctx context.Context, path string) (threadcache.VoteResult, error) {
	var b voteBody
	if _, err := c.do(ctx, http.MethodPost, path, nil, &b); err != nil {
		return threadcache.VoteResult{}, err
	}
	return threadcache.VoteResult{PointCount: b.Count, IsUpvoted: b.IsUpvoted}, nil
}

func (c *Client) FetchComments(ctx context.Context, q threadcache.CommentsQuery) (threadcache.CommentPage, error) {
	v := pageParams(q.Page, q.PageSize, q.Sort, q.Order)
	if q.IncludeChildren {
		v.Set("includeChildren", "true")
	}
	return c.comments(ctx, "/api/posts/"+itoa(q.PostID)+"/comments?"+v.Encode(), q.Page)
}

func (c *Client) FetchReplies(ctx context.Context, q threadcache.RepliesQuery) (threadcache.CommentPage, error) {
	v := pageParams(q.Page, q.PageSize, q.Sort, q.Order)
	return c.comments(ctx, "/api/comments/"+itoa(q.CommentID)+"/comments?"+v.Encode(), q.Page)
}

func (c *Client) comments(ctx context.Context, path string, reqPage int) (threadcache.CommentPage, error) {
	var items []threadcache.Comment
	env, err := c.do(ctx, http.MethodGet, path, nil, &items)
	if err != nil {
		return threadcache.CommentPage{}, err
	}
	page, total := pagination(env, reqPage)
	return threadcache.CommentPage{Items: items, Page: page, TotalPages: total}, nil
}

func (c *Client) CreateComment(ctx context.Context, req threadcache.NewComment) (threadcache.Comment, error) {
	path := "/api/posts/" + itoa(req.PostID) + "/comment"
	if req.ParentCommentID != 0 {
		path = "/api/comments/" + itoa(req.ParentCommentID) + "/comment"
	}
	form := url.Values{"content": {req.Content}}
	var cm threadcache.Comment
	_, err := c.do(ctx, http.MethodPost, path, form, &cm)
	return cm, err
}

// do sends a request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) (*envelope, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", threadcache.ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", threadcache.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %s %s: status %d: decode: %w", threadcache.ErrTransport, method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return nil, statusError(resp.StatusCode, &env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("%w: %s %s: decode data: %w", threadcache.ErrTransport, method, path, err)
		}
	}
	return &env, nil
}

func statusError(status int, env *envelope) error {
	msg := coalesce(env.Error, http.StatusText(status))
	switch {
	case env.IsFormError:
		return &threadcache.ValidationError{Field: "content", Message: msg}
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, threadcache.ErrNotFound)
	default:
		return fmt.Errorf("%w: status %d: %s", threadcache.ErrTransport, status, msg)
	}
}

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	var ve *threadcache.ValidationError
	return errors.Is(err, threadcache.ErrTransport) && !errors.As(err, &ve)
}

func pageParams(page, limit int, sort threadcache.SortBy, order threadcache.Order) url.Values {
	v := url.Values{}
	if page > 0 {
		v.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if sort != "" {
		v.Set("sortBy", string(sort))
	}
	if order != "" {
		v.Set("order", string(order))
	}
	return v
}

func pagination(env *envelope, reqPage int) (int, int) {
	if env.Pagination == nil {
		return reqPage, 0
	}
	return env.Pagination.Page, env.Pagination.TotalPages
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
