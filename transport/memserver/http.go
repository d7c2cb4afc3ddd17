package memserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/unkn0wn-root/threadcache"
)

// Envelope is the JSON body of every response.
type Envelope struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	Data        any         `json:"data,omitempty"`
	Pagination  *Pagination `json:"pagination,omitempty"`
	Error       string      `json:"error,omitempty"`
	IsFormError bool        `json:"isFormError,omitempty"`
}

type Pagination struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

// Handler serves s over the REST routes the HTTP transport speaks:
//
//	GET  /api/posts                 ?limit&page&sortBy&order&author&site
//	GET  /api/posts/{id}
//	POST /api/posts/{id}/upvote
//	GET  /api/posts/{id}/comments   ?limit&page&sortBy&order&includeChildren
//	POST /api/posts/{id}/comment    form: content
//	GET  /api/comments/{id}/comments ?limit&page&sortBy&order
//	POST /api/comments/{id}/comment form: content
//	POST /api/comments/{id}/upvote
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/posts", func(r chi.Router) {
		r.Get("/", s.handleGetPosts)
		r.Get("/{id}", s.handleGetPost)
		r.Post("/{id}/upvote", s.handleUpvotePost)
		r.Get("/{id}/comments", s.handleGetComments)
		r.Post("/{id}/comment", s.handleCreateComment(false))
	})
	r.Route("/api/comments", func(r chi.Router) {
		r.Get("/{id}/comments", s.handleGetReplies)
		r.Post("/{id}/comment", s.handleCreateComment(true))
		r.Post("/{id}/upvote", s.handleUpvoteComment)
	})
	return r
}

func (s *Server) handleGetPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.FetchPosts(r.Context(), threadcache.PostsQuery{
		Sort:   threadcache.SortBy(q.Get("sortBy")),
		Order:  threadcache.Order(q.Get("order")),
		Author: q.Get("author"),
		Site:   q.Get("site"),
		Page:   atoi(q.Get("page")),
		Limit:  atoi(q.Get("limit")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Success:    true,
		Message:    "Posts fetched",
		Data:       page.Items,
		Pagination: &Pagination{Page: page.Page, TotalPages: page.TotalPages},
	})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.FetchPost(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "Post fetched", Data: p})
}

type voteBody struct {
	Count     int  `json:"count"`
	IsUpvoted bool `json:"isUpvoted"`
}

func (s *Server) handleUpvotePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.UpvotePost(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "Post upvoted", Data: voteBody{Count: res.PointCount, IsUpvoted: res.IsUpvoted}})
}

func (s *Server) handleUpvoteComment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.UpvoteComment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "Comment upvoted", Data: voteBody{Count: res.PointCount, IsUpvoted: res.IsUpvoted}})
}

func (s *Server) handleGetComments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	include, _ := strconv.ParseBool(q.Get("includeChildren"))
	page, err := s.FetchComments(r.Context(), threadcache.CommentsQuery{
		PostID:          id,
		Page:            atoi(q.Get("page")),
		PageSize:        atoi(q.Get("limit")),
		Sort:            threadcache.SortBy(q.Get("sortBy")),
		Order:           threadcache.Order(q.Get("order")),
		IncludeChildren: include,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Success:    true,
		Message:    "Comments fetched",
		Data:       page.Items,
		Pagination: &Pagination{Page: page.Page, TotalPages: page.TotalPages},
	})
}

func (s *Server) handleGetReplies(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := s.FetchReplies(r.Context(), threadcache.RepliesQuery{
		CommentID: id,
		Page:      atoi(q.Get("page")),
		PageSize:  atoi(q.Get("limit")),
		Sort:      threadcache.SortBy(q.Get("sortBy")),
		Order:     threadcache.Order(q.Get("order")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Success:    true,
		Message:    "Comments fetched",
		Data:       page.Items,
		Pagination: &Pagination{Page: page.Page, TotalPages: page.TotalPages},
	})
}

func (s *Server) handleCreateComment(reply bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, Envelope{Error: "invalid form body"})
			return
		}
		req := threadcache.NewComment{PostID: id, Content: r.PostForm.Get("content")}
		if reply {
			req = threadcache.NewComment{ParentCommentID: id, Content: r.PostForm.Get("content")}
		}
		cm, err := s.CreateComment(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, Envelope{Success: true, Message: "Comment created", Data: cm})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, Envelope{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("memserver: encode response: %v", err)
	}
}

// writeError maps transport errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *threadcache.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, Envelope{Error: ve.Message, IsFormError: true})
	case errors.Is(err, threadcache.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Envelope{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, Envelope{Error: err.Error()})
	}
}
