package threadcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

const (
	opUpvotePost    = "toggle_upvote_post"
	opUpvoteComment = "toggle_upvote_comment"
	opCreateComment = "create_comment"

	minCommentLen = 3
)

type mutationState uint8

const (
	statePending mutationState = iota
	stateApplied
	stateReconciled
	stateRolledBack
	stateSuperseded
)

func (s mutationState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateApplied:
		return "applied"
	case stateReconciled:
		return "reconciled"
	case stateRolledBack:
		return "rolled_back"
	case stateSuperseded:
		return "superseded"
	}
	return "unknown"
}

// targetKey identifies the entity a mutation changes.
type targetKey struct {
	fam family
	id  int64
}

type mutation struct {
	id     string
	op     string
	target targetKey
	scope  Scope
	snap   *snapshot
	state  mutationState

	// absorbed is set, under orchestrator.mu, when a newer toggle of the
	// same target wrote server state over this one's flip.
	absorbed bool
}

func (m *mutation) resolved() bool {
	return m.state == stateReconciled || m.state == stateRolledBack || m.state == stateSuperseded
}

type orchestrator struct {
	store     *Store
	transport Transport
	prop      *propagator
	log       Logger
	hooks     Hooks
	notifier  Notifier
	session   func() Author
	now       func() time.Time

	mu       sync.Mutex
	latest   map[targetKey]string
	inflight map[targetKey][]*mutation // in begin order
}

func (o *orchestrator) begin(op string, t targetKey, scope Scope, track bool) *mutation {
	m := &mutation{id: uuid.NewString(), op: op, target: t, scope: scope, snap: newSnapshot()}
	if track {
		o.mu.Lock()
		o.latest[t] = m.id
		o.inflight[t] = append(o.inflight[t], m)
		o.mu.Unlock()
	}
	return m
}

// finish removes a tracked mutation. It reports whether m was the newest
// mutation of its target, how many others of that target are still pending
// and which of those began after m.
func (o *orchestrator) finish(m *mutation) (latest bool, others int, later []*mutation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	latest = o.latest[m.target] == m.id
	if latest {
		delete(o.latest, m.target)
	}
	q := o.inflight[m.target]
	for i, x := range q {
		if x == m {
			later = append([]*mutation(nil), q[i+1:]...)
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(o.inflight, m.target)
	} else {
		o.inflight[m.target] = q
	}
	return latest, len(q), later
}

// absorb records that server state for t is about to replace every pending flip.
func (o *orchestrator) absorb(t targetKey) {
	o.mu.Lock()
	for _, x := range o.inflight[t] {
		x.absorbed = true
	}
	o.mu.Unlock()
}

// toggleUpvote runs snapshot, apply and resolve for one upvote toggle.
func (o *orchestrator) toggleUpvote(ctx context.Context, op string, t targetKey, scope Scope, call func(context.Context, int64) (VoteResult, error)) error {
	m := o.begin(op, t, scope, true)
	userID := o.session().ID

	err := o.store.locked(func() error {
		o.store.cancelFetchesLocked(scope.Filters)
		written, err := o.store.forEachLocked(ctx, scope.Filters, func(e *Entry) bool {
			var before *voteState
			n := patchVote(&e.Value, t, userID, func(s voteState) voteState {
				if before == nil {
					b := s
					before = &b
				}
				return s.toggled()
			})
			if n == 0 {
				return false
			}
			m.snap.pending(e.Sig).vote = before
			return true
		})
		m.snap.seal(written)
		return err
	})
	if err != nil {
		// partial apply: undo what was written before surfacing the store error
		o.rollback(ctx, m)
		o.finish(m)
		return &MutationError{Op: op, ID: t.id, MutationID: m.id, Err: err}
	}
	m.state = stateApplied
	o.log.Debug("optimistic patch applied", Fields{"op": op, "id": t.id, "mutation": m.id, "entries": m.snap.len()})

	res, err := call(ctx, t.id)
	return o.resolveVote(ctx, m, res, err)
}

func (o *orchestrator) resolveVote(ctx context.Context, m *mutation, res VoteResult, callErr error) error {
	if m.resolved() {
		return nil
	}
	userID := o.session().ID

	latest, others, later := o.finish(m)
	if !latest {
		// A newer toggle of the same target owns the optimistic state. When it
		// already resolved, this response may be the later one: refetch.
		m.state = stateSuperseded
		o.hooks.MutationSuperseded(m.op, m.target.id, m.id)
		if callErr != nil {
			if !m.absorbed {
				o.withdraw(ctx, m, later)
			}
			o.notify(m, callErr)
		}
		if callErr != nil || others == 0 {
			o.markStale(ctx, o.scopeSigs(ctx, m.scope), others == 0)
		}
		if callErr != nil {
			return &MutationError{Op: m.op, ID: m.target.id, MutationID: m.id, Err: callErr}
		}
		return nil
	}

	if callErr == nil {
		o.absorb(m.target)
		server := voteState{Points: res.PointCount, Upvoted: res.IsUpvoted}
		err := o.store.locked(func() error {
			_, err := o.store.forEachLocked(ctx, m.scope.Filters, func(e *Entry) bool {
				return patchVote(&e.Value, m.target, userID, func(voteState) voteState { return server }) > 0
			})
			return err
		})
		if err != nil {
			o.log.Error("reconcile failed", Fields{"op": m.op, "id": m.target.id, "err": err})
		}
		m.state = stateReconciled
		if err := o.prop.propagate(ctx, m.target, server, m.scope, userID); err != nil {
			o.log.Error("propagate failed", Fields{"op": m.op, "id": m.target.id, "err": err})
		}
		return nil
	}

	o.rollback(ctx, m)
	m.state = stateRolledBack
	o.notify(m, callErr)
	o.markStale(ctx, o.scopeSigs(ctx, m.scope), true)
	return &MutationError{Op: m.op, ID: m.target.id, MutationID: m.id, Err: callErr}
}

// submitComment inserts a draft, creates the comment and swaps the draft for
// the server's comment. parentID is a post id, or a comment id when
// isParentComment is set.
func (o *orchestrator) submitComment(ctx context.Context, parentID int64, content string, isParentComment bool) (Comment, error) {
	if err := validateContent(content); err != nil {
		return Comment{}, err
	}

	filter := Filter{Kind: KindPostComments, ID: parentID}
	req := NewComment{PostID: parentID, Content: content}
	if isParentComment {
		filter.Kind = KindReplies
		req = NewComment{ParentCommentID: parentID, Content: content}
	}
	m := o.begin(opCreateComment, targetKey{fam: familyComments, id: parentID}, Scope{Filters: []Filter{filter}}, false)

	author := o.session()
	draft := Comment{
		ID:        DraftID,
		UserID:    author.ID,
		Content:   content,
		CreatedAt: o.now(),
		Author:    author,
	}
	if isParentComment {
		pid := parentID
		draft.ParentCommentID = &pid
	} else {
		draft.PostID = parentID
	}

	err := o.store.locked(func() error {
		pending := false
		_, err := o.store.forEachLocked(ctx, familyComments.filters(), func(e *Entry) bool {
			if filter.Matches(e.Sig, e.Active) {
				if _, ok := e.Value.Comments[DraftID]; ok {
					pending = true
				}
			}
			if isParentComment && draft.PostID == 0 {
				if p, ok := e.Value.findComment(parentID); ok {
					draft.PostID = p.PostID
					draft.Depth = p.Depth + 1
				}
			}
			return false
		})
		if err != nil {
			return err
		}
		if pending {
			return ErrDraftPending
		}
		written, err := o.store.forEachLocked(ctx, []Filter{filter}, func(e *Entry) bool {
			if !insertDraft(&e.Value, draft) {
				return false
			}
			m.snap.pending(e.Sig).draft = true
			return true
		})
		m.snap.seal(written)
		return err
	})
	if errors.Is(err, ErrDraftPending) {
		return Comment{}, &MutationError{Op: m.op, ID: parentID, MutationID: m.id, Err: err}
	}
	if err != nil {
		o.rollback(ctx, m)
		return Comment{}, &MutationError{Op: m.op, ID: parentID, MutationID: m.id, Err: err}
	}
	m.state = stateApplied

	created, callErr := o.transport.CreateComment(ctx, req)
	if callErr != nil {
		o.rollback(ctx, m)
		m.state = stateRolledBack
		if IsValidation(callErr) {
			// rejected input: the rollback is exact, nothing to refetch
			return Comment{}, &MutationError{Op: m.op, ID: parentID, MutationID: m.id, Err: callErr}
		}
		o.notify(m, callErr)
		o.markStale(ctx, o.scopeSigs(ctx, m.scope), true)
		return Comment{}, &MutationError{Op: m.op, ID: parentID, MutationID: m.id, Err: callErr}
	}

	var counters []Signature
	err = o.store.locked(func() error {
		orders := mapset.NewThreadUnsafeSet[Signature]()
		_, err := o.store.forEachLocked(ctx, []Filter{filter}, func(e *Entry) bool {
			removed := removeDraft(&e.Value)
			if !prependComment(&e.Value, created) {
				return removed
			}
			orders.Add(RepliesSig(created.ID, e.Sig.Sort, e.Sig.Order))
			return true
		})
		if err != nil {
			return err
		}
		// a new comment has no replies yet
		for _, rs := range orders.ToSlice() {
			if err := o.store.seedLocked(ctx, rs, emptyPage()); err != nil {
				return err
			}
		}
		if !isParentComment {
			return nil
		}
		// the parent's reply counter changed wherever the parent is listed
		_, err = o.store.forEachLocked(ctx, familyComments.filters(), func(e *Entry) bool {
			if !filter.Matches(e.Sig, e.Active) && e.Value.hasComment(parentID) {
				counters = append(counters, e.Sig)
			}
			return false
		})
		return err
	})
	if err != nil {
		o.log.Error("reconcile created comment failed", Fields{"op": m.op, "id": parentID, "err": err})
	}
	m.state = stateReconciled

	o.markStale(ctx, []Signature{PostSig(created.PostID)}, true)
	o.markStale(ctx, counters, false)
	return created, nil
}

// rollback restores every entry this mutation patched. Entries untouched
// since the patch get their exact pre-mutation payload back.
func (o *orchestrator) rollback(ctx context.Context, m *mutation) {
	if m.snap.len() == 0 {
		return
	}
	userID := o.session().ID
	err := o.store.locked(func() error {
		for _, sig := range m.snap.sigs() {
			cp := m.snap.entries[sig]
			full, err := o.store.restoreLocked(ctx, sig, cp.payload, cp.gen, func(v *Value) bool {
				return cp.revert(v, m.target, userID)
			})
			if err != nil {
				o.log.Error("rollback entry failed", Fields{"op": m.op, "key": cp.key, "err": err})
				continue
			}
			if !full {
				o.hooks.RollbackPartial(cp.key, m.op)
			}
		}
		return nil
	})
	if err != nil {
		o.log.Error("rollback failed", Fields{"op": m.op, "mutation": m.id, "err": err})
	}
}

// withdraw takes a failed toggle's flip back out of the entries it patched
// while newer toggles of the target were applied on top. The captured
// pre-states of toggles that began after m include the flip, so they are
// flipped too and their own rollback lands on a state the server has.
func (o *orchestrator) withdraw(ctx context.Context, m *mutation, later []*mutation) {
	if m.snap.len() == 0 {
		return
	}
	userID := o.session().ID
	flip := func(v *Value) bool {
		return patchVote(v, m.target, userID, voteState.toggled) > 0
	}
	err := o.store.locked(func() error {
		for _, sig := range m.snap.sigs() {
			cp := m.snap.entries[sig]
			if cp.vote == nil {
				continue
			}
			if _, err := o.store.restoreLocked(ctx, sig, cp.payload, cp.gen, flip); err != nil {
				o.log.Error("withdraw entry failed", Fields{"op": m.op, "key": cp.key, "err": err})
				continue
			}
			for _, l := range later {
				if lc, ok := l.snap.entries[sig]; ok && lc.vote != nil {
					before := lc.vote.toggled()
					lc.vote = &before
				}
			}
		}
		return nil
	})
	if err != nil {
		o.log.Error("withdraw failed", Fields{"op": m.op, "mutation": m.id, "err": err})
	}
}

func (o *orchestrator) scopeSigs(ctx context.Context, sc Scope) []Signature {
	var out []Signature
	_ = o.store.locked(func() error {
		out = o.store.matchLocked(sc.Filters)
		return nil
	})
	return out
}

// markStale flags each signature once. Refetches run outside the store lock;
// their errors are logged.
func (o *orchestrator) markStale(ctx context.Context, sigs []Signature, refetch bool) {
	seen := mapset.NewThreadUnsafeSet[Signature]()
	for _, sig := range sigs {
		if !seen.Add(sig) {
			continue
		}
		if err := o.store.MarkStale(ctx, sig, StaleOptions{RefetchNow: refetch}); err != nil {
			o.log.Warn("refetch after mutation failed", Fields{"sig": sig.String(), "err": err})
		}
	}
}

func (o *orchestrator) notify(m *mutation, err error) {
	msg := "Failed to upvote post"
	switch m.op {
	case opUpvoteComment:
		msg = "Failed to upvote comment"
	case opCreateComment:
		msg = "Failed to create comment"
	}
	o.log.Warn(msg, Fields{"op": m.op, "id": m.target.id, "mutation": m.id, "err": err})
	o.notifier.Notify(Notice{Op: m.op, ID: m.target.id, Message: msg, Err: err})
}

func validateContent(content string) error {
	if utf8.RuneCountInString(strings.TrimSpace(content)) < minCommentLen {
		return &ValidationError{Field: "content", Message: "Comment must be at least 3 characters"}
	}
	return nil
}

// patchVote rewrites the vote fields of every occurrence of t in v.
func patchVote(v *Value, t targetKey, userID string, fn func(voteState) voteState) int {
	switch t.fam {
	case familyPosts:
		return v.updatePost(t.id, func(p *Post) {
			s := fn(voteState{Points: p.Points, Upvoted: p.IsUpvoted})
			p.Points, p.IsUpvoted = s.Points, s.Upvoted
		})
	case familyComments:
		return v.updateComment(t.id, func(c *Comment) {
			s := fn(voteState{Points: c.Points, Upvoted: c.IsUpvoted()})
			c.Points = s.Points
			c.setUpvoted(s.Upvoted, userID)
		})
	}
	return 0
}

func containsTarget(v *Value, t targetKey) bool {
	switch t.fam {
	case familyPosts:
		return v.hasPost(t.id)
	case familyComments:
		return v.hasComment(t.id)
	}
	return false
}

func insertDraft(v *Value, d Comment) bool {
	p := v.page(1)
	if p == nil {
		return false
	}
	p.IDs = append([]int64{d.ID}, p.IDs...)
	if v.Comments == nil {
		v.Comments = make(map[int64]Comment)
	}
	v.Comments[d.ID] = d
	return true
}

func removeDraft(v *Value) bool {
	_, had := v.Comments[DraftID]
	delete(v.Comments, DraftID)
	for i := range v.Pages {
		ids := v.Pages[i].IDs[:0]
		for _, id := range v.Pages[i].IDs {
			if id == DraftID {
				had = true
				continue
			}
			ids = append(ids, id)
		}
		v.Pages[i].IDs = ids
	}
	return had
}

func prependComment(v *Value, c Comment) bool {
	p := v.page(1)
	if p == nil {
		return false
	}
	p.IDs = append([]int64{c.ID}, p.IDs...)
	if v.Comments == nil {
		v.Comments = make(map[int64]Comment)
	}
	v.Comments[c.ID] = c
	return true
}

func emptyPage() Value {
	return Value{Pages: []Page{{Index: 1, IDs: []int64{}}}, Comments: map[int64]Comment{}}
}
