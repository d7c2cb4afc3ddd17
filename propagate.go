package threadcache

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// propagator carries a reconciled value to views outside the mutation scope.
type propagator struct {
	store *Store
	log   Logger
}

// propagate patches active siblings that contain the target and marks inactive
// ones stale without fetching.
func (p *propagator) propagate(ctx context.Context, t targetKey, server voteState, scope Scope, userID string) error {
	var patchedN, staleN int
	err := p.store.locked(func() error {
		inScope := mapset.NewThreadUnsafeSet[Signature](p.store.matchLocked(scope.Filters)...)
		_, err := p.store.forEachLocked(ctx, t.fam.filters(), func(e *Entry) bool {
			if inScope.Contains(e.Sig) || !containsTarget(&e.Value, t) {
				return false
			}
			if !e.Active {
				e.Stale = true
				staleN++
				return false
			}
			n := patchVote(&e.Value, t, userID, func(voteState) voteState { return server })
			if n > 0 {
				patchedN++
			}
			return n > 0
		})
		return err
	})
	if patchedN+staleN > 0 {
		p.log.Debug("propagated", Fields{"id": t.id, "patched": patchedN, "stale": staleN})
	}
	return err
}
