package threadcache

import "sort"

// capture is what one mutation saw in one entry before patching it.
type capture struct {
	key     string
	payload []byte // encoded value before the patch
	gen     uint64 // generation written by the patch
	vote    *voteState
	draft   bool
}

// revert undoes only the fields this mutation changed.
func (cp *capture) revert(v *Value, t targetKey, userID string) bool {
	changed := false
	if cp.vote != nil {
		before := *cp.vote
		changed = patchVote(v, t, userID, func(voteState) voteState { return before }) > 0
	}
	if cp.draft && removeDraft(v) {
		changed = true
	}
	return changed
}

// snapshot holds one mutation's captures. It is never shared between mutations.
type snapshot struct {
	entries map[Signature]*capture
}

func newSnapshot() *snapshot {
	return &snapshot{entries: make(map[Signature]*capture)}
}

func (s *snapshot) pending(sig Signature) *capture {
	cp, ok := s.entries[sig]
	if !ok {
		cp = &capture{}
		s.entries[sig] = cp
	}
	return cp
}

// seal fills payloads and generations from the entries actually written.
// Captures of entries that were not written are discarded.
func (s *snapshot) seal(written []patched) {
	keep := make(map[Signature]*capture, len(written))
	for _, p := range written {
		cp, ok := s.entries[p.sig]
		if !ok {
			continue
		}
		cp.key, cp.payload, cp.gen = p.key, p.orig, p.gen
		keep[p.sig] = cp
	}
	s.entries = keep
}

func (s *snapshot) sigs() []Signature {
	out := make([]Signature, 0, len(s.entries))
	for sig := range s.entries {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return s.entries[out[i]].key < s.entries[out[j]].key })
	return out
}

func (s *snapshot) len() int { return len(s.entries) }
