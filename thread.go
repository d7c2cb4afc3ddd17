package threadcache

// ThreadNode is a comment with its replies resolved into a tree.
type ThreadNode struct {
	Comment
	Replies []*ThreadNode
}

// BuildThread nests comments by ParentCommentID. roots keeps its order; replies
// follow the order of the input slice. Comments whose parent is absent are
// dropped unless they are listed in roots.
func BuildThread(roots []Comment, replies []Comment) []*ThreadNode {
	nodes := make(map[int64]*ThreadNode, len(roots)+len(replies))
	out := make([]*ThreadNode, 0, len(roots))
	for _, c := range roots {
		n := &ThreadNode{Comment: c}
		n.Children = nil
		out = append(out, n)
		if _, dup := nodes[c.ID]; !dup {
			nodes[c.ID] = n
		}
	}
	pending := make([]*ThreadNode, 0, len(replies))
	for _, c := range replies {
		n := &ThreadNode{Comment: c}
		n.Children = nil
		if _, dup := nodes[c.ID]; !dup {
			nodes[c.ID] = n
		}
		pending = append(pending, n)
	}
	for _, n := range pending {
		if n.ParentCommentID == nil {
			continue
		}
		if p, ok := nodes[*n.ParentCommentID]; ok && p != n {
			p.Replies = append(p.Replies, n)
		}
	}
	return out
}
