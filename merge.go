package threadcache

// Flatten concatenates page ids in page order, then in-page order.
// Duplicates across pages are kept.
func Flatten(pages []Page) []int64 {
	n := 0
	for _, p := range pages {
		n += len(p.IDs)
	}
	out := make([]int64, 0, n)
	for _, p := range pages {
		out = append(out, p.IDs...)
	}
	return out
}

// TotalPages is ceil(count/size); 0 when either is 0.
func TotalPages(count, size int) int { return ceilDiv(count, size) }

// pageResult is one server page in either family.
type pageResult struct {
	isPosts    bool
	posts      []Post
	comments   []Comment
	page       int
	totalPages int
}

// mergePage folds res into v. With keepExisting, nodes already in v win over
// the page's copies (the entry was patched after the fetch started).
func mergePage(v *Value, res pageResult, keepExisting bool) {
	var ids []int64
	if res.isPosts {
		if v.Posts == nil {
			v.Posts = make(map[int64]Post, len(res.posts))
		}
		ids = make([]int64, 0, len(res.posts))
		for _, p := range res.posts {
			ids = append(ids, p.ID)
			if _, ok := v.Posts[p.ID]; ok && keepExisting {
				continue
			}
			v.Posts[p.ID] = p
		}
	} else {
		if v.Comments == nil {
			v.Comments = make(map[int64]Comment, len(res.comments))
		}
		ids = make([]int64, 0, len(res.comments))
		for _, cm := range res.comments {
			ids = append(ids, cm.ID)
			if _, ok := v.Comments[cm.ID]; ok && keepExisting {
				continue
			}
			v.Comments[cm.ID] = cm
		}
	}
	v.putPage(Page{Index: res.page, TotalPages: res.totalPages, IDs: ids})
	v.TotalPages = res.totalPages
}

// replySeeds builds replies page 1 for every fetched comment whose children
// were inlined, recursively. Comments with no replies get an empty page 1;
// comments with replies but no inlined children are left to a lazy fetch.
func replySeeds(comments []Comment, sort SortBy, order Order, nestedPageSize int, out map[Signature]Value) map[Signature]Value {
	for _, cm := range comments {
		if len(cm.Children) == 0 && cm.CommentCount > 0 {
			continue
		}
		if out == nil {
			out = make(map[Signature]Value)
		}
		res := pageResult{
			comments:   cm.Children,
			page:       1,
			totalPages: TotalPages(cm.CommentCount, nestedPageSize),
		}
		if res.comments == nil {
			res.comments = []Comment{}
		}
		var v Value
		mergePage(&v, res, false)
		out[RepliesSig(cm.ID, sort, order)] = v
		out = replySeeds(cm.Children, sort, order, nestedPageSize, out)
	}
	return out
}
